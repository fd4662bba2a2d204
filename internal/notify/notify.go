// Package notify публикует уведомления оркестратора в RabbitMQ.
package notify

import (
	"context"
	"fmt"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/rabbitmq"
)

// Broker публикует сообщение с ключом маршрутизации.
type Broker interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// Publisher направляет уведомления в очередь пользователей или администраторов.
type Publisher struct {
	broker Broker
}

// New создаёт Publisher.
func New(broker Broker) *Publisher {
	return &Publisher{broker: broker}
}

// Notify публикует уведомление.
func (p *Publisher) Notify(ctx context.Context, n models.Notification) error {
	const op = "notify.Notify"
	key := rabbitmq.RoutingKeyUser
	if n.ForAdmins() {
		key = rabbitmq.RoutingKeyAdmin
	}
	if err := p.broker.Publish(ctx, key, n); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
