package rabbitmq

import (
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// Ключи маршрутизации уведомлений.
const (
	RoutingKeyUser  = "user"
	RoutingKeyAdmin = "admin"
)

// QueueConfig связывает очередь с ключом маршрутизации.
// Ненулевой TTL отбрасывает сообщения, не доставленные за это время.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
	TTL        time.Duration
}

// GetNotificationQueues возвращает очереди уведомлений пользователям и администраторам.
// Пользовательские сообщения о доступе теряют смысл через сутки, алерты администраторам хранятся до доставки.
func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "notifications.user", RoutingKey: RoutingKeyUser, TTL: 24 * time.Hour},
		{QueueName: "notifications.admin", RoutingKey: RoutingKeyAdmin},
	}
}

func (q QueueConfig) args() amqp.Table {
	if q.TTL <= 0 {
		return nil
	}
	return amqp.Table{"x-message-ttl": q.TTL.Milliseconds()}
}

// SetupChannel открывает канал, объявляет обменник уведомлений и привязывает к нему очереди.
func SetupChannel(conn *amqp.Connection, queues []QueueConfig) (*amqp.Channel, error) {
	const op = "rabbitmq.SetupChannel"

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%s: declare exchange %s: %w", op, Exchange, err)
	}
	for _, q := range queues {
		if err := declareQueue(ch, q); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return ch, nil
}

func declareQueue(ch *amqp.Channel, q QueueConfig) error {
	if _, err := ch.QueueDeclare(q.QueueName, true, false, false, false, q.args()); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.QueueName, err)
	}
	if err := ch.QueueBind(q.QueueName, q.RoutingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", q.QueueName, q.RoutingKey, err)
	}
	return nil
}
