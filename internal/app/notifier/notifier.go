// Package notifier доставляет уведомления из RabbitMQ в Telegram.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/rabbitmq"
	senderservice "github.com/magabrotheeeer/vpn-orchestrator/internal/services/sender"
)

// concurrency число одновременно отправляемых сообщений на очередь.
const concurrency = 4

// App процесс доставки уведомлений.
type App struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	sender *senderservice.Service
	logger *slog.Logger
}

// New подключается к RabbitMQ и Telegram.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.notifier.New"
	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("%s: telegram bot token is required", op)
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger.Info("authorized on telegram", slog.String("bot", bot.Self.UserName))

	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := ch.Qos(concurrency*2, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &App{
		conn:   conn,
		ch:     ch,
		sender: senderservice.New(logger, bot, cfg.AdminIDs),
		logger: logger,
	}, nil
}

// Run потребляет очереди пользователей и администраторов до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	const op = "app.notifier.Run"
	var waits []func()
	for _, q := range rabbitmq.GetNotificationQueues() {
		wait, err := rabbitmq.ConsumerMessage(ctx, a.logger, a.ch, q.QueueName, concurrency, a.sender.Handle)
		if err != nil {
			a.logger.Error("failed to start consumer", slog.String("queue", q.QueueName), sl.Err(err))
			a.close()
			return fmt.Errorf("%s: %w", op, err)
		}
		waits = append(waits, wait)
	}

	<-ctx.Done()
	a.logger.Info("notifier shutting down gracefully")
	for _, wait := range waits {
		wait()
	}
	a.close()
	return nil
}

func (a *App) close() {
	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", sl.Err(err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", sl.Err(err))
	}
}
