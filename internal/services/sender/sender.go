// Package sender доставляет уведомления оркестратора в Telegram.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// expiryLayout формат даты окончания доступа в тексте сообщения.
const expiryLayout = "02.01.2006 15:04 MST"

// Bot отправляет сообщения Telegram.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Service разбирает уведомления из очереди и отправляет их адресатам.
type Service struct {
	log      *slog.Logger
	bot      Bot
	adminIDs []int64
}

// New создает новый экземпляр Service.
func New(log *slog.Logger, bot Bot, adminIDs []int64) *Service {
	return &Service{
		log:      log,
		bot:      bot,
		adminIDs: adminIDs,
	}
}

// Handle обрабатывает одно сообщение очереди. Ошибка возвращает сообщение
// в очередь, поэтому битые сообщения и постоянные отказы Telegram
// только логируются.
func (s *Service) Handle(ctx context.Context, body []byte) error {
	const op = "sender.Handle"
	log := s.log.With(slog.String("op", op))

	var n models.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Error("failed to unmarshal notification, dropped", sl.Err(err))
		return nil
	}
	log = log.With(
		slog.String("kind", string(n.Kind)),
		slog.Int64("user_id", n.UserID),
		slog.String("transaction_id", n.TransactionID),
	)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	text := Render(n)
	if !n.ForAdmins() {
		if err := s.send(n.UserID, text); err != nil {
			if permanent(err) {
				log.Warn("user is unreachable, notification dropped", sl.Err(err))
				return nil
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Info("notification delivered")
		return nil
	}

	if len(s.adminIDs) == 0 {
		log.Warn("no admins configured, notification dropped")
		return nil
	}
	var errs []error
	for _, id := range s.adminIDs {
		if err := s.send(id, text); err != nil {
			log.Error("failed to notify admin", slog.Int64("admin_id", id), sl.Err(err))
			errs = append(errs, err)
		}
	}
	// Повтор только если не дошло ни одному администратору, иначе остальные получат дубль.
	if len(errs) == len(s.adminIDs) && !permanent(errs[0]) {
		return fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}
	log.Info("admin notification delivered", slog.Int("failed", len(errs)))
	return nil
}

func (s *Service) send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return err
	}
	return nil
}

// permanent сообщает, что Telegram отказал окончательно: бот заблокирован или чат не найден.
func permanent(err error) bool {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return false
	}
	return tgErr.Code == http.StatusForbidden || tgErr.Code == http.StatusBadRequest
}

// Render собирает текст сообщения по виду уведомления.
func Render(n models.Notification) string {
	var b strings.Builder
	switch n.Kind {
	case models.NotifySettled:
		b.WriteString("✅ Готово, доступ выдан.")
		if n.ExpiresAt != nil {
			fmt.Fprintf(&b, "\nДействует до: %s", n.ExpiresAt.UTC().Format(expiryLayout))
		}
	case models.NotifyPaymentFailed:
		b.WriteString("⚠️ Платёж не завершён.")
	case models.NotifyExpiryReminder:
		b.WriteString("⏳ Скоро закончится доступ.")
		if n.ExpiresAt != nil {
			fmt.Fprintf(&b, "\nДействует до: %s", n.ExpiresAt.UTC().Format(expiryLayout))
		}
	case models.NotifyAccessExpired:
		b.WriteString("⛔️ Доступ закончился.")
	case models.NotifyReviewRequired:
		fmt.Fprintf(&b, "🛠 Требуется ручная проверка\nПользователь: %d\nТранзакция: %s", n.UserID, n.TransactionID)
	case models.NotifyLatePayment:
		fmt.Fprintf(&b, "💸 Оплата после закрытия транзакции\nПользователь: %d\nТранзакция: %s", n.UserID, n.TransactionID)
	default:
		b.WriteString("Уведомление")
	}
	if n.ServiceKey != "" {
		fmt.Fprintf(&b, "\nСервис: %s", n.ServiceKey)
	}
	if n.Text != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Text)
	}
	return b.String()
}
