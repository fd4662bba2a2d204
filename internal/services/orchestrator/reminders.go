package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// ReminderResult число отправленных напоминаний по типам.
type ReminderResult struct {
	Soon    int
	Expired int
}

// SendReminders предупреждает пользователей о скором окончании доступа
// и сообщает об уже закончившемся. Каждое напоминание отправляется
// один раз на дату окончания, после продления дата меняется и цикл
// начинается заново. Неотправленное напоминание повторится в следующий запуск.
func (s *Service) SendReminders(ctx context.Context) (ReminderResult, error) {
	const op = "orchestrator.SendReminders"
	log := s.log.With(slog.String("op", op))
	var res ReminderResult

	now := s.clock()
	stages := []struct {
		kind     models.ReminderKind
		from, to time.Time
		counter  *int
	}{
		{kind: models.ReminderSoon, from: now, to: now.Add(s.lead), counter: &res.Soon},
		{kind: models.ReminderExpired, from: now.Add(-s.lead), to: now, counter: &res.Expired},
	}
	for _, st := range stages {
		records, err := s.store.ListExpiringEntitlements(ctx, st.from, st.to, s.batch)
		if err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		for _, group := range groupByExpiry(records) {
			if err := ctx.Err(); err != nil {
				return res, fmt.Errorf("%s: %w", op, err)
			}
			sent, err := s.remind(ctx, log, st.kind, group)
			if err != nil {
				log.Error("failed to send reminder",
					slog.Int64("user_id", group.userID), slog.String("kind", string(st.kind)), sl.Err(err))
				continue
			}
			if sent {
				*st.counter++
			}
		}
		s.metrics.RemindersSent(string(st.kind), *st.counter)
	}

	if res.Soon > 0 || res.Expired > 0 {
		log.Info("reminders sent", slog.Int("soon", res.Soon), slog.Int("expired", res.Expired))
	}
	return res, nil
}

type expiryGroup struct {
	userID    int64
	expiresAt time.Time
	services  []string
}

// groupByExpiry объединяет права, выданные одной покупкой: у автоматически
// назначенных сервисов та же дата окончания, пользователю уходит одно напоминание.
func groupByExpiry(records []models.EntitlementRecord) []expiryGroup {
	type key struct {
		userID int64
		at     int64
	}
	idx := make(map[key]int, len(records))
	var out []expiryGroup
	for _, r := range records {
		k := key{r.UserID, r.ExpiresAt.UnixMilli()}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, expiryGroup{userID: r.UserID, expiresAt: r.ExpiresAt})
		}
		out[i].services = append(out[i].services, r.ServiceKey)
	}
	for i := range out {
		sort.Strings(out[i].services)
	}
	return out
}

func (s *Service) remind(ctx context.Context, log *slog.Logger, kind models.ReminderKind, g expiryGroup) (bool, error) {
	r := models.Reminder{UserID: g.userID, ExpiresAt: g.expiresAt, Kind: kind}
	sent, err := s.store.ReminderSent(ctx, r)
	if err != nil || sent {
		return false, err
	}

	names := make([]string, 0, len(g.services))
	for _, key := range g.services {
		if svc, err := s.catalog.GetService(key); err == nil {
			names = append(names, "«"+svc.Name+"»")
		} else {
			names = append(names, "«"+key+"»")
		}
	}
	n := models.Notification{
		UserID:     g.userID,
		ServiceKey: g.services[0],
		ExpiresAt:  &g.expiresAt,
	}
	switch kind {
	case models.ReminderSoon:
		n.Kind = models.NotifyExpiryReminder
		n.Text = fmt.Sprintf("Доступ к %s закончится %s. Продлите подписку, чтобы не потерять соединение.",
			strings.Join(names, ", "), g.expiresAt.Format(expiryLayout))
	default:
		n.Kind = models.NotifyAccessExpired
		n.Text = fmt.Sprintf("Доступ к %s закончился %s. Оформите новую подписку, чтобы продолжить.",
			strings.Join(names, ", "), g.expiresAt.Format(expiryLayout))
	}

	// Сначала отправка, затем отметка: сбой доставки повторится в следующий запуск.
	if err := s.notifier.Notify(ctx, n); err != nil {
		return false, err
	}
	if err := s.store.MarkReminderSent(ctx, r, s.clock()); err != nil {
		return false, err
	}
	log.Debug("reminder sent", slog.Int64("user_id", g.userID), slog.String("kind", string(kind)))
	return true, nil
}
