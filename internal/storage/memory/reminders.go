package memory

import (
	"context"
	"sort"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage"
)

// ListExpiringEntitlements возвращает права со сроком в интервале (from, to].
func (s *Storage) ListExpiringEntitlements(ctx context.Context, from, to time.Time, limit int) ([]models.EntitlementRecord, error) {
	const op = "storage.memory.ListExpiringEntitlements"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EntitlementRecord
	for _, u := range s.users {
		for key, exp := range u.Entitlements {
			if exp.After(from) && !exp.After(to) {
				out = append(out, models.EntitlementRecord{UserID: u.ID, ServiceKey: key, ExpiresAt: exp})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.ServiceKey < b.ServiceKey
	})
	if n := storage.Limit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// ReminderSent сообщает, отправлялось ли напоминание.
func (s *Storage) ReminderSent(ctx context.Context, r models.Reminder) (bool, error) {
	const op = "storage.memory.ReminderSent"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.reminders[reminderKey(r)]
	return ok, nil
}

// MarkReminderSent запоминает отправку. Повторная отметка ничего не меняет.
func (s *Storage) MarkReminderSent(ctx context.Context, r models.Reminder, at time.Time) error {
	const op = "storage.memory.MarkReminderSent"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reminderKey(r)
	if _, ok := s.reminders[k]; !ok {
		s.reminders[k] = at
	}
	return nil
}

func reminderKey(r models.Reminder) models.Reminder {
	r.ExpiresAt = r.ExpiresAt.UTC()
	return r
}
