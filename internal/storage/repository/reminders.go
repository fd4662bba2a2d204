package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage"
)

// ListExpiringEntitlements возвращает права со сроком в интервале (from, to].
func (s *Storage) ListExpiringEntitlements(ctx context.Context, from, to time.Time, limit int) ([]models.EntitlementRecord, error) {
	const op = "storage.ListExpiringEntitlements"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT user_id, service_key, expires_at FROM entitlements
		 WHERE expires_at > $1 AND expires_at <= $2
		 ORDER BY expires_at, user_id, service_key LIMIT %d`, storage.Limit(limit)), from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.EntitlementRecord
	for rows.Next() {
		var r models.EntitlementRecord
		if err := rows.Scan(&r.UserID, &r.ServiceKey, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		r.ExpiresAt = r.ExpiresAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ReminderSent сообщает, отправлялось ли напоминание.
func (s *Storage) ReminderSent(ctx context.Context, r models.Reminder) (bool, error) {
	const op = "storage.ReminderSent"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}
	var sent bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM reminders_sent WHERE user_id = $1 AND expires_at = $2 AND kind = $3)`,
		r.UserID, r.ExpiresAt, string(r.Kind)).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return sent, nil
}

// MarkReminderSent запоминает отправку. Повторная отметка ничего не меняет.
func (s *Storage) MarkReminderSent(ctx context.Context, r models.Reminder, at time.Time) error {
	const op = "storage.MarkReminderSent"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO reminders_sent (user_id, expires_at, kind, sent_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		r.UserID, r.ExpiresAt, string(r.Kind), at)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
