package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// UpsertUser создаёт пользователя при первом обращении, затем обновляет имя и время обращения.
func (s *Storage) UpsertUser(ctx context.Context, id int64, username string, seenAt time.Time) error {
	const op = "storage.UpsertUser"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	query := `INSERT INTO users (id, username, created_at, last_seen_at)
			  VALUES ($1, $2, $3, $3)
			  ON CONFLICT (id) DO UPDATE SET
			      username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE users.username END,
			      last_seen_at = GREATEST(users.last_seen_at, EXCLUDED.last_seen_at)`
	if _, err := s.DB.ExecContext(ctx, query, id, username, seenAt); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetUser возвращает пользователя вместе с правами доступа.
func (s *Storage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	const op = "storage.GetUser"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	var u models.User
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, created_at, last_seen_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: user %d: %w", op, id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT service_key, expires_at FROM entitlements WHERE user_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	u.Entitlements = make(map[string]time.Time)
	for rows.Next() {
		var key string
		var expires time.Time
		if err := rows.Scan(&key, &expires); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		u.Entitlements[key] = expires.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.LastSeenAt = u.LastSeenAt.UTC()
	return &u, nil
}
