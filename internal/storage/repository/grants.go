package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage"
)

// FlagLatePayment помечает закрытую транзакцию, по которой всё же прошла оплата.
// Статус не меняется. Возвращает false, если пометка уже стоит.
func (s *Storage) FlagLatePayment(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	const op = "storage.FlagLatePayment"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return false, fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}

	var (
		status string
		late   sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT status, late_payment_at FROM transactions WHERE id = $1`, id).Scan(&status, &late)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if status != string(models.StatusFailed) && status != string(models.StatusExpired) {
		return false, fmt.Errorf("%s: transaction %s is %s: %w", op, id, status, models.ErrStatusConflict)
	}

	res, err := s.DB.ExecContext(ctx,
		`UPDATE transactions
		 SET late_payment_at = $2, review_required = TRUE, review_reason = $3, updated_at = $2
		 WHERE id = $1 AND status IN ($4, $5) AND late_payment_at IS NULL`,
		id, at, reason, string(models.StatusFailed), string(models.StatusExpired))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

// CreateGrant сохраняет бесплатное начисление сразу подтверждённым:
// выдача идёт тем же путём, что и оплаченная покупка.
func (s *Storage) CreateGrant(ctx context.Context, tx *models.Transaction) error {
	const op = "storage.CreateGrant"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := insertGrant(ctx, s.DB, tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func insertGrant(ctx context.Context, db execer, tx *models.Transaction) error {
	if tx.GrantKey == "" || tx.GrantDays <= 0 {
		return fmt.Errorf("grant needs key and days: %w", models.ErrValidation)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO transactions (id, kind, user_id, service_key, plan_key, amount, currency, status,
		     grant_key, grant_days, created_at, pending_since, confirmed_at, next_attempt_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $10, $10, $10, $10)`,
		tx.ID, string(tx.Kind), tx.UserID, tx.ServiceKey, tx.PlanKey, tx.Currency,
		string(models.StatusPendingConfirmation), tx.GrantKey, tx.GrantDays, tx.CreatedAt)
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "transactions_grant_key_key":
		return fmt.Errorf("grant %s: %w", tx.GrantKey, models.ErrAlreadyGranted)
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return fmt.Errorf("transaction %s: %w", tx.ID, models.ErrStatusConflict)
	case errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation:
		return fmt.Errorf("user %d: %w", tx.UserID, models.ErrNotFound)
	default:
		return err
	}
}

// RedeemPromo расходует одну активацию промокода и создаёт начисление
// на число дней промокода в одной SQL-транзакции. Дни и ключ начисления заполняются в tx.
func (s *Storage) RedeemPromo(ctx context.Context, code string, tx *models.Transaction) error {
	const op = "storage.RedeemPromo"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	var p models.Promo
	err = sqlTx.QueryRowContext(ctx,
		`SELECT code, days, max_uses, used_count, generation FROM promos WHERE code = $1 FOR UPDATE`, code).
		Scan(&p.Code, &p.Days, &p.MaxUses, &p.UsedCount, &p.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: promo %s: %w", op, code, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if p.Exhausted() {
		return fmt.Errorf("%s: promo %s: %w", op, code, models.ErrPromoExhausted)
	}

	tx.GrantDays = p.Days
	tx.GrantKey = models.PromoGrantKey(p.Code, p.Generation, tx.UserID)
	if err := insertGrant(ctx, sqlTx, tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := sqlTx.ExecContext(ctx,
		`UPDATE promos SET used_count = used_count + 1, updated_at = $2 WHERE code = $1`, code, tx.CreatedAt); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SavePromo выпускает промокод. Исчерпанный код перевыпускается с новым
// поколением, действующий код повторно не выпускается.
func (s *Storage) SavePromo(ctx context.Context, p models.Promo, at time.Time) (*models.Promo, error) {
	const op = "storage.SavePromo"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	var out models.Promo
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO promos (code, days, max_uses, used_count, generation, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, $4, $4)
		 ON CONFLICT (code) DO UPDATE
		 SET days = EXCLUDED.days, max_uses = EXCLUDED.max_uses, used_count = 0,
		     generation = promos.generation + 1, updated_at = EXCLUDED.updated_at
		 WHERE promos.used_count >= promos.max_uses
		 RETURNING code, days, max_uses, used_count, generation, created_at, updated_at`,
		p.Code, p.Days, p.MaxUses, at).
		Scan(&out.Code, &out.Days, &out.MaxUses, &out.UsedCount, &out.Generation, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: promo %s: %w", op, p.Code, models.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out, nil
}

// ListPromos возвращает промокоды в порядке выпуска.
func (s *Storage) ListPromos(ctx context.Context, limit int) ([]*models.Promo, error) {
	const op = "storage.ListPromos"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT code, days, max_uses, used_count, generation, created_at, updated_at
		 FROM promos ORDER BY created_at, code LIMIT %d`, storage.Limit(limit)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.Promo
	for rows.Next() {
		var p models.Promo
		if err := rows.Scan(&p.Code, &p.Days, &p.MaxUses, &p.UsedCount, &p.Generation, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
