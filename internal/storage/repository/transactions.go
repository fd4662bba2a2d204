package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const transactionColumns = `id, kind, user_id, service_key, plan_key, amount, currency, status,
	external_payment_id, payment_url, grant_key, grant_days, created_at, pending_since, confirmed_at, target_expiry,
	attempts, next_attempt_at, last_error, review_required, review_reason, late_payment_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx                                               models.Transaction
		kind, status                                     string
		externalID, grantKey                             sql.NullString
		pendingSince, confirmedAt, target, nextAttemptAt sql.NullTime
		latePayment                                      sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &kind, &tx.UserID, &tx.ServiceKey, &tx.PlanKey, &tx.Amount, &tx.Currency, &status,
		&externalID, &tx.PaymentURL, &grantKey, &tx.GrantDays, &tx.CreatedAt, &pendingSince, &confirmedAt, &target,
		&tx.Attempts, &nextAttemptAt, &tx.LastError, &tx.ReviewRequired, &tx.ReviewReason, &latePayment, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Kind = models.TransactionKind(kind)
	tx.Status = models.TransactionStatus(status)
	tx.ExternalPaymentID = externalID.String
	tx.GrantKey = grantKey.String
	tx.LatePaymentAt = nullTime(latePayment)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	tx.PendingSince = nullTime(pendingSince)
	tx.ConfirmedAt = nullTime(confirmedAt)
	tx.TargetExpiry = nullTime(target)
	tx.NextAttemptAt = nullTime(nextAttemptAt)
	return &tx, nil
}

// CreateTransaction сохраняет новую транзакцию в состоянии created.
func (s *Storage) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	const op = "storage.CreateTransaction"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	query := `INSERT INTO transactions (id, kind, user_id, service_key, plan_key, amount, currency, status, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := s.DB.ExecContext(ctx, query,
		tx.ID, string(models.KindPurchase), tx.UserID, tx.ServiceKey, tx.PlanKey, tx.Amount, tx.Currency,
		string(models.StatusCreated), tx.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", op, models.ErrStatusConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetTransaction ищет транзакцию по идентификатору.
func (s *Storage) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	const op = "storage.GetTransaction"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	tx, err := scanTransaction(s.DB.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tx, nil
}

// GetTransactionByPaymentID ищет транзакцию по идентификатору платежа в шлюзе.
func (s *Storage) GetTransactionByPaymentID(ctx context.Context, externalID string) (*models.Transaction, error) {
	const op = "storage.GetTransactionByPaymentID"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	tx, err := scanTransaction(s.DB.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE external_payment_id = $1`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: payment %s: %w", op, externalID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tx, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// casUpdate выполняет условное обновление. Ноль затронутых строк означает,
// что транзакции нет или её статус уже изменился.
func casUpdate(ctx context.Context, db execer, op, id, query string, args ...any) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", op, models.ErrStatusConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	return missedUpdate(ctx, db, op, id)
}

// missedUpdate объясняет, почему условное обновление не затронуло строку.
func missedUpdate(ctx context.Context, db execer, op, id string) error {
	var status string
	err := db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: transaction %s is %s: %w", op, id, status, models.ErrStatusConflict)
}

// MarkPending переводит транзакцию created -> pending_confirmation.
func (s *Storage) MarkPending(ctx context.Context, id, externalPaymentID, paymentURL string, at time.Time) error {
	const op = "storage.MarkPending"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	return casUpdate(ctx, s.DB, op, id,
		`UPDATE transactions
		 SET status = $3, external_payment_id = $4, payment_url = $5, pending_since = $6, updated_at = $6
		 WHERE id = $1 AND status = $2`,
		id, string(models.StatusCreated), string(models.StatusPendingConfirmation), externalPaymentID, paymentURL, at)
}

// MarkFailed переводит транзакцию из from в failed.
func (s *Storage) MarkFailed(ctx context.Context, id string, from models.TransactionStatus, reason string, review bool, at time.Time) error {
	const op = "storage.MarkFailed"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	return casUpdate(ctx, s.DB, op, id,
		`UPDATE transactions
		 SET status = $3, last_error = $4, next_attempt_at = NULL,
		     review_required = review_required OR $5,
		     review_reason = CASE WHEN $5 THEN $4 ELSE review_reason END,
		     updated_at = $6
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(models.StatusFailed), reason, review, at)
}

// MarkConfirmed фиксирует получение подтверждения оплаты. Повторный вызов
// не меняет первоначальное время подтверждения.
func (s *Storage) MarkConfirmed(ctx context.Context, id string, at time.Time) error {
	const op = "storage.MarkConfirmed"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	return casUpdate(ctx, s.DB, op, id,
		`UPDATE transactions
		 SET confirmed_at = COALESCE(confirmed_at, $3),
		     next_attempt_at = COALESCE(next_attempt_at, $3),
		     updated_at = $3
		 WHERE id = $1 AND status = $2`,
		id, string(models.StatusPendingConfirmation), at)
}

// SetTargetExpiry сохраняет целевую дату окончания доступа. Дата задаётся один раз.
func (s *Storage) SetTargetExpiry(ctx context.Context, id string, target time.Time) error {
	const op = "storage.SetTargetExpiry"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	return casUpdate(ctx, s.DB, op, id,
		`UPDATE transactions SET target_expiry = $3
		 WHERE id = $1 AND status = $2 AND target_expiry IS NULL`,
		id, string(models.StatusPendingConfirmation), target)
}

// ScheduleRetry сохраняет число попыток и время следующей.
func (s *Storage) ScheduleRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error {
	const op = "storage.ScheduleRetry"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	return casUpdate(ctx, s.DB, op, id,
		`UPDATE transactions
		 SET attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = $6
		 WHERE id = $1 AND status = $2`,
		id, string(models.StatusPendingConfirmation), attempts, next, lastErr, at)
}

// Settle переводит транзакцию в settled и продлевает права пользователя
// в одной SQL-транзакции. Срок права никогда не уменьшается.
func (s *Storage) Settle(ctx context.Context, id string, entitlements []models.Entitlement, at time.Time) error {
	const op = "storage.Settle"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}

	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	var userID int64
	err = sqlTx.QueryRowContext(ctx,
		`UPDATE transactions
		 SET status = $3, attempts = attempts + 1, next_attempt_at = NULL, last_error = '', updated_at = $4
		 WHERE id = $1 AND status = $2
		 RETURNING user_id`,
		id, string(models.StatusPendingConfirmation), string(models.StatusSettled), at).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = sqlTx.Rollback()
		return missedUpdate(ctx, s.DB, op, id)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, e := range entitlements {
		_, err := sqlTx.ExecContext(ctx,
			`INSERT INTO entitlements (user_id, service_key, expires_at, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, service_key) DO UPDATE
			 SET expires_at = GREATEST(entitlements.expires_at, EXCLUDED.expires_at),
			     updated_at = EXCLUDED.updated_at`,
			userID, e.ServiceKey, e.ExpiresAt, at)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ExpireStale переводит в expired неподтверждённые транзакции,
// ожидающие с момента раньше before, и возвращает их.
func (s *Storage) ExpireStale(ctx context.Context, before, at time.Time) ([]*models.Transaction, error) {
	const op = "storage.ExpireStale"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`UPDATE transactions
		 SET status = $1, updated_at = $2
		 WHERE status IN ($3, $4) AND confirmed_at IS NULL
		   AND COALESCE(pending_since, created_at) < $5
		 RETURNING `+transactionColumns,
		string(models.StatusExpired), at,
		string(models.StatusCreated), string(models.StatusPendingConfirmation), before)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out, err := collect(op, rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func collect(op string, rows *sql.Rows) ([]*models.Transaction, error) {
	defer func() {
		_ = rows.Close()
	}()
	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) list(ctx context.Context, op, where string, limit int, args ...any) ([]*models.Transaction, error) {
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY created_at, id LIMIT %d`,
		transactionColumns, where, storage.Limit(limit))
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return collect(op, rows)
}

// ListDueRetries возвращает подтверждённые транзакции, попытка выдачи которых назначена не позже now.
func (s *Storage) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "storage.ListDueRetries",
		`status = $1 AND confirmed_at IS NOT NULL AND next_attempt_at <= $2`, limit,
		string(models.StatusPendingConfirmation), now)
}

// ListOverdueConfirmed возвращает подтверждённые, но не выданные транзакции,
// ожидающие с момента раньше before.
func (s *Storage) ListOverdueConfirmed(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "storage.ListOverdueConfirmed",
		`status = $1 AND confirmed_at IS NOT NULL AND pending_since < $2`, limit,
		string(models.StatusPendingConfirmation), before)
}

// ListReviewRequired возвращает транзакции, помеченные для ручной проверки.
func (s *Storage) ListReviewRequired(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "storage.ListReviewRequired",
		`review_required`, limit)
}

// ListUserTransactions возвращает транзакции пользователя.
func (s *Storage) ListUserTransactions(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "storage.ListUserTransactions",
		`user_id = $1`, limit, userID)
}
