// Package storage описывает общее для реализаций хранилища транзакций:
// ограничения выборок и копирование записей.
package storage

import "github.com/magabrotheeeer/vpn-orchestrator/internal/models"

// DefaultListLimit ограничивает выборки, если вызывающий не задал лимит.
const DefaultListLimit = 100

// Limit нормализует лимит выборки.
func Limit(n int) int {
	if n <= 0 || n > 1000 {
		return DefaultListLimit
	}
	return n
}

// CloneTransaction возвращает независимую копию транзакции.
func CloneTransaction(tx *models.Transaction) *models.Transaction {
	if tx == nil {
		return nil
	}
	c := *tx
	c.PendingSince = cloneTime(tx.PendingSince)
	c.ConfirmedAt = cloneTime(tx.ConfirmedAt)
	c.TargetExpiry = cloneTime(tx.TargetExpiry)
	c.NextAttemptAt = cloneTime(tx.NextAttemptAt)
	c.LatePaymentAt = cloneTime(tx.LatePaymentAt)
	return &c
}
