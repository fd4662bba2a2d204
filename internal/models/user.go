// Package models содержит доменные структуры оркестратора: пользователя
// с его правами доступа, тарифы, транзакции оплаты и события подтверждения,
// а также общие sentinel-ошибки.
package models

import "time"

// User представляет пользователя мессенджера.
// Создаётся при первом обращении и никогда не удаляется, истекают только права доступа.
type User struct {
	ID           int64                // Идентификатор аккаунта в мессенджере
	Username     string               // Имя пользователя (может быть пустым)
	Entitlements map[string]time.Time // Ключ сервиса -> дата окончания доступа
	CreatedAt    time.Time
	LastSeenAt   time.Time
}

// ExpiresAt возвращает дату окончания доступа к сервису и признак наличия записи.
func (u *User) ExpiresAt(serviceKey string) (time.Time, bool) {
	if u == nil || u.Entitlements == nil {
		return time.Time{}, false
	}
	t, ok := u.Entitlements[serviceKey]
	return t, ok
}
