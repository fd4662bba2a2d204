// Package jwt выпускает и проверяет JWT токены фронтенда мессенджера.
package jwt

import (
	"time"
)

// Роли пользователя в токене.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Maker описывает выпуск и разбор токенов.
type Maker interface {
	GenerateToken(userID int64, username, role string) (string, error)
	ParseToken(tokenStr string) (*CustomClaims, error)
}

// MakerImpl подписывает токены HS256 общим секретом.
type MakerImpl struct {
	secretKey string
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewJWTMaker создаёт MakerImpl с секретом и временем жизни токена.
func NewJWTMaker(secretKey string, ttl time.Duration) *MakerImpl {
	return &MakerImpl{
		secretKey: secretKey,
		tokenTTL:  ttl,
		now:       time.Now,
	}
}
