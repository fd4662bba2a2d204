package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// errLoginCooldown возвращается, пока после неудачного входа не истёк cooldown.
var errLoginCooldown = errors.New("panel login cooldown active")

// ensureSession входит в панель, если сессия отсутствует или устарела.
func (c *Client) ensureSession(ctx context.Context) error {
	const op = "panel.ensureSession"

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.loggedInAt.IsZero() && now.Sub(c.loggedInAt) < c.cfg.SessionTTL {
		return nil
	}
	if !c.lastFailAt.IsZero() && now.Sub(c.lastFailAt) < c.cfg.LoginCooldown {
		return fmt.Errorf("%s: %w: %w", op, models.ErrPanelUnreachable, errLoginCooldown)
	}

	if err := c.login(ctx); err != nil {
		c.lastFailAt = c.now()
		c.log.Error("panel login failed", slog.String("op", op), sl.Err(err))
		return fmt.Errorf("%s: %w: %v", op, models.ErrPanelUnreachable, err)
	}
	c.loggedInAt = c.now()
	c.lastFailAt = time.Time{}
	c.log.Info("panel login succeeded")
	return nil
}

func (c *Client) resetSession() {
	c.mu.Lock()
	c.loggedInAt = time.Time{}
	c.mu.Unlock()
}

// login выполняет POST /login с экспоненциальной задержкой между попытками.
// Отказ в авторизации не повторяется.
func (c *Client) login(ctx context.Context) error {
	creds := map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.loginInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := c.do(ctx, http.MethodPost, "/login", creds)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, models.ErrPanelRejected), errors.Is(err, errUnauthorized):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.LoginRetries)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warn("panel login attempt failed", sl.Err(err), slog.Duration("retry_in", d))
		}),
	)
	return err
}
