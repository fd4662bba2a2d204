// Package panel реализует клиента management API панели 3x-ui:
// поиск, создание и продление клиентов VPN по детерминированному ключу.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// ClientCache кэширует результаты LookupClient.
type ClientCache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Recorder получает длительность каждого обращения к панели.
type Recorder interface {
	ObservePanelCall(action string, d time.Duration, err error)
}

// Client адаптер панели. Безопасен для конкурентного использования.
type Client struct {
	log     *slog.Logger
	cfg     config.Panel
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	cache   ClientCache
	metrics Recorder
	now     func() time.Time

	mu         sync.Mutex
	loggedInAt time.Time
	lastFailAt time.Time

	loginInitial time.Duration
}

// Option настраивает клиента.
type Option func(*Client)

// WithCache включает кэширование LookupClient.
func WithCache(c ClientCache) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithRecorder подключает метрики обращений.
func WithRecorder(r Recorder) Option {
	return func(cl *Client) { cl.metrics = r }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// New создаёт клиента панели.
func New(log *slog.Logger, cfg config.Panel, opts ...Option) (*Client, error) {
	const op = "panel.New"
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.LoginRetries <= 0 {
		cfg.LoginRetries = 3
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	if cfg.ClientIPLimit <= 0 {
		cfg.ClientIPLimit = 6
	}
	if cfg.ServerPort <= 0 {
		cfg.ServerPort = 443
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}

	c := &Client{
		log:          log.With(slog.String("component", "panel")),
		cfg:          cfg,
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		http:         &http.Client{Jar: jar, Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(limit, 5),
		now:          time.Now,
		loginInitial: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// apiResponse общий конверт ответов панели.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// errUnauthorized означает истёкшую сессию.
var errUnauthorized = errors.New("panel session expired")

// call выполняет запрос к API с действующей сессией.
// При истёкшей сессии выполняется один повторный вход.
func (c *Client) call(ctx context.Context, action, method, path string, body any) (json.RawMessage, error) {
	started := time.Now()
	obj, err := c.callOnce(ctx, method, path, body)
	if errors.Is(err, errUnauthorized) {
		c.resetSession()
		obj, err = c.callOnce(ctx, method, path, body)
		if errors.Is(err, errUnauthorized) {
			err = fmt.Errorf("%w: %w", models.ErrPanelUnreachable, err)
		}
	}
	if c.metrics != nil {
		c.metrics.ObservePanelCall(action, time.Since(started), err)
	}
	return obj, err
}

func (c *Client) callOnce(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, body)
}

// do отправляет запрос и классифицирует ответ.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPanelUnreachable, err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode request: %w", models.ErrPanelRejected, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPanelRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPanelUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", models.ErrPanelUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errUnauthorized
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", models.ErrPanelUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", models.ErrPanelRejected, resp.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		// Панель без сессии отдаёт HTML-страницу входа.
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte("<")) {
			return nil, errUnauthorized
		}
		return nil, fmt.Errorf("%w: decode response: %w", models.ErrPanelUnreachable, err)
	}
	if !ar.Success {
		return nil, fmt.Errorf("%w: %s", models.ErrPanelRejected, ar.Msg)
	}
	return ar.Obj, nil
}
