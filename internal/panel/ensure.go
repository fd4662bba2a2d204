package panel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

func cacheKey(identityKey string, inboundID int) string {
	return "client:" + strconv.Itoa(inboundID) + ":" + identityKey
}

// EnsureClient приводит клиента панели к сроку req.ExpiresAt.
// Клиент создаётся, если его нет, продлевается, если его срок меньше
// целевого, и не меняется в остальных случаях. Повторный вызов с тем же
// запросом ничего не меняет.
func (c *Client) EnsureClient(ctx context.Context, req models.ProvisionRequest) (models.ClientCredentials, error) {
	const op = "panel.EnsureClient"
	log := c.log.With(
		slog.String("op", op),
		slog.String("identity_key", req.IdentityKey),
		slog.Int("inbound_id", req.InboundID),
	)

	if strings.TrimSpace(req.IdentityKey) == "" || req.InboundID <= 0 || req.ExpiresAt.IsZero() {
		return models.ClientCredentials{}, fmt.Errorf("%s: %w: malformed provision request", op, models.ErrPanelRejected)
	}

	in, rc, err := c.findClient(ctx, req.IdentityKey, req.InboundID)
	if err != nil {
		return models.ClientCredentials{}, fmt.Errorf("%s: %w", op, err)
	}
	defer c.invalidate(ctx, req.IdentityKey, req.InboundID)

	target := req.ExpiresAt.UTC().Truncate(time.Millisecond)
	protocol := resolveProtocol(in.Protocol, req.Protocol)

	if rc == nil {
		rc = c.newRemoteClient(req, protocol, target)
		body, err := newClientRequest(req.InboundID, rc)
		if err != nil {
			return models.ClientCredentials{}, fmt.Errorf("%s: %w: %v", op, models.ErrPanelRejected, err)
		}
		if _, err := c.call(ctx, "add", http.MethodPost, "/panel/api/inbounds/addClient", body); err != nil {
			return models.ClientCredentials{}, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("panel client created", slog.Time("expires_at", target))
		creds := c.credentials(in, rc, req)
		creds.Created = true
		return creds, nil
	}

	// Отложенный старт заменяется абсолютным сроком, бессрочный клиент не трогается.
	current := rc.expiresAt()
	if !rc.delayedStart() && (current.IsZero() || !current.Before(target)) {
		log.Debug("panel client already up to date", slog.Time("expires_at", current))
		return c.credentials(in, rc, req), nil
	}

	updated := make(remoteClient, len(rc))
	for k, v := range rc {
		updated[k] = v
	}
	updated["expiryTime"] = target.UnixMilli()
	if updated.int64("limitIp") < int64(c.cfg.ClientIPLimit) {
		updated["limitIp"] = c.cfg.ClientIPLimit
	}
	if _, ok := updated["enable"]; ok {
		updated["enable"] = true
	}

	body, err := newClientRequest(req.InboundID, updated)
	if err != nil {
		return models.ClientCredentials{}, fmt.Errorf("%s: %w: %v", op, models.ErrPanelRejected, err)
	}
	if _, err := c.call(ctx, "update", http.MethodPost, "/panel/api/inbounds/updateClient/"+rc.uuid(), body); err != nil {
		return models.ClientCredentials{}, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("panel client extended", slog.Time("from", current), slog.Time("to", target))
	return c.credentials(in, updated, req), nil
}

// LookupClient возвращает клиента по ключу без изменений на панели.
func (c *Client) LookupClient(ctx context.Context, identityKey string, inboundID int, serverHost string) (models.ClientCredentials, error) {
	const op = "panel.LookupClient"
	key := cacheKey(identityKey, inboundID)

	if c.cache != nil {
		var cached models.ClientCredentials
		found, err := c.cache.Get(ctx, key, &cached)
		if err != nil {
			c.log.Warn("panel cache read failed", slog.String("op", op), sl.Err(err))
		} else if found {
			cached.IdentityKey = identityKey
			return cached, nil
		}
	}

	in, rc, err := c.findClient(ctx, identityKey, inboundID)
	if err != nil {
		return models.ClientCredentials{}, fmt.Errorf("%s: %w", op, err)
	}
	if rc == nil {
		return models.ClientCredentials{}, fmt.Errorf("%s: client %q: %w", op, identityKey, models.ErrNotFound)
	}

	creds := c.credentials(in, rc, models.ProvisionRequest{
		IdentityKey: identityKey,
		InboundID:   inboundID,
		ServerHost:  serverHost,
	})
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, creds, c.cfg.ClientCacheTTL); err != nil {
			c.log.Warn("panel cache write failed", slog.String("op", op), sl.Err(err))
		}
	}
	return creds, nil
}

func (c *Client) invalidate(ctx context.Context, identityKey string, inboundID int) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, cacheKey(identityKey, inboundID)); err != nil {
		c.log.Warn("panel cache invalidate failed", sl.Err(err))
	}
}

func (c *Client) newRemoteClient(req models.ProvisionRequest, protocol string, expiresAt time.Time) remoteClient {
	rc := remoteClient{
		"id":         uuid.NewString(),
		"email":      req.IdentityKey,
		"limitIp":    c.cfg.ClientIPLimit,
		"totalGB":    0,
		"expiryTime": expiresAt.UnixMilli(),
		"enable":     true,
		"tgId":       strconv.FormatInt(req.UserID, 10),
		"subId":      req.IdentityKey,
		"reset":      0,
	}
	switch protocol {
	case models.ProtocolVLESS:
		rc["flow"] = "xtls-rprx-vision"
	case models.ProtocolVMess:
		rc["alterId"] = 0
	}
	return rc
}

func (c *Client) credentials(in inbound, rc remoteClient, req models.ProvisionRequest) models.ClientCredentials {
	return models.ClientCredentials{
		UUID:        rc.uuid(),
		IdentityKey: req.IdentityKey,
		InboundID:   in.ID,
		ExpiresAt:   rc.expiresAt(),
		Link:        c.renderLink(in, rc, req.ServerHost, req.Protocol),
	}
}

func resolveProtocol(inboundProtocol, fallback string) string {
	p := strings.ToLower(strings.TrimSpace(inboundProtocol))
	if p == "" {
		p = strings.ToLower(fallback)
	}
	return p
}
