package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// inbound inbound панели в том виде, в каком его отдаёт /panel/api/inbounds/list.
type inbound struct {
	ID             int             `json:"id"`
	Remark         string          `json:"remark"`
	Listen         string          `json:"listen"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       json.RawMessage `json:"settings"`
	StreamSettings json.RawMessage `json:"streamSettings"`
}

type inboundSettings struct {
	Clients []remoteClient `json:"clients"`
}

// remoteClient хранит клиента целиком, чтобы при обновлении не терять
// неизвестные поля.
type remoteClient map[string]any

func (rc remoteClient) str(key string) string {
	switch v := rc[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (rc remoteClient) int64(key string) int64 {
	switch v := rc[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, _ := v.Float64()
			return int64(f)
		}
		return n
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func (rc remoteClient) email() string { return rc.str("email") }
func (rc remoteClient) uuid() string  { return rc.str("id") }

// delayedStart сообщает, что срок отсчитывается с первого подключения.
// Панель хранит такой срок отрицательным числом миллисекунд.
func (rc remoteClient) delayedStart() bool { return rc.int64("expiryTime") < 0 }

// expiresAt возвращает срок действия. Нулевое время означает бессрочного клиента
// или клиента с отложенным стартом.
func (rc remoteClient) expiresAt() time.Time {
	ms := rc.int64("expiryTime")
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// decodeEmbedded разбирает поле, которое панель отдаёт то объектом, то JSON-строкой.
func decodeEmbedded(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		raw = []byte(s)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// listInbounds загружает все inbound-ы панели.
func (c *Client) listInbounds(ctx context.Context) ([]inbound, error) {
	const op = "panel.listInbounds"
	obj, err := c.call(ctx, "list", http.MethodGet, "/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var out []inbound
	if err := json.Unmarshal(obj, &out); err != nil {
		return nil, fmt.Errorf("%s: %w: decode inbounds: %v", op, models.ErrPanelUnreachable, err)
	}
	return out, nil
}

// findClient ищет inbound и клиента с email == identityKey.
// Отсутствие inbound-а ошибка конфигурации, ErrPanelRejected.
func (c *Client) findClient(ctx context.Context, identityKey string, inboundID int) (inbound, remoteClient, error) {
	const op = "panel.findClient"
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return inbound{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, in := range inbounds {
		if in.ID != inboundID {
			continue
		}
		var settings inboundSettings
		if err := decodeEmbedded(in.Settings, &settings); err != nil {
			return inbound{}, nil, fmt.Errorf("%s: %w: decode settings: %v", op, models.ErrPanelUnreachable, err)
		}
		for _, rc := range settings.Clients {
			if rc.email() == identityKey {
				return in, rc, nil
			}
		}
		return in, nil, nil
	}
	return inbound{}, nil, fmt.Errorf("%s: %w: inbound %d not found", op, models.ErrPanelRejected, inboundID)
}

// clientRequest тело addClient/updateClient: settings передаётся строкой.
type clientRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

func newClientRequest(inboundID int, rc remoteClient) (clientRequest, error) {
	raw, err := json.Marshal(map[string]any{"clients": []remoteClient{rc}})
	if err != nil {
		return clientRequest{}, err
	}
	return clientRequest{ID: inboundID, Settings: string(raw)}, nil
}
