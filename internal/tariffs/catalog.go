// Package tariffs содержит неизменяемый каталог сервисов и планов,
// загружаемый из конфига один раз при старте процесса.
package tariffs

import (
	"errors"
	"fmt"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// ErrInvalidCatalog возвращается при некорректном описании тарифов.
var ErrInvalidCatalog = errors.New("invalid tariff catalog")

// Catalog реестр тарифов. После New не изменяется и безопасен
// для конкурентного чтения без синхронизации.
type Catalog struct {
	services []models.Service
	byKey    map[string]int
}

// New проверяет описание тарифов и строит каталог.
// Порядок сервисов и планов сохраняется.
func New(services []models.Service) (*Catalog, error) {
	const op = "tariffs.New"

	c := &Catalog{
		services: make([]models.Service, 0, len(services)),
		byKey:    make(map[string]int, len(services)),
	}
	suffixes := make(map[string]string, len(services))

	for _, s := range services {
		if s.Key == "" {
			return nil, fmt.Errorf("%s: %w: empty service key", op, ErrInvalidCatalog)
		}
		if _, ok := c.byKey[s.Key]; ok {
			return nil, fmt.Errorf("%s: %w: duplicate service %q", op, ErrInvalidCatalog, s.Key)
		}
		if s.InboundID <= 0 {
			return nil, fmt.Errorf("%s: %w: service %q has no inbound", op, ErrInvalidCatalog, s.Key)
		}
		// Ключ клиента строится из суффикса без учёта inbound, поэтому суффикс уникален во всём каталоге.
		if other, ok := suffixes[s.EmailSuffix]; ok {
			return nil, fmt.Errorf("%s: %w: services %q and %q share email suffix %q", op, ErrInvalidCatalog, other, s.Key, s.EmailSuffix)
		}
		if s.Protocol == "" {
			s.Protocol = models.ProtocolVLESS
		}
		if s.Protocol != models.ProtocolVLESS && s.Protocol != models.ProtocolVMess {
			return nil, fmt.Errorf("%s: %w: service %q has unknown protocol %q", op, ErrInvalidCatalog, s.Key, s.Protocol)
		}

		plans := make([]models.Plan, 0, len(s.Plans))
		seen := make(map[string]struct{}, len(s.Plans))
		for _, p := range s.Plans {
			if p.Key == "" {
				return nil, fmt.Errorf("%s: %w: service %q has plan without key", op, ErrInvalidCatalog, s.Key)
			}
			if _, ok := seen[p.Key]; ok {
				return nil, fmt.Errorf("%s: %w: duplicate plan %q in %q", op, ErrInvalidCatalog, p.Key, s.Key)
			}
			if p.Days <= 0 || p.Amount <= 0 {
				return nil, fmt.Errorf("%s: %w: plan %q in %q must have positive days and amount", op, ErrInvalidCatalog, p.Key, s.Key)
			}
			seen[p.Key] = struct{}{}
			plans = append(plans, p)
		}
		s.Plans = plans

		c.byKey[s.Key] = len(c.services)
		c.services = append(c.services, s)
		suffixes[s.EmailSuffix] = s.Key
	}

	if len(c.services) == 0 {
		return nil, fmt.Errorf("%s: %w: no services", op, ErrInvalidCatalog)
	}
	return c, nil
}

// ListServices возвращает сервисы в порядке объявления.
// Скрытые сервисы включаются только при includeHidden.
func (c *Catalog) ListServices(includeHidden bool) []models.Service {
	out := make([]models.Service, 0, len(c.services))
	for _, s := range c.services {
		if !s.Visible && !includeHidden {
			continue
		}
		out = append(out, s)
	}
	return out
}

// GetService ищет сервис по ключу.
func (c *Catalog) GetService(key string) (models.Service, error) {
	i, ok := c.byKey[key]
	if !ok {
		return models.Service{}, fmt.Errorf("tariffs.GetService: service %q: %w", key, models.ErrNotFound)
	}
	return c.services[i], nil
}

// GetPlan ищет план внутри сервиса.
func (c *Catalog) GetPlan(serviceKey, planKey string) (models.Plan, error) {
	const op = "tariffs.GetPlan"
	s, err := c.GetService(serviceKey)
	if err != nil {
		return models.Plan{}, fmt.Errorf("%s: %w", op, err)
	}
	for _, p := range s.Plans {
		if p.Key == planKey {
			return p, nil
		}
	}
	return models.Plan{}, fmt.Errorf("%s: plan %q in %q: %w", op, planKey, serviceKey, models.ErrNotFound)
}

// PlansFor возвращает планы сервиса, доступные пользователю.
func (c *Catalog) PlansFor(serviceKey string, isAdmin bool) ([]models.Plan, error) {
	s, err := c.GetService(serviceKey)
	if err != nil {
		return nil, err
	}
	out := make([]models.Plan, 0, len(s.Plans))
	for _, p := range s.Plans {
		if p.AdminOnly && !isAdmin {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// AutoAssignServices возвращает сервисы, выдаваемые вместе с любой покупкой.
func (c *Catalog) AutoAssignServices() []models.Service {
	var out []models.Service
	for _, s := range c.services {
		if s.AutoAssignOnPurchase {
			out = append(out, s)
		}
	}
	return out
}

// ServiceByInbound ищет сервис по идентификатору inbound-а панели.
func (c *Catalog) ServiceByInbound(inboundID int) (models.Service, bool) {
	for _, s := range c.services {
		if s.InboundID == inboundID {
			return s, true
		}
	}
	return models.Service{}, false
}

// IdentityKey возвращает ключ клиента панели для пользователя в сервисе.
func (c *Catalog) IdentityKey(serviceKey string, userID int64) (string, error) {
	s, err := c.GetService(serviceKey)
	if err != nil {
		return "", err
	}
	return s.IdentityKey(userID), nil
}
