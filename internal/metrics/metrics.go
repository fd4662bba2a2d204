// Package metrics содержит Prometheus-метрики оркестратора.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

const namespace = "vpn_orchestrator"

// Metrics регистрирует и обновляет метрики.
type Metrics struct {
	registry      *prometheus.Registry
	purchases     *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	reviews       *prometheus.CounterVec
	sweep         *prometheus.CounterVec
	panelCalls    *prometheus.HistogramVec
	webhooks      *prometheus.CounterVec
	grants        *prometheus.CounterVec
	reminders     *prometheus.CounterVec
}

// New создаёт метрики в собственном реестре вместе со стандартными
// метриками процесса и рантайма.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		purchases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase requests by outcome.",
		}, []string{"outcome"}),
		confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation and retry processing by outcome.",
		}, []string{"outcome"}),
		reviews: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_flags_total",
			Help:      "Transactions flagged for manual review.",
		}, []string{"reason"}),
		sweep: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_transactions_total",
			Help:      "Transactions finalized by the sweeper.",
		}, []string{"result"}),
		panelCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "panel_call_duration_seconds",
			Help:      "Panel API call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action", "result"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound gateway webhooks by verdict.",
		}, []string{"verdict"}),
		grants: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Trial and promo grants by kind and outcome.",
		}, []string{"kind", "outcome"}),
		reminders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Expiry reminders delivered to users.",
		}, []string{"kind"}),
	}
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// PurchaseObserved учитывает результат покупки.
func (m *Metrics) PurchaseObserved(outcome string) {
	m.purchases.WithLabelValues(outcome).Inc()
}

// ConfirmationObserved учитывает результат обработки подтверждения.
func (m *Metrics) ConfirmationObserved(outcome string) {
	m.confirmations.WithLabelValues(outcome).Inc()
}

// SweepObserved учитывает итог прохода по просроченным транзакциям.
func (m *Metrics) SweepObserved(expired, failed int) {
	m.sweep.WithLabelValues("expired").Add(float64(expired))
	m.sweep.WithLabelValues("failed").Add(float64(failed))
}

// ReviewFlagged учитывает пометку для ручной проверки.
func (m *Metrics) ReviewFlagged(reason string) {
	m.reviews.WithLabelValues(reason).Inc()
}

// WebhookObserved учитывает вердикт по входящему webhook.
func (m *Metrics) WebhookObserved(verdict string) {
	m.webhooks.WithLabelValues(verdict).Inc()
}

// GrantObserved учитывает бесплатное начисление или отказ в нём.
func (m *Metrics) GrantObserved(kind, outcome string) {
	m.grants.WithLabelValues(kind, outcome).Inc()
}

// RemindersSent учитывает отправленные напоминания.
func (m *Metrics) RemindersSent(kind string, n int) {
	m.reminders.WithLabelValues(kind).Add(float64(n))
}

// ObservePanelCall учитывает длительность обращения к панели.
func (m *Metrics) ObservePanelCall(action string, d time.Duration, err error) {
	m.panelCalls.WithLabelValues(action, panelResult(err)).Observe(d.Seconds())
}

func panelResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrPanelRejected):
		return "rejected"
	case errors.Is(err, models.ErrPanelUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
