package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.PurchaseObserved("created")
	m.PurchaseObserved("created")
	m.ConfirmationObserved("settled")
	m.ReviewFlagged("rejected")
	m.SweepObserved(3, 1)
	m.WebhookObserved("forged")
	m.GrantObserved("trial", "settled")
	m.GrantObserved("promo", "exhausted")
	m.RemindersSent("3d", 2)
	m.RemindersSent("3d", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.purchases.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.confirmations.WithLabelValues("settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reviews.WithLabelValues("rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweep.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweep.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("forged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grants.WithLabelValues("trial", "settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grants.WithLabelValues("promo", "exhausted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reminders.WithLabelValues("3d")))
}

func TestPanelResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: "ok"},
		{err: fmt.Errorf("x: %w", models.ErrPanelRejected), want: "rejected"},
		{err: fmt.Errorf("x: %w", models.ErrPanelUnreachable), want: "unreachable"},
		{err: errors.New("boom"), want: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, panelResult(tt.err))
		})
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObservePanelCall("addClient", 150*time.Millisecond, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `vpn_orchestrator_panel_call_duration_seconds_count{action="addClient",result="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
