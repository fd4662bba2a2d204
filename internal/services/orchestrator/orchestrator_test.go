package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lock"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/retry"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage/memory"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/tariffs"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/yookassa"
)

const (
	adminID = int64(1)
	userID  = int64(42)
	window  = 24 * time.Hour
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

type MockPanel struct {
	mock.Mock
}

func (m *MockPanel) EnsureClient(ctx context.Context, req models.ProvisionRequest) (models.ClientCredentials, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.ClientCredentials), args.Error(1)
}

func (m *MockPanel) LookupClient(ctx context.Context, identityKey string, inboundID int, serverHost string) (models.ClientCredentials, error) {
	args := m.Called(ctx, identityKey, inboundID, serverHost)
	return args.Get(0).(models.ClientCredentials), args.Error(1)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreatePayment(ctx context.Context, p yookassa.CreatePaymentParams) (models.PaymentIntent, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(models.PaymentIntent), args.Error(1)
}

func (m *MockGateway) GetPayment(ctx context.Context, paymentID string) (models.ConfirmationEvent, error) {
	args := m.Called(ctx, paymentID)
	return args.Get(0).(models.ConfirmationEvent), args.Error(1)
}

func (m *MockGateway) Currency() string { return "RUB" }

type recordingNotifier struct {
	mu    sync.Mutex
	items []models.Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.items = append(r.items, n)
	return nil
}

func (r *recordingNotifier) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingNotifier) all() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.items...)
}

func (r *recordingNotifier) kinds() []models.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.NotificationKind, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n.Kind)
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc     *Service
	store   *memory.Storage
	panel   *MockPanel
	gateway *MockGateway
	notes   *recordingNotifier
	clock   *fakeClock
}

func testCatalog(t *testing.T, autoAssign bool) *tariffs.Catalog {
	t.Helper()
	services := []models.Service{
		{
			Key: "standard", Name: "Стандарт", InboundID: 1, Visible: true,
			Plans: []models.Plan{
				{Key: "test", Label: "Тест", Days: 1, Amount: 100, AdminOnly: true},
				{Key: "1m", Label: "1 месяц", Days: 30, Amount: 19900},
			},
		},
		{
			Key: "obhod", Name: "Обход", InboundID: 2, EmailSuffix: "-obhod", Visible: true,
			Plans: []models.Plan{{Key: "1m", Days: 30, Amount: 29900}},
		},
	}
	if autoAssign {
		services = append(services, models.Service{
			Key: "standard_vm", Name: "VMess", InboundID: 6, EmailSuffix: "-vmess",
			Protocol: models.ProtocolVMess, AutoAssignOnPurchase: true,
			Plans: []models.Plan{{Key: "1m", Days: 30, Amount: 19900}},
		})
	}
	c, err := tariffs.New(services)
	require.NoError(t, err)
	return c
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 5, BaseDelay: time.Minute, MaxDelay: 10 * time.Minute, Budget: 6 * time.Hour}
}

func newFixture(t *testing.T, autoAssign bool, policy retry.Policy) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		panel:   &MockPanel{},
		gateway: &MockGateway{},
		notes:   &recordingNotifier{},
		clock:   &fakeClock{t: start},
	}
	f.svc = f.newService(t, autoAssign, policy)
	return f
}

func (f *fixture) newService(t *testing.T, autoAssign bool, policy retry.Policy) *Service {
	return f.serviceWith(t, f.store, autoAssign, Settings{
		ConfirmationWindow: window,
		Retry:              policy,
		AdminIDs:           []int64{adminID},
		Trial:              Trial{Enabled: true, Days: 3},
	})
}

func (f *fixture) serviceWith(t *testing.T, store Store, autoAssign bool, settings Settings) *Service {
	return New(newNoopLogger(), Deps{
		Catalog:  testCatalog(t, autoAssign),
		Store:    store,
		Panel:    f.panel,
		Gateway:  f.gateway,
		Locker:   lock.NewLocal(),
		Notifier: f.notes,
	}, settings, WithClock(f.clock.Now))
}

func (f *fixture) purchase(t *testing.T, user int64, service, plan, paymentID string) string {
	t.Helper()
	f.gateway.On("CreatePayment", mock.Anything, mock.MatchedBy(func(p yookassa.CreatePaymentParams) bool {
		return p.UserID == user && p.Metadata["service"] == service && p.Metadata["plan"] == plan
	})).Return(models.PaymentIntent{PaymentURL: "https://pay/" + paymentID, ExternalPaymentID: paymentID}, nil).Once()

	res, err := f.svc.InitiatePurchase(context.Background(), models.PurchaseRequest{
		UserID: user, Username: "user", ServiceKey: service, PlanKey: plan,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay/"+paymentID, res.PaymentURL)
	return res.TransactionID
}

func (f *fixture) tx(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func succeeded(paymentID string, amount int64) models.ConfirmationEvent {
	return models.ConfirmationEvent{ExternalPaymentID: paymentID, Amount: amount, Currency: "RUB", Status: models.PaymentSucceeded}
}

func provisionFor(identity string, inbound int, expires time.Time) any {
	return mock.MatchedBy(func(r models.ProvisionRequest) bool {
		return r.IdentityKey == identity && r.InboundID == inbound && r.ExpiresAt.Equal(expires)
	})
}

func creds(identity string, inbound int, expires time.Time, created bool) models.ClientCredentials {
	return models.ClientCredentials{
		UUID: "uuid-" + identity, IdentityKey: identity, InboundID: inbound,
		ExpiresAt: expires, Link: "vless://" + identity, Created: created,
	}
}

func TestInitiatePurchase_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     models.PurchaseRequest
		wantErr error
	}{
		{name: "missing user", req: models.PurchaseRequest{ServiceKey: "standard", PlanKey: "1m"}, wantErr: models.ErrValidation},
		{name: "missing plan", req: models.PurchaseRequest{UserID: userID, ServiceKey: "standard"}, wantErr: models.ErrValidation},
		{name: "unknown service", req: models.PurchaseRequest{UserID: userID, ServiceKey: "nope", PlanKey: "1m"}, wantErr: models.ErrValidation},
		{name: "unknown plan", req: models.PurchaseRequest{UserID: userID, ServiceKey: "standard", PlanKey: "12m"}, wantErr: models.ErrValidation},
		{name: "admin only plan", req: models.PurchaseRequest{UserID: userID, ServiceKey: "standard", PlanKey: "test"}, wantErr: models.ErrForbiddenPlan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false, testPolicy())

			_, err := f.svc.InitiatePurchase(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			_, err = f.store.GetUser(context.Background(), userID)
			assert.ErrorIs(t, err, models.ErrNotFound, "no state is created on validation errors")
			f.gateway.AssertNotCalled(t, "CreatePayment", mock.Anything, mock.Anything)
		})
	}
}

func TestInitiatePurchase_AdminPlan(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	id := f.purchase(t, adminID, "standard", "test", "pay-admin")

	tx := f.tx(t, id)
	assert.Equal(t, models.StatusPendingConfirmation, tx.Status)
	assert.Equal(t, int64(100), tx.Amount)
	assert.Equal(t, "pay-admin", tx.ExternalPaymentID)
}

func TestInitiatePurchase_GatewayFailure(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	f.gateway.On("CreatePayment", mock.Anything, mock.Anything).
		Return(models.PaymentIntent{}, errors.New("connection refused")).Once()

	_, err := f.svc.InitiatePurchase(context.Background(), models.PurchaseRequest{
		UserID: userID, ServiceKey: "standard", PlanKey: "1m",
	})
	require.ErrorIs(t, err, models.ErrGateway)

	txs, err := f.store.ListUserTransactions(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.StatusFailed, txs[0].Status)
	assert.Empty(t, txs[0].ExternalPaymentID)
	assert.False(t, txs[0].ReviewRequired)
}

func TestInitiatePurchase_IdempotenceKeyIsTransactionID(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	var got yookassa.CreatePaymentParams
	f.gateway.On("CreatePayment", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(yookassa.CreatePaymentParams) }).
		Return(models.PaymentIntent{PaymentURL: "https://pay/1", ExternalPaymentID: "pay-1"}, nil).Once()

	res, err := f.svc.InitiatePurchase(context.Background(), models.PurchaseRequest{
		UserID: userID, ServiceKey: "standard", PlanKey: "1m",
	})
	require.NoError(t, err)
	assert.Equal(t, res.TransactionID, got.IdempotenceKey)
	assert.Equal(t, int64(19900), got.Amount)
	assert.Equal(t, res.TransactionID, got.Metadata["transaction_id"])
}

// Покупка 30-дневного плана за 19900 и подтверждение succeeded.
func TestScenarioA_PurchaseSettles(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-a")

	f.clock.Advance(time.Minute)
	target := f.clock.Now().Add(30 * 24 * time.Hour)
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).Return(creds("42", 1, target, true), nil).Once()

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-a", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)

	tx := f.tx(t, id)
	assert.Equal(t, models.StatusSettled, tx.Status)
	require.NotNil(t, tx.TargetExpiry)
	assert.True(t, tx.TargetExpiry.Equal(target))

	u, err := f.store.GetUser(ctx, userID)
	require.NoError(t, err)
	exp, ok := u.ExpiresAt("standard")
	require.True(t, ok)
	assert.True(t, exp.Equal(target))

	f.panel.AssertNumberOfCalls(t, "EnsureClient", 1)
	assert.Equal(t, []models.NotificationKind{models.NotifySettled}, f.notes.kinds())
	assert.Contains(t, f.notes.items[0].Text, "vless://42")
}

// Одно и то же подтверждение доставлено дважды.
func TestScenarioB_DuplicateConfirmation(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-b")

	target := start.Add(30 * 24 * time.Hour)
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).Return(creds("42", 1, target, true), nil).Once()

	first, err := f.svc.HandleConfirmation(ctx, succeeded("pay-b", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, first)
	before := f.tx(t, id)

	f.clock.Advance(time.Hour)
	second, err := f.svc.HandleConfirmation(ctx, succeeded("pay-b", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second)

	after := f.tx(t, id)
	assert.Equal(t, models.StatusSettled, after.Status)
	assert.Equal(t, before, after, "second delivery must not mutate the transaction")
	f.panel.AssertNumberOfCalls(t, "EnsureClient", 1)
}

// Панель недоступна три раза, четвёртая попытка успешна.
func TestScenarioC_UnreachableThenSucceeds(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-c")

	target := start.Add(30 * 24 * time.Hour)
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).
		Return(models.ClientCredentials{}, models.ErrPanelUnreachable).Times(3)
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).
		Return(creds("42", 1, target, true), nil).Once()

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-c", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Equal(t, models.StatusPendingConfirmation, f.tx(t, id).Status)

	n, err := f.svc.ProcessRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retry is not due yet")

	for _, delay := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute} {
		f.clock.Advance(delay)
		n, err := f.svc.ProcessRetries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	tx := f.tx(t, id)
	assert.Equal(t, models.StatusSettled, tx.Status)
	assert.Equal(t, 4, tx.Attempts)
	f.panel.AssertNumberOfCalls(t, "EnsureClient", 4)
	f.panel.AssertNumberOfCalls(t, "LookupClient", 1)

	u, err := f.store.GetUser(ctx, userID)
	require.NoError(t, err)
	exp, _ := u.ExpiresAt("standard")
	assert.True(t, exp.Equal(target), "retries reuse the persisted target expiry")
}

// Панель отклоняет выдачу после успешной оплаты.
func TestScenarioD_PanelRejected(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-d")

	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, mock.Anything).
		Return(models.ClientCredentials{}, models.ErrPanelRejected).Once()

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-d", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	tx := f.tx(t, id)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.True(t, tx.ReviewRequired)
	assert.Contains(t, tx.ReviewReason, "panel rejected")

	u, err := f.store.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, u.Entitlements)

	reviews, err := f.svc.ListReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, id, reviews[0].ID)
	assert.ElementsMatch(t, []models.NotificationKind{models.NotifyPaymentFailed, models.NotifyReviewRequired}, f.notes.kinds())

	again, err := f.svc.HandleConfirmation(ctx, succeeded("pay-d", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again, "transaction is already under review")
	assert.Contains(t, f.tx(t, id).ReviewReason, "panel rejected")
	assert.Len(t, f.notes.kinds(), 2)
	f.panel.AssertNumberOfCalls(t, "EnsureClient", 1)
}

// Подтверждение не пришло в течение окна.
func TestScenarioE_SweepExpires(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-e")

	f.clock.Advance(window - time.Minute)
	res, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	f.clock.Advance(2 * time.Minute)
	res, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)
	assert.Equal(t, models.StatusExpired, f.tx(t, id).Status)

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-e", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLate, outcome)
	tx := f.tx(t, id)
	assert.Equal(t, models.StatusExpired, tx.Status)
	assert.True(t, tx.ReviewRequired, "captured payment must be surfaced for review")
	assert.Contains(t, tx.ReviewReason, "late payment")
	require.NotNil(t, tx.LatePaymentAt)
	assert.Equal(t, []models.NotificationKind{models.NotifyPaymentFailed, models.NotifyLatePayment}, f.notes.kinds())

	reviews, err := f.svc.ListReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, id, reviews[0].ID)

	// Повторная доставка не дублирует оповещение.
	outcome, err = f.svc.HandleConfirmation(ctx, succeeded("pay-e", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLate, outcome)
	assert.Len(t, f.notes.kinds(), 2)

	f.panel.AssertNotCalled(t, "EnsureClient", mock.Anything, mock.Anything)
	f.panel.AssertNotCalled(t, "LookupClient", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// expiringStore закрывает транзакцию по таймауту прямо перед подтверждением,
// как это делает очистка, работающая без блокировки платежа.
type expiringStore struct {
	*memory.Storage
	at time.Time
}

func (s *expiringStore) MarkConfirmed(ctx context.Context, id string, at time.Time) error {
	if _, err := s.ExpireStale(ctx, s.at, s.at); err != nil {
		return err
	}
	return s.Storage.MarkConfirmed(ctx, id, at)
}

func TestHandleConfirmation_SweepRacesConfirmation(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-race")

	f.clock.Advance(window + time.Minute)
	svc := f.serviceWith(t, &expiringStore{Storage: f.store, at: f.clock.Now()}, false,
		Settings{ConfirmationWindow: window, Retry: testPolicy()})

	outcome, err := svc.HandleConfirmation(ctx, succeeded("pay-race", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLate, outcome)

	tx := f.tx(t, id)
	assert.Equal(t, models.StatusExpired, tx.Status)
	assert.True(t, tx.ReviewRequired)
	require.NotNil(t, tx.LatePaymentAt)
	assert.Equal(t, []models.NotificationKind{models.NotifyLatePayment}, f.notes.kinds())
	f.panel.AssertNotCalled(t, "EnsureClient", mock.Anything, mock.Anything)
}

func TestHandleConfirmation_SuccessAfterCancel(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-cs")

	outcome, err := f.svc.HandleConfirmation(ctx, models.ConfirmationEvent{ExternalPaymentID: "pay-cs", Status: models.PaymentCanceled})
	require.NoError(t, err)
	require.Equal(t, OutcomeCanceled, outcome)

	outcome, err = f.svc.HandleConfirmation(ctx, succeeded("pay-cs", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLate, outcome)
	tx := f.tx(t, id)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.True(t, tx.ReviewRequired)
}

func TestHandleConfirmation_UnknownPaymentIsDiscarded(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-known")
	before := f.tx(t, id)
	userBefore, err := f.store.GetUser(ctx, userID)
	require.NoError(t, err)

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-foreign", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknown, outcome)

	assert.Equal(t, before, f.tx(t, id))
	userAfter, err := f.store.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, userBefore, userAfter)
	assert.Empty(t, f.notes.kinds())
	f.panel.AssertNotCalled(t, "EnsureClient", mock.Anything, mock.Anything)
}

func TestHandleConfirmation_Canceled(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-cancel")

	outcome, err := f.svc.HandleConfirmation(ctx, models.ConfirmationEvent{
		ExternalPaymentID: "pay-cancel", Amount: 19900, Status: models.PaymentCanceled,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, outcome)

	tx := f.tx(t, id)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.False(t, tx.ReviewRequired)
	assert.Equal(t, []models.NotificationKind{models.NotifyPaymentFailed}, f.notes.kinds())
	f.panel.AssertNotCalled(t, "EnsureClient", mock.Anything, mock.Anything)
}

func TestHandleConfirmation_AmountMismatch(t *testing.T) {
	tests := []struct {
		name string
		ev   models.ConfirmationEvent
	}{
		{name: "lower amount", ev: succeeded("pay-m", 100)},
		{name: "other currency", ev: models.ConfirmationEvent{
			ExternalPaymentID: "pay-m", Amount: 19900, Currency: "USD", Status: models.PaymentSucceeded,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false, testPolicy())
			id := f.purchase(t, userID, "standard", "1m", "pay-m")

			outcome, err := f.svc.HandleConfirmation(context.Background(), tt.ev)
			require.NoError(t, err)
			assert.Equal(t, OutcomeMismatch, outcome)

			tx := f.tx(t, id)
			assert.Equal(t, models.StatusFailed, tx.Status)
			assert.True(t, tx.ReviewRequired)
			f.panel.AssertNotCalled(t, "EnsureClient", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleConfirmation_PendingStatusIgnored(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	id := f.purchase(t, userID, "standard", "1m", "pay-p")

	outcome, err := f.svc.HandleConfirmation(context.Background(), models.ConfirmationEvent{
		ExternalPaymentID: "pay-p", Amount: 19900, Status: models.PaymentPending,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, models.StatusPendingConfirmation, f.tx(t, id).Status)
}

func TestHandleConfirmation_EmptyPaymentID(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	_, err := f.svc.HandleConfirmation(context.Background(), models.ConfirmationEvent{Status: models.PaymentSucceeded})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHandleConfirmation_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-conc")

	target := start.Add(30 * 24 * time.Hour)
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).Return(creds("42", 1, target, true), nil).Once()

	const deliveries = 10
	outcomes := make(chan Outcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-conc", 19900))
			assert.NoError(t, err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeSettled])
	assert.Equal(t, deliveries-1, counts[OutcomeDuplicate])
	assert.Equal(t, models.StatusSettled, f.tx(t, id).Status)
	f.panel.AssertNumberOfCalls(t, "EnsureClient", 1)
}

func TestProcessRetries_Exhausted(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 2
	f := newFixture(t, false, policy)
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-x")

	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, mock.Anything).Return(models.ClientCredentials{}, models.ErrPanelUnreachable)

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-x", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	f.clock.Advance(time.Minute)
	n, err := f.svc.ProcessRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx := f.tx(t, id)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.True(t, tx.ReviewRequired)
	assert.Contains(t, tx.ReviewReason, "retries exhausted")
	assert.Contains(t, f.notes.kinds(), models.NotifyReviewRequired)
}

func TestSweepExpired_FinalizesOverdueConfirmed(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 0
	policy.BaseDelay = time.Hour
	policy.MaxDelay = time.Hour
	f := newFixture(t, false, policy)
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-o")

	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, mock.Anything).Return(models.ClientCredentials{}, models.ErrPanelUnreachable)

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-o", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	f.clock.Advance(window)
	res, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "confirmed transaction is never expired")

	f.clock.Advance(policy.Budget + time.Second)
	res, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Failed: 1}, res)

	tx := f.tx(t, id)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.True(t, tx.ReviewRequired)
}

// Любая транзакция достигает конечного состояния не позже t0 + окно + бюджет.
func TestLiveness(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()

	unconfirmed := f.purchase(t, userID, "standard", "1m", "pay-l1")
	retrying := f.purchase(t, 7, "standard", "1m", "pay-l2")

	f.panel.On("LookupClient", mock.Anything, "7", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, mock.Anything).Return(models.ClientCredentials{}, models.ErrPanelUnreachable)
	_, err := f.svc.HandleConfirmation(ctx, succeeded("pay-l2", 19900))
	require.NoError(t, err)

	deadline := start.Add(window + testPolicy().Budget)
	for f.clock.Now().Before(deadline) {
		f.clock.Advance(10 * time.Minute)
		_, err := f.svc.ProcessRetries(ctx)
		require.NoError(t, err)
		_, err = f.svc.SweepExpired(ctx)
		require.NoError(t, err)
	}

	assert.True(t, f.tx(t, unconfirmed).Status.Terminal())
	assert.True(t, f.tx(t, retrying).Status.Terminal())
}

func TestProvision_AutoAssignSharesTarget(t *testing.T) {
	f := newFixture(t, true, testPolicy())
	ctx := context.Background()
	f.purchase(t, userID, "standard", "1m", "pay-auto")

	target := start.Add(30 * 24 * time.Hour)
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).Return(creds("42", 1, target, true), nil).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42-vmess", 6, target)).Return(creds("42-vmess", 6, target, true), nil).Once()

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-auto", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)

	u, err := f.store.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, u.Entitlements, 2)
	vm, ok := u.ExpiresAt("standard_vm")
	require.True(t, ok)
	assert.True(t, vm.Equal(target))
	f.panel.AssertExpectations(t)
}

func TestProvision_RenewalExtendsFromCurrentExpiry(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()

	first := start.Add(30 * 24 * time.Hour)
	f.purchase(t, userID, "standard", "1m", "pay-r1")
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, first)).Return(creds("42", 1, first, true), nil).Once()
	_, err := f.svc.HandleConfirmation(ctx, succeeded("pay-r1", 19900))
	require.NoError(t, err)

	f.clock.Advance(10 * 24 * time.Hour)
	second := first.Add(30 * 24 * time.Hour)
	f.purchase(t, userID, "standard", "1m", "pay-r2")
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(creds("42", 1, first, false), nil).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, second)).Return(creds("42", 1, second, false), nil).Once()

	outcome, err := f.svc.HandleConfirmation(ctx, succeeded("pay-r2", 19900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)

	u, err := f.store.GetUser(ctx, userID)
	require.NoError(t, err)
	exp, _ := u.ExpiresAt("standard")
	assert.True(t, exp.Equal(second))
	f.panel.AssertExpectations(t)
}

func TestProcessRetries_ResumesAfterRestart(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-restart")

	target := start.Add(30 * 24 * time.Hour)
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).
		Return(models.ClientCredentials{}, models.ErrPanelUnreachable).Once()
	f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).
		Return(creds("42", 1, target, true), nil).Once()

	_, err := f.svc.HandleConfirmation(ctx, succeeded("pay-restart", 19900))
	require.NoError(t, err)

	restarted := f.newService(t, false, testPolicy())
	f.clock.Advance(time.Minute)
	n, err := restarted.ProcessRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusSettled, f.tx(t, id).Status)
}

func TestReconcile(t *testing.T) {
	t.Run("applies gateway status", func(t *testing.T) {
		f := newFixture(t, false, testPolicy())
		id := f.purchase(t, userID, "standard", "1m", "pay-rc")
		target := start.Add(30 * 24 * time.Hour)
		f.gateway.On("GetPayment", mock.Anything, "pay-rc").Return(succeeded("pay-rc", 19900), nil).Once()
		f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
		f.panel.On("EnsureClient", mock.Anything, provisionFor("42", 1, target)).Return(creds("42", 1, target, true), nil).Once()

		tx, err := f.svc.Reconcile(context.Background(), userID, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSettled, tx.Status)
	})

	t.Run("still pending", func(t *testing.T) {
		f := newFixture(t, false, testPolicy())
		id := f.purchase(t, userID, "standard", "1m", "pay-rp")
		f.gateway.On("GetPayment", mock.Anything, "pay-rp").Return(models.ConfirmationEvent{
			ExternalPaymentID: "pay-rp", Status: models.PaymentPending,
		}, nil).Once()

		tx, err := f.svc.Reconcile(context.Background(), userID, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPendingConfirmation, tx.Status)
	})

	t.Run("foreign transaction", func(t *testing.T) {
		f := newFixture(t, false, testPolicy())
		id := f.purchase(t, userID, "standard", "1m", "pay-rf")

		_, err := f.svc.Reconcile(context.Background(), 7, id)
		assert.ErrorIs(t, err, models.ErrNotFound)
		f.gateway.AssertNotCalled(t, "GetPayment", mock.Anything, mock.Anything)
	})

	t.Run("gateway error", func(t *testing.T) {
		f := newFixture(t, false, testPolicy())
		id := f.purchase(t, userID, "standard", "1m", "pay-rg")
		f.gateway.On("GetPayment", mock.Anything, "pay-rg").Return(models.ConfirmationEvent{}, errors.New("timeout")).Once()

		_, err := f.svc.Reconcile(context.Background(), userID, id)
		assert.ErrorIs(t, err, models.ErrGateway)
		assert.Equal(t, models.StatusPendingConfirmation, f.tx(t, id).Status)
	})
}

func TestGetAccess(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()

	_, err := f.svc.GetAccess(ctx, userID, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	f.panel.On("LookupClient", mock.Anything, "42-obhod", 2, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	_, err = f.svc.GetAccess(ctx, userID, "obhod")
	assert.ErrorIs(t, err, models.ErrNotFound)

	target := start.Add(30 * 24 * time.Hour)
	f.purchase(t, userID, "standard", "1m", "pay-acc")
	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(models.ClientCredentials{}, models.ErrNotFound).Once()
	f.panel.On("EnsureClient", mock.Anything, mock.Anything).Return(creds("42", 1, target, true), nil).Once()
	_, err = f.svc.HandleConfirmation(ctx, succeeded("pay-acc", 19900))
	require.NoError(t, err)

	f.panel.On("LookupClient", mock.Anything, "42", 1, "").Return(creds("42", 1, target, false), nil).Once()
	access, err := f.svc.GetAccess(ctx, userID, "standard")
	require.NoError(t, err)
	assert.True(t, access.Active)
	assert.Equal(t, "vless://42", access.Link)
	assert.True(t, access.ExpiresAt.Equal(target))
}

func TestGetTransaction_Ownership(t *testing.T) {
	f := newFixture(t, false, testPolicy())
	ctx := context.Background()
	id := f.purchase(t, userID, "standard", "1m", "pay-own")

	_, err := f.svc.GetTransaction(ctx, userID, id)
	require.NoError(t, err)
	_, err = f.svc.GetTransaction(ctx, adminID, id)
	require.NoError(t, err)
	_, err = f.svc.GetTransaction(ctx, 7, id)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListServices(t *testing.T) {
	f := newFixture(t, true, testPolicy())

	user := f.svc.ListServices(userID)
	require.Len(t, user, 2)
	assert.Equal(t, "standard", user[0].Key)
	require.Len(t, user[0].Plans, 1)
	assert.Equal(t, "1m", user[0].Plans[0].Key)

	admin := f.svc.ListServices(adminID)
	require.Len(t, admin, 3)
	assert.Len(t, admin[0].Plans, 2)
}
