package purchasecreate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) InitiatePurchase(ctx context.Context, req models.PurchaseRequest) (models.PurchaseResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.PurchaseResult), args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestPurchaseCreateHandler_ServeHTTP(t *testing.T) {
	wantReq := models.PurchaseRequest{UserID: 42, Username: "alice", ServiceKey: "nl", PlanKey: "m1"}

	tests := []struct {
		name           string
		body           string
		userID         int64
		setupMocks     func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:   "success",
			body:   `{"service":"nl","plan":"m1"}`,
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("InitiatePurchase", mock.Anything, wantReq).
					Return(models.PurchaseResult{TransactionID: "tx-1", PaymentURL: "https://pay/1"}, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			expectedBody:   "https://pay/1",
		},
		{
			name:           "unauthorized",
			body:           `{"service":"nl","plan":"m1"}`,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid json",
			body:           `{`,
			userID:         42,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing plan",
			body:           `{"service":"nl"}`,
			userID:         42,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   "field Plan is a required field",
		},
		{
			name:   "unknown plan",
			body:   `{"service":"nl","plan":"m1"}`,
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("InitiatePurchase", mock.Anything, wantReq).
					Return(models.PurchaseResult{}, fmt.Errorf("op: %w", models.ErrValidation)).Once()
			},
			expectedStatus: http.StatusUnprocessableEntity,
		},
		{
			name:   "admin only plan",
			body:   `{"service":"nl","plan":"m1"}`,
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("InitiatePurchase", mock.Anything, wantReq).
					Return(models.PurchaseResult{}, models.ErrForbiddenPlan).Once()
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:   "gateway down",
			body:   `{"service":"nl","plan":"m1"}`,
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("InitiatePurchase", mock.Anything, wantReq).
					Return(models.PurchaseResult{}, fmt.Errorf("op: %w", models.ErrGateway)).Once()
			},
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockService)
			if tt.setupMocks != nil {
				tt.setupMocks(service)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/v1/purchases", bytes.NewBufferString(tt.body))
			if tt.userID != 0 {
				ctx := context.WithValue(req.Context(), middlewarectx.UserID, tt.userID)
				ctx = context.WithValue(ctx, middlewarectx.User, "alice")
				req = req.WithContext(ctx)
			}
			rec := httptest.NewRecorder()

			New(newNoopLogger(), service).ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedBody != "" {
				assert.Contains(t, rec.Body.String(), tt.expectedBody)
			}
			service.AssertExpectations(t)
		})
	}
}

func TestPurchaseCreateHandler_ResponseShape(t *testing.T) {
	service := new(MockService)
	service.On("InitiatePurchase", mock.Anything, mock.Anything).
		Return(models.PurchaseResult{TransactionID: "tx-1", PaymentURL: "https://pay/1"}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/purchases", bytes.NewBufferString(`{"service":"nl","plan":"m1"}`))
	req = req.WithContext(context.WithValue(req.Context(), middlewarectx.UserID, int64(7)))
	rec := httptest.NewRecorder()

	New(newNoopLogger(), service).ServeHTTP(rec, req)

	var body struct {
		Status string                `json:"status"`
		Data   models.PurchaseResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OK", body.Status)
	assert.Equal(t, "tx-1", body.Data.TransactionID)
	assert.Equal(t, "https://pay/1", body.Data.PaymentURL)
}
