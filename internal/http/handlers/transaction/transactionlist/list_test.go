package transactionlist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) ListTransactions(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error) {
	args := m.Called(ctx, userID, limit)
	txs, _ := args.Get(0).([]*models.Transaction)
	return txs, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestTransactionListHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		userID         int64
		setupMocks     func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:   "default limit",
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("ListTransactions", mock.Anything, int64(42), defaultLimit).
					Return([]*models.Transaction{{ID: "tx-1"}, {ID: "tx-2"}}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"transaction_id":"tx-2"`,
		},
		{
			name:   "custom limit",
			query:  "?limit=5",
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("ListTransactions", mock.Anything, int64(42), 5).Return([]*models.Transaction{}, nil).Once()
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "bad limit",
			query:          "?limit=-1",
			userID:         42,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unauthorized",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:   "store error",
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("ListTransactions", mock.Anything, int64(42), defaultLimit).Return(nil, errors.New("db down")).Once()
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockService)
			if tt.setupMocks != nil {
				tt.setupMocks(service)
			}
			req := httptest.NewRequest(http.MethodGet, "/transactions"+tt.query, nil)
			if tt.userID != 0 {
				req = req.WithContext(context.WithValue(req.Context(), middlewarectx.UserID, tt.userID))
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
