package reviewlist

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

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) ListReviews(ctx context.Context, limit int) ([]*models.Transaction, error) {
	args := m.Called(ctx, limit)
	txs, _ := args.Get(0).([]*models.Transaction)
	return txs, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestReviewListHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		setupMocks     func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "flagged transactions",
			setupMocks: func(s *MockService) {
				s.On("ListReviews", mock.Anything, defaultLimit).Return([]*models.Transaction{
					{ID: "tx-1", Status: models.StatusFailed, ReviewRequired: true, ReviewReason: "panel rejected"},
				}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   "panel rejected",
		},
		{
			name:           "bad limit",
			query:          "?limit=abc",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "store error",
			setupMocks: func(s *MockService) {
				s.On("ListReviews", mock.Anything, defaultLimit).Return(nil, errors.New("db down")).Once()
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
			rec := httptest.NewRecorder()

			New(newNoopLogger(), service).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/reviews"+tt.query, nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedBody != "" {
				assert.Contains(t, rec.Body.String(), tt.expectedBody)
			}
			service.AssertExpectations(t)
		})
	}
}
