package promolist

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

func (m *MockService) ListPromos(ctx context.Context, limit int) ([]*models.Promo, error) {
	args := m.Called(ctx, limit)
	promos, _ := args.Get(0).([]*models.Promo)
	return promos, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestPromoListHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		setupMocks     func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "promos",
			setupMocks: func(s *MockService) {
				s.On("ListPromos", mock.Anything, defaultLimit).Return([]*models.Promo{
					{Code: "SPRING", Days: 7, MaxUses: 10, UsedCount: 3},
				}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"used_count":3`,
		},
		{
			name:  "custom limit",
			query: "?limit=5",
			setupMocks: func(s *MockService) {
				s.On("ListPromos", mock.Anything, 5).Return([]*models.Promo{}, nil).Once()
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "bad limit",
			query:          "?limit=-1",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "store error",
			setupMocks: func(s *MockService) {
				s.On("ListPromos", mock.Anything, defaultLimit).Return(nil, errors.New("db down")).Once()
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

			New(newNoopLogger(), service).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/promos"+tt.query, nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedBody != "" {
				assert.Contains(t, rec.Body.String(), tt.expectedBody)
			}
			service.AssertExpectations(t)
		})
	}
}
