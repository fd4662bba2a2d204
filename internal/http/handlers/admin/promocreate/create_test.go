package promocreate

import (
	"bytes"
	"context"
	"fmt"
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

func (m *MockService) CreatePromo(ctx context.Context, req models.PromoRequest) (*models.Promo, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(*models.Promo)
	return p, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestPromoCreateHandler_ServeHTTP(t *testing.T) {
	wantReq := models.PromoRequest{Code: "spring", Days: 7, MaxUses: 10}

	tests := []struct {
		name           string
		body           string
		setupMocks     func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "issued",
			body: `{"code":"spring","days":7,"max_uses":10}`,
			setupMocks: func(s *MockService) {
				s.On("CreatePromo", mock.Anything, wantReq).
					Return(&models.Promo{Code: "SPRING", Days: 7, MaxUses: 10}, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			expectedBody:   `"code":"SPRING"`,
		},
		{
			name:           "invalid json",
			body:           `{`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "zero days",
			body:           `{"code":"spring","days":0,"max_uses":10}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   "field Days is a required field",
		},
		{
			name: "active code",
			body: `{"code":"spring","days":7,"max_uses":10}`,
			setupMocks: func(s *MockService) {
				s.On("CreatePromo", mock.Anything, wantReq).
					Return(nil, fmt.Errorf("op: %w", models.ErrAlreadyExists)).Once()
			},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockService)
			if tt.setupMocks != nil {
				tt.setupMocks(service)
			}
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/admin/promos", bytes.NewBufferString(tt.body))

			New(newNoopLogger(), service).ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedBody != "" {
				assert.Contains(t, rec.Body.String(), tt.expectedBody)
			}
			service.AssertExpectations(t)
		})
	}
}
