package trialgrant

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/services/orchestrator"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) GrantTrial(ctx context.Context, req models.TrialRequest) (orchestrator.GrantResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(orchestrator.GrantResult), args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestTrialGrantHandler_ServeHTTP(t *testing.T) {
	wantReq := models.TrialRequest{UserID: 42, Username: "alice"}

	tests := []struct {
		name           string
		userID         int64
		setupMocks     func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:   "granted",
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("GrantTrial", mock.Anything, wantReq).Return(orchestrator.GrantResult{
					Transaction: &models.Transaction{ID: "tx-1", Kind: models.KindTrial, Status: models.StatusSettled},
					Outcome:     orchestrator.OutcomeSettled,
				}, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			expectedBody:   `"kind":"trial"`,
		},
		{
			name:           "unauthorized",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:   "already used",
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("GrantTrial", mock.Anything, wantReq).
					Return(orchestrator.GrantResult{}, fmt.Errorf("op: %w", models.ErrTrialUnavailable)).Once()
			},
			expectedStatus: http.StatusConflict,
			expectedBody:   "trial is not available",
		},
		{
			name:   "panel down on lookup",
			userID: 42,
			setupMocks: func(s *MockService) {
				s.On("GrantTrial", mock.Anything, wantReq).
					Return(orchestrator.GrantResult{}, fmt.Errorf("op: %w", models.ErrPanelUnreachable)).Once()
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

			req := httptest.NewRequest(http.MethodPost, "/api/v1/trial", nil)
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
