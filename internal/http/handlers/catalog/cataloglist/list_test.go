package cataloglist

import (
	"context"
	"encoding/json"
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

func (m *MockService) ListServices(userID int64) []models.Service {
	args := m.Called(userID)
	return args.Get(0).([]models.Service)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestCatalogListHandler_ServeHTTP(t *testing.T) {
	service := new(MockService)
	service.On("ListServices", int64(42)).Return([]models.Service{
		{Key: "nl", Name: "Netherlands", Plans: []models.Plan{{Key: "m1", Days: 30, Amount: 19900}}},
	}).Once()

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	req = req.WithContext(context.WithValue(req.Context(), middlewarectx.UserID, int64(42)))
	rec := httptest.NewRecorder()

	New(newNoopLogger(), service).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []models.Service `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "nl", body.Data[0].Key)
	assert.Equal(t, int64(19900), body.Data[0].Plans[0].Amount)
	service.AssertExpectations(t)
}

func TestCatalogListHandler_Unauthorized(t *testing.T) {
	service := new(MockService)
	rec := httptest.NewRecorder()

	New(newNoopLogger(), service).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	service.AssertNotCalled(t, "ListServices", mock.Anything)
}
