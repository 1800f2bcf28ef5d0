package push

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"storylab-backend/internal/middleware"
	"storylab-backend/pkg/push"
)

type MockPushService struct {
	mock.Mock
}

func (m *MockPushService) RegisterToken(ctx context.Context, token *push.Token) error {
	return m.Called(ctx, token).Error(0)
}

func (m *MockPushService) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return m.Called(ctx, userID, token).Error(0)
}

func (m *MockPushService) Tokens(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*push.Token), args.Error(1)
}

func newRouter(svc Service, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(svc)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Next()
	})
	r.POST("/v1/push/tokens", h.RegisterToken)
	r.DELETE("/v1/push/tokens", h.UnregisterToken)
	r.GET("/v1/push/tokens", h.GetTokens)
	return r
}

func send(r http.Handler, method, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/push/tokens", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterToken(t *testing.T) {
	userID := uuid.New()
	svc := new(MockPushService)
	svc.On("RegisterToken", mock.Anything, mock.MatchedBy(func(tok *push.Token) bool {
		return tok.UserID == userID && tok.Token == "device-1" && tok.Platform == "android"
	})).Return(nil)

	w := send(newRouter(svc, userID), http.MethodPost, `{"token":"device-1","platform":"android"}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	svc.AssertExpectations(t)
}

func TestRegisterToken_Validation(t *testing.T) {
	svc := new(MockPushService)
	r := newRouter(svc, uuid.New())

	assert.Equal(t, http.StatusBadRequest, send(r, http.MethodPost, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, send(r, http.MethodPost, `{"token":"x","platform":"pager"}`).Code)
	svc.AssertNotCalled(t, "RegisterToken", mock.Anything, mock.Anything)
}

func TestRegisterToken_StoreFailure(t *testing.T) {
	svc := new(MockPushService)
	svc.On("RegisterToken", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	w := send(newRouter(svc, uuid.New()), http.MethodPost, `{"token":"device-1"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUnregisterToken(t *testing.T) {
	userID := uuid.New()
	svc := new(MockPushService)
	svc.On("UnregisterToken", mock.Anything, userID, "device-1").Return(nil)

	w := send(newRouter(svc, userID), http.MethodDelete, `{"token":"device-1"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestGetTokens(t *testing.T) {
	userID := uuid.New()
	svc := new(MockPushService)
	svc.On("Tokens", mock.Anything, userID).Return([]*push.Token{{UserID: userID, Token: "device-1"}}, nil)

	w := send(newRouter(svc, userID), http.MethodGet, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
