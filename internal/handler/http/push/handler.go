package push

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storylab-backend/internal/middleware"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/push"
	"storylab-backend/pkg/response"
)

// Service manages device tokens. *push.Service satisfies it.
type Service interface {
	RegisterToken(ctx context.Context, token *push.Token) error
	UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error
	Tokens(ctx context.Context, userID uuid.UUID) ([]*push.Token, error)
}

// Handler handles push token HTTP requests
type Handler struct {
	pushService Service
}

// NewHandler creates a new push handler
func NewHandler(pushService Service) *Handler {
	return &Handler{pushService: pushService}
}

// RegisterTokenRequest represents a device token registration
type RegisterTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// UnregisterTokenRequest names the device token to remove
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// RegisterToken stores a device token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	now := time.Now().UTC().Unix()
	token := &push.Token{
		UserID:    userID,
		Token:     req.Token,
		Platform:  req.Platform,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	logger.Info("Push token registered",
		zap.String("user_id", userID.String()),
		zap.String("platform", req.Platform))

	response.Success(c, http.StatusCreated, gin.H{
		"message": "Token registered successfully",
	})
}

// UnregisterToken removes one device token
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), userID, req.Token); err != nil {
		logger.Error("Failed to unregister push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Token unregistered successfully",
	})
}

// GetTokens lists the authenticated user's device tokens
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	tokens, err := h.pushService.Tokens(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to get push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to get tokens")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get(middleware.ContextUserID)
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
