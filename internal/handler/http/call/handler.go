package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"storylab-backend/internal/domain"
	"storylab-backend/internal/middleware"
	callsvc "storylab-backend/internal/service/call"
	apperrors "storylab-backend/pkg/errors"
	"storylab-backend/pkg/response"
)

// Service is the call record service behind the handler.
// *callsvc.Service satisfies it.
type Service interface {
	Initiate(ctx context.Context, input *callsvc.InitiateInput) (*callsvc.InitiateResult, error)
	Accept(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	Reject(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	EndAs(ctx context.Context, actorID, callID uuid.UUID, roomID string) ([]*domain.CallRecord, error)
	Get(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	ListRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// Handler handles call record HTTP requests
type Handler struct {
	callService Service
}

// NewHandler creates a new call handler
func NewHandler(callService Service) *Handler {
	return &Handler{callService: callService}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	CallType    string   `json:"call_type" binding:"required,oneof=audio video"`
	ReceiverIDs []string `json:"receiver_ids" binding:"required,min=1"`
	IsGroup     bool     `json:"is_group"`
}

// EndCallRequest optionally names the room to end every record of
type EndCallRequest struct {
	RoomID string `json:"room_id"`
}

// InitiateCall creates the call records
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	receivers := make([]uuid.UUID, len(req.ReceiverIDs))
	for i, idStr := range req.ReceiverIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid receiver ID: "+idStr)
			return
		}
		receivers[i] = id
	}

	result, err := h.callService.Initiate(c.Request.Context(), &callsvc.InitiateInput{
		CallerID:    userID,
		ReceiverIDs: receivers,
		CallType:    domain.CallType(req.CallType),
		IsGroup:     req.IsGroup,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, result)
}

// AcceptCall marks the call ongoing. Only the receiver may accept.
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	userID, record, ok := h.loadRecord(c)
	if !ok {
		return
	}
	if record.ReceiverID != userID {
		response.Forbidden(c, "Only the receiver can accept a call")
		return
	}

	updated, err := h.callService.Accept(c.Request.Context(), record.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// RejectCall marks the call missed. Only the receiver may reject.
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	userID, record, ok := h.loadRecord(c)
	if !ok {
		return
	}
	if record.ReceiverID != userID {
		response.Forbidden(c, "Only the receiver can reject a call")
		return
	}

	updated, err := h.callService.Reject(c.Request.Context(), record.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// EndCall ends the call, or every record of room_id when given
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	userID, record, ok := h.loadRecord(c)
	if !ok {
		return
	}

	var req EndCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}
	if req.RoomID != "" && req.RoomID != record.RoomID {
		response.ValidationError(c, "room_id does not match the call")
		return
	}

	records, err := h.callService.EndAs(c.Request.Context(), userID, record.ID, req.RoomID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
		"calls":   records,
	})
}

// GetCall returns one call record
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	_, record, ok := h.loadRecord(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, record)
}

// GetRoom returns every record of a room the user takes part in
// GET /v1/calls/rooms/:room_id
func (h *Handler) GetRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	records, err := h.callService.ListRoom(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	member := false
	for _, r := range records {
		if r.Involves(userID) {
			member = true
			break
		}
	}
	if !member {
		response.Forbidden(c, "Not a participant of this room")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"room_id": c.Param("room_id"), "calls": records})
}

// GetHistory returns the user's calls, newest first
// GET /v1/calls/history?limit=&offset=
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	records, err := h.callService.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": records})
}

// loadRecord parses :id, loads the record and checks the user is part of it
func (h *Handler) loadRecord(c *gin.Context) (uuid.UUID, *domain.CallRecord, bool) {
	userID, ok := currentUser(c)
	if !ok {
		return uuid.Nil, nil, false
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, nil, false
	}

	record, err := h.callService.Get(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return uuid.Nil, nil, false
	}
	if !record.Involves(userID) {
		response.FromError(c, apperrors.ForbiddenError("Not a participant of this call"))
		return uuid.Nil, nil, false
	}

	return userID, record, true
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
