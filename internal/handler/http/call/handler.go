package call

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	callsvc "huddle-backend/internal/service/call"
	"huddle-backend/pkg/constants"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/pagination"
	"huddle-backend/pkg/push"
	"huddle-backend/pkg/response"
)

// CallService is the call registry as seen by REST clients
type CallService interface {
	StartCall(ctx context.Context, conversationID, callerID uuid.UUID, kind domain.CallKind) (*callsvc.StartResult, error)
	AcceptCall(ctx context.Context, callID, userID uuid.UUID) (*callsvc.AcceptResult, error)
	EndCall(ctx context.Context, callID, requestedBy uuid.UUID) error
	LeaveCall(ctx context.Context, callID, userID uuid.UUID) error
	Get(callID uuid.UUID) (*domain.CallSnapshot, error)
}

// HistoryStore reads and updates a user's call history
type HistoryStore interface {
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryEntry, error)
	CountUnviewed(ctx context.Context, userID uuid.UUID) (int, error)
	MarkViewed(ctx context.Context, recordID, userID uuid.UUID) (bool, error)
	MarkAllViewed(ctx context.Context, userID uuid.UUID) (int64, error)
}

// TokenRegistrar stores push tokens
type TokenRegistrar interface {
	RegisterToken(ctx context.Context, token *push.Token) error
}

// Handler handles call HTTP requests
type Handler struct {
	calls   CallService
	history HistoryStore
	tokens  TokenRegistrar
}

// NewHandler creates a new call handler
func NewHandler(calls CallService, history HistoryStore, tokens TokenRegistrar) *Handler {
	return &Handler{calls: calls, history: history, tokens: tokens}
}

// RegisterRoutes mounts the call API on an authenticated group.
// startGuards run in front of POST /calls/start only.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, startGuards ...gin.HandlerFunc) {
	calls := rg.Group("/calls")
	calls.POST("/start", append(startGuards, h.StartCall)...)
	calls.GET("/history", h.ListHistory)
	calls.GET("/history/unread-count", h.UnreadCount)
	calls.POST("/history/viewed", h.MarkAllViewed)
	calls.POST("/history/:id/viewed", h.MarkViewed)
	calls.POST("/push-tokens", h.RegisterPushToken)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/accept", h.AcceptCall)
	calls.POST("/:id/end", h.EndCall)
	calls.POST("/:id/leave", h.LeaveCall)
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.FromError(c, apperrors.UnauthorizedError("Not authenticated"))
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func pathID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid "+what+" ID")
		return uuid.Nil, false
	}
	return id, true
}

// StartCallRequest represents call initiation request
type StartCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	CallType       string `json:"call_type" binding:"omitempty,oneof=audio video"`
}

// StartCall rings every other member of a conversation
// POST /v1/calls/start
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	res, err := h.calls.StartCall(c.Request.Context(), uuid.MustParse(req.ConversationID), userID, domain.ParseCallKind(req.CallType))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"call":          res.Call,
		"busy_user_ids": res.BusyUserIDs,
	})
}

// AcceptCall joins an invited call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	callID, ok := pathID(c, "call")
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	res, err := h.calls.AcceptCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call":     res.Call,
		"peer_ids": res.PeerIDs,
	})
}

// EndCall terminates a call for everyone
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, ok := pathID(c, "call")
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.calls.EndCall(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
		"call_id": callID,
	})
}

// LeaveCall leaves a call
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	callID, ok := pathID(c, "call")
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.calls.LeaveCall(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Left call",
		"call_id": callID,
	})
}

// GetCall returns the state of an open call to its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := pathID(c, "call")
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	snap, err := h.calls.Get(callID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if !isParticipant(snap, userID) {
		response.FromError(c, apperrors.NotParticipantError())
		return
	}

	response.Success(c, http.StatusOK, snap)
}

func isParticipant(snap *domain.CallSnapshot, userID uuid.UUID) bool {
	if snap.CallerID == userID {
		return true
	}
	for _, id := range snap.CalleeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ListHistory returns the user's call history, newest first
// GET /v1/calls/history?limit=&offset=
func (h *Handler) ListHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	page := pagination.Parse(c.Query("limit"), c.Query("offset"),
		constants.DefaultHistoryPageSize, constants.MaxHistoryPageSize)

	entries, err := h.history.ListForUser(c.Request.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		logger.Error("Failed to list call history", zap.String("user_id", userID.String()), zap.Error(err))
		response.FromError(c, apperrors.DatabaseError(err))
		return
	}
	if entries == nil {
		entries = []*domain.CallHistoryEntry{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  entries,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

// UnreadCount returns the number of missed calls not yet viewed
// GET /v1/calls/history/unread-count
func (h *Handler) UnreadCount(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	count, err := h.history.CountUnviewed(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to count unviewed calls", zap.String("user_id", userID.String()), zap.Error(err))
		response.FromError(c, apperrors.DatabaseError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"count": count})
}

// MarkViewed marks one missed call as seen
// POST /v1/calls/history/:id/viewed
func (h *Handler) MarkViewed(c *gin.Context) {
	recordID, ok := pathID(c, "record")
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	updated, err := h.history.MarkViewed(c.Request.Context(), recordID, userID)
	if err != nil {
		response.FromError(c, apperrors.DatabaseError(err))
		return
	}
	if !updated {
		response.FromError(c, apperrors.NotFoundError("Call record"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"record_id": recordID})
}

// MarkAllViewed marks every missed call of the user as seen
// POST /v1/calls/history/viewed
func (h *Handler) MarkAllViewed(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	n, err := h.history.MarkAllViewed(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, apperrors.DatabaseError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": n})
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Type     string `json:"type" binding:"omitempty,oneof=fcm apns"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android web"`
	VoIP     bool   `json:"voip"`
}

// RegisterPushToken stores a device token for offline call notifications
// POST /v1/calls/push-tokens
func (h *Handler) RegisterPushToken(c *gin.Context) {
	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	now := time.Now().Unix()
	token := &push.Token{
		ID:        uuid.New(),
		UserID:    userID,
		Token:     req.Token,
		Type:      push.TokenType(req.Type),
		Platform:  req.Platform,
		VoIP:      req.VoIP,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.tokens.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token", zap.String("user_id", userID.String()), zap.Error(err))
		response.InternalError(c, "Failed to register push token")
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"token_id": token.ID})
}
