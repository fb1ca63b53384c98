package call

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/domain"
	callsvc "huddle-backend/internal/service/call"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/push"
	"huddle-backend/pkg/response"
)

type MockCallService struct {
	mock.Mock
}

func (m *MockCallService) StartCall(ctx context.Context, conversationID, callerID uuid.UUID, kind domain.CallKind) (*callsvc.StartResult, error) {
	args := m.Called(ctx, conversationID, callerID, kind)
	res, _ := args.Get(0).(*callsvc.StartResult)
	return res, args.Error(1)
}

func (m *MockCallService) AcceptCall(ctx context.Context, callID, userID uuid.UUID) (*callsvc.AcceptResult, error) {
	args := m.Called(ctx, callID, userID)
	res, _ := args.Get(0).(*callsvc.AcceptResult)
	return res, args.Error(1)
}

func (m *MockCallService) EndCall(ctx context.Context, callID, requestedBy uuid.UUID) error {
	return m.Called(ctx, callID, requestedBy).Error(0)
}

func (m *MockCallService) LeaveCall(ctx context.Context, callID, userID uuid.UUID) error {
	return m.Called(ctx, callID, userID).Error(0)
}

func (m *MockCallService) Get(callID uuid.UUID) (*domain.CallSnapshot, error) {
	args := m.Called(callID)
	snap, _ := args.Get(0).(*domain.CallSnapshot)
	return snap, args.Error(1)
}

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryEntry, error) {
	args := m.Called(ctx, userID, limit, offset)
	entries, _ := args.Get(0).([]*domain.CallHistoryEntry)
	return entries, args.Error(1)
}

func (m *MockHistory) CountUnviewed(ctx context.Context, userID uuid.UUID) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockHistory) MarkViewed(ctx context.Context, recordID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, recordID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockHistory) MarkAllViewed(ctx context.Context, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

type MockTokens struct {
	mock.Mock
}

func (m *MockTokens) RegisterToken(ctx context.Context, token *push.Token) error {
	return m.Called(ctx, token).Error(0)
}

func setup(t *testing.T, userID uuid.UUID) (*gin.Engine, *MockCallService, *MockHistory, *MockTokens) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	calls, history, tokens := new(MockCallService), new(MockHistory), new(MockTokens)

	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	})
	NewHandler(calls, history, tokens).RegisterRoutes(v1)
	return r, calls, history, tokens
}

func do(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, response.Response) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestStartCallEndpoint(t *testing.T) {
	user, conv := uuid.New(), uuid.New()
	r, calls, _, _ := setup(t, user)

	snap := &domain.CallSnapshot{CallID: uuid.New(), ConversationID: conv, CallerID: user}
	calls.On("StartCall", mock.Anything, conv, user, domain.CallKindVideo).
		Return(&callsvc.StartResult{Call: snap, BusyUserIDs: []uuid.UUID{}}, nil)

	w, resp := do(r, http.MethodPost, "/v1/calls/start", `{"conversation_id":"`+conv.String()+`","call_type":"video"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, resp.Success)
	calls.AssertExpectations(t)
}

func TestStartCallValidation(t *testing.T) {
	r, _, _, _ := setup(t, uuid.New())

	w, resp := do(r, http.MethodPost, "/v1/calls/start", `{"conversation_id":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

func TestStartCallInProgressMapsToConflict(t *testing.T) {
	user, conv := uuid.New(), uuid.New()
	r, calls, _, _ := setup(t, user)
	calls.On("StartCall", mock.Anything, conv, user, domain.CallKindAudio).
		Return(nil, apperrors.CallInProgressError())

	w, resp := do(r, http.MethodPost, "/v1/calls/start", `{"conversation_id":"`+conv.String()+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeCallInProgress), resp.Error.Code)
}

func TestAcceptUnknownCall(t *testing.T) {
	user, callID := uuid.New(), uuid.New()
	r, calls, _, _ := setup(t, user)
	calls.On("AcceptCall", mock.Anything, callID, user).Return(nil, apperrors.CallNotFoundError())

	w, resp := do(r, http.MethodPost, "/v1/calls/"+callID.String()+"/accept", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeCallNotFound), resp.Error.Code)
}

func TestEndAndLeaveEndpoints(t *testing.T) {
	user, callID := uuid.New(), uuid.New()
	r, calls, _, _ := setup(t, user)
	calls.On("EndCall", mock.Anything, callID, user).Return(nil)
	calls.On("LeaveCall", mock.Anything, callID, user).Return(apperrors.NotParticipantError())

	w, _ := do(r, http.MethodPost, "/v1/calls/"+callID.String()+"/end", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := do(r, http.MethodPost, "/v1/calls/"+callID.String()+"/leave", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeNotParticipant), resp.Error.Code)
}

func TestGetCallHiddenFromOutsiders(t *testing.T) {
	user, callID := uuid.New(), uuid.New()
	r, calls, _, _ := setup(t, user)
	calls.On("Get", callID).Return(&domain.CallSnapshot{CallID: callID, CallerID: uuid.New(), CalleeIDs: []uuid.UUID{uuid.New()}}, nil)

	w, _ := do(r, http.MethodGet, "/v1/calls/"+callID.String(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListHistoryClampsLimit(t *testing.T) {
	user := uuid.New()
	r, _, history, _ := setup(t, user)
	history.On("ListForUser", mock.Anything, user, 100, 20).Return(nil, nil)

	w, resp := do(r, http.MethodGet, "/v1/calls/history?limit=500&offset=20", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, []any{}, data["calls"])
	history.AssertExpectations(t)
}

func TestListHistoryDefaults(t *testing.T) {
	user := uuid.New()
	r, _, history, _ := setup(t, user)
	history.On("ListForUser", mock.Anything, user, 50, 0).Return(nil, errors.New("db down"))

	w, resp := do(r, http.MethodGet, "/v1/calls/history", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeDatabase), resp.Error.Code)
}

func TestUnreadCountAndMarkViewed(t *testing.T) {
	user, record := uuid.New(), uuid.New()
	r, _, history, _ := setup(t, user)
	history.On("CountUnviewed", mock.Anything, user).Return(3, nil)
	history.On("MarkViewed", mock.Anything, record, user).Return(false, nil)
	history.On("MarkAllViewed", mock.Anything, user).Return(int64(3), nil)

	w, resp := do(r, http.MethodGet, "/v1/calls/history/unread-count", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), resp.Data.(map[string]any)["count"])

	w, _ = do(r, http.MethodPost, "/v1/calls/history/"+record.String()+"/viewed", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = do(r, http.MethodPost, "/v1/calls/history/viewed", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), resp.Data.(map[string]any)["updated"])
}

func TestRegisterPushToken(t *testing.T) {
	user := uuid.New()
	r, _, _, tokens := setup(t, user)
	tokens.On("RegisterToken", mock.Anything, mock.MatchedBy(func(tok *push.Token) bool {
		return tok.UserID == user && tok.Token == "abc" && tok.VoIP && tok.Platform == "ios"
	})).Return(nil)

	w, _ := do(r, http.MethodPost, "/v1/calls/push-tokens", `{"token":"abc","platform":"ios","voip":true}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	tokens.AssertExpectations(t)

	w, _ = do(r, http.MethodPost, "/v1/calls/push-tokens", `{"token":"abc","platform":"symbian"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
