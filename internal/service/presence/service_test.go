package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/protocol"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) SetStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error {
	return m.Called(ctx, userID, status).Error(0)
}

func (m *MockStore) GetStatus(ctx context.Context, userID uuid.UUID) (domain.PresenceStatus, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(domain.PresenceStatus), args.Error(1)
}

func (m *MockStore) Refresh(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

type MockDurable struct {
	mock.Mock
}

func (m *MockDurable) UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error {
	return m.Called(ctx, userID, status).Error(0)
}

type recordingBroadcaster struct {
	sent []protocol.UserStatusChanged
}

func (b *recordingBroadcaster) BroadcastAll(t protocol.Type, payload any) {
	if t == protocol.TypeUserStatusChanged {
		b.sent = append(b.sent, payload.(protocol.UserStatusChanged))
	}
}

func TestSetStoresPersistsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	store, durable, out := new(MockStore), new(MockDurable), &recordingBroadcaster{}
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	svc := NewService(store, durable, out, clk)
	user := uuid.New()

	store.On("SetStatus", ctx, user, domain.PresenceInCall).Return(nil)
	durable.On("UpdateStatus", ctx, user, domain.PresenceInCall).Return(nil)

	svc.Set(ctx, user, domain.PresenceInCall)

	store.AssertExpectations(t)
	durable.AssertExpectations(t)
	if assert.Len(t, out.sent, 1) {
		assert.Equal(t, user, out.sent[0].UserID)
		assert.Equal(t, "in_call", out.sent[0].Status)
		assert.Equal(t, clk.Now().UTC(), out.sent[0].LastSeenAt)
	}
}

func TestSetBroadcastsEvenWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	store, out := new(MockStore), &recordingBroadcaster{}
	svc := NewService(store, nil, out, clock.NewMock())
	user := uuid.New()

	store.On("SetStatus", ctx, user, domain.PresenceOnline).Return(errors.New("redis is in degraded mode"))

	svc.Set(ctx, user, domain.PresenceOnline)
	assert.Len(t, out.sent, 1)
}

func TestSettleDependsOnConnection(t *testing.T) {
	ctx := context.Background()
	store, out := new(MockStore), &recordingBroadcaster{}
	svc := NewService(store, nil, out, clock.NewMock())
	user := uuid.New()
	store.On("SetStatus", ctx, user, mock.Anything).Return(nil)

	assert.Equal(t, domain.PresenceOnline, svc.Settle(ctx, user, true))
	assert.Equal(t, domain.PresenceOffline, svc.Settle(ctx, user, false))
}

func TestGetTreatsStoreErrorAsOnline(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	svc := NewService(store, nil, &recordingBroadcaster{}, clock.NewMock())
	user := uuid.New()
	store.On("GetStatus", ctx, user).Return(domain.PresenceOffline, errors.New("boom"))

	assert.Equal(t, domain.PresenceOnline, svc.Get(ctx, user))
}

func TestOnConnectKeepsInCall(t *testing.T) {
	ctx := context.Background()
	store, out := new(MockStore), &recordingBroadcaster{}
	svc := NewService(store, nil, out, clock.NewMock())
	user := uuid.New()
	store.On("GetStatus", ctx, user).Return(domain.PresenceInCall, nil)

	svc.OnConnect(ctx, user)
	store.AssertNotCalled(t, "SetStatus", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, out.sent)
}
