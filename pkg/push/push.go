package push

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
)

// Provider sends one notification to a batch of device tokens
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
	// VoIP routes the notification through the VoIP channel where the provider has one (APNs PushKit)
	VoIP bool `json:"voip,omitempty"`
	// TTL bounds delivery; an incoming-call push is useless once the ring window has passed
	TTL time.Duration `json:"-"`
}

// CallNotificationData describes the call a notification is about
type CallNotificationData struct {
	CallID         uuid.UUID
	ConversationID uuid.UUID
	CallerID       uuid.UUID
	CallerName     string
	CallType       string
	Timestamp      int64
}

func (d *CallNotificationData) data(kind string) map[string]string {
	return map[string]string{
		"type":            kind,
		"call_id":         d.CallID.String(),
		"conversation_id": d.ConversationID.String(),
		"caller_id":       d.CallerID.String(),
		"caller_name":     d.CallerName,
		"call_type":       d.CallType,
		"timestamp":       fmt.Sprintf("%d", d.Timestamp),
	}
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	VoIP      bool      `json:"voip,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository stores device tokens per user
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	MarkInactive(ctx context.Context, token string) error
}

// Service sends call notifications to users who have no live socket
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken stores or refreshes a device token
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	token.Active = true
	if token.Type == "" {
		token.Type = TokenTypeFCM
		if token.Platform == "ios" {
			token.Type = TokenTypeAPNs
		}
	}
	return s.repo.Store(ctx, token)
}

// NotifyIncomingCall rings offline invitees. VoIP tokens get the VoIP variant.
func (s *Service) NotifyIncomingCall(ctx context.Context, data *CallNotificationData, userIDs []uuid.UUID, ttl time.Duration) error {
	regular, voip := s.collectTokens(ctx, userIDs)

	base := Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", data.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data:     data.data("call"),
		TTL:      ttl,
	}

	var firstErr error
	if len(regular) > 0 {
		n := base
		if err := s.send(ctx, &n, regular, data.CallID); err != nil {
			firstErr = err
		}
	}
	if len(voip) > 0 {
		n := base
		n.VoIP = true
		if err := s.send(ctx, &n, voip, data.CallID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NotifyMissedCall tells callees they missed a call
func (s *Service) NotifyMissedCall(ctx context.Context, data *CallNotificationData, userIDs []uuid.UUID) error {
	regular, _ := s.collectTokens(ctx, userIDs)
	if len(regular) == 0 {
		return nil
	}
	return s.send(ctx, &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", data.CallerName),
		Priority: "normal",
		Sound:    "default",
		Data:     data.data("missed_call"),
	}, regular, data.CallID)
}

func (s *Service) collectTokens(ctx context.Context, userIDs []uuid.UUID) (regular, voip []string) {
	for _, userID := range userIDs {
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		for _, token := range tokens {
			if !token.Active {
				continue
			}
			if token.VoIP {
				voip = append(voip, token.Token)
			} else {
				regular = append(regular, token.Token)
			}
		}
	}
	return regular, voip
}

func (s *Service) send(ctx context.Context, n *Notification, tokens []string, callID uuid.UUID) error {
	voip := strconv.FormatBool(n.VoIP)
	result, err := s.provider.Send(ctx, n, tokens)
	if err != nil {
		metrics.PushNotificationsTotal.WithLabelValues(voip, "error").Add(float64(len(tokens)))
		logger.Error("Failed to send call notification",
			zap.String("call_id", callID.String()),
			zap.String("title", n.Title),
			zap.Int("token_count", len(tokens)),
			zap.Error(err))
		return fmt.Errorf("failed to send call notification: %w", err)
	}

	metrics.PushNotificationsTotal.WithLabelValues(voip, "sent").Add(float64(result.SuccessCount))
	metrics.PushNotificationsTotal.WithLabelValues(voip, "failed").Add(float64(result.FailureCount))
	logger.Info("Call notification sent",
		zap.String("call_id", callID.String()),
		zap.String("title", n.Title),
		zap.Bool("voip", n.VoIP),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))

	for _, tok := range result.InvalidTokens {
		if err := s.repo.MarkInactive(ctx, tok); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token", maskPushToken(tok)),
				zap.Error(err))
		}
	}
	return nil
}

// maskPushToken shows only the first and last 8 characters of a token
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	Sent []*Notification
}

// Send implements Provider
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.Sent = append(m.Sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Bool("voip", notification.VoIP),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Count returns how many notifications were sent
func (m *MockProvider) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
