package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storylab-backend/pkg/logger"
)

// Provider delivers one message to a set of device tokens
type Provider interface {
	Send(ctx context.Context, msg *Message, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Message represents a push notification
type Message struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// Token is a device token registered by a user
type Token struct {
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenStore stores push tokens per user
type TokenStore interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	Delete(ctx context.Context, userID uuid.UUID, token string) error
}

// Service sends push notifications to users through their registered tokens
type Service struct {
	provider Provider
	tokens   TokenStore
}

// NewService creates a new push notification service
func NewService(provider Provider, tokens TokenStore) *Service {
	return &Service{
		provider: provider,
		tokens:   tokens,
	}
}

// RegisterToken stores or refreshes a device token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	if token.Token == "" {
		return fmt.Errorf("push token is required")
	}
	return s.tokens.Store(ctx, token)
}

// UnregisterToken removes a device token
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.tokens.Delete(ctx, userID, token)
}

// Tokens lists the device tokens registered for a user
func (s *Service) Tokens(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	return s.tokens.GetByUserID(ctx, userID)
}

// SendToUser sends msg to every token of userID. Tokens the provider reports
// as unregistered are deleted. A user without tokens is not an error.
func (s *Service) SendToUser(ctx context.Context, userID uuid.UUID, msg *Message) (*SendResult, error) {
	tokens, err := s.tokens.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get push tokens: %w", err)
	}

	values := make([]string, 0, len(tokens))
	for _, t := range tokens {
		values = append(values, t.Token)
	}
	if len(values) == 0 {
		logger.Debug("No push tokens for user", zap.String("user_id", userID.String()))
		return &SendResult{}, nil
	}

	result, err := s.provider.Send(ctx, msg, values)
	if err != nil {
		return nil, fmt.Errorf("failed to send push notification: %w", err)
	}

	for _, invalid := range result.InvalidTokens {
		if err := s.tokens.Delete(ctx, userID, invalid); err != nil {
			logger.Warn("Failed to delete invalid push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	logger.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	return result, nil
}

// MockProvider records messages instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Message
}

// Send implements Provider
func (m *MockProvider) Send(_ context.Context, msg *Message, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", msg.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns every message passed to Send
func (m *MockProvider) Sent() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.sent))
	copy(out, m.sent)
	return out
}
