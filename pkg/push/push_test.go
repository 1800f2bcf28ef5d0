package push

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"storylab-backend/pkg/resilience"
)

// MockTokenStore is a mock implementation of TokenStore
type MockTokenStore struct {
	mock.Mock
}

func (m *MockTokenStore) Store(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenStore) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Token), args.Error(1)
}

func (m *MockTokenStore) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	args := m.Called(ctx, userID, token)
	return args.Error(0)
}

// MockPushProvider is a testify mock of Provider
type MockPushProvider struct {
	mock.Mock
}

func (m *MockPushProvider) Send(ctx context.Context, msg *Message, tokens []string) (*SendResult, error) {
	args := m.Called(ctx, msg, tokens)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SendResult), args.Error(1)
}

func TestSendToUser_DeletesInvalidTokens(t *testing.T) {
	userID := uuid.New()
	store := new(MockTokenStore)
	provider := new(MockPushProvider)
	svc := NewService(provider, store)
	msg := &Message{Title: "Missed call", Body: "You missed a call from Ada"}

	store.On("GetByUserID", mock.Anything, userID).Return([]*Token{
		{UserID: userID, Token: "good-token"},
		{UserID: userID, Token: "stale-token"},
	}, nil)
	provider.On("Send", mock.Anything, msg, []string{"good-token", "stale-token"}).
		Return(&SendResult{SuccessCount: 1, FailureCount: 1, InvalidTokens: []string{"stale-token"}}, nil)
	store.On("Delete", mock.Anything, userID, "stale-token").Return(nil)

	result, err := svc.SendToUser(context.Background(), userID, msg)

	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)
	store.AssertExpectations(t)
	provider.AssertExpectations(t)
}

func TestSendToUser_NoTokens(t *testing.T) {
	userID := uuid.New()
	store := new(MockTokenStore)
	provider := new(MockPushProvider)
	svc := NewService(provider, store)

	store.On("GetByUserID", mock.Anything, userID).Return([]*Token{}, nil)

	result, err := svc.SendToUser(context.Background(), userID, &Message{Title: "Incoming call"})

	require.NoError(t, err)
	assert.Zero(t, result.SuccessCount)
	provider.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendToUser_ProviderError(t *testing.T) {
	userID := uuid.New()
	store := new(MockTokenStore)
	provider := new(MockPushProvider)
	svc := NewService(provider, store)

	store.On("GetByUserID", mock.Anything, userID).Return([]*Token{{UserID: userID, Token: "t"}}, nil)
	provider.On("Send", mock.Anything, mock.Anything, []string{"t"}).Return(nil, errors.New("quota exceeded"))

	_, err := svc.SendToUser(context.Background(), userID, &Message{Title: "Incoming call"})

	assert.ErrorContains(t, err, "quota exceeded")
}

func TestRegisterToken_RequiresValue(t *testing.T) {
	svc := NewService(&MockProvider{}, new(MockTokenStore))
	err := svc.RegisterToken(context.Background(), &Token{UserID: uuid.New()})
	assert.Error(t, err)
}

func TestMockProvider_RecordsMessages(t *testing.T) {
	p := &MockProvider{}
	result, err := p.Send(context.Background(), &Message{Title: "Call ended"}, []string{"a", "b"})

	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	require.Len(t, p.Sent(), 1)
	assert.Equal(t, "Call ended", p.Sent()[0].Title)
}

func TestMaskPushToken(t *testing.T) {
	assert.Equal(t, "********", maskPushToken("short"))
	assert.Equal(t, "abcdefgh...ijklmnop", maskPushToken("abcdefgh0123456789ijklmnop"))
}

func TestWithBreaker_FailsFastWhenOpen(t *testing.T) {
	ctx := context.Background()
	provider := new(MockPushProvider)
	provider.On("Send", mock.Anything, mock.Anything, []string{"tok"}).Return(nil, errors.New("unavailable"))

	breaker := resilience.NewBreaker(resilience.Config{FailureThreshold: 1, Cooldown: time.Hour, MaxAttempts: 1})
	wrapped := WithBreaker(provider, breaker)

	_, err := wrapped.Send(ctx, &Message{Title: "t"}, []string{"tok"})
	require.Error(t, err)

	_, err = wrapped.Send(ctx, &Message{Title: "t"}, []string{"tok"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	provider.AssertNumberOfCalls(t, "Send", 1)
}

func TestWithBreaker_PassesResult(t *testing.T) {
	provider := new(MockPushProvider)
	provider.On("Send", mock.Anything, mock.Anything, []string{"tok"}).Return(&SendResult{SuccessCount: 1}, nil)

	result, err := WithBreaker(provider, resilience.NewBreaker(resilience.Config{})).
		Send(context.Background(), &Message{Title: "t"}, []string{"tok"})

	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)
}
