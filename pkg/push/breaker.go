package push

import (
	"context"

	"storylab-backend/pkg/resilience"
)

// breakerProvider sends through a circuit breaker so a failing push
// backend does not slow down every notification
type breakerProvider struct {
	next    Provider
	breaker *resilience.Breaker
}

// WithBreaker wraps provider with breaker
func WithBreaker(provider Provider, breaker *resilience.Breaker) Provider {
	return &breakerProvider{next: provider, breaker: breaker}
}

func (p *breakerProvider) Send(ctx context.Context, msg *Message, tokens []string) (*SendResult, error) {
	var result *SendResult
	err := p.breaker.Execute(ctx, "push_send", func(ctx context.Context) error {
		var err error
		result, err = p.next.Send(ctx, msg, tokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
