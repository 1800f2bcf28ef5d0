package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"storylab-backend/pkg/logger"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// Config tunes a Breaker. Zero fields take the defaults noted.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures that open the circuit (3)
	Cooldown         time.Duration // open time before a half-open probe (10s)
	MaxAttempts      int           // tries per Execute, including the first (2)
	Backoff          time.Duration // wait between tries, multiplied by the attempt (100ms)
}

// Breaker retries an operation with linear backoff and stops calling it
// after repeated failures. While open, calls fail fast until Cooldown has
// passed; then one probe is let through and its result closes or reopens
// the circuit.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &Breaker{cfg: cfg, now: time.Now, state: CircuitBreakerClosed}
}

// Execute runs fn, retrying failures up to MaxAttempts
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if err := b.acquire(); err != nil {
			logger.Warn("Circuit breaker rejected call",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation))
			return err
		}

		err := fn(ctx)
		b.record(operation, err)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == b.cfg.MaxAttempts {
			break
		}

		backoff := time.Duration(attempt) * b.cfg.Backoff
		logger.Debug("Operation failed, backing off",
			zap.String("breaker", b.cfg.Name),
			zap.String("operation", operation),
			zap.String("error_class", classifyError(err)),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, b.cfg.MaxAttempts, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.state = CircuitBreakerHalfOpen
		b.probing = true
		return nil
	case CircuitBreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	if err == nil {
		if b.state != CircuitBreakerClosed {
			logger.Info("Circuit breaker closed",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation))
		}
		b.state = CircuitBreakerClosed
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker opened",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
		b.state = CircuitBreakerOpen
		b.openedAt = b.now()
	}
}

// classifyError buckets errors for logs
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthenticated"):
		return "permission"
	default:
		return "unknown"
	}
}
