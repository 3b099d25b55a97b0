package sms

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultBreakerMaxFailures = 5
	defaultBreakerTimeout     = 30 * time.Second
)

// BreakerConfig tunes the circuit breaker in front of a Sender.
type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	Timeout     time.Duration
	Logger      *zap.Logger
}

// BreakerSender fails fast while the wrapped provider keeps failing.
type BreakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerSender wraps next with a circuit breaker. Unsuccessful results count as failures.
func NewBreakerSender(next Sender, cfg BreakerConfig) *BreakerSender {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "sms"
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sms circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerSender{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Send forwards to the wrapped sender unless the breaker is open.
func (b *BreakerSender) Send(ctx context.Context, msg Message) (Result, error) {
	if !b.next.Configured() {
		return b.next.Send(ctx, msg)
	}
	value, err := b.breaker.Execute(func() (interface{}, error) {
		result, err := b.next.Send(ctx, msg)
		if err != nil {
			return result, err
		}
		if !result.Success {
			return result, errors.New(result.Error)
		}
		return result, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{Success: false, Error: err.Error()}, err
		}
		result, _ := value.(Result)
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}
		return result, err
	}
	result, _ := value.(Result)
	return result, nil
}

// Configured delegates to the wrapped sender.
func (b *BreakerSender) Configured() bool {
	return b.next.Configured()
}

// State exposes the breaker state for diagnostics.
func (b *BreakerSender) State() gobreaker.State {
	return b.breaker.State()
}
