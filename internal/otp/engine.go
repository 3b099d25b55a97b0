// Package otp issues and verifies short-lived phone verification codes.
package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cybershield/portal/internal/metrics"
	"github.com/cybershield/portal/internal/sms"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultTTL = 10 * time.Minute

	// MessageDelivered is reported when the code went out by SMS.
	MessageDelivered = "OTP sent to your phone"
	// MessageFallback is reported when the code is disclosed in the response instead.
	MessageFallback = "OTP sent to your phone (development mode)"
)

var (
	errMissingStore = errors.New("otp: store is required")
	// ErrInvalidUserID rejects non-positive user ids.
	ErrInvalidUserID = errors.New("otp: user id must be positive")
	// ErrMissingPhone rejects blank phone numbers.
	ErrMissingPhone = errors.New("otp: phone number is required")
)

// EngineConfig wires the engine's collaborators. Sender defaults to an unconfigured sender.
type EngineConfig struct {
	Store     Store
	Sender    sms.Sender
	TTL       time.Duration
	Clock     func() time.Time
	Generator Generator
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
}

// Issue is the outcome of a code request. Code is empty when the code was delivered out of band.
type Issue struct {
	Code      string
	ExpiresAt time.Time
	Message   string
	Delivered bool
}

// Engine issues and validates codes per (user, phone).
type Engine struct {
	store     Store
	sender    sms.Sender
	ttl       time.Duration
	clock     func() time.Time
	generator Generator
	logger    *zap.Logger
	metrics   *metrics.Recorder
}

// NewEngine constructs an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	sender := cfg.Sender
	if sender == nil {
		sender = sms.NewUnconfiguredSender()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generator := cfg.Generator
	if generator == nil {
		generator = GenerateCode
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     cfg.Store,
		sender:    sender,
		ttl:       ttl,
		clock:     clock,
		generator: generator,
		logger:    logger.With(zap.String("component", "otp_engine")),
		metrics:   cfg.Metrics,
	}, nil
}

// RequestCode issues a new code for the pair and tries to deliver it by SMS. When the sender is
// unconfigured or delivery fails in any way the code is returned in the Issue instead.
func (e *Engine) RequestCode(ctx context.Context, userID int64, phone string) (Issue, error) {
	if userID <= 0 {
		return Issue{}, ErrInvalidUserID
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Issue{}, ErrMissingPhone
	}

	value, err := e.generator()
	if err != nil {
		return Issue{}, err
	}
	now := e.clock().UTC()
	record, err := e.store.Save(ctx, Code{
		UserID:    userID,
		Phone:     phone,
		Code:      value,
		ExpiresAt: now.Add(e.ttl),
		CreatedAt: now,
	})
	if err != nil {
		e.logger.Error("failed to store otp code", zap.Int64("user_id", userID), zap.Error(err))
		return Issue{}, fmt.Errorf("otp: store code: %w", err)
	}

	delivered := e.deliver(ctx, record)
	e.metrics.OTPIssued(delivered)
	if delivered {
		return Issue{ExpiresAt: record.ExpiresAt, Message: MessageDelivered, Delivered: true}, nil
	}
	e.logger.Debug("otp code disclosed in response",
		zap.Int64("user_id", userID),
		zap.String("phone", phone),
		zap.String("code", record.Code))
	return Issue{Code: record.Code, ExpiresAt: record.ExpiresAt, Message: MessageFallback}, nil
}

// VerifyCode reports whether submitted matches the newest live code for the pair. A match consumes
// every outstanding code for the pair. Expired, missing and mismatched codes all yield false.
func (e *Engine) VerifyCode(ctx context.Context, userID int64, phone, submitted string) (bool, error) {
	return e.Redeem(ctx, userID, phone, submitted, nil)
}

// Redeem verifies submitted like VerifyCode and then runs apply. The code is claimed before apply
// runs, so concurrent redemptions of one code succeed at most once. When apply fails the claimed
// code is put back and apply's error is returned, leaving the code usable until it expires.
func (e *Engine) Redeem(ctx context.Context, userID int64, phone, submitted string, apply func(context.Context) error) (bool, error) {
	phone = strings.TrimSpace(phone)
	record, err := e.store.Latest(ctx, userID, phone, e.clock().UTC())
	if errors.Is(err, ErrCodeNotFound) {
		e.metrics.OTPVerified(false)
		return false, nil
	}
	if err != nil {
		e.logger.Error("failed to load otp code", zap.Int64("user_id", userID), zap.Error(err))
		return false, fmt.Errorf("otp: load code: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(record.Code), []byte(submitted)) != 1 {
		e.metrics.OTPVerified(false)
		return false, nil
	}

	claimed, err := e.store.Claim(ctx, record)
	if err != nil {
		e.logger.Error("failed to claim otp code", zap.Int64("user_id", userID), zap.Error(err))
		return false, fmt.Errorf("otp: claim code: %w", err)
	}
	if !claimed {
		e.metrics.OTPVerified(false)
		return false, nil
	}

	if apply != nil {
		if err := apply(ctx); err != nil {
			if _, restoreErr := e.store.Save(ctx, record); restoreErr != nil {
				e.logger.Error("failed to restore otp code", zap.Int64("user_id", userID), zap.Error(restoreErr))
			}
			return false, err
		}
	}
	e.metrics.OTPVerified(true)
	return true, nil
}

// Prune evicts expired codes from the store.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	return e.store.Prune(ctx, e.clock().UTC())
}

// SchedulePrune registers a periodic prune on the scheduler.
func (e *Engine) SchedulePrune(scheduler *cron.Cron, spec string) (cron.EntryID, error) {
	return scheduler.AddFunc(spec, func() {
		removed, err := e.Prune(context.Background())
		if err != nil {
			e.logger.Warn("otp prune failed", zap.Error(err))
			return
		}
		if removed > 0 {
			e.logger.Debug("otp codes pruned", zap.Int("removed", removed))
		}
	})
}

func (e *Engine) deliver(ctx context.Context, record Code) bool {
	if !e.sender.Configured() {
		return false
	}
	body := fmt.Sprintf("Your CyberShield verification code is: %s. Valid for %d minutes.", record.Code, int(e.ttl.Minutes()))
	result, err := e.sender.Send(ctx, sms.Message{To: record.Phone, Body: body})
	if err != nil || !result.Success {
		e.logger.Warn("otp sms delivery failed, falling back to response disclosure",
			zap.Int64("user_id", record.UserID),
			zap.String("reason", result.Error),
			zap.Error(err))
		return false
	}
	return true
}
