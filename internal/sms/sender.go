// Package sms delivers verification messages through an external SMS provider.
package sms

import (
	"context"
	"strings"
)

const unconfiguredReason = "sms provider not configured, running in development mode"

// Message is a single outbound text message.
type Message struct {
	To   string
	Body string
}

// Result reports the provider outcome. SID is the provider message id on success.
type Result struct {
	Success bool
	SID     string
	Error   string
}

// Sender sends text messages. Callers must treat a returned error and Result.Success == false alike.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
	Configured() bool
}

// UnconfiguredSender stands in for the provider when no credentials are present.
type UnconfiguredSender struct{}

// NewUnconfiguredSender returns a sender that always reports a failed delivery.
func NewUnconfiguredSender() UnconfiguredSender {
	return UnconfiguredSender{}
}

// Send never delivers.
func (UnconfiguredSender) Send(_ context.Context, _ Message) (Result, error) {
	return Result{Success: false, Error: unconfiguredReason}, nil
}

// Configured is always false.
func (UnconfiguredSender) Configured() bool {
	return false
}

// FormatNumber prefixes numbers lacking a country code marker with "+".
func FormatNumber(to string) string {
	trimmed := strings.TrimSpace(to)
	if trimmed == "" || strings.HasPrefix(trimmed, "+") {
		return trimmed
	}
	return "+" + trimmed
}
