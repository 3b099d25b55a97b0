package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderTracksConnections(t *testing.T) {
	recorder, err := NewRecorder(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}

	recorder.ConnectionOpened()
	recorder.ConnectionOpened()
	recorder.ConnectionClosed("closed")

	if value := testutil.ToFloat64(recorder.connections); value != 1 {
		t.Fatalf("expected one live connection, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.connectionEvents.WithLabelValues("opened")); value != 2 {
		t.Fatalf("expected two open events, got %v", value)
	}
}

func TestRecorderCountsOTPOutcomes(t *testing.T) {
	recorder, err := NewRecorder(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}

	recorder.OTPIssued(false)
	recorder.OTPVerified(true)
	recorder.OTPVerified(false)
	recorder.OTPVerified(false)

	if value := testutil.ToFloat64(recorder.otpIssued.WithLabelValues("fallback")); value != 1 {
		t.Fatalf("expected one fallback issue, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.otpVerifications.WithLabelValues("rejected")); value != 2 {
		t.Fatalf("expected two rejected verifications, got %v", value)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ConnectionOpened()
	recorder.ConnectionClosed("error")
	recorder.MessagePushed("ping")
	recorder.MessageDropped("ping")
	recorder.InboundMessage("pong")
	recorder.OTPIssued(true)
	recorder.OTPVerified(true)
}

func TestNewRecorderRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewRecorder(registry); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	if _, err := NewRecorder(registry); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
