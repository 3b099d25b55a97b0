// Package metrics exposes prometheus collectors for the realtime gateway and the OTP engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder groups the portal collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	connections      prometheus.Gauge
	connectionEvents *prometheus.CounterVec
	messagesPushed   *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	inboundMessages  *prometheus.CounterVec
	otpIssued        *prometheus.CounterVec
	otpVerifications *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Number of live realtime connections",
		}),
		connectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_connection_events_total",
			Help: "Realtime connection lifecycle events",
		}, []string{"event"}),
		messagesPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_pushed_total",
			Help: "Outbound realtime messages queued for a connection",
		}, []string{"type"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_dropped_total",
			Help: "Outbound realtime messages dropped because the connection queue was full or closed",
		}, []string{"type"}),
		inboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_inbound_messages_total",
			Help: "Inbound realtime messages by type",
		}, []string{"type"}),
		otpIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_codes_issued_total",
			Help: "OTP codes issued, labelled by delivery channel",
		}, []string{"delivery"}),
		otpVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_verifications_total",
			Help: "OTP verification attempts by outcome",
		}, []string{"outcome"}),
	}

	collectors := []prometheus.Collector{
		recorder.connections,
		recorder.connectionEvents,
		recorder.messagesPushed,
		recorder.messagesDropped,
		recorder.inboundMessages,
		recorder.otpIssued,
		recorder.otpVerifications,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

// ConnectionOpened counts an accepted connection.
func (r *Recorder) ConnectionOpened() {
	if r == nil {
		return
	}
	r.connections.Inc()
	r.connectionEvents.WithLabelValues("opened").Inc()
}

// ConnectionClosed counts a connection leaving the registry for the given reason.
func (r *Recorder) ConnectionClosed(reason string) {
	if r == nil {
		return
	}
	r.connections.Dec()
	r.connectionEvents.WithLabelValues(reason).Inc()
}

// MessagePushed counts an outbound message accepted by a connection queue.
func (r *Recorder) MessagePushed(messageType string) {
	if r == nil {
		return
	}
	r.messagesPushed.WithLabelValues(messageType).Inc()
}

// MessageDropped counts an outbound message that could not be queued.
func (r *Recorder) MessageDropped(messageType string) {
	if r == nil {
		return
	}
	r.messagesDropped.WithLabelValues(messageType).Inc()
}

// InboundMessage counts a decoded inbound message.
func (r *Recorder) InboundMessage(messageType string) {
	if r == nil {
		return
	}
	r.inboundMessages.WithLabelValues(messageType).Inc()
}

// OTPIssued counts an issued code; delivered is false when the code fell back to the response body.
func (r *Recorder) OTPIssued(delivered bool) {
	if r == nil {
		return
	}
	label := "fallback"
	if delivered {
		label = "sms"
	}
	r.otpIssued.WithLabelValues(label).Inc()
}

// OTPVerified counts a verification attempt.
func (r *Recorder) OTPVerified(valid bool) {
	if r == nil {
		return
	}
	label := "rejected"
	if valid {
		label = "verified"
	}
	r.otpVerifications.WithLabelValues(label).Inc()
}
