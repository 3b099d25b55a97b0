// Package realtimeclient is a client for the portal realtime gateway. It keeps a bounded
// notification history, answers heartbeats and reconnects while the client is visible.
package realtimeclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cybershield/portal/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// HistoryLimit caps the notification history.
	HistoryLimit = 20
	// OrderUpdateTitle titles the alert raised for order updates.
	OrderUpdateTitle = "Order Update"

	defaultReconnectDelay = 3 * time.Second
	writeWait             = 10 * time.Second
)

var errInvalidURL = errors.New("realtimeclient: websocket url must use ws or wss")

// Alert is a transient message surfaced to the user.
type Alert struct {
	Title   string
	Message string
}

// Config describes a consumer. UserID and Token may be left empty for an anonymous session.
// OnAlert runs on the reader goroutine; Close called from it returns without waiting for readers.
type Config struct {
	URL            string
	UserID         int64
	Token          string
	ReconnectDelay time.Duration
	StartHidden    bool
	Dialer         *websocket.Dialer
	OnAlert        func(Alert)
	Logger         *zap.Logger
}

// Consumer maintains one gateway connection at a time.
type Consumer struct {
	dialer  *websocket.Dialer
	onAlert func(Alert)
	logger  *zap.Logger
	done    chan struct{}

	// callbacks counts OnAlert invocations in flight.
	callbacks atomic.Int32

	mu          sync.Mutex
	url         string
	userID      int64
	token       string
	ctx         context.Context
	started     bool
	closed      bool
	visible     bool
	connected   bool
	generation  uint64
	socket      *websocket.Conn
	timer       *time.Timer
	backoff     backoff.BackOff
	history     []realtime.Notification
	lastMessage realtime.Outbound
	readers     sync.WaitGroup
}

// New constructs a consumer. Nothing is dialled until Start.
func New(cfg Config) *Consumer {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		dialer:  dialer,
		onAlert: cfg.OnAlert,
		logger:  logger.With(zap.String("component", "realtime_consumer")),
		done:    make(chan struct{}),
		url:     cfg.URL,
		userID:  cfg.UserID,
		token:   cfg.Token,
		visible: !cfg.StartHidden,
		backoff: backoff.NewConstantBackOff(delay),
		history: make([]realtime.Notification, 0, HistoryLimit),
	}
}

// Start opens the first connection. Dial failures are retried in the background; a malformed URL
// is logged and not retried.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx = ctx
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	c.connect()
}

// SetIdentity switches the session identity and opens a fresh connection when it changed.
func (c *Consumer) SetIdentity(userID int64, token string) {
	c.mu.Lock()
	changed := c.userID != userID || c.token != token
	c.userID = userID
	c.token = token
	started := c.started && !c.closed
	c.mu.Unlock()

	if changed && started {
		c.connect()
	}
}

// SetVisible records page visibility. Becoming visible while disconnected reconnects at once.
func (c *Consumer) SetVisible(visible bool) {
	c.mu.Lock()
	becameVisible := visible && !c.visible
	c.visible = visible
	reconnect := becameVisible && c.started && !c.closed && !c.connected
	c.mu.Unlock()

	if reconnect {
		c.connect()
	}
}

// Reconnect drops the current connection, if any, and dials again.
func (c *Consumer) Reconnect() {
	c.mu.Lock()
	active := c.started && !c.closed
	c.mu.Unlock()
	if active {
		c.connect()
	}
}

// ClearNotifications empties the history.
func (c *Consumer) ClearNotifications() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
}

// IsConnected reports whether a connection is currently open.
func (c *Consumer) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Notifications returns the history, most recent first.
func (c *Consumer) Notifications() []realtime.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Notification(nil), c.history...)
}

// LastMessage is the most recently received known message, or nil.
func (c *Consumer) LastMessage() realtime.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

// Close tears the connection down and stops reconnecting.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.generation++
	c.stopTimerLocked()
	socket := c.socket
	c.socket = nil
	c.connected = false
	c.mu.Unlock()

	if socket != nil {
		_ = socket.Close()
	}
	if c.callbacks.Load() > 0 {
		return
	}
	c.readers.Wait()
}

func (c *Consumer) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.generation++
	generation := c.generation
	previous := c.socket
	c.socket = nil
	c.connected = false
	rawURL, userID, token, ctx := c.url, c.userID, c.token, c.ctx
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := parseURL(rawURL)
	if err != nil {
		c.logger.Error("failed to construct websocket connection", zap.String("url", rawURL), zap.Error(err))
		return
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	socket, _, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		c.logger.Warn("websocket dial failed", zap.String("url", target), zap.Error(err))
		c.handleDisconnect(generation)
		return
	}

	writeMu := &sync.Mutex{}
	c.mu.Lock()
	if c.closed || generation != c.generation {
		c.mu.Unlock()
		_ = socket.Close()
		return
	}
	c.socket = socket
	c.connected = true
	c.backoff.Reset()
	c.readers.Add(1)
	c.mu.Unlock()

	c.logger.Info("websocket connection established", zap.String("url", target))
	if userID > 0 {
		if err := c.write(socket, writeMu, realtime.AuthMessage{UserID: userID, Token: token}); err != nil {
			c.logger.Warn("failed to send auth", zap.Error(err))
		}
	}

	go func() {
		defer c.readers.Done()
		c.readLoop(generation, socket, writeMu)
	}()
}

func parseURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("%w: %q", errInvalidURL, rawURL)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", errInvalidURL)
	}
	return parsed.String(), nil
}

func (c *Consumer) readLoop(generation uint64, socket *websocket.Conn, writeMu *sync.Mutex) {
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			c.logger.Info("websocket connection closed", zap.Error(err))
			c.handleDisconnect(generation)
			return
		}
		c.handleFrame(socket, writeMu, data)
	}
}

func (c *Consumer) handleFrame(socket *websocket.Conn, writeMu *sync.Mutex, data []byte) {
	message, ok, err := realtime.DecodeOutbound(data)
	if err != nil {
		c.logger.Warn("failed to parse websocket message", zap.Error(err))
		return
	}
	if !ok {
		c.logger.Debug("unknown websocket message", zap.ByteString("frame", data))
		return
	}

	c.mu.Lock()
	c.lastMessage = message
	c.mu.Unlock()

	switch typed := message.(type) {
	case realtime.Ping:
		if err := c.write(socket, writeMu, realtime.PongMessage{}); err != nil {
			c.logger.Warn("failed to send pong", zap.Error(err))
		}
	case realtime.OrderUpdate:
		c.alert(Alert{
			Title:   OrderUpdateTitle,
			Message: fmt.Sprintf("Order #%d status changed to: %s", typed.OrderID, typed.Status),
		})
	case realtime.Notification:
		c.record(typed)
		c.alert(Alert{Title: typed.Title, Message: typed.Message})
	}
}

func (c *Consumer) record(notification realtime.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]realtime.Notification, 0, HistoryLimit)
	history = append(history, notification)
	for _, existing := range c.history {
		if len(history) == HistoryLimit {
			break
		}
		history = append(history, existing)
	}
	c.history = history
}

func (c *Consumer) alert(alert Alert) {
	if c.onAlert == nil {
		return
	}
	c.callbacks.Add(1)
	defer c.callbacks.Add(-1)
	c.onAlert(alert)
}

func (c *Consumer) write(socket *websocket.Conn, writeMu *sync.Mutex, message realtime.Inbound) error {
	frame, err := realtime.EncodeInbound(message)
	if err != nil {
		return err
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
	return socket.WriteMessage(websocket.TextMessage, frame)
}

// handleDisconnect marks the connection of the given generation closed and schedules a
// reconnect. The reconnect only dials if the client is visible when the delay elapses.
func (c *Consumer) handleDisconnect(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation || c.closed {
		return
	}
	c.connected = false
	c.socket = nil
	c.stopTimerLocked()

	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		fire := c.visible && !c.closed && !c.connected && generation == c.generation
		c.mu.Unlock()
		if fire {
			c.connect()
		}
	})
}

func (c *Consumer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
