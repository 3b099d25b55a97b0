package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cybershield/portal/internal/auth"
	"github.com/cybershield/portal/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	WelcomeTitle   = "Connected"
	WelcomeMessage = "Connected to CyberShield WebSocket Server"

	defaultMaxMissedHeartbeats = 2
	writeWait                  = 10 * time.Second
	maxInboundMessageBytes     = 64 * 1024

	closeReasonClient    = "client_closed"
	closeReasonHeartbeat = "heartbeat_timeout"
	closeReasonDead      = "dead"
	closeReasonShutdown  = "shutdown"
)

// GatewayConfig wires the gateway. Validator may be nil, in which case every connection opens
// anonymously and inbound auth is only honoured with TrustClientIdentity.
type GatewayConfig struct {
	Registry            *Registry
	Validator           auth.TokenValidator
	TrustClientIdentity bool
	MaxMissedHeartbeats int
	SendBuffer          int
	CheckOrigin         func(*http.Request) bool
	Clock               func() time.Time
	Logger              *zap.Logger
	Metrics             *metrics.Recorder
}

// SweepResult summarizes one heartbeat pass.
type SweepResult struct {
	Pinged  int
	Evicted int
	Removed int
}

// Gateway upgrades HTTP requests to websocket connections and pushes typed messages to them.
type Gateway struct {
	registry    *Registry
	validator   auth.TokenValidator
	trustClient bool
	maxMissed   int
	sendBuffer  int
	clock       func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Recorder
	upgrader    websocket.Upgrader
	writers     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewGateway constructs a gateway. A nil Registry gets a fresh one.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	maxMissed := cfg.MaxMissedHeartbeats
	if maxMissed <= 0 {
		maxMissed = defaultMaxMissedHeartbeats
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		registry:    registry,
		validator:   cfg.Validator,
		trustClient: cfg.TrustClientIdentity,
		maxMissed:   maxMissed,
		sendBuffer:  sendBuffer,
		clock:       clock,
		logger:      logger.With(zap.String("component", "realtime_gateway")),
		metrics:     cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}, nil
}

// Registry exposes the connection registry backing the gateway.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// ServeHTTP upgrades the request and serves the connection until it closes. A session token on
// the request binds the connection to its user; an invalid token is rejected before the upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isClosed() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	principal, authenticated, err := g.principalFromRequest(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(g.sendBuffer, g.clock())
	if authenticated {
		conn.bind(principal.UserID)
	}

	// Registration and the writer count change together so Shutdown either sees the
	// connection or refuses it.
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = socket.Close()
		return
	}
	connectionID := g.registry.Register(conn)
	g.writers.Add(1)
	g.mu.Unlock()
	g.metrics.ConnectionOpened()

	logger := g.logger.With(zap.String("connection_id", connectionID))
	if authenticated {
		logger = logger.With(zap.Int64("user_id", principal.UserID))
	}
	logger.Info("realtime client connected", zap.Bool("authenticated", authenticated))

	go func() {
		defer g.writers.Done()
		g.writeLoop(conn, socket, logger)
	}()

	g.push(conn, Notification{
		Title:     WelcomeTitle,
		Message:   WelcomeMessage,
		Timestamp: g.clock().UnixMilli(),
	})

	g.readLoop(conn, socket, logger)
	g.drop(conn, closeReasonClient)
	logger.Info("realtime client disconnected")
}

func (g *Gateway) principalFromRequest(r *http.Request) (auth.Principal, bool, error) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		return auth.Principal{}, false, nil
	}
	if g.validator == nil {
		g.logger.Debug("ignoring session token without a validator")
		return auth.Principal{}, false, nil
	}
	principal, err := g.validator.ValidateToken(token)
	if err != nil {
		g.logTokenFailure("rejected websocket upgrade", err)
		return auth.Principal{}, false, err
	}
	return principal, true, nil
}

func (g *Gateway) logTokenFailure(message string, err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) {
		g.logger.Info(message, zap.Error(err))
		return
	}
	g.logger.Warn(message, zap.Error(err))
}

func (g *Gateway) readLoop(conn *Conn, socket *websocket.Conn, logger *zap.Logger) {
	socket.SetReadLimit(maxInboundMessageBytes)
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && conn.IsOpen() {
				logger.Debug("realtime read failed", zap.Error(err))
			}
			return
		}
		g.handleInbound(conn, data, logger)
	}
}

func (g *Gateway) writeLoop(conn *Conn, socket *websocket.Conn, logger *zap.Logger) {
	defer socket.Close()
	for {
		select {
		case frame := <-conn.Outbound():
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("realtime write failed", zap.Error(err))
				conn.Close()
				return
			}
		case <-conn.Done():
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (g *Gateway) handleInbound(conn *Conn, data []byte, logger *zap.Logger) {
	message, err := DecodeInbound(data)
	if err != nil {
		g.metrics.InboundMessage("malformed")
		logger.Warn("dropping malformed realtime message", zap.Error(err))
		return
	}

	switch typed := message.(type) {
	case AuthMessage:
		g.metrics.InboundMessage(string(TypeAuth))
		g.handleAuth(conn, typed, logger)
	case PongMessage:
		g.metrics.InboundMessage(string(TypePong))
		conn.RecordPong(g.clock())
	case UnknownMessage:
		g.metrics.InboundMessage("unknown")
		logger.Debug("ignoring unknown realtime message", zap.String("type", typed.Name))
	}
}

func (g *Gateway) handleAuth(conn *Conn, message AuthMessage, logger *zap.Logger) {
	if bound, ok := conn.UserID(); ok {
		if bound != message.UserID {
			logger.Warn("ignoring auth for a different user", zap.Int64("bound_user_id", bound), zap.Int64("asserted_user_id", message.UserID))
		}
		return
	}

	var userID int64
	switch {
	case message.Token != "" && g.validator != nil:
		principal, err := g.validator.ValidateToken(message.Token)
		if err != nil {
			g.logTokenFailure("rejected realtime auth", err)
			return
		}
		if principal.UserID != message.UserID {
			logger.Warn("realtime auth token does not match asserted user", zap.Int64("asserted_user_id", message.UserID))
			return
		}
		userID = principal.UserID
	case g.trustClient:
		userID = message.UserID
	default:
		logger.Info("ignoring unverified realtime auth", zap.Int64("asserted_user_id", message.UserID))
		return
	}

	if err := g.registry.Authenticate(conn.ID(), userID); err != nil {
		logger.Warn("realtime auth failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	logger.Info("realtime client authenticated", zap.Int64("user_id", userID))
}

// SendOrderUpdate pushes an orderUpdate to every connection of userID and returns how many
// connections accepted it.
func (g *Gateway) SendOrderUpdate(orderID, userID int64, status string) int {
	return g.sendToUser(userID, OrderUpdate{
		OrderID:   orderID,
		Status:    status,
		Timestamp: g.clock().UnixMilli(),
	})
}

// SendNotification pushes a notification to every connection of userID.
func (g *Gateway) SendNotification(userID int64, title, message string) int {
	return g.sendToUser(userID, Notification{
		Title:     title,
		Message:   message,
		Timestamp: g.clock().UnixMilli(),
	})
}

// Broadcast pushes message to every open connection, authenticated or not.
func (g *Gateway) Broadcast(message Outbound) int {
	frame, err := EncodeOutbound(message)
	if err != nil {
		g.logger.Error("failed to encode broadcast", zap.Error(err))
		return 0
	}
	delivered := 0
	for _, conn := range g.registry.Snapshot() {
		if g.pushFrame(conn, message.Type(), frame) {
			delivered++
		}
	}
	g.logger.Debug("realtime broadcast", zap.String("type", string(message.Type())), zap.Int("connections", delivered))
	return delivered
}

// NotifyOrderStatusChanged announces a persisted status change to the order's owner.
func (g *Gateway) NotifyOrderStatusChanged(_ context.Context, orderID, userID int64, status string) {
	delivered := g.SendOrderUpdate(orderID, userID, status)
	g.logger.Info("order status change pushed",
		zap.Int64("order_id", orderID),
		zap.Int64("user_id", userID),
		zap.String("status", status),
		zap.Int("connections", delivered))
}

// Sweep performs one heartbeat pass at now. Closed connections are removed, connections that
// missed too many pings are closed and removed, and the rest are pinged.
func (g *Gateway) Sweep(now time.Time) SweepResult {
	var result SweepResult
	ping := Ping{Timestamp: now.UnixMilli()}
	frame, err := EncodeOutbound(ping)
	if err != nil {
		g.logger.Error("failed to encode ping", zap.Error(err))
		return result
	}

	for _, conn := range g.registry.Snapshot() {
		if !conn.IsOpen() {
			if g.drop(conn, closeReasonDead) {
				result.Removed++
			}
			continue
		}
		if conn.MissedHeartbeats() >= g.maxMissed {
			if g.drop(conn, closeReasonHeartbeat) {
				result.Evicted++
				g.logger.Info("evicted unresponsive realtime client",
					zap.String("connection_id", conn.ID()),
					zap.Time("last_pong", conn.LastPong()))
			}
			continue
		}
		conn.markPinged()
		g.pushFrame(conn, TypePing, frame)
		result.Pinged++
	}
	return result
}

// Schedule registers the heartbeat sweep on the scheduler.
func (g *Gateway) Schedule(scheduler *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := scheduler.AddFunc(spec, func() {
		result := g.Sweep(g.clock())
		if result.Evicted > 0 || result.Removed > 0 {
			g.logger.Debug("realtime heartbeat sweep",
				zap.Int("pinged", result.Pinged),
				zap.Int("evicted", result.Evicted),
				zap.Int("removed", result.Removed))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("realtime: schedule heartbeat: %w", err)
	}
	return id, nil
}

// Shutdown refuses further upgrades, closes every connection and waits for their writers to
// finish. Upgrades attempted afterwards get 503.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	for _, conn := range g.registry.Snapshot() {
		g.drop(conn, closeReasonShutdown)
	}
	finished := make(chan struct{})
	go func() {
		g.writers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gateway) sendToUser(userID int64, message Outbound) int {
	frame, err := EncodeOutbound(message)
	if err != nil {
		g.logger.Error("failed to encode realtime message", zap.Error(err))
		return 0
	}
	delivered := 0
	for _, connectionID := range g.registry.FindByUser(userID) {
		conn, ok := g.registry.Get(connectionID)
		if !ok {
			continue
		}
		if g.pushFrame(conn, message.Type(), frame) {
			delivered++
		}
	}
	g.logger.Debug("realtime message sent to user",
		zap.Int64("user_id", userID),
		zap.String("type", string(message.Type())),
		zap.Int("connections", delivered))
	return delivered
}

func (g *Gateway) push(conn *Conn, message Outbound) bool {
	frame, err := EncodeOutbound(message)
	if err != nil {
		g.logger.Error("failed to encode realtime message", zap.Error(err))
		return false
	}
	return g.pushFrame(conn, message.Type(), frame)
}

func (g *Gateway) pushFrame(conn *Conn, messageType MessageType, frame []byte) bool {
	if conn.Push(frame) {
		g.metrics.MessagePushed(string(messageType))
		return true
	}
	g.metrics.MessageDropped(string(messageType))
	return false
}

// drop closes the connection and removes it from the registry. It reports whether this call
// removed it.
func (g *Gateway) drop(conn *Conn, reason string) bool {
	conn.Close()
	if !g.registry.Unregister(conn.ID()) {
		return false
	}
	g.metrics.ConnectionClosed(reason)
	return true
}
