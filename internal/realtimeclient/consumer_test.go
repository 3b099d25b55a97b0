package realtimeclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cybershield/portal/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	connections chan *websocket.Conn
	inbound     chan realtime.Inbound
	headers     chan http.Header
	dials       atomic.Int32
	mu          sync.Mutex
	sockets     []*websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	gateway := &fakeGateway{
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		connections: make(chan *websocket.Conn, 8),
		inbound:     make(chan realtime.Inbound, 64),
		headers:     make(chan http.Header, 8),
	}
	gateway.server = httptest.NewServer(http.HandlerFunc(gateway.serve))
	t.Cleanup(func() {
		gateway.closeAll()
		gateway.server.Close()
	})
	return gateway
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	g.dials.Add(1)
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.sockets = append(g.sockets, socket)
	g.mu.Unlock()
	g.headers <- r.Header.Clone()
	g.connections <- socket
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			return
		}
		message, err := realtime.DecodeInbound(data)
		if err == nil {
			g.inbound <- message
		}
	}
}

func (g *fakeGateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, socket := range g.sockets {
		_ = socket.Close()
	}
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
}

func (g *fakeGateway) nextConnection(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case socket := <-g.connections:
		return socket
	case <-time.After(2 * time.Second):
		t.Fatal("expected a client connection")
		return nil
	}
}

func (g *fakeGateway) nextInbound(t *testing.T) realtime.Inbound {
	t.Helper()
	select {
	case message := <-g.inbound:
		return message
	case <-time.After(2 * time.Second):
		t.Fatal("expected an inbound message")
		return nil
	}
}

func send(t *testing.T, socket *websocket.Conn, message realtime.Outbound) {
	t.Helper()
	frame, err := realtime.EncodeOutbound(message)
	require.NoError(t, err)
	require.NoError(t, socket.WriteMessage(websocket.TextMessage, frame))
}

type alertSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *alertSink) add(alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *alertSink) snapshot() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func startConsumer(t *testing.T, cfg Config) *Consumer {
	t.Helper()
	consumer := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		consumer.Close()
	})
	consumer.Start(ctx)
	return consumer
}

func TestConsumerAuthenticatesOnOpen(t *testing.T) {
	gateway := newFakeGateway(t)
	consumer := startConsumer(t, Config{URL: gateway.url(), UserID: 7, Token: "session-token"})

	gateway.nextConnection(t)
	header := <-gateway.headers
	require.Equal(t, "Bearer session-token", header.Get("Authorization"))

	message := gateway.nextInbound(t)
	authMessage, ok := message.(realtime.AuthMessage)
	require.True(t, ok, "expected auth message, got %#v", message)
	require.Equal(t, int64(7), authMessage.UserID)
	require.Equal(t, "session-token", authMessage.Token)
	require.True(t, consumer.IsConnected())
}

func TestConsumerAnonymousSkipsAuth(t *testing.T) {
	gateway := newFakeGateway(t)
	startConsumer(t, Config{URL: gateway.url()})
	server := gateway.nextConnection(t)

	send(t, server, realtime.Ping{Timestamp: 1})
	message := gateway.nextInbound(t)
	_, isPong := message.(realtime.PongMessage)
	require.True(t, isPong, "expected the first inbound frame to be the pong, got %#v", message)
}

func TestConsumerAnswersPingWithPong(t *testing.T) {
	gateway := newFakeGateway(t)
	consumer := startConsumer(t, Config{URL: gateway.url(), UserID: 1})
	server := gateway.nextConnection(t)
	gateway.nextInbound(t)

	send(t, server, realtime.Ping{Timestamp: 1700000000000})
	message := gateway.nextInbound(t)
	_, isPong := message.(realtime.PongMessage)
	require.True(t, isPong, "expected pong, got %#v", message)

	require.Eventually(t, func() bool {
		_, ok := consumer.LastMessage().(realtime.Ping)
		return ok
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, consumer.Notifications())
}

func TestConsumerHistoryKeepsTwentyMostRecent(t *testing.T) {
	gateway := newFakeGateway(t)
	sink := &alertSink{}
	consumer := startConsumer(t, Config{URL: gateway.url(), OnAlert: sink.add})
	server := gateway.nextConnection(t)

	for index := 1; index <= 25; index++ {
		send(t, server, realtime.Notification{
			Title:     "Notice",
			Message:   fmt.Sprintf("message %d", index),
			Timestamp: int64(index),
		})
	}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 25 }, 2*time.Second, 10*time.Millisecond)
	history := consumer.Notifications()
	require.Len(t, history, HistoryLimit)
	for position, notification := range history {
		require.Equal(t, fmt.Sprintf("message %d", 25-position), notification.Message)
	}

	consumer.ClearNotifications()
	require.Empty(t, consumer.Notifications())
}

func TestConsumerOrderUpdateRaisesAlertOnly(t *testing.T) {
	gateway := newFakeGateway(t)
	sink := &alertSink{}
	consumer := startConsumer(t, Config{URL: gateway.url(), OnAlert: sink.add})
	server := gateway.nextConnection(t)

	send(t, server, realtime.OrderUpdate{OrderID: 42, Status: "In Progress", Timestamp: 1})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, Alert{Title: "Order Update", Message: "Order #42 status changed to: In Progress"}, sink.snapshot()[0])
	require.Empty(t, consumer.Notifications())
	_, ok := consumer.LastMessage().(realtime.OrderUpdate)
	require.True(t, ok)
}

func TestConsumerReconnectsWhenVisible(t *testing.T) {
	gateway := newFakeGateway(t)
	consumer := startConsumer(t, Config{URL: gateway.url(), ReconnectDelay: 20 * time.Millisecond})
	server := gateway.nextConnection(t)

	require.NoError(t, server.Close())
	require.Eventually(t, func() bool { return gateway.dials.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	gateway.nextConnection(t)
	require.Eventually(t, consumer.IsConnected, time.Second, 10*time.Millisecond)
}

func TestConsumerWaitsForVisibilityBeforeReconnecting(t *testing.T) {
	gateway := newFakeGateway(t)
	consumer := startConsumer(t, Config{URL: gateway.url(), ReconnectDelay: 20 * time.Millisecond})
	server := gateway.nextConnection(t)

	consumer.SetVisible(false)
	require.NoError(t, server.Close())
	require.Eventually(t, func() bool { return !consumer.IsConnected() }, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), gateway.dials.Load(), "hidden client must not reconnect")

	consumer.SetVisible(true)
	gateway.nextConnection(t)
	require.Eventually(t, consumer.IsConnected, time.Second, 10*time.Millisecond)
}

func TestConsumerManualReconnect(t *testing.T) {
	gateway := newFakeGateway(t)
	consumer := startConsumer(t, Config{URL: gateway.url()})
	gateway.nextConnection(t)

	consumer.Reconnect()
	gateway.nextConnection(t)
	require.Eventually(t, consumer.IsConnected, time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), gateway.dials.Load())
}

func TestConsumerIdentityChangeOpensFreshConnection(t *testing.T) {
	gateway := newFakeGateway(t)
	consumer := startConsumer(t, Config{URL: gateway.url(), UserID: 1, Token: "one"})
	gateway.nextConnection(t)
	gateway.nextInbound(t)

	consumer.SetIdentity(2, "two")
	gateway.nextConnection(t)
	message := gateway.nextInbound(t)
	authMessage, ok := message.(realtime.AuthMessage)
	require.True(t, ok)
	require.Equal(t, int64(2), authMessage.UserID)

	consumer.SetIdentity(2, "two")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), gateway.dials.Load(), "unchanged identity must not reconnect")
}

func TestConsumerInvalidURLIsNotRetried(t *testing.T) {
	consumer := startConsumer(t, Config{URL: "http://example.com/ws", ReconnectDelay: 10 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)
	require.False(t, consumer.IsConnected())

	consumer.mu.Lock()
	timer := consumer.timer
	consumer.mu.Unlock()
	require.Nil(t, timer, "construction failures must not schedule a reconnect")
}

func TestConsumerCloseFromAlertCallback(t *testing.T) {
	gateway := newFakeGateway(t)
	var (
		current  atomic.Pointer[Consumer]
		once     sync.Once
		returned = make(chan struct{})
	)
	consumer := startConsumer(t, Config{URL: gateway.url(), OnAlert: func(Alert) {
		once.Do(func() {
			current.Load().Close()
			close(returned)
		})
	}})
	current.Store(consumer)
	server := gateway.nextConnection(t)

	send(t, server, realtime.Notification{Title: "Bye", Message: "closing"})
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Close called from OnAlert did not return")
	}
	require.False(t, consumer.IsConnected())
}

func TestConsumerCloseStopsContextWatcher(t *testing.T) {
	consumer := New(Config{URL: "ws://127.0.0.1:1/ws", StartHidden: true})
	consumer.Start(context.Background())
	consumer.Close()

	select {
	case <-consumer.done:
	default:
		t.Fatal("expected Close to release the context watcher")
	}
}
