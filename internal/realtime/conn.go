package realtime

import (
	"sync"
	"time"
)

const defaultSendBuffer = 16

// Conn is one client connection as the registry sees it. The transport is owned by the gateway;
// Conn only holds the outbound queue, the bound identity and heartbeat bookkeeping.
type Conn struct {
	id        string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	openedAt  time.Time

	mu       sync.Mutex
	userID   int64
	bound    bool
	missed   int
	lastPong time.Time
}

// NewConn creates a connection with a bounded outbound queue.
func NewConn(sendBuffer int, openedAt time.Time) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Conn{
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		openedAt: openedAt,
		lastPong: openedAt,
	}
}

// ID returns the registry-assigned id, empty before registration.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// UserID reports the bound user, if any.
func (c *Conn) UserID() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.bound
}

// Push queues a frame without blocking. It reports false when the connection is closed or the
// queue is full; the frame is then dropped.
func (c *Conn) Push(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// IsOpen reports whether Close has not been called.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close halts dispatch to the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Outbound exposes the queue drained by the connection writer.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// RecordPong clears the missed heartbeat counter.
func (c *Conn) RecordPong(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missed = 0
	c.lastPong = at
}

// LastPong is the time of the latest pong, or the open time when none arrived yet.
func (c *Conn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// MissedHeartbeats is the number of pings sent since the last pong.
func (c *Conn) MissedHeartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missed
}

func (c *Conn) markPinged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missed++
}

func (c *Conn) assignID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// bind sets the user once. It reports the previously bound user when one exists.
func (c *Conn) bind(userID int64) (existing int64, alreadyBound bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound {
		return c.userID, true
	}
	c.userID = userID
	c.bound = true
	return userID, false
}
