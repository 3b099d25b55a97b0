package realtime

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrConnectionNotFound is returned for ids the registry does not hold.
	ErrConnectionNotFound = errors.New("realtime: connection not found")
	// ErrIdentityAlreadyBound is returned when a connection already belongs to another user.
	ErrIdentityAlreadyBound = errors.New("realtime: connection bound to another user")
	// ErrInvalidUserID rejects non-positive user ids.
	ErrInvalidUserID = errors.New("realtime: user id must be positive")
)

// Registry tracks live connections and the user each one belongs to.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Conn
	byUser      map[int64]map[string]*Conn
	newID       func() string
}

// NewRegistry constructs an empty registry issuing UUIDv7 connection ids.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Conn),
		byUser:      make(map[int64]map[string]*Conn),
		newID:       newConnectionID,
	}
}

func newConnectionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Register assigns the connection a fresh id and starts tracking it. A connection already bound to
// a user is indexed under that user immediately.
func (r *Registry) Register(conn *Conn) string {
	id := r.newID()
	conn.assignID(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[id] = conn
	if userID, bound := conn.UserID(); bound {
		r.indexLocked(userID, id, conn)
	}
	return id
}

// Authenticate binds the connection to userID. Binding the same user again is a no-op.
func (r *Registry) Authenticate(connectionID string, userID int64) error {
	if userID <= 0 {
		return ErrInvalidUserID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	existing, alreadyBound := conn.bind(userID)
	if alreadyBound {
		if existing != userID {
			return ErrIdentityAlreadyBound
		}
		return nil
	}
	r.indexLocked(userID, connectionID, conn)
	return nil
}

// Unregister stops tracking the connection. It reports whether the id was present.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	delete(r.connections, connectionID)
	if userID, bound := conn.UserID(); bound {
		if connections := r.byUser[userID]; connections != nil {
			delete(connections, connectionID)
			if len(connections) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	return true
}

// FindByUser returns the ids of every connection bound to userID.
func (r *Registry) FindByUser(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connections := r.byUser[userID]
	ids := make([]string, 0, len(connections))
	for id := range connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AllLive returns the ids of every registered connection that is still open.
func (r *Registry) AllLive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connections))
	for id, conn := range r.connections {
		if conn.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies the registered connections so callers can iterate without the lock.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connections := make([]*Conn, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	return connections
}

// Get looks up a connection by id.
func (r *Registry) Get(connectionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

// Count is the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) indexLocked(userID int64, connectionID string, conn *Conn) {
	connections, ok := r.byUser[userID]
	if !ok {
		connections = make(map[string]*Conn)
		r.byUser[userID] = connections
	}
	connections[connectionID] = conn
}
