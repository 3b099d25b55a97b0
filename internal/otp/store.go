package otp

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCodeNotFound is returned when no live code exists for a (user, phone) pair.
var ErrCodeNotFound = errors.New("otp: no live code")

// Store persists issued codes. Latest returns the most recently issued code that is still live at now.
// Claim removes every code of code's pair provided code itself is still stored, and reports whether
// this call removed it; of concurrent claims on one code exactly one succeeds.
type Store interface {
	Save(ctx context.Context, code Code) (Code, error)
	Latest(ctx context.Context, userID int64, phone string, now time.Time) (Code, error)
	Claim(ctx context.Context, code Code) (bool, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

type pairKey struct {
	userID int64
	phone  string
}

type expiryEntry struct {
	key       pairKey
	id        int64
	expiresAt time.Time
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) {
	*h = append(*h, x.(expiryEntry))
}

func (h *expiryHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]
	return last
}

// MemoryStore keeps codes in process memory, newest first per pair, with a min-heap on expiry
// so expired entries are evicted lazily on lookup and by Prune.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	codes  map[pairKey][]Code
	expiry expiryHeap
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[pairKey][]Code)}
}

// Save assigns an id and records the code as the newest for its pair.
func (s *MemoryStore) Save(_ context.Context, code Code) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	code.ID = s.nextID
	key := pairKey{userID: code.UserID, phone: code.Phone}
	s.codes[key] = append([]Code{code}, s.codes[key]...)
	heap.Push(&s.expiry, expiryEntry{key: key, id: code.ID, expiresAt: code.ExpiresAt})
	return code, nil
}

// Latest returns the newest live code for the pair.
func (s *MemoryStore) Latest(_ context.Context, userID int64, phone string, now time.Time) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	for _, code := range s.codes[pairKey{userID: userID, phone: phone}] {
		if !code.Expired(now) {
			return code, nil
		}
	}
	return Code{}, ErrCodeNotFound
}

// Claim drops every code for the pair if code is still held.
func (s *MemoryStore) Claim(_ context.Context, code Code) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{userID: code.UserID, phone: code.Phone}
	for _, held := range s.codes[key] {
		if held.ID == code.ID {
			delete(s.codes, key)
			return true, nil
		}
	}
	return false, nil
}

// Prune evicts every code expired at now and reports how many were removed.
func (s *MemoryStore) Prune(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now), nil
}

// Len reports the number of stored codes.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, codes := range s.codes {
		total += len(codes)
	}
	return total
}

func (s *MemoryStore) pruneLocked(now time.Time) int {
	removed := 0
	for s.expiry.Len() > 0 && !now.Before(s.expiry[0].expiresAt) {
		entry := heap.Pop(&s.expiry).(expiryEntry)
		codes := s.codes[entry.key]
		for index, code := range codes {
			if code.ID != entry.id {
				continue
			}
			codes = append(codes[:index], codes[index+1:]...)
			removed++
			break
		}
		if len(codes) == 0 {
			delete(s.codes, entry.key)
		} else {
			s.codes[entry.key] = codes
		}
	}
	return removed
}
