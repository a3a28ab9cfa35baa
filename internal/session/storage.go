// Package session keeps the small amount of state a participant remembers
// locally between reconnects: which seat it was assigned.
package session

import (
	"fmt"
	"sync"

	"github.com/jason-s-yu/pig/internal/game"
)

// AssignedSeatKey is the key holding the claimed seat index ("0" or "1").
const AssignedSeatKey = "assignedSeat"

// Storage is a per-session key-value store. Values survive reconnects and
// restarts of the same session and are wiped only by Clear.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Clear() error
}

// Identity is the typed view of a session's remembered seat.
type Identity struct {
	storage Storage
}

// NewIdentity wraps storage.
func NewIdentity(storage Storage) *Identity {
	return &Identity{storage: storage}
}

// Seat returns the remembered seat, if any. A corrupt value counts as none.
func (i *Identity) Seat() (game.Seat, bool, error) {
	v, ok, err := i.storage.Get(AssignedSeatKey)
	if err != nil || !ok {
		return 0, false, err
	}
	s, err := game.ParseSeat(v)
	if err != nil {
		return 0, false, nil
	}
	return s, true, nil
}

// Remember persists the claimed seat.
func (i *Identity) Remember(s game.Seat) error {
	if !s.Valid() {
		return fmt.Errorf("remember %v: invalid seat", s)
	}
	return i.storage.Set(AssignedSeatKey, fmt.Sprintf("%d", int(s)))
}

// Forget wipes everything the session remembers.
func (i *Identity) Forget() error {
	return i.storage.Clear()
}

// MemoryStorage keeps values for the lifetime of the process.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}
