package document

import (
	"crypto/sha256"
	"errors"
	"sync"
)

var (
	// Encodes a state vector with no known clients
	emptyStateVector = []byte{0}

	// Encodes an update with no structs and an empty delete set
	emptyUpdate = []byte{0, 0}
)

var ErrEmptyUpdate = errors.New("empty update")

// UpdateLog stores every distinct update for late joiners. It does not
// interpret updates, so its state vector is always empty and peers answer the
// handshake with their full state.
type UpdateLog struct {
	mu        sync.RWMutex
	updates   [][]byte
	seen      map[[sha256.Size]byte]struct{}
	size      int
	listeners []func([]byte)
}

func NewUpdateLog() *UpdateLog {
	return &UpdateLog{
		updates: make([][]byte, 0),
		seen:    make(map[[sha256.Size]byte]struct{}),
	}
}

// NewUpdateLogFactory is a Factory producing UpdateLog documents.
func NewUpdateLogFactory() Factory {
	return func(string) Document { return NewUpdateLog() }
}

func (l *UpdateLog) EncodeState() []byte {
	return append([]byte(nil), emptyStateVector...)
}

// Returns every stored update; the empty update when nothing is stored
func (l *UpdateLog) Diff(_ []byte) ([][]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.updates) == 0 {
		return [][]byte{append([]byte(nil), emptyUpdate...)}, nil
	}
	updates := make([][]byte, len(l.updates))
	copy(updates, l.updates)
	return updates, nil
}

// Stores an update unless an identical one was already applied
func (l *UpdateLog) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}

	key := sha256.Sum256(update)
	stored := append([]byte(nil), update...)

	l.mu.Lock()
	if _, dup := l.seen[key]; dup {
		l.mu.Unlock()
		return nil
	}
	l.seen[key] = struct{}{}
	l.updates = append(l.updates, stored)
	l.size += len(stored)
	listeners := make([]func([]byte), len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(stored)
	}
	return nil
}

func (l *UpdateLog) OnLocalChange(fn func(update []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Len returns the number of stored updates.
func (l *UpdateLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.updates)
}

// Size returns the total stored bytes.
func (l *UpdateLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}
