// Package presence keeps the ephemeral, last-write-wins identity and cursor
// data of every connection in a room.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type Cursor struct {
	LineNumber int `json:"lineNumber"`
	Column     int `json:"column"`
}

// Entry is the last-known presence of one connection.
type Entry struct {
	ConnectionID string
	Name         string
	Color        string
	Cursor       *Cursor

	// Awareness states keyed by the Yjs client id the connection controls
	Awareness map[uint64]AwarenessClient

	UpdatedAt time.Time
}

func (e Entry) clone() Entry {
	out := e
	if e.Cursor != nil {
		c := *e.Cursor
		out.Cursor = &c
	}
	if e.Awareness != nil {
		out.Awareness = make(map[uint64]AwarenessClient, len(e.Awareness))
		for id, c := range e.Awareness {
			out.Awareness[id] = c
		}
	}
	return out
}

// Table maps connection id to presence entry.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewTable() *Table {
	return &Table{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Overwrites the identity and cursor of a connection
func (t *Table) SetCursor(connID, name, color string, cursor Cursor) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(connID)
	e.Name = name
	e.Color = color
	e.Cursor = &cursor
	e.UpdatedAt = t.now()
	return e.clone()
}

// Applies an awareness update sent by a connection. Each client state in the
// update replaces the previous one; nothing is merged.
func (t *Table) ApplyAwareness(connID string, update []byte) (Entry, error) {
	clients, err := DecodeAwarenessUpdate(update)
	if err != nil {
		return Entry{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(connID)
	if e.Awareness == nil {
		e.Awareness = make(map[uint64]AwarenessClient)
	}
	for _, c := range clients {
		e.Awareness[c.ClientID] = c
		if c.Removed() {
			continue
		}
		if name, color := identityFromState(c.State); name != "" {
			e.Name = name
			if color != "" {
				e.Color = color
			}
		}
	}
	e.UpdatedAt = t.now()
	return e.clone(), nil
}

// Removes and returns the entry of a connection. Only the first call for a
// given connection reports true.
func (t *Table) Remove(connID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[connID]
	if !ok {
		return Entry{}, false
	}
	delete(t.entries, connID)
	return e.clone(), true
}

func (t *Table) Get(connID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[connID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Returns all entries ordered by connection id
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Encodes every live awareness state in the table as one awareness update.
// Reports false when there is nothing to send.
func (t *Table) EncodeAwareness() ([]byte, bool) {
	var clients []AwarenessClient
	for _, e := range t.Snapshot() {
		for _, c := range e.Awareness {
			if !c.Removed() {
				clients = append(clients, c)
			}
		}
	}
	if len(clients) == 0 {
		return nil, false
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return EncodeAwarenessUpdate(clients), true
}

// RemovalUpdate builds the awareness update announcing that every client the
// entry controlled is gone. Returns nil when the entry had no awareness clients.
func RemovalUpdate(e Entry) []byte {
	if len(e.Awareness) == 0 {
		return nil
	}
	clients := make([]AwarenessClient, 0, len(e.Awareness))
	for id, c := range e.Awareness {
		clients = append(clients, AwarenessClient{
			ClientID: id,
			Clock:    c.Clock + 1,
			State:    json.RawMessage("null"),
		})
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return EncodeAwarenessUpdate(clients)
}

func (t *Table) entry(connID string) *Entry {
	e, ok := t.entries[connID]
	if !ok {
		e = &Entry{ConnectionID: connID}
		t.entries[connID] = e
	}
	return e
}
