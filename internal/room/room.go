package room

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/manpreetbhatti/synccode/backend/internal/document"
	"github.com/manpreetbhatti/synccode/backend/internal/presence"
)

// DefaultLanguage is the editor language of a fresh room.
const DefaultLanguage = "javascript"

// Colors handed to members that join without one
var palette = []string{
	"#FF3B30", "#FF9500", "#FFCC00", "#4CD964", "#5AC8FA", "#007AFF",
	"#5856D6", "#FF2D55", "#A2845E", "#00C7BE", "#AF52DE",
}

// Conn is one end of a client channel. Send must never block.
type Conn interface {
	ID() string
	Send(msg []byte) bool
}

type member struct {
	conn  Conn
	name  string
	color string
}

// MemberInfo describes a member as seen by other participants.
type MemberInfo struct {
	ConnectionID string
	Name         string
	Color        string
	IsHost       bool
}

// Snapshot is a consistent view of a room at one instant.
type Snapshot struct {
	RoomID    string
	Members   []MemberInfo
	HostID    string
	Locked    bool
	Language  string
	Chat      []Message
	Peers     int
	Updates   int64
	CreatedAt time.Time
}

// A collaborative editing session. Every mutation holds mu, so operations on
// one room are serialized while different rooms proceed in parallel.
type Room struct {
	ID        string
	CreatedAt time.Time

	doc      document.Document
	presence *presence.Table
	chat     *ChatLog
	updates  atomic.Int64

	mu       sync.Mutex
	members  []*member
	peers    map[string]Conn
	hostID   string
	locked   bool
	language string
	peak     int
	// Set once the room has been purged; late callers must look it up again
	closed bool
}

// Creates a new room with the given ID
func NewRoom(id string, doc document.Document, createdAt time.Time) *Room {
	r := &Room{
		ID:        id,
		CreatedAt: createdAt,
		doc:       doc,
		presence:  presence.NewTable(),
		chat:      NewChatLog(),
		members:   make([]*member, 0),
		peers:     make(map[string]Conn),
		language:  DefaultLanguage,
	}
	doc.OnLocalChange(func([]byte) {
		r.updates.Add(1)
	})
	return r
}

func (r *Room) Presence() *presence.Table {
	return r.presence
}

func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Sends a document-channel frame to every peer except the given connection
func (r *Room) Relay(frame []byte, except string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayLocked(frame, except)
}

// Returns the room state vector for the handshake
func (r *Room) EncodeState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState()
}

// Computes what a peer holding peerState is missing
func (r *Room) Diff(peerState []byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrNotFound
	}
	return r.doc.Diff(peerState)
}

// Merges an update into the room document and forwards the raw frame, as
// received, to every other peer. Both happen under the room lock so peers see
// one sender's updates in the order they were applied.
func (r *Room) ApplyUpdate(from string, update, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrNotFound
	}
	if err := r.doc.ApplyUpdate(update); err != nil {
		return err
	}
	r.relayLocked(frame, from)
	return nil
}

func (r *Room) emptyLocked() bool {
	return len(r.members) == 0 && len(r.peers) == 0
}

func (r *Room) memberLocked(connID string) (*member, int) {
	for i, m := range r.members {
		if m.conn.ID() == connID {
			return m, i
		}
	}
	return nil, -1
}

func (r *Room) infoLocked(m *member) MemberInfo {
	return MemberInfo{
		ConnectionID: m.conn.ID(),
		Name:         m.name,
		Color:        m.color,
		IsHost:       m.conn.ID() == r.hostID,
	}
}

func (r *Room) snapshotLocked() Snapshot {
	members := make([]MemberInfo, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, r.infoLocked(m))
	}
	return Snapshot{
		RoomID:    r.ID,
		Members:   members,
		HostID:    r.hostID,
		Locked:    r.locked,
		Language:  r.language,
		Chat:      r.chat.History(),
		Peers:     len(r.peers),
		Updates:   r.updates.Load(),
		CreatedAt: r.CreatedAt,
	}
}

func (r *Room) broadcastLocked(msg []byte, except string) {
	for _, m := range r.members {
		if m.conn.ID() == except {
			continue
		}
		m.conn.Send(msg)
	}
}

func (r *Room) relayLocked(frame []byte, except string) {
	for id, c := range r.peers {
		if id == except {
			continue
		}
		c.Send(frame)
	}
}

func (r *Room) sendLocked(connID string, msg []byte) bool {
	if m, _ := r.memberLocked(connID); m != nil {
		return m.conn.Send(msg)
	}
	return false
}

// Broadcaster fans messages out to the members of a room while a registry
// operation still holds the room. It is only valid inside the callback it was
// passed to.
type Broadcaster interface {
	Broadcast(msg []byte, except string)
	SendTo(connID string, msg []byte) bool
}

type lockedRoom struct {
	r *Room
}

func (l lockedRoom) Broadcast(msg []byte, except string) {
	l.r.broadcastLocked(msg, except)
}

func (l lockedRoom) SendTo(connID string, msg []byte) bool {
	return l.r.sendLocked(connID, msg)
}
