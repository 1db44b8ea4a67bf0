package room

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/document"
	"github.com/manpreetbhatti/synccode/backend/internal/lifecycle"
	"github.com/manpreetbhatti/synccode/backend/internal/presence"
)

type EventKind string

const (
	RoomCreated EventKind = "created"
	HostChanged EventKind = "host_changed"
	LockChanged EventKind = "lock_changed"
	RoomPurged  EventKind = "purged"
)

// Event is a room lifecycle notification.
type Event struct {
	Kind         EventKind `json:"kind"`
	RoomID       string    `json:"roomId"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Locked       bool      `json:"locked"`
	Members      int       `json:"members"`
	PeakMembers  int       `json:"peakMembers,omitempty"`
	Messages     int       `json:"messages,omitempty"`
	Updates      int64     `json:"updates,omitempty"`
	At           time.Time `json:"at"`
}

// Observer receives room lifecycle notifications. Observe must not block.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Departure describes what a Leave changed.
type Departure struct {
	Member    MemberInfo
	WasMember bool
	WasPeer   bool

	HostChanged bool
	NewHost     MemberInfo
	Locked      bool
	Remaining   int
}

type Option func(*Registry)

func WithDocumentFactory(f document.Factory) Option {
	return func(r *Registry) { r.newDoc = f }
}

// WithObserver adds an observer; it may be given more than once.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// Registry owns every live room, keyed by room id. Lock order is registry,
// then room, then the lifecycle manager.
type Registry struct {
	newDoc    document.Factory
	observers []Observer
	log       *zap.Logger
	clock     clock.Clock
	lifecycle *lifecycle.Manager

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(config lifecycle.Config, opts ...Option) *Registry {
	r := &Registry{
		newDoc: document.NewUpdateLogFactory(),
		log:    zap.NewNop(),
		clock:  clock.New(),
		rooms:  make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lifecycle = lifecycle.New(config, r.purge,
		lifecycle.WithClock(r.clock),
		lifecycle.WithLogger(r.log.Named("lifecycle")),
	)
	return r
}

// Cancels pending purges. Rooms stay in memory until the process exits.
func (r *Registry) Close() {
	r.lifecycle.Stop()
}

// Returns the room with the given id, creating it if needed. A room nobody
// occupies is handed to the lifecycle manager straight away, so it is purged
// unless someone joins or attaches within the grace window.
func (r *Registry) GetOrCreate(roomID string) (*Room, error) {
	room, unlock, err := r.acquire(roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if room.emptyLocked() && !r.lifecycle.Pending(room.ID) {
		r.lifecycle.Schedule(room.ID)
	}
	return room, nil
}

func (r *Registry) Get(roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// Adds conn to the room's membership, creating the room on first use. The
// first member of an empty room becomes host. Joining twice with the same
// connection overwrites its identity. welcome, when set, runs before any
// other operation can touch the room.
func (r *Registry) Join(roomID string, conn Conn, name, color string, welcome func(Broadcaster, Snapshot)) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Snapshot{}, reject(ErrValidation, "name is required")
	}

	room, unlock, err := r.acquire(roomID)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	id := conn.ID()
	if m, _ := room.memberLocked(id); m != nil {
		m.conn = conn
		m.name = name
		if color != "" {
			m.color = color
		}
	} else {
		if color == "" {
			color = palette[len(room.members)%len(palette)]
		}
		room.members = append(room.members, &member{conn: conn, name: name, color: color})
		if len(room.members) > room.peak {
			room.peak = len(room.members)
		}
	}
	if room.hostID == "" {
		room.hostID = id
		room.locked = false
	}
	r.lifecycle.Cancel(room.ID)

	snap := room.snapshotLocked()
	if welcome != nil {
		welcome(lockedRoom{room}, snap)
	}
	return snap, nil
}

// Registers a document-channel peer of the room, creating the room on first use
func (r *Registry) Attach(roomID string, conn Conn) (*Room, error) {
	room, unlock, err := r.acquire(roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	room.peers[conn.ID()] = conn
	r.lifecycle.Cancel(room.ID)
	return room, nil
}

// Removes a connection from the room, whichever channel it belongs to. A
// departing host hands over to the earliest remaining member and the lock is
// released. An empty room is handed to the lifecycle manager.
func (r *Registry) Leave(roomID, connID string, farewell func(Broadcaster, Departure)) (Departure, error) {
	room, ok := r.Get(roomID)
	if !ok {
		return Departure{}, ErrNotFound
	}

	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return Departure{}, ErrNotFound
	}

	var dep Departure
	if _, ok := room.peers[connID]; ok {
		delete(room.peers, connID)
		dep.WasPeer = true
	}
	if m, i := room.memberLocked(connID); m != nil {
		dep.WasMember = true
		dep.Member = room.infoLocked(m)
		room.members = append(room.members[:i], room.members[i+1:]...)
		room.presence.Remove(connID)

		if room.hostID == connID {
			room.locked = false
			room.hostID = ""
			if len(room.members) > 0 {
				next := room.members[0]
				room.hostID = next.conn.ID()
				dep.HostChanged = true
				dep.NewHost = room.infoLocked(next)
			}
		}
	}
	dep.Locked = room.locked
	dep.Remaining = len(room.members)

	if dep.WasMember && farewell != nil {
		farewell(lockedRoom{room}, dep)
	}
	if (dep.WasMember || dep.WasPeer) && room.emptyLocked() {
		r.lifecycle.Schedule(room.ID)
	}
	room.mu.Unlock()

	if dep.HostChanged {
		r.notify(Event{
			Kind:         HostChanged,
			RoomID:       room.ID,
			ConnectionID: dep.NewHost.ConnectionID,
			Locked:       dep.Locked,
			Members:      dep.Remaining,
			At:           r.clock.Now(),
		})
	}
	return dep, nil
}

// Flips the lock of the room. Only the host may do so; anyone else gets
// ErrUnauthorized and the room is left as it was.
func (r *Registry) ToggleLock(roomID, connID string, announce func(Broadcaster, bool)) (bool, error) {
	room, unlock, err := r.lookup(roomID)
	if err != nil {
		return false, err
	}

	if m, _ := room.memberLocked(connID); m == nil {
		unlock()
		return false, reject(ErrUnauthorized, "join the room first")
	}
	if room.hostID != connID {
		locked := room.locked
		unlock()
		return locked, reject(ErrUnauthorized, "only the host can lock or unlock the room")
	}

	room.locked = !room.locked
	locked := room.locked
	members := len(room.members)
	if announce != nil {
		announce(lockedRoom{room}, locked)
	}
	unlock()

	r.notify(Event{
		Kind:         LockChanged,
		RoomID:       roomID,
		ConnectionID: connID,
		Locked:       locked,
		Members:      members,
		At:           r.clock.Now(),
	})
	return locked, nil
}

// Appends a chat message from a member. A zero timestamp is replaced by the
// server's clock in unix milliseconds.
func (r *Registry) AppendMessage(roomID, connID, text string, timestamp int64, announce func(Broadcaster, Message)) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, reject(ErrValidation, "message text is required")
	}
	room, unlock, err := r.lookup(roomID)
	if err != nil {
		return Message{}, err
	}
	defer unlock()

	m, _ := room.memberLocked(connID)
	if m == nil {
		return Message{}, reject(ErrUnauthorized, "join the room first")
	}
	if timestamp == 0 {
		timestamp = r.clock.Now().UnixMilli()
	}
	msg := Message{SenderID: connID, Sender: m.name, Text: text, Timestamp: timestamp}
	room.chat.Append(msg)
	if announce != nil {
		announce(lockedRoom{room}, msg)
	}
	return msg, nil
}

// Changes the editor language. While the room is locked only the host may
// change it.
func (r *Registry) SetLanguage(roomID, connID, language string, announce func(Broadcaster, string)) error {
	language = strings.TrimSpace(language)
	if language == "" {
		return reject(ErrValidation, "language is required")
	}
	room, unlock, err := r.lookup(roomID)
	if err != nil {
		return err
	}
	defer unlock()

	if m, _ := room.memberLocked(connID); m == nil {
		return reject(ErrUnauthorized, "join the room first")
	}
	if room.locked && room.hostID != connID {
		return reject(ErrUnauthorized, "room is locked by the host")
	}
	room.language = language
	if announce != nil {
		announce(lockedRoom{room}, language)
	}
	return nil
}

// Overwrites the cursor presence of a member
func (r *Registry) UpdateCursor(roomID, connID string, cursor presence.Cursor, announce func(Broadcaster, presence.Entry)) (presence.Entry, error) {
	if cursor.LineNumber < 0 || cursor.Column < 0 {
		return presence.Entry{}, reject(ErrValidation, "cursor position must not be negative")
	}
	room, unlock, err := r.lookup(roomID)
	if err != nil {
		return presence.Entry{}, err
	}
	defer unlock()

	m, _ := room.memberLocked(connID)
	if m == nil {
		return presence.Entry{}, reject(ErrUnauthorized, "join the room first")
	}
	entry := room.presence.SetCursor(connID, m.name, m.color, cursor)
	if announce != nil {
		announce(lockedRoom{room}, entry)
	}
	return entry, nil
}

// Returns a snapshot of a live room
func (r *Registry) Snapshot(roomID string) (Snapshot, error) {
	room, ok := r.Get(roomID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return room.Snapshot(), nil
}

// Returns snapshots of every live room ordered by id
func (r *Registry) Rooms() []Snapshot {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Returns the number of event-channel members and document peers across all rooms
func (r *Registry) ConnectionCount() (members, peers int) {
	for _, s := range r.Rooms() {
		members += len(s.Members)
		peers += s.Peers
	}
	return members, peers
}

// Reports whether the room is waiting out its grace window
func (r *Registry) PurgePending(roomID string) bool {
	return r.lifecycle.Pending(roomID)
}

func (r *Registry) getOrCreate(roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok {
		return room, false
	}
	room := NewRoom(roomID, r.newDoc(roomID), r.clock.Now())
	r.rooms[roomID] = room
	r.log.Debug("room created", zap.String("room", roomID))
	return room, true
}

// acquire returns the locked room, creating it when missing. A room purged
// between lookup and lock is replaced by a fresh one.
func (r *Registry) acquire(roomID string) (*Room, func(), error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, nil, reject(ErrValidation, "room id is required")
	}
	for {
		room, created := r.getOrCreate(roomID)
		if created {
			r.notify(Event{Kind: RoomCreated, RoomID: roomID, At: room.CreatedAt})
		}
		room.mu.Lock()
		if !room.closed {
			return room, room.mu.Unlock, nil
		}
		room.mu.Unlock()
	}
}

// lookup returns the locked room or ErrNotFound.
func (r *Registry) lookup(roomID string) (*Room, func(), error) {
	room, ok := r.Get(roomID)
	if !ok {
		return nil, nil, ErrNotFound
	}
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	return room, room.mu.Unlock, nil
}

// purge removes a room whose grace window elapsed. It gives up if the room was
// rejoined or has been re-armed for another window.
func (r *Registry) purge(roomID string) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	room.mu.Lock()
	if !room.emptyLocked() || r.lifecycle.Pending(roomID) {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.closed = true
	delete(r.rooms, roomID)
	ev := Event{
		Kind:        RoomPurged,
		RoomID:      roomID,
		PeakMembers: room.peak,
		Messages:    room.chat.Len(),
		Updates:     room.updates.Load(),
		At:          r.clock.Now(),
	}
	room.mu.Unlock()
	r.mu.Unlock()

	r.log.Info("room purged",
		zap.String("room", roomID),
		zap.Int("messages", ev.Messages),
		zap.Int64("updates", ev.Updates),
	)
	r.notify(ev)
}

func (r *Registry) notify(e Event) {
	for _, o := range r.observers {
		o.Observe(e)
	}
}
