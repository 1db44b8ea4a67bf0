// Package relay runs the document-sync channel: the y-websocket handshake and
// the fan-out of updates and presence between peers of a room.
package relay

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/metrics"
	"github.com/manpreetbhatti/synccode/backend/internal/presence"
	"github.com/manpreetbhatti/synccode/backend/internal/protocol"
	"github.com/manpreetbhatti/synccode/backend/internal/room"
	"github.com/manpreetbhatti/synccode/backend/internal/ws"
)

type State int32

const (
	Connecting State = iota
	Reconciling
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Reconciling:
		return "reconciling"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the protocol state of one document-channel connection.
// HandleMessage and HandleClose must be called from a single goroutine.
type Session struct {
	registry *room.Registry
	roomID   string
	conn     room.Conn
	log      *zap.Logger

	room  *room.Room
	state atomic.Int32
}

func NewSession(registry *room.Registry, roomID string, conn room.Conn, log *zap.Logger) *Session {
	return &Session{
		registry: registry,
		roomID:   roomID,
		conn:     conn,
		log:      log.With(zap.String("room", roomID)),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Start attaches the connection to its room and opens the handshake: the
// room's state vector first, then every presence state already known.
func (s *Session) Start() error {
	r, err := s.registry.Attach(s.roomID, s.conn)
	if err != nil {
		s.state.Store(int32(Closed))
		return fmt.Errorf("attach to room %q: %w", s.roomID, err)
	}
	s.room = r
	s.state.Store(int32(Reconciling))

	s.conn.Send(protocol.EncodeSync(protocol.SyncStep1, r.EncodeState()))
	if update, ok := r.Presence().EncodeAwareness(); ok {
		s.conn.Send(protocol.EncodeAwareness(update))
	}
	s.log.Debug("peer attached")
	return nil
}

// HandleMessage processes one inbound binary frame. A returned error closes
// the connection.
func (s *Session) HandleMessage(data []byte) error {
	if s.State() != Reconciling && s.State() != Streaming {
		return fmt.Errorf("session is %s", s.State())
	}

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return s.malformed(err)
	}

	switch frame.Type {
	case protocol.MessageSync:
		return s.handleSync(frame, data)
	case protocol.MessageAwareness:
		return s.handleAwareness(frame, data)
	}
	s.log.Debug("skipping frame", zap.Stringer("kind", frame.Type))
	return nil
}

func (s *Session) handleSync(frame protocol.Frame, raw []byte) error {
	switch frame.Step {
	case protocol.SyncStep1:
		updates, err := s.room.Diff(frame.Payload)
		if err != nil {
			return fmt.Errorf("diff: %w", err)
		}
		for _, u := range updates {
			s.conn.Send(protocol.EncodeSync(protocol.SyncStep2, u))
		}
		if s.state.CompareAndSwap(int32(Reconciling), int32(Streaming)) {
			s.log.Debug("handshake complete", zap.Int("updates", len(updates)))
		}
		return nil

	default:
		// Step 2 answers our step 1 with the peer's pending changes; both it
		// and plain updates are merged and forwarded as received.
		if err := s.room.ApplyUpdate(s.conn.ID(), frame.Payload, raw); err != nil {
			if errors.Is(err, room.ErrNotFound) {
				return err
			}
			return s.malformed(err)
		}
		metrics.FrameRelayed(frame.Type.String())
		return nil
	}
}

func (s *Session) handleAwareness(frame protocol.Frame, raw []byte) error {
	if _, err := s.room.Presence().ApplyAwareness(s.conn.ID(), frame.Payload); err != nil {
		return s.malformed(err)
	}
	s.room.Relay(raw, s.conn.ID())
	metrics.FrameRelayed(frame.Type.String())
	return nil
}

// malformed aborts a connection that fails its handshake and otherwise drops
// the frame.
func (s *Session) malformed(err error) error {
	metrics.MalformedFrame(ws.ChannelDocument)
	if s.State() == Reconciling {
		return fmt.Errorf("handshake: %w", err)
	}
	s.log.Warn("dropping malformed frame", zap.Error(err))
	return nil
}

// HandleClose removes the connection's presence, tells the remaining peers
// its awareness clients are gone and leaves the room.
func (s *Session) HandleClose() {
	prev := State(s.state.Swap(int32(Closed)))
	if prev == Closed || s.room == nil {
		return
	}

	if entry, ok := s.room.Presence().Remove(s.conn.ID()); ok {
		if update := presence.RemovalUpdate(entry); update != nil {
			s.room.Relay(protocol.EncodeAwareness(update), s.conn.ID())
		}
	}
	if _, err := s.registry.Leave(s.roomID, s.conn.ID(), nil); err != nil && !errors.Is(err, room.ErrNotFound) {
		s.log.Warn("leave failed", zap.Error(err))
	}
	s.log.Debug("peer detached", zap.Stringer("from", prev))
}
