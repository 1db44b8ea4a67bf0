// Package events runs the session-event channel: membership, lock, host,
// chat, cursor and language events of one connection.
package events

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/metrics"
	"github.com/manpreetbhatti/synccode/backend/internal/presence"
	"github.com/manpreetbhatti/synccode/backend/internal/protocol"
	"github.com/manpreetbhatti/synccode/backend/internal/room"
	"github.com/manpreetbhatti/synccode/backend/internal/ws"
)

const reasonJoinFirst = "join a room first"

// Session dispatches the events of one connection. HandleMessage and
// HandleClose must be called from a single goroutine.
type Session struct {
	registry *room.Registry
	conn     room.Conn
	log      *zap.Logger
	now      func() time.Time

	// Room joined on this connection, empty before the first join
	roomID string
	name   string
}

func NewSession(registry *room.Registry, conn room.Conn, log *zap.Logger) *Session {
	return &Session{
		registry: registry,
		conn:     conn,
		log:      log,
		now:      time.Now,
	}
}

// RoomID returns the room the connection is in, if any.
func (s *Session) RoomID() string {
	return s.roomID
}

// HandleMessage decodes and applies one event. Bad input is answered with
// edit_rejected and never closes the connection.
func (s *Session) HandleMessage(data []byte) error {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		metrics.MalformedFrame(ws.ChannelEvents)
		reason := err.Error()
		switch {
		case errors.Is(err, protocol.ErrUnknownEvent):
			reason = "unknown event"
		case errors.Is(err, protocol.ErrMalformedEvent):
			s.log.Debug("undecodable event", zap.Error(err))
			reason = "invalid event"
		}
		s.reject("invalid", reason)
		return nil
	}

	switch e := ev.(type) {
	case protocol.Ping:
		s.send(protocol.EventPong, protocol.Pong{SentAt: e.SentAt, ServerTime: s.now().UnixMilli()})
		return nil
	case protocol.Join:
		s.join(e)
		return nil
	}

	if s.roomID == "" {
		s.reject(string(ev.Type()), reasonJoinFirst)
		return nil
	}

	switch e := ev.(type) {
	case protocol.ToggleLock:
		s.toggleLock()
	case protocol.CursorUpdate:
		s.updateCursor(e)
	case protocol.SendMessage:
		s.sendMessage(e)
	case protocol.LanguageChange:
		s.changeLanguage(e)
	}
	return nil
}

// HandleClose treats a dropped transport like an explicit leave.
func (s *Session) HandleClose() {
	s.leave()
}

func (s *Session) join(e protocol.Join) {
	if s.roomID != "" && s.roomID != e.RoomID {
		s.leave()
	}

	id := s.conn.ID()
	snap, err := s.registry.Join(e.RoomID, s.conn, e.Name, e.Color, func(b room.Broadcaster, snap room.Snapshot) {
		joined := protocol.Joined{
			Members:      toMembers(snap.Members),
			HostID:       snap.HostID,
			IsLocked:     snap.Locked,
			ConnectionID: id,
			Name:         e.Name,
		}
		if msg := s.encode(protocol.EventJoined, joined); msg != nil {
			b.Broadcast(msg, "")
		}
		// History goes out before the room lock is released, so no newer
		// message can overtake it.
		welcome := protocol.SyncCode{
			SelfID:      id,
			Language:    snap.Language,
			HostID:      snap.HostID,
			IsLocked:    snap.Locked,
			ChatHistory: toChat(snap.Chat),
		}
		if msg := s.encode(protocol.EventSyncCode, welcome); msg != nil {
			b.SendTo(id, msg)
		}
	})
	if err != nil {
		s.reject(string(protocol.EventJoin), room.Reason(err))
		return
	}

	s.roomID = e.RoomID
	s.name = e.Name
	s.log.Info("joined room",
		zap.String("room", s.roomID),
		zap.String("name", s.name),
		zap.Int("members", len(snap.Members)),
		zap.Bool("host", snap.HostID == id),
	)
}

func (s *Session) toggleLock() {
	_, err := s.registry.ToggleLock(s.roomID, s.conn.ID(), func(b room.Broadcaster, locked bool) {
		if msg := s.encode(protocol.EventLockChanged, protocol.LockChanged{IsLocked: locked, By: s.name}); msg != nil {
			b.Broadcast(msg, "")
		}
	})
	if err != nil {
		s.reject(string(protocol.EventToggleLock), room.Reason(err))
	}
}

func (s *Session) updateCursor(e protocol.CursorUpdate) {
	id := s.conn.ID()
	cursor := presence.Cursor{LineNumber: e.LineNumber, Column: e.Column}
	_, err := s.registry.UpdateCursor(s.roomID, id, cursor, func(b room.Broadcaster, entry presence.Entry) {
		msg := s.encode(protocol.EventCursorUpdate, protocol.CursorBroadcast{
			ConnectionID: id,
			Name:         entry.Name,
			Color:        entry.Color,
			LineNumber:   cursor.LineNumber,
			Column:       cursor.Column,
		})
		if msg != nil {
			b.Broadcast(msg, id)
		}
	})
	if err != nil {
		s.reject(string(protocol.EventCursorUpdate), room.Reason(err))
	}
}

func (s *Session) sendMessage(e protocol.SendMessage) {
	_, err := s.registry.AppendMessage(s.roomID, s.conn.ID(), e.Text, e.Timestamp, func(b room.Broadcaster, m room.Message) {
		if msg := s.encode(protocol.EventReceiveMessage, toChatMessage(m)); msg != nil {
			b.Broadcast(msg, "")
		}
	})
	if err != nil {
		s.reject(string(protocol.EventSendMessage), room.Reason(err))
	}
}

func (s *Session) changeLanguage(e protocol.LanguageChange) {
	id := s.conn.ID()
	err := s.registry.SetLanguage(s.roomID, id, e.Language, func(b room.Broadcaster, language string) {
		if msg := s.encode(protocol.EventLanguageChange, protocol.LanguageChange{Language: language}); msg != nil {
			b.Broadcast(msg, id)
		}
	})
	if err != nil {
		s.reject(string(protocol.EventLanguageChange), room.Reason(err))
	}
}

func (s *Session) leave() {
	if s.roomID == "" {
		return
	}
	roomID, id := s.roomID, s.conn.ID()
	s.roomID = ""

	dep, err := s.registry.Leave(roomID, id, func(b room.Broadcaster, dep room.Departure) {
		if msg := s.encode(protocol.EventDisconnected, protocol.Disconnected{Who: id, Name: dep.Member.Name}); msg != nil {
			b.Broadcast(msg, id)
		}
		if !dep.HostChanged {
			return
		}
		changed := protocol.HostChanged{
			NewHostID:   dep.NewHost.ConnectionID,
			NewHostName: dep.NewHost.Name,
			IsLocked:    dep.Locked,
		}
		if msg := s.encode(protocol.EventHostChanged, changed); msg != nil {
			b.Broadcast(msg, id)
		}
	})
	if err != nil {
		if !errors.Is(err, room.ErrNotFound) {
			s.log.Warn("leave failed", zap.String("room", roomID), zap.Error(err))
		}
		return
	}
	s.log.Info("left room",
		zap.String("room", roomID),
		zap.Int("remaining", dep.Remaining),
		zap.Bool("host_changed", dep.HostChanged),
	)
}

// reject tells the sender, and only the sender, why its event was refused.
func (s *Session) reject(event, reason string) {
	metrics.Rejected(event)
	s.log.Debug("event rejected", zap.String("event", event), zap.String("reason", reason))
	s.send(protocol.EventEditRejected, protocol.EditRejected{Reason: reason})
}

func (s *Session) send(t protocol.EventType, payload any) {
	if msg := s.encode(t, payload); msg != nil {
		s.conn.Send(msg)
	}
}

func (s *Session) encode(t protocol.EventType, payload any) []byte {
	msg, err := protocol.EncodeEvent(t, payload)
	if err != nil {
		s.log.Error("encode event", zap.String("type", string(t)), zap.Error(err))
		return nil
	}
	return msg
}

func toMembers(members []room.MemberInfo) []protocol.Member {
	out := make([]protocol.Member, 0, len(members))
	for _, m := range members {
		out = append(out, protocol.Member{
			ConnectionID: m.ConnectionID,
			Name:         m.Name,
			Color:        m.Color,
			IsHost:       m.IsHost,
		})
	}
	return out
}

func toChatMessage(m room.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		Sender:    m.Sender,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Timestamp: m.Timestamp,
	}
}

func toChat(messages []room.Message) []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, toChatMessage(m))
	}
	return out
}
