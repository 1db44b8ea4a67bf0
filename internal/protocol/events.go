package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType tags a session-channel event.
type EventType string

const (
	EventJoin           EventType = "join"
	EventJoined         EventType = "joined"
	EventSyncCode       EventType = "sync_code"
	EventLanguageChange EventType = "language_change"
	EventToggleLock     EventType = "toggle_lock"
	EventLockChanged    EventType = "lock_changed"
	EventHostChanged    EventType = "host_changed"
	EventCursorUpdate   EventType = "cursor_update"
	EventSendMessage    EventType = "send_message"
	EventReceiveMessage EventType = "receive_message"
	EventDisconnected   EventType = "disconnected"
	EventEditRejected   EventType = "edit_rejected"
	EventPing           EventType = "ping"
	EventPong           EventType = "pong"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrInvalidEvent = errors.New("invalid event")
	// ErrMalformedEvent marks input that is not valid JSON for its event. It
	// also matches ErrInvalidEvent.
	ErrMalformedEvent = fmt.Errorf("%w: malformed JSON", ErrInvalidEvent)
)

// Envelope is the JSON shape of every text frame on the session channel.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is an inbound, validated session event.
type Event interface {
	Type() EventType
}

type Join struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
}

func (Join) Type() EventType { return EventJoin }

type ToggleLock struct{}

func (ToggleLock) Type() EventType { return EventToggleLock }

type CursorUpdate struct {
	LineNumber int `json:"lineNumber"`
	Column     int `json:"column"`
}

func (CursorUpdate) Type() EventType { return EventCursorUpdate }

type SendMessage struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (SendMessage) Type() EventType { return EventSendMessage }

type LanguageChange struct {
	Language string `json:"language"`
}

func (LanguageChange) Type() EventType { return EventLanguageChange }

type Ping struct {
	SentAt int64 `json:"sentAt,omitempty"`
}

func (Ping) Type() EventType { return EventPing }

// Decodes and validates an inbound event. Errors wrap ErrUnknownEvent or
// ErrInvalidEvent; undecodable JSON wraps ErrMalformedEvent.
func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case EventJoin:
		var e Join
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		e.RoomID = strings.TrimSpace(e.RoomID)
		e.Name = strings.TrimSpace(e.Name)
		e.Color = strings.TrimSpace(e.Color)
		if e.RoomID == "" {
			return nil, fmt.Errorf("%w: roomId is required", ErrInvalidEvent)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidEvent)
		}
		return e, nil

	case EventToggleLock:
		return ToggleLock{}, nil

	case EventCursorUpdate:
		var e CursorUpdate
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		if e.LineNumber < 0 || e.Column < 0 {
			return nil, fmt.Errorf("%w: cursor position must not be negative", ErrInvalidEvent)
		}
		return e, nil

	case EventSendMessage:
		var e SendMessage
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		if strings.TrimSpace(e.Text) == "" {
			return nil, fmt.Errorf("%w: message text is required", ErrInvalidEvent)
		}
		return e, nil

	case EventLanguageChange:
		var e LanguageChange
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		e.Language = strings.TrimSpace(e.Language)
		if e.Language == "" {
			return nil, fmt.Errorf("%w: language is required", ErrInvalidEvent)
		}
		return e, nil

	case EventPing:
		var e Ping
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Outbound payloads

type Member struct {
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name"`
	Color        string `json:"color"`
	IsHost       bool   `json:"isHost"`
}

type Joined struct {
	Members      []Member `json:"members"`
	HostID       string   `json:"hostId"`
	IsLocked     bool     `json:"isLocked"`
	ConnectionID string   `json:"connectionId"`
	Name         string   `json:"name"`
}

type ChatMessage struct {
	Sender    string `json:"sender"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type SyncCode struct {
	SelfID      string        `json:"selfId"`
	Language    string        `json:"language"`
	HostID      string        `json:"hostId"`
	IsLocked    bool          `json:"isLocked"`
	ChatHistory []ChatMessage `json:"chatHistory"`
}

type LockChanged struct {
	IsLocked bool   `json:"isLocked"`
	By       string `json:"by"`
}

type HostChanged struct {
	NewHostID   string `json:"newHostId"`
	NewHostName string `json:"newHostName"`
	IsLocked    bool   `json:"isLocked"`
}

type CursorBroadcast struct {
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name"`
	Color        string `json:"color"`
	LineNumber   int    `json:"lineNumber"`
	Column       int    `json:"column"`
}

type Disconnected struct {
	Who  string `json:"who"`
	Name string `json:"name"`
}

type EditRejected struct {
	Reason string `json:"reason"`
}

type Pong struct {
	SentAt     int64 `json:"sentAt"`
	ServerTime int64 `json:"serverTime"`
}

func EncodeEvent(t EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}
