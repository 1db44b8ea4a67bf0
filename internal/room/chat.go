package room

import (
	"sync"
)

// A chat message, immutable once appended
type Message struct {
	SenderID  string
	Sender    string
	Text      string
	Timestamp int64
}

// ChatLog is an append-only, arrival-ordered message list.
type ChatLog struct {
	mu       sync.RWMutex
	messages []Message
}

func NewChatLog() *ChatLog {
	return &ChatLog{
		messages: make([]Message, 0),
	}
}

// Appends a message and returns its position in the log
func (c *ChatLog) Append(m Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return len(c.messages) - 1
}

// Returns a copy of every message in arrival order
func (c *ChatLog) History() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history := make([]Message, len(c.messages))
	copy(history, c.messages)
	return history
}

func (c *ChatLog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
