package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Channel labels
const (
	ChannelDocument = "document"
	ChannelEvents   = "events"
)

type Config struct {
	SendBufferSize  int
	MaxMessageBytes int64
	// Nil accepts every origin
	CheckOrigin func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		SendBufferSize:  512,
		MaxMessageBytes: 1024 * 1024,
	}
}

// Handler consumes the inbound side of a connection. HandleMessage runs on the
// read goroutine, one message at a time; a returned error closes the
// connection. HandleClose runs exactly once, after the last message.
type Handler interface {
	HandleMessage(data []byte) error
	HandleClose()
}

// Upgrader turns HTTP requests into Conns.
type Upgrader struct {
	config   Config
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewUpgrader(config Config, log *zap.Logger) *Upgrader {
	u := &Upgrader{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
		log: log,
	}
	if u.upgrader.CheckOrigin == nil {
		u.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return u
}

// Upgrades the request. channel is one of the Channel constants and selects
// the frame type used for outbound messages.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, channel string) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}

	messageType := websocket.BinaryMessage
	if channel == ChannelEvents {
		messageType = websocket.TextMessage
	}
	id := uuid.NewString()
	return &Conn{
		id:          id,
		channel:     channel,
		ws:          ws,
		messageType: messageType,
		maxMessage:  u.config.MaxMessageBytes,
		send:        make(chan []byte, u.config.SendBufferSize),
		done:        make(chan struct{}),
		log: u.log.With(
			zap.String("conn", id),
			zap.String("channel", channel),
			zap.String("remote", ws.RemoteAddr().String()),
		),
	}, nil
}

// Conn is one WebSocket connection with a bounded outbound queue. A peer that
// cannot keep up with its queue is disconnected rather than allowed to stall
// the room.
type Conn struct {
	id          string
	channel     string
	ws          *websocket.Conn
	messageType int
	maxMessage  int64
	log         *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Logger() *zap.Logger {
	return c.log
}

// Queues msg for delivery without blocking. Returns false when the connection
// is closed or was just closed for falling behind.
func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send buffer full, dropping slow consumer", zap.Int("buffer", cap(c.send)))
		metrics.SlowConsumer(c.channel)
		c.Close()
		return false
	}
}

// Close stops the connection. The write loop sends a close frame and tears down
// the socket, which ends the read loop.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Run pumps the connection until it closes and then calls h.HandleClose. It
// blocks for the lifetime of the connection.
func (c *Conn) Run(h Handler) {
	metrics.ConnectionOpened(c.channel)
	defer metrics.ConnectionClosed(c.channel)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump(h)
	c.Close()
	h.HandleClose()
	wg.Wait()
}

func (c *Conn) readPump(h Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in connection handler", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if c.maxMessage > 0 {
		c.ws.SetReadLimit(c.maxMessage)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				c.log.Info("read failed", zap.Error(err))
			}
			return
		}
		if err := h.HandleMessage(message); err != nil {
			c.log.Info("closing connection", zap.Error(err))
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.messageType, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.drain()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes whatever is already queued so a rejection sent right before
// close still reaches the client. The whole flush shares one write deadline.
func (c *Conn) drain() {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case message := <-c.send:
			if err := c.ws.WriteMessage(c.messageType, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
