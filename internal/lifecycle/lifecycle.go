// Package lifecycle schedules the delayed purge of empty rooms.
package lifecycle

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type Config struct {
	// Delay between a room becoming empty and its purge
	GracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{GracePeriod: 5 * time.Minute}
}

// PurgeFunc removes a room. It must re-check emptiness itself; a timer firing
// only means the grace window elapsed.
type PurgeFunc func(roomID string)

// Manager keeps at most one live purge timer per room id.
type Manager struct {
	config Config
	clock  clock.Clock
	purge  PurgeFunc
	log    *zap.Logger

	mu     sync.Mutex
	timers map[string]*pending
}

// pending identifies one armed timer; a fired callback compares identity
// before purging.
type pending struct {
	timer *clock.Timer
}

type Option func(*Manager)

// WithClock swaps the timer source (tests use clock.NewMock()).
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func New(config Config, purge PurgeFunc, opts ...Option) *Manager {
	m := &Manager{
		config: config,
		clock:  clock.New(),
		purge:  purge,
		log:    zap.NewNop(),
		timers: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schedule arms the grace timer for a room, cancelling any earlier one.
func (m *Manager) Schedule(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.timers[roomID]; ok {
		prev.timer.Stop()
	}

	p := &pending{}
	p.timer = m.clock.AfterFunc(m.config.GracePeriod, func() {
		m.fire(roomID, p)
	})
	m.timers[roomID] = p

	m.log.Debug("purge scheduled", zap.String("room", roomID), zap.Duration("grace", m.config.GracePeriod))
}

// Cancel stops the pending purge of a room. Reports whether one was pending.
func (m *Manager) Cancel(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.timers[roomID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(m.timers, roomID)

	m.log.Debug("purge cancelled", zap.String("room", roomID))
	return true
}

// Pending reports whether a purge timer is armed for the room.
func (m *Manager) Pending(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[roomID]
	return ok
}

// Stop cancels every pending timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.timers {
		p.timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) fire(roomID string, p *pending) {
	m.mu.Lock()
	current, ok := m.timers[roomID]
	// A cancelled or re-armed timer may still run; only the current one purges
	if !ok || current != p {
		m.mu.Unlock()
		return
	}
	delete(m.timers, roomID)
	m.mu.Unlock()

	m.purge(roomID)
}
