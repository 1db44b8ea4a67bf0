package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type purgeRecorder struct {
	mu     sync.Mutex
	purged []string
}

func (p *purgeRecorder) purge(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, roomID)
}

func (p *purgeRecorder) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.purged...)
}

func newTestManager(t *testing.T) (*Manager, *clock.Mock, *purgeRecorder) {
	t.Helper()
	mock := clock.NewMock()
	rec := &purgeRecorder{}
	m := New(Config{GracePeriod: time.Minute}, rec.purge, WithClock(mock), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(m.Stop)
	return m, mock, rec
}

func TestPurgeAfterGracePeriod(t *testing.T) {
	m, mock, rec := newTestManager(t)

	m.Schedule("R1")
	assert.True(t, m.Pending("R1"))

	mock.Add(59 * time.Second)
	assert.Empty(t, rec.list())

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"R1"}, rec.list())
	assert.False(t, m.Pending("R1"))
}

func TestCancelPreventsPurge(t *testing.T) {
	m, mock, rec := newTestManager(t)

	m.Schedule("R1")
	assert.True(t, m.Cancel("R1"))
	assert.False(t, m.Cancel("R1"))

	mock.Add(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.list())
}

func TestRescheduleKeepsSingleTimer(t *testing.T) {
	m, mock, rec := newTestManager(t)

	m.Schedule("R1")
	mock.Add(30 * time.Second)
	m.Schedule("R1")

	// the first timer's deadline passes without a purge
	mock.Add(45 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.list())

	mock.Add(15 * time.Second)
	assert.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"R1"}, rec.list(), "exactly one purge per empty period")
}

func TestRoomsAreIndependent(t *testing.T) {
	m, mock, rec := newTestManager(t)

	m.Schedule("A")
	m.Schedule("B")
	m.Cancel("A")

	mock.Add(time.Minute)
	assert.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"B"}, rec.list())
}

func TestStaleTimerIsIgnored(t *testing.T) {
	m, _, rec := newTestManager(t)

	m.Schedule("R1")
	m.mu.Lock()
	stale := m.timers["R1"]
	m.mu.Unlock()

	m.Schedule("R1")
	m.fire("R1", stale)
	assert.Empty(t, rec.list())
	assert.True(t, m.Pending("R1"))
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, 5*time.Minute, DefaultConfig().GracePeriod)
}
