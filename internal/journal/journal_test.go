package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/synccode/backend/internal/db"
	"github.com/manpreetbhatti/synccode/backend/internal/feed"
	"github.com/manpreetbhatti/synccode/backend/internal/lifecycle"
	"github.com/manpreetbhatti/synccode/backend/internal/room"
)

type stubConn struct{ id string }

func (c stubConn) ID() string { return c.id }
func (c stubConn) Send([]byte) bool { return true }

type recordingPublisher struct {
	mu     sync.Mutex
	events []room.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e room.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) kinds() []room.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]room.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func setupTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "journal.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestJournalRecordsRoomLifetime(t *testing.T) {
	database := setupTestDB(t)
	pub := &recordingPublisher{}
	svc := New(DefaultConfig(), zaptest.NewLogger(t), WithStore(database), WithPublisher(pub))
	svc.Start()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	reg := room.NewRegistry(lifecycle.Config{GracePeriod: time.Minute},
		room.WithClock(mock),
		room.WithObserver(svc),
	)
	defer reg.Close()

	_, err := reg.Join("R1", stubConn{"alice"}, "Alice", "", nil)
	require.NoError(t, err)
	_, err = reg.Join("R1", stubConn{"bob"}, "Bob", "", nil)
	require.NoError(t, err)
	_, err = reg.ToggleLock("R1", "alice", nil)
	require.NoError(t, err)
	_, err = reg.AppendMessage("R1", "bob", "hi", 0, nil)
	require.NoError(t, err)
	_, err = reg.Leave("R1", "alice", nil)
	require.NoError(t, err)
	_, err = reg.Leave("R1", "bob", nil)
	require.NoError(t, err)

	mock.Add(time.Minute)
	require.Eventually(t, func() bool { return svc.Written() == 4 }, time.Second, 5*time.Millisecond)
	svc.Stop()
	assert.Zero(t, reg.RoomCount())

	assert.Equal(t, []room.EventKind{room.RoomCreated, room.LockChanged, room.HostChanged, room.RoomPurged}, pub.kinds())
	assert.Zero(t, svc.Dropped())

	history, err := database.RoomHistory("R1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].PurgedAt)
	assert.Equal(t, 2, history[0].PeakMembers)
	assert.Equal(t, 1, history[0].MessageCount)

	events, err := database.ListEvents("R1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "lock_changed", events[0].Kind)
	assert.Equal(t, "host_changed", events[1].Kind)
	assert.Equal(t, "bob", events[1].ConnectionID)
}

func TestObserveDropsWhenQueueIsFull(t *testing.T) {
	config := DefaultConfig()
	config.QueueSize = 1
	svc := New(config, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		svc.Observe(room.Event{Kind: room.RoomCreated, RoomID: "R1"})
	}
	assert.Equal(t, int64(2), svc.Dropped())

	svc.Start()
	svc.Stop()
	assert.Equal(t, int64(1), svc.Written())
}

func TestPublishFailureIsCounted(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	svc := New(DefaultConfig(), zaptest.NewLogger(t), WithPublisher(pub))
	svc.Start()
	svc.Observe(room.Event{Kind: room.LockChanged, RoomID: "R1"})
	svc.Stop()

	assert.Equal(t, int64(1), svc.Failed())
	assert.Zero(t, svc.Written())
}

func TestJournalPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, err := feed.New(ctx, "redis://"+mr.Addr(), "test:rooms")
	require.NoError(t, err)
	defer pub.Close()

	ps := sub.Subscribe(ctx, "test:rooms")
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	svc := New(DefaultConfig(), zaptest.NewLogger(t), WithPublisher(pub))
	svc.Start()
	svc.Observe(room.Event{Kind: room.RoomCreated, RoomID: "R9"})
	svc.Stop()

	select {
	case msg := <-ps.Channel():
		assert.Contains(t, msg.Payload, `"roomId":"R9"`)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
