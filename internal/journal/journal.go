// Package journal drains room lifecycle events off the hot path into the
// SQLite journal and the Redis activity feed.
package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/db"
	"github.com/manpreetbhatti/synccode/backend/internal/room"
)

type Config struct {
	// Events buffered between the registry and the worker
	QueueSize int
	// How often the worker logs its counters
	Interval       time.Duration
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		Interval:       5 * time.Minute,
		PublishTimeout: 2 * time.Second,
	}
}

// Store is the subset of *db.Database the worker writes to.
type Store interface {
	RecordCreated(roomID string, at time.Time) (int64, error)
	RecordPurged(roomID string, at time.Time, peakMembers, messages int, updates int64) error
	RecordEvent(e db.RoomEvent) error
}

type Publisher interface {
	Publish(ctx context.Context, e room.Event) error
}

type Option func(*Service)

func WithStore(s Store) Option {
	return func(svc *Service) { svc.store = s }
}

func WithPublisher(p Publisher) Option {
	return func(svc *Service) { svc.publisher = p }
}

// Service is a room.Observer that never blocks the registry: events that do
// not fit in the queue are dropped and counted.
type Service struct {
	config    Config
	store     Store
	publisher Publisher
	log       *zap.Logger

	queue chan room.Event
	stop  chan struct{}
	wg    sync.WaitGroup

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func New(config Config, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		config: config,
		log:    log,
		queue:  make(chan room.Event, config.QueueSize),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Observe(e room.Event) {
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
		s.log.Warn("journal queue full, dropping event",
			zap.String("kind", string(e.Kind)),
			zap.String("room", e.RoomID),
		)
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("journal started",
		zap.Int("queue", s.config.QueueSize),
		zap.Bool("store", s.store != nil),
		zap.Bool("publisher", s.publisher != nil),
	)
}

// Stop drains the queue and waits for the worker to exit.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("journal stopped",
		zap.Int64("written", s.written.Load()),
		zap.Int64("dropped", s.dropped.Load()),
	)
}

func (s *Service) Written() int64 { return s.written.Load() }

func (s *Service) Dropped() int64 { return s.dropped.Load() }

func (s *Service) Failed() int64 { return s.failed.Load() }

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.drain()
			return
		case e := <-s.queue:
			s.handle(e)
		case <-ticker.C:
			s.log.Info("journal progress",
				zap.Int64("written", s.written.Load()),
				zap.Int64("dropped", s.dropped.Load()),
				zap.Int64("failed", s.failed.Load()),
				zap.Int("queued", len(s.queue)),
			)
		}
	}
}

func (s *Service) drain() {
	for {
		select {
		case e := <-s.queue:
			s.handle(e)
		default:
			return
		}
	}
}

func (s *Service) handle(e room.Event) {
	ok := true
	if s.store != nil {
		if err := s.write(e); err != nil {
			ok = false
			s.log.Error("journal write failed", zap.String("room", e.RoomID), zap.String("kind", string(e.Kind)), zap.Error(err))
		}
	}
	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.PublishTimeout)
		err := s.publisher.Publish(ctx, e)
		cancel()
		if err != nil {
			ok = false
			s.log.Warn("feed publish failed", zap.String("room", e.RoomID), zap.Error(err))
		}
	}
	if ok {
		s.written.Add(1)
	} else {
		s.failed.Add(1)
	}
}

func (s *Service) write(e room.Event) error {
	switch e.Kind {
	case room.RoomCreated:
		_, err := s.store.RecordCreated(e.RoomID, e.At)
		return err
	case room.RoomPurged:
		return s.store.RecordPurged(e.RoomID, e.At, e.PeakMembers, e.Messages, e.Updates)
	default:
		return s.store.RecordEvent(db.RoomEvent{
			RoomID:       e.RoomID,
			Kind:         string(e.Kind),
			ConnectionID: e.ConnectionID,
			Locked:       e.Locked,
			Members:      e.Members,
			CreatedAt:    e.At,
		})
	}
}
