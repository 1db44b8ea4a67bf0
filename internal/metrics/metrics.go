package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/synccode/backend/internal/room"
)

const namespace = "synccode"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_rooms",
		Help:      "Rooms currently held in memory",
	})

	openConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_connections",
		Help:      "Open WebSocket connections by channel",
	}, []string{"channel"})

	relayedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relayed_frames_total",
		Help:      "Document-channel frames accepted for relay, by kind",
	}, []string{"kind"})

	malformedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_frames_total",
		Help:      "Inbound frames that failed to decode, by channel",
	}, []string{"channel"})

	slowConsumers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_consumer_disconnects_total",
		Help:      "Connections closed because their send buffer overflowed",
	}, []string{"channel"})

	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejections_total",
		Help:      "Session events rejected back to the sender, by event type",
	}, []string{"event"})

	roomEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "room_events_total",
		Help:      "Room lifecycle notifications, by kind",
	}, []string{"kind"})
)

func ConnectionOpened(channel string) {
	openConnections.WithLabelValues(channel).Inc()
}

func ConnectionClosed(channel string) {
	openConnections.WithLabelValues(channel).Dec()
}

func FrameRelayed(kind string) {
	relayedFrames.WithLabelValues(kind).Inc()
}

func MalformedFrame(channel string) {
	malformedFrames.WithLabelValues(channel).Inc()
}

func SlowConsumer(channel string) {
	slowConsumers.WithLabelValues(channel).Inc()
}

func Rejected(event string) {
	rejections.WithLabelValues(event).Inc()
}

// RoomObserver keeps the room gauge and lifecycle counters in step with the
// registry.
type RoomObserver struct{}

func (RoomObserver) Observe(e room.Event) {
	roomEvents.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case room.RoomCreated:
		activeRooms.Inc()
	case room.RoomPurged:
		activeRooms.Dec()
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// WebSocket upgrades go through the recorder, so it must hijack.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request count and latency, labelled by chi route pattern
// so room ids do not explode the label space.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
