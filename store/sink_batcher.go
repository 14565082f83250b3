package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"checkin/live/metrics"
	"checkin/live/models"
)

// Sink is a durable append-only destination for accepted tracking events.
type Sink interface {
	Name() string
	InsertAnalyticsEvents(ctx context.Context, events []models.AnalyticsEvent) error
}

// EventFilter selects the events a sink receives.
type EventFilter func(models.AnalyticsEvent) bool

// DiscreteEventsOnly passes login, selection, purchase and other typed
// events, and skips tracker activities and sessions.
func DiscreteEventsOnly(e models.AnalyticsEvent) bool {
	switch models.ActivityType(e.EventType) {
	case models.ActivityPageView, models.ActivityClick, models.ActivityScroll,
		models.ActivityFormInteraction, models.ActivityTimeOnPage,
		models.ActivityFocus, models.ActivityBlur:
		return false
	}
	return e.EventType != "session"
}

type routedSink struct {
	sink   Sink
	filter EventFilter
}

// SinkBatcher forwards accepted events to the persistent sinks without
// ever blocking ingestion. Events are buffered and written on a ticker or
// once a batch fills up. Sink failures are logged and counted, the events
// are not retried.
type SinkBatcher struct {
	log          slog.Logger
	clock        quartz.Clock
	metrics      *metrics.Metrics
	frequency    time.Duration
	maxSize      int
	maxPending   int
	writeTimeout time.Duration
	sinks        []routedSink

	mu       sync.Mutex
	pending  []models.AnalyticsEvent
	closed   bool
	inflight sync.WaitGroup

	cancel context.CancelFunc
	ticker quartz.Waiter
}

type BatcherOption func(*SinkBatcher)

func BatcherWithLogger(log slog.Logger) BatcherOption {
	return func(b *SinkBatcher) {
		b.log = log
	}
}

func BatcherWithClock(clock quartz.Clock) BatcherOption {
	return func(b *SinkBatcher) {
		b.clock = clock
	}
}

func BatcherWithMetrics(m *metrics.Metrics) BatcherOption {
	return func(b *SinkBatcher) {
		b.metrics = m
	}
}

// BatcherWithSink adds a destination. A nil filter passes every event.
func BatcherWithSink(sink Sink, filter EventFilter) BatcherOption {
	return func(b *SinkBatcher) {
		b.sinks = append(b.sinks, routedSink{sink: sink, filter: filter})
	}
}

func BatcherWithFlushInterval(d time.Duration) BatcherOption {
	return func(b *SinkBatcher) {
		if d > 0 {
			b.frequency = d
		}
	}
}

func BatcherWithBatchSize(n int) BatcherOption {
	return func(b *SinkBatcher) {
		if n > 0 {
			b.maxSize = n
		}
	}
}

func BatcherWithMaxPending(n int) BatcherOption {
	return func(b *SinkBatcher) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

// NewSinkBatcher starts the flush ticker. It is the caller's
// responsibility to call Close.
func NewSinkBatcher(opts ...BatcherOption) *SinkBatcher {
	b := &SinkBatcher{
		clock:        quartz.NewReal(),
		frequency:    5 * time.Second,
		maxSize:      500,
		maxPending:   10000,
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.New(prometheus.NewRegistry())
	}
	if b.maxPending < b.maxSize {
		b.maxPending = b.maxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.ticker = b.clock.TickerFunc(ctx, b.frequency, func() error {
		b.flush()
		return nil
	}, "SinkBatcher", "flush")
	return b
}

// Enqueue buffers events for the sinks. It never blocks on I/O. Events
// beyond the pending limit are dropped.
func (b *SinkBatcher) Enqueue(events ...models.AnalyticsEvent) {
	if len(b.sinks) == 0 || len(events) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	room := b.maxPending - len(b.pending)
	if room < len(events) {
		dropped := len(events) - max(room, 0)
		events = events[:len(events)-dropped]
		b.metrics.SinkEvents.WithLabelValues("all", "dropped").Add(float64(dropped))
		b.log.Warn(context.Background(), "sink buffer full, dropping events", slog.F("dropped", dropped))
	}
	b.pending = append(b.pending, events...)

	if len(b.pending) >= b.maxSize {
		batch := b.pending
		b.pending = nil
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			b.write(batch)
		}()
	}
}

// Close stops the ticker, writes whatever is still buffered and waits for
// in-flight writes.
func (b *SinkBatcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.ticker.Wait()
	b.flush()
	b.inflight.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return xerrors.Errorf("sink batcher ticker: %w", err)
	}
	return nil
}

func (b *SinkBatcher) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	b.write(batch)
}

func (b *SinkBatcher) write(batch []models.AnalyticsEvent) {
	for _, rs := range b.sinks {
		events := batch
		if rs.filter != nil {
			events = make([]models.AnalyticsEvent, 0, len(batch))
			for _, e := range batch {
				if rs.filter(e) {
					events = append(events, e)
				}
			}
		}
		if len(events) == 0 {
			continue
		}

		name := rs.sink.Name()
		ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
		err := rs.sink.InsertAnalyticsEvents(ctx, events)
		cancel()
		if err != nil {
			b.metrics.SinkEvents.WithLabelValues(name, "error").Add(float64(len(events)))
			b.log.Error(context.Background(), "failed writing tracking events to sink",
				slog.F("sink", name), slog.F("count", len(events)), slog.Error(err))
			continue
		}
		b.metrics.SinkEvents.WithLabelValues(name, "ok").Add(float64(len(events)))
	}
}
