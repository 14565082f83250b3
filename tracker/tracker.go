// Package tracker reports one user's page activity to the live tracking
// service. It buffers activities and page sessions in bounded queues,
// flushes them on a timer and whenever something new is tracked, and
// hands whatever is left to a fire-and-forget beacon when the page goes
// away. Tracking calls never block on delivery and never return its
// errors.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"checkin/live/models"
	"checkin/live/utils"
)

const (
	DefaultFlushInterval     = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultScrollDebounce    = time.Second
	DefaultActivityCapacity  = 100
	DefaultSessionCapacity   = 50

	// FormValueLimit is how much of a form field value is reported.
	FormValueLimit = 50

	sendTimeout = 10 * time.Second
)

// Environment is attached to every activity as metadata.
type Environment struct {
	Viewport string
	Locale   string
	Timezone string
}

func (e Environment) apply(m map[string]any) {
	set := func(k, v string) {
		if _, ok := m[k]; !ok && v != "" {
			m[k] = v
		}
	}
	set("viewport", e.Viewport)
	set("language", e.Locale)
	set("timezone", e.Timezone)
}

type Tracker struct {
	log        slog.Logger
	clock      quartz.Clock
	transport  Transport
	identities IdentityStore
	env        Environment

	flushInterval     time.Duration
	heartbeatInterval time.Duration
	scrollDebounce    time.Duration

	activities *BoundedQueue[models.ActivityEvent]
	sessions   *BoundedQueue[models.SessionRecord]

	mu          sync.Mutex
	identity    Identity
	active      bool
	stopped     bool
	currentPage string
	referrer    string
	pageStart   time.Time
	scrollTimer *quartz.Timer
	scrollGen   uint64
	scrollDepth float64

	kick     chan struct{}
	cancel   context.CancelFunc
	tickers  []quartz.Waiter
	loopDone chan struct{}
}

type Option func(*Tracker)

func WithLogger(log slog.Logger) Option {
	return func(t *Tracker) {
		t.log = log
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.flushInterval = d
		}
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.heartbeatInterval = d
		}
	}
}

func WithScrollDebounce(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.scrollDebounce = d
		}
	}
}

// WithQueueCapacity bounds how many undelivered activities and sessions
// are kept while the endpoint is unreachable.
func WithQueueCapacity(activities, sessions int) Option {
	return func(t *Tracker) {
		t.activities = NewBoundedQueue[models.ActivityEvent](activities)
		t.sessions = NewBoundedQueue[models.SessionRecord](sessions)
	}
}

func WithEnvironment(env Environment) Option {
	return func(t *Tracker) {
		t.env = env
	}
}

func WithIdentityStore(s IdentityStore) Option {
	return func(t *Tracker) {
		t.identities = s
	}
}

// New returns an uninitialized Tracker. Tracking calls are no-ops until
// Initialize or Resume succeeds. Call Stop when done.
func New(transport Transport, opts ...Option) *Tracker {
	t := &Tracker{
		clock:             quartz.NewReal(),
		transport:         transport,
		identities:        &MemoryIdentityStore{},
		flushInterval:     DefaultFlushInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		scrollDebounce:    DefaultScrollDebounce,
		activities:        NewBoundedQueue[models.ActivityEvent](DefaultActivityCapacity),
		sessions:          NewBoundedQueue[models.SessionRecord](DefaultSessionCapacity),
		kick:              make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize sets the identity and starts the flush and heartbeat timers.
// An empty sessionID gets a generated one. Calling it again switches the
// identity without restarting the timers.
func (t *Tracker) Initialize(userID string, userType models.UserType, sessionID string) error {
	if userID == "" {
		return xerrors.New("tracker: user id required")
	}
	if !userType.Valid() {
		return xerrors.Errorf("tracker: invalid user type %q", userType)
	}
	if sessionID == "" {
		sessionID = utils.GenerateSessionID()
	}
	id := Identity{UserID: userID, UserType: userType, SessionID: sessionID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return xerrors.New("tracker: already stopped")
	}
	t.identity = id
	if err := t.identities.Save(id); err != nil {
		t.log.Warn(context.Background(), "failed to persist tracker identity", slog.Error(err))
	}
	if !t.active {
		t.active = true
		t.pageStart = t.clock.Now()
		t.startLocked()
	}
	return nil
}

// Resume initializes from a persisted identity, if there is one.
func (t *Tracker) Resume() bool {
	id, ok, err := t.identities.Load()
	if err != nil {
		t.log.Warn(context.Background(), "failed to load tracker identity", slog.Error(err))
		return false
	}
	if !ok {
		return false
	}
	return t.Initialize(id.UserID, id.UserType, id.SessionID) == nil
}

func (t *Tracker) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.loopDone = make(chan struct{})
	go t.flushLoop(ctx)

	t.tickers = append(t.tickers,
		t.clock.TickerFunc(ctx, t.flushInterval, func() error {
			t.requestFlush()
			return nil
		}, "Tracker", "flush"),
		t.clock.TickerFunc(ctx, t.heartbeatInterval, func() error {
			t.heartbeat()
			return nil
		}, "Tracker", "heartbeat"),
	)
}

// TrackPageView records navigation to page. Leaving the previous page
// closes its session first. Tracking the current page again does nothing.
func (t *Tracker) TrackPageView(page string) {
	t.mu.Lock()
	if !t.trackingLocked() || page == t.currentPage {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	if t.currentPage != "" {
		t.pushSessionLocked(now)
		t.referrer = t.currentPage
	}
	t.currentPage = page
	t.pageStart = now
	t.pushActivityLocked(models.ActivityPageView, page, map[string]any{"referrer": t.referrer}, now)
	t.mu.Unlock()
	t.requestFlush()
}

// TrackActivity records an interaction. An empty page means the current
// page.
func (t *Tracker) TrackActivity(typ models.ActivityType, page string, metadata map[string]any) {
	t.mu.Lock()
	if !t.trackingLocked() {
		t.mu.Unlock()
		return
	}
	t.pushActivityLocked(typ, page, metadata, t.clock.Now())
	t.mu.Unlock()
	t.requestFlush()
}

// Click records a click on target.
func (t *Tracker) Click(target string) {
	t.TrackActivity(models.ActivityClick, "", map[string]any{"target": target})
}

// Scroll records the scroll depth in percent. Bursts are collapsed: one
// scroll activity with the latest depth is emitted once scrolling has
// been idle for the debounce period.
func (t *Tracker) Scroll(depth float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.trackingLocked() {
		return
	}
	t.scrollDepth = depth
	t.scrollGen++
	gen := t.scrollGen
	if t.scrollTimer != nil {
		t.scrollTimer.Stop()
	}
	t.scrollTimer = t.clock.AfterFunc(t.scrollDebounce, func() {
		t.emitScroll(gen)
	}, "Tracker", "scroll")
}

func (t *Tracker) emitScroll(gen uint64) {
	t.mu.Lock()
	if gen != t.scrollGen || !t.trackingLocked() {
		t.mu.Unlock()
		return
	}
	t.scrollTimer = nil
	depth := t.scrollDepth
	t.mu.Unlock()
	t.TrackActivity(models.ActivityScroll, "", map[string]any{"scrollDepth": depth})
}

// FormInteraction records input on a form field. Only the first
// FormValueLimit characters of the value are reported.
func (t *Tracker) FormInteraction(field, value string) {
	t.TrackActivity(models.ActivityFormInteraction, "", map[string]any{
		"field": field,
		"value": utils.Truncate(value, FormValueLimit),
	})
}

// VisibilityChanged records the page gaining or losing visibility.
func (t *Tracker) VisibilityChanged(visible bool) {
	typ := models.ActivityBlur
	if visible {
		typ = models.ActivityFocus
	}
	t.TrackActivity(typ, "", nil)
}

func (t *Tracker) heartbeat() {
	t.mu.Lock()
	if !t.trackingLocked() || t.currentPage == "" {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	t.pushActivityLocked(models.ActivityTimeOnPage, "", map[string]any{
		"timeOnPage": now.Sub(t.pageStart).Milliseconds(),
	}, now)
	t.mu.Unlock()
	t.requestFlush()
}

// Unload closes the current page session and hands everything buffered to
// the transport's beacon. It returns without waiting for delivery.
func (t *Tracker) Unload() {
	t.mu.Lock()
	if !t.trackingLocked() {
		t.mu.Unlock()
		return
	}
	if t.currentPage != "" {
		now := t.clock.Now()
		t.pushSessionLocked(now)
		t.pageStart = now
	}
	t.mu.Unlock()

	batch := models.TrackBatch{
		Activities: t.activities.Drain(),
		Sessions:   t.sessions.Drain(),
	}
	if batch.Empty() {
		return
	}
	t.transport.Beacon(batch)
}

// Flush delivers both queues. Undelivered items go back to the front of
// their queue.
func (t *Tracker) Flush(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		return flushQueue(ctx, t, t.activities, func(ctx context.Context, items []models.ActivityEvent) error {
			return t.transport.Send(ctx, models.TrackBatch{Activities: items})
		})
	})
	g.Go(func() error {
		return flushQueue(ctx, t, t.sessions, func(ctx context.Context, items []models.SessionRecord) error {
			return t.transport.Send(ctx, models.TrackBatch{Sessions: items})
		})
	})
	return g.Wait()
}

func flushQueue[T any](ctx context.Context, t *Tracker, q *BoundedQueue[T], send func(context.Context, []T) error) error {
	items := q.Drain()
	if len(items) == 0 {
		return nil
	}
	err := send(ctx, items)
	if err == nil {
		return nil
	}
	if dropped := q.Restore(items); dropped > 0 {
		t.log.Warn(ctx, "tracker queue full, dropped oldest entries", slog.F("dropped", dropped))
	}
	return err
}

// Stop disables tracking, stops the timers, flushes what is buffered and
// clears the persisted identity.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	wasActive := t.active
	t.active = false
	if t.scrollTimer != nil {
		t.scrollTimer.Stop()
		t.scrollTimer = nil
	}
	cancel, tickers, loopDone := t.cancel, t.tickers, t.loopDone
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		for _, w := range tickers {
			if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				t.log.Warn(ctx, "tracker timer exited with error", slog.Error(err))
			}
		}
		<-loopDone
	}

	var err error
	if wasActive {
		err = t.Flush(ctx)
	}
	if cerr := t.identities.Clear(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// Pending reports how many activities and sessions await delivery.
func (t *Tracker) Pending() (activities, sessions int) {
	return t.activities.Len(), t.sessions.Len()
}

// requestFlush asks the flush loop for a delivery attempt without
// waiting for it.
func (t *Tracker) requestFlush() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// flushLoop runs every delivery attempt triggered by tracking calls and
// the flush timer, one at a time.
func (t *Tracker) flushLoop(ctx context.Context) {
	defer close(t.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
			fctx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := t.Flush(fctx); err != nil {
				t.log.Debug(fctx, "tracker flush failed, entries kept for retry", slog.Error(err))
			}
			cancel()
		}
	}
}

func (t *Tracker) trackingLocked() bool {
	return t.active && !t.stopped
}

func (t *Tracker) pushActivityLocked(typ models.ActivityType, page string, metadata map[string]any, now time.Time) {
	if page == "" {
		page = t.currentPage
	}
	meta := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		meta[k] = v
	}
	t.env.apply(meta)
	if dropped := t.activities.Push(models.ActivityEvent{
		UserID:       t.identity.UserID,
		UserType:     t.identity.UserType,
		ActivityType: typ,
		Page:         page,
		Metadata:     meta,
		Timestamp:    now,
	}); dropped > 0 {
		t.log.Debug(context.Background(), "activity queue full, dropped oldest", slog.F("dropped", dropped))
	}
}

func (t *Tracker) pushSessionLocked(now time.Time) {
	if dropped := t.sessions.Push(models.SessionRecord{
		UserID:           t.identity.UserID,
		UserType:         t.identity.UserType,
		SessionID:        t.identity.SessionID,
		Page:             t.currentPage,
		TimeOnPageMillis: now.Sub(t.pageStart).Milliseconds(),
		Referrer:         t.referrer,
		Timestamp:        now,
	}); dropped > 0 {
		t.log.Debug(context.Background(), "session queue full, dropped oldest", slog.F("dropped", dropped))
	}
}
