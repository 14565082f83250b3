package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"checkin/live/metrics"
	"checkin/live/models"
)

const (
	RecentActivityLimit = 50
	PurchaseLogLimit    = 100

	DefaultSweepInterval     = 5 * time.Minute
	DefaultPresenceTimeout   = 30 * time.Minute
	DefaultActivityRetention = time.Hour
)

// LiveStore is the in-memory live aggregator behind the operator dashboard.
// It keeps bounded recent history, per-identity presence and lifetime
// counters. A single mutex covers all of it so every event is applied as
// one unit, and the eviction sweep takes the same lock.
type LiveStore struct {
	log     slog.Logger
	clock   quartz.Clock
	metrics *metrics.Metrics

	sweepInterval     time.Duration
	presenceTimeout   time.Duration
	activityRetention time.Duration

	mu         sync.Mutex
	recent     []models.ActivityEntry // newest first
	purchases  []models.PurchaseRecord
	users      map[string]*models.PresenceEntry
	selections map[string]models.EventSelection
	stats      models.LiveStats

	cancel    context.CancelFunc
	sweeper   quartz.Waiter
	closeOnce sync.Once
}

type LiveOption func(*LiveStore)

func WithLiveLogger(log slog.Logger) LiveOption {
	return func(s *LiveStore) {
		s.log = log
	}
}

func WithClock(clock quartz.Clock) LiveOption {
	return func(s *LiveStore) {
		s.clock = clock
	}
}

func WithMetrics(m *metrics.Metrics) LiveOption {
	return func(s *LiveStore) {
		s.metrics = m
	}
}

// WithSweepInterval sets how often the eviction sweep runs.
func WithSweepInterval(d time.Duration) LiveOption {
	return func(s *LiveStore) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithPresenceTimeout sets how long an identity may stay idle before the
// sweep drops it.
func WithPresenceTimeout(d time.Duration) LiveOption {
	return func(s *LiveStore) {
		if d > 0 {
			s.presenceTimeout = d
		}
	}
}

// WithActivityRetention sets the maximum age of recent activity entries.
func WithActivityRetention(d time.Duration) LiveOption {
	return func(s *LiveStore) {
		if d > 0 {
			s.activityRetention = d
		}
	}
}

func NewLiveStore(opts ...LiveOption) *LiveStore {
	s := &LiveStore{
		log:               slog.Logger{},
		clock:             quartz.NewReal(),
		sweepInterval:     DefaultSweepInterval,
		presenceTimeout:   DefaultPresenceTimeout,
		activityRetention: DefaultActivityRetention,
		users:             make(map[string]*models.PresenceEntry),
		selections:        make(map[string]models.EventSelection),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	return s
}

// Start schedules the eviction sweep. Close stops it.
func (s *LiveStore) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sweeper = s.clock.TickerFunc(ctx, s.sweepInterval, func() error {
		s.Sweep(s.clock.Now())
		return nil
	}, "LiveStore", "sweep")
	s.log.Info(ctx, "live store sweep scheduled",
		slog.F("interval", s.sweepInterval),
		slog.F("presence_timeout", s.presenceTimeout),
		slog.F("activity_retention", s.activityRetention),
	)
}

// Close stops the eviction sweep and waits for an in-flight sweep to
// finish. It is safe to call more than once, and without Start.
func (s *LiveStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		if werr := s.sweeper.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	})
	return err
}

// RecordEvent applies a discrete, validated event.
func (s *LiveStore) RecordEvent(e models.TrackEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverLocked("event", e.Type)

	now := s.clock.Now()
	ts := eventTime(e.Timestamp, now)

	switch e.Type {
	case models.EventLogin:
		s.users[e.UserID] = &models.PresenceEntry{
			UserID:           e.UserID,
			UserType:         e.UserType,
			Identifier:       e.Identifier,
			LoginTime:        ts,
			LastActivityTime: ts,
		}
		s.stats.TotalLogins++
	case models.EventTypeSelection:
		s.selections[e.UserID] = models.EventSelection{
			UserID:     e.UserID,
			EventID:    e.EventID,
			EventName:  e.EventName,
			SelectedAt: ts,
		}
		s.touchLocked(e.UserID, ts)
	case models.EventPurchaseCompleted:
		s.purchases = prependCapped(s.purchases, models.PurchaseRecord{
			UserID:           e.UserID,
			StudentID:        e.StudentID,
			EventID:          e.EventID,
			EventName:        e.EventName,
			TicketsPurchased: e.TicketsPurchased,
			Amount:           e.Amount,
			TransactionID:    e.TransactionID,
			Timestamp:        ts,
		}, PurchaseLogLimit)
		s.stats.TotalPurchases++
		s.stats.TotalRevenue += e.Amount
		s.touchLocked(e.UserID, ts)
	case models.EventActivity:
		s.touchLocked(e.UserID, ts)
	default:
		s.log.Debug(context.Background(), "unrecognized event type recorded as generic activity",
			slog.F("type", e.Type), slog.F("user_id", e.UserID))
	}

	s.pushActivityLocked(e.Type, e.UserID, e.Fields(), ts, now)
	s.metrics.EntriesIngested.WithLabelValues("event", eventTypeLabel(e.Type)).Inc()
}

// RecordActivity applies a validated tracker activity.
func (s *LiveStore) RecordActivity(a models.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverLocked("activity", string(a.ActivityType))

	now := s.clock.Now()
	ts := eventTime(a.Timestamp, now)
	s.touchLocked(a.UserID, ts)

	data := map[string]any{
		"page":     a.Page,
		"userType": string(a.UserType),
	}
	if len(a.Metadata) > 0 {
		data["metadata"] = a.Metadata
	}
	s.pushActivityLocked(string(a.ActivityType), a.UserID, data, ts, now)
	s.metrics.EntriesIngested.WithLabelValues("activity", string(a.ActivityType)).Inc()
}

// RecordSession applies a validated session record.
func (s *LiveStore) RecordSession(r models.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverLocked("session", "session")

	now := s.clock.Now()
	ts := eventTime(r.Timestamp, now)
	s.touchLocked(r.UserID, ts)

	data := map[string]any{
		"page":       r.Page,
		"userType":   string(r.UserType),
		"sessionId":  r.SessionID,
		"timeOnPage": r.TimeOnPageMillis,
	}
	if r.Referrer != "" {
		data["referrer"] = r.Referrer
	}
	s.pushActivityLocked("session", r.UserID, data, ts, now)
	s.metrics.EntriesIngested.WithLabelValues("session", "session").Inc()
}

// SweepResult reports what a sweep removed.
type SweepResult struct {
	Activities int
	Users      int
}

// Sweep drops recent activity older than the retention window and
// presence entries idle for longer than the presence timeout.
func (s *LiveStore) Sweep(now time.Time) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	kept := s.recent[:0]
	for _, e := range s.recent {
		if now.Sub(e.ReceivedAt) > s.activityRetention {
			res.Activities++
			continue
		}
		kept = append(kept, e)
	}
	clear(s.recent[len(kept):])
	s.recent = kept

	for id, p := range s.users {
		if now.Sub(p.LastActivityTime) > s.presenceTimeout {
			delete(s.users, id)
			res.Users++
		}
	}
	s.recountLocked()

	s.metrics.Evictions.WithLabelValues("activity").Add(float64(res.Activities))
	s.metrics.Evictions.WithLabelValues("presence").Add(float64(res.Users))
	if res.Activities > 0 || res.Users > 0 {
		s.log.Debug(context.Background(), "evicted stale live entries",
			slog.F("activities", res.Activities),
			slog.F("users", res.Users),
			slog.F("active_users", s.stats.ActiveUsers),
		)
	}
	return res
}

// Snapshot returns a consistent copy of the current state.
func (s *LiveStore) Snapshot() models.LiveSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := models.LiveSnapshot{
		Stats:           s.stats,
		RecentActivity:  make([]models.ActivityEntry, len(s.recent)),
		CurrentUsers:    make(map[string]models.PresenceEntry, len(s.users)),
		PurchaseLog:     make([]models.PurchaseRecord, len(s.purchases)),
		EventSelections: make(map[string]models.EventSelection, len(s.selections)),
		GeneratedAt:     s.clock.Now(),
	}
	for i, e := range s.recent {
		e.Data = cloneData(e.Data)
		snap.RecentActivity[i] = e
	}
	copy(snap.PurchaseLog, s.purchases)
	for id, p := range s.users {
		snap.CurrentUsers[id] = *p
	}
	for id, sel := range s.selections {
		snap.EventSelections[id] = sel
	}
	return snap
}

func (s *LiveStore) touchLocked(userID string, ts time.Time) {
	p, ok := s.users[userID]
	if !ok {
		return
	}
	if ts.After(p.LastActivityTime) {
		p.LastActivityTime = ts
	}
}

func (s *LiveStore) pushActivityLocked(typ, userID string, data map[string]any, ts, now time.Time) {
	s.recent = prependCapped(s.recent, models.ActivityEntry{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		Data:       data,
		Timestamp:  ts,
		ReceivedAt: now,
	}, RecentActivityLimit)
	s.recountLocked()
}

func (s *LiveStore) recountLocked() {
	s.stats.ActiveUsers = len(s.users)
	s.metrics.ActiveUsers.Set(float64(s.stats.ActiveUsers))
}

// recoverLocked keeps a faulty event from taking the process down. The
// live feed is best effort.
func (s *LiveStore) recoverLocked(kind, typ string) {
	r := recover()
	if r == nil {
		return
	}
	s.metrics.InternalErrors.Inc()
	s.log.Error(context.Background(), "live store fault while applying entry",
		slog.F("kind", kind),
		slog.F("type", typ),
		slog.Error(xerrors.Errorf("panic: %v", r)),
	)
	s.recountLocked()
}

// eventTypeLabel keeps the ingestion metric bounded. Event types are
// client supplied, so anything outside the known set shares one series.
func eventTypeLabel(typ string) string {
	if models.KnownEventType(typ) {
		return typ
	}
	return "other"
}

// cloneData copies an activity payload, including nested maps and slices,
// so snapshot readers never alias live state.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneData(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// eventTime picks the timestamp an event is applied at. Missing or future
// client timestamps fall back to server time.
func eventTime(ts, now time.Time) time.Time {
	if ts.IsZero() || ts.After(now) {
		return now
	}
	return ts
}

func prependCapped[T any](list []T, v T, limit int) []T {
	n := len(list) + 1
	if n > limit {
		n = limit
	}
	out := make([]T, n)
	out[0] = v
	copy(out[1:], list)
	return out
}
