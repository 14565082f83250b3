package tracker_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"checkin/live/models"
	"checkin/live/tracker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeTransport records deliveries. While failing is set every Send
// returns a TransportError.
type fakeTransport struct {
	mu        sync.Mutex
	failing   bool
	sendCalls int
	delivered models.TrackBatch
	beacons   []models.TrackBatch
}

func (f *fakeTransport) Send(_ context.Context, b models.TrackBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.failing {
		return &tracker.TransportError{StatusCode: 503}
	}
	f.delivered.Activities = append(f.delivered.Activities, b.Activities...)
	f.delivered.Sessions = append(f.delivered.Sessions, b.Sessions...)
	return nil
}

func (f *fakeTransport) Beacon(b models.TrackBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, b)
}

func (f *fakeTransport) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeTransport) sent() models.TrackBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.TrackBatch{
		Activities: append([]models.ActivityEvent(nil), f.delivered.Activities...),
		Sessions:   append([]models.SessionRecord(nil), f.delivered.Sessions...),
	}
}

func (f *fakeTransport) beaconed() []models.TrackBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TrackBatch(nil), f.beacons...)
}

func (f *fakeTransport) activitiesOfType(typ models.ActivityType) []models.ActivityEvent {
	var out []models.ActivityEvent
	for _, a := range f.sent().Activities {
		if a.ActivityType == typ {
			out = append(out, a)
		}
	}
	return out
}

func newTracker(t *testing.T, transport tracker.Transport, opts ...tracker.Option) (*tracker.Tracker, *quartz.Mock) {
	t.Helper()
	mClock := quartz.NewMock(t)
	log := slogtest.Make(t, nil).Leveled(slog.LevelDebug)
	opts = append([]tracker.Option{tracker.WithClock(mClock), tracker.WithLogger(log)}, opts...)
	tr := tracker.New(transport, opts...)
	t.Cleanup(func() {
		_ = tr.Stop(context.Background())
	})
	return tr, mClock
}

const eventually = 5 * time.Second

func TestTracker_NoopBeforeInitialize(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	tr, _ := newTracker(t, ft)

	tr.TrackPageView("/events")
	tr.Click("buy")
	tr.Scroll(50)
	tr.FormInteraction("name", "Ada")
	tr.VisibilityChanged(false)
	tr.Unload()

	a, s := tr.Pending()
	assert.Zero(t, a)
	assert.Zero(t, s)
	require.NoError(t, tr.Flush(context.Background()))
	assert.Zero(t, ft.calls())
	assert.Empty(t, ft.beaconed())
}

func TestTracker_InitializeValidates(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, &fakeTransport{})
	require.Error(t, tr.Initialize("", models.UserTypeStudent, ""))
	require.Error(t, tr.Initialize("U1", "guest", ""))
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, ""))
}

func TestTracker_PageViews(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	ft := &fakeTransport{}
	tr, mClock := newTracker(t, ft)
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, "sess-1"))

	tr.TrackPageView("/")
	tr.TrackPageView("/") // same page, ignored
	mClock.Advance(5 * time.Second).MustWait(ctx)
	tr.TrackPageView("/events")

	require.Eventually(t, func() bool {
		sent := ft.sent()
		return len(sent.Activities) == 2 && len(sent.Sessions) == 1
	}, eventually, 10*time.Millisecond)

	views := ft.activitiesOfType(models.ActivityPageView)
	require.Len(t, views, 2)
	assert.Equal(t, "/", views[0].Page)
	assert.Equal(t, "", views[0].Metadata["referrer"])
	assert.Equal(t, "/events", views[1].Page)
	assert.Equal(t, "/", views[1].Metadata["referrer"])
	assert.Equal(t, "U1", views[1].UserID)
	assert.Equal(t, models.UserTypeStudent, views[1].UserType)

	session := ft.sent().Sessions[0]
	assert.Equal(t, "/", session.Page)
	assert.Equal(t, "sess-1", session.SessionID)
	assert.EqualValues(t, 5000, session.TimeOnPageMillis)
	assert.Empty(t, session.Referrer)
	assert.Equal(t, mClock.Now(), session.Timestamp)
}

func TestTracker_ActivityMetadata(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	tr, _ := newTracker(t, ft, tracker.WithEnvironment(tracker.Environment{
		Viewport: "1280x720",
		Locale:   "en-US",
		Timezone: "America/Chicago",
	}))
	require.NoError(t, tr.Initialize("V7", models.UserTypeVolunteer, ""))
	tr.TrackPageView("/shifts")

	tr.Click("signup")
	tr.TrackActivity(models.ActivityFocus, "/elsewhere", map[string]any{"language": "fr"})
	tr.FormInteraction("notes", strings.Repeat("x", 80))
	tr.VisibilityChanged(false)

	require.Eventually(t, func() bool {
		return len(ft.sent().Activities) == 5
	}, eventually, 10*time.Millisecond)

	clicks := ft.activitiesOfType(models.ActivityClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, "/shifts", clicks[0].Page, "defaults to the current page")
	assert.Equal(t, "signup", clicks[0].Metadata["target"])
	assert.Equal(t, "1280x720", clicks[0].Metadata["viewport"])
	assert.Equal(t, "en-US", clicks[0].Metadata["language"])
	assert.Equal(t, "America/Chicago", clicks[0].Metadata["timezone"])

	focus := ft.activitiesOfType(models.ActivityFocus)
	require.Len(t, focus, 1)
	assert.Equal(t, "/elsewhere", focus[0].Page)
	assert.Equal(t, "fr", focus[0].Metadata["language"], "caller metadata is not overridden")

	forms := ft.activitiesOfType(models.ActivityFormInteraction)
	require.Len(t, forms, 1)
	assert.Len(t, forms[0].Metadata["value"], tracker.FormValueLimit)

	assert.Len(t, ft.activitiesOfType(models.ActivityBlur), 1)

	for _, a := range ft.sent().Activities {
		assert.NoError(t, a.Validate(), "tracker output must pass ingestion validation")
	}
}

func TestTracker_ScrollDebounce(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	ft := &fakeTransport{}
	tr, mClock := newTracker(t, ft)
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, ""))

	tr.Scroll(10)
	mClock.Advance(500 * time.Millisecond).MustWait(ctx)
	tr.Scroll(25)
	mClock.Advance(500 * time.Millisecond).MustWait(ctx)
	tr.Scroll(40)
	assert.Empty(t, ft.activitiesOfType(models.ActivityScroll))

	mClock.Advance(time.Second).MustWait(ctx)
	require.Eventually(t, func() bool {
		return len(ft.activitiesOfType(models.ActivityScroll)) == 1
	}, eventually, 10*time.Millisecond)

	scrolls := ft.activitiesOfType(models.ActivityScroll)
	assert.Equal(t, 40.0, scrolls[0].Metadata["scrollDepth"])
}

func TestTracker_Heartbeat(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	ft := &fakeTransport{}
	tr, mClock := newTracker(t, ft)
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, ""))
	tr.TrackPageView("/checkout")

	// Flush ticks at 10s and 20s, heartbeat at 30s.
	for i := 0; i < 3; i++ {
		mClock.Advance(tracker.DefaultFlushInterval).MustWait(ctx)
	}

	require.Eventually(t, func() bool {
		return len(ft.activitiesOfType(models.ActivityTimeOnPage)) == 1
	}, eventually, 10*time.Millisecond)
	beat := ft.activitiesOfType(models.ActivityTimeOnPage)[0]
	assert.Equal(t, "/checkout", beat.Page)
	assert.EqualValues(t, 30000, beat.Metadata["timeOnPage"])
}

func TestTracker_NonPositiveIntervalsKeepDefaults(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	ft := &fakeTransport{}
	tr, mClock := newTracker(t, ft,
		tracker.WithFlushInterval(0),
		tracker.WithHeartbeatInterval(-time.Second),
		tracker.WithScrollDebounce(0),
	)
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, ""))
	tr.TrackPageView("/checkout")
	tr.Scroll(70)

	mClock.Advance(tracker.DefaultScrollDebounce).MustWait(ctx)
	mClock.Advance(tracker.DefaultFlushInterval - tracker.DefaultScrollDebounce).MustWait(ctx)
	mClock.Advance(tracker.DefaultFlushInterval).MustWait(ctx)
	mClock.Advance(tracker.DefaultFlushInterval).MustWait(ctx)

	require.Eventually(t, func() bool {
		return len(ft.activitiesOfType(models.ActivityTimeOnPage)) == 1 &&
			len(ft.activitiesOfType(models.ActivityScroll)) == 1
	}, eventually, 10*time.Millisecond)
}

func TestTracker_RequeueOnFailure(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{failing: true}
	tr, _ := newTracker(t, ft)
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, ""))

	tr.Click("a")
	require.Eventually(t, func() bool {
		a, _ := tr.Pending()
		return ft.calls() >= 1 && a == 1
	}, eventually, 10*time.Millisecond)
	assert.Empty(t, ft.sent().Activities)

	ft.setFailing(false)
	require.NoError(t, tr.Flush(context.Background()))
	require.Eventually(t, func() bool {
		a, _ := tr.Pending()
		return a == 0 && len(ft.sent().Activities) == 1
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, "a", ft.sent().Activities[0].Metadata["target"])
}

func TestTracker_RequeueRespectsCapacity(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{failing: true}
	tr, _ := newTracker(t, ft, tracker.WithQueueCapacity(3, 2))
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, ""))

	for _, target := range []string{"1", "2", "3", "4", "5"} {
		tr.Click(target)
	}

	require.Eventually(t, func() bool {
		a, _ := tr.Pending()
		return ft.calls() >= 1 && a == 3
	}, eventually, 10*time.Millisecond)
	assert.Empty(t, ft.sent().Activities)
}

func TestTracker_FlushEmptyQueues(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{failing: true}
	tr := tracker.New(ft, tracker.WithClock(quartz.NewMock(t)))
	// Never initialized, so nothing flushes in the background.
	tr.Resume()

	require.NoError(t, tr.Flush(context.Background()), "empty queues send nothing")
	assert.Zero(t, ft.calls())
}

func TestTracker_UnloadBeacons(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	ft := &fakeTransport{failing: true}
	tr, mClock := newTracker(t, ft)
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, "sess-9"))

	tr.TrackPageView("/cart")
	// Wait for the triggered flush to fail and re-buffer the page view.
	require.Eventually(t, func() bool {
		a, _ := tr.Pending()
		return ft.calls() == 1 && a == 1
	}, eventually, 10*time.Millisecond)

	mClock.Advance(3 * time.Second).MustWait(ctx)
	tr.Unload()

	beacons := ft.beaconed()
	require.Len(t, beacons, 1)
	require.Len(t, beacons[0].Activities, 1)
	assert.Equal(t, models.ActivityPageView, beacons[0].Activities[0].ActivityType)
	require.Len(t, beacons[0].Sessions, 1)
	assert.Equal(t, "/cart", beacons[0].Sessions[0].Page)
	assert.EqualValues(t, 3000, beacons[0].Sessions[0].TimeOnPageMillis)

	a, s := tr.Pending()
	assert.Zero(t, a)
	assert.Zero(t, s)
}

func TestTracker_StopFlushesAndClearsIdentity(t *testing.T) {
	t.Parallel()

	ids := &tracker.MemoryIdentityStore{}
	ft := &fakeTransport{}
	tr, _ := newTracker(t, ft, tracker.WithIdentityStore(ids))
	require.NoError(t, tr.Initialize("U1", models.UserTypeStudent, "sess-1"))

	saved, ok, err := ids.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tracker.Identity{UserID: "U1", UserType: models.UserTypeStudent, SessionID: "sess-1"}, saved)

	tr.Click("x")
	require.NoError(t, tr.Stop(context.Background()))
	require.NoError(t, tr.Stop(context.Background()))

	assert.Len(t, ft.activitiesOfType(models.ActivityClick), 1)
	_, ok, err = ids.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	tr.Click("after-stop")
	a, _ := tr.Pending()
	assert.Zero(t, a)
	require.Error(t, tr.Initialize("U1", models.UserTypeStudent, ""))
}

func TestTracker_Resume(t *testing.T) {
	t.Parallel()

	ids := &tracker.MemoryIdentityStore{}
	tr, _ := newTracker(t, &fakeTransport{}, tracker.WithIdentityStore(ids))
	assert.False(t, tr.Resume(), "nothing persisted yet")

	require.NoError(t, ids.Save(tracker.Identity{UserID: "V2", UserType: models.UserTypeVolunteer, SessionID: "s"}))
	ft := &fakeTransport{}
	resumed, _ := newTracker(t, ft, tracker.WithIdentityStore(ids))
	require.True(t, resumed.Resume())

	resumed.Click("go")
	require.Eventually(t, func() bool {
		return len(ft.sent().Activities) == 1
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, "V2", ft.sent().Activities[0].UserID)
	assert.Equal(t, models.UserTypeVolunteer, ft.sent().Activities[0].UserType)
}
