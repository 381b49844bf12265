package syncmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrlauncher/events"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type formFlag struct {
	mu    sync.Mutex
	calls []bool
}

func (f *formFlag) SetMustOpenForm(v bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, v)
	f.mu.Unlock()
	return nil
}

type testCtx struct {
	t     *testing.T
	clock *fakeClock
	rec   *recorder
	form  *formFlag
	m     *Monitor
}

func newTestCtx(t *testing.T, src HeightSource) *testCtx {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	rec := &recorder{}
	form := &formFlag{}
	m := New(Config{
		Source:       src,
		Publisher:    rec,
		Form:         form,
		Clock:        clock,
		PollInterval: time.Millisecond,
	})
	return &testCtx{t: t, clock: clock, rec: rec, form: form, m: m}
}

func (tc *testCtx) assertPhase(want Phase) {
	tc.t.Helper()
	st := tc.m.State()
	require.Equal(tc.t, want, st.Phase, spew.Sdump(st))
}

// TestSyncEstimate walks the monitor through a typical sync session driven
// by explicit heights.
func TestSyncEstimate(t *testing.T) {
	tc := newTestCtx(t, nil)
	tc.m.SetNeededBlocks(1000)

	// Height zero leaves the monitor idle.
	require.Equal(t, NotStarted, tc.m.handleHeight(0))
	require.Empty(t, tc.rec.all())

	// First nonzero height records the baseline.
	require.Equal(t, SyncingUnestimated, tc.m.handleHeight(100))
	st := tc.m.State()
	require.Equal(t, int64(100), st.StartHeight)
	require.Equal(t, tc.clock.Now(), st.StartTime)
	require.Equal(t, []events.Event{events.SyncStarted{Height: 100}},
		tc.rec.all())

	// 100 blocks in 10 seconds with 800 blocks left: 80 seconds left.
	tc.clock.advance(10 * time.Second)
	require.Equal(t, SyncingEstimated, tc.m.handleHeight(200))
	st = tc.m.State()
	require.Equal(t, int64(80), st.SecondsLeft)
	require.Equal(t, events.SyncProgress{Height: 200, SecondsLeft: 80},
		tc.rec.all()[1])

	// 300 blocks in 30 seconds with 600 left.
	tc.clock.advance(20 * time.Second)
	tc.m.handleHeight(400)
	require.Equal(t, int64(60), tc.m.State().SecondsLeft)

	// Reaching the target completes the sync and clears the form flag.
	require.Equal(t, Synced, tc.m.handleHeight(1000))
	evts := tc.rec.all()
	require.Equal(t, events.SyncCompleted{Height: 1000}, evts[len(evts)-1])
	require.Equal(t, []bool{false}, tc.form.calls)

	// Synced is terminal.
	tc.m.handleHeight(1001)
	require.Len(t, tc.rec.all(), len(evts))
	tc.assertPhase(Synced)
}

// TestSyncRounding checks the estimate is rounded to the nearest second.
func TestSyncRounding(t *testing.T) {
	tc := newTestCtx(t, nil)
	tc.m.SetNeededBlocks(1001)

	tc.m.handleHeight(1)
	tc.clock.advance(7 * time.Second)

	// 998 left / 2 done * 7s = 3493.
	tc.m.handleHeight(3)
	require.Equal(t, int64(3493), tc.m.State().SecondsLeft)

	tc.clock.advance(1500 * time.Millisecond)

	// 996 left / 4 done * 8.5s = 2116.5, rounded away from zero.
	tc.m.handleHeight(5)
	require.Equal(t, int64(2117), tc.m.State().SecondsLeft)
}

// TestSyncNoProgressRebaseline asserts that repeating the baseline height
// while unestimated moves the baseline time without publishing.
func TestSyncNoProgressRebaseline(t *testing.T) {
	tc := newTestCtx(t, nil)
	tc.m.SetNeededBlocks(500)

	tc.m.handleHeight(50)
	tc.clock.advance(time.Minute)
	require.Equal(t, SyncingUnestimated, tc.m.handleHeight(50))

	st := tc.m.State()
	require.Equal(t, tc.clock.Now(), st.StartTime)
	require.Len(t, tc.rec.all(), 1)
}

// TestSyncHeightNonDecreasing asserts lower heights are ignored.
func TestSyncHeightNonDecreasing(t *testing.T) {
	tc := newTestCtx(t, nil)
	tc.m.SetNeededBlocks(500)

	tc.m.handleHeight(200)
	tc.clock.advance(time.Second)
	tc.m.handleHeight(150)

	st := tc.m.State()
	require.Equal(t, int64(200), st.CurrentHeight)
	require.Equal(t, SyncingUnestimated, st.Phase)
	require.Len(t, tc.rec.all(), 1)
}

// TestSyncUnknownTarget asserts a nonzero height with no known target is
// treated as synced.
func TestSyncUnknownTarget(t *testing.T) {
	tc := newTestCtx(t, nil)

	require.Equal(t, Synced, tc.m.handleHeight(42))
	require.Equal(t, []events.Event{events.SyncCompleted{Height: 42}},
		tc.rec.all())
}

// TestSyncStartedOnce asserts sync-started is published once per monitor.
func TestSyncStartedOnce(t *testing.T) {
	tc := newTestCtx(t, nil)
	tc.m.SetNeededBlocks(100)

	tc.m.handleHeight(10)
	tc.m.handleHeight(10)
	tc.m.handleHeight(10)

	var started int
	for _, e := range tc.rec.all() {
		if _, ok := e.(events.SyncStarted); ok {
			started++
		}
	}
	require.Equal(t, 1, started)
}

// TestPollLoop runs the real loop against a scripted height source,
// including transient failures.
func TestPollLoop(t *testing.T) {
	var (
		mu      sync.Mutex
		heights = []int64{0, 10, -1, 20, -1, 30}
		polls   int
	)
	src := HeightSourceFunc(func(context.Context) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		polls++
		if len(heights) == 0 {
			return 30, nil
		}
		h := heights[0]
		heights = heights[1:]
		if h < 0 {
			return 0, errors.New("connection refused")
		}
		return h, nil
	})

	tc := newTestCtx(t, src)
	tc.m.SetNeededBlocks(30)
	tc.m.Start(context.Background())

	select {
	case <-tc.m.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not finish")
	}

	tc.assertPhase(Synced)
	mu.Lock()
	require.Equal(t, 6, polls)
	mu.Unlock()

	// Stop after completion returns immediately.
	tc.m.Stop()
}

// TestPollLoopFirstPollImmediate asserts the first height is requested
// without waiting a full poll interval.
func TestPollLoopFirstPollImmediate(t *testing.T) {
	polled := make(chan struct{}, 1)
	src := HeightSourceFunc(func(context.Context) (int64, error) {
		select {
		case polled <- struct{}{}:
		default:
		}
		return 10, nil
	})

	m := New(Config{
		Source:       src,
		Publisher:    &recorder{},
		Form:         &formFlag{},
		Clock:        &fakeClock{now: time.Unix(1700000000, 0)},
		PollInterval: time.Hour,
	})
	m.SetNeededBlocks(100)
	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatalf("first poll did not happen immediately")
	}
}

// TestPollLoopStop asserts Stop halts a monitor that never syncs.
func TestPollLoopStop(t *testing.T) {
	src := HeightSourceFunc(func(ctx context.Context) (int64, error) {
		return 0, nil
	})

	tc := newTestCtx(t, src)
	tc.m.SetNeededBlocks(100)
	tc.m.Start(context.Background())
	tc.m.Stop()

	select {
	case <-tc.m.Done():
	default:
		t.Fatalf("done not closed after Stop")
	}
	tc.assertPhase(NotStarted)
}

// TestPollLoopContextCancel asserts cancelling the context halts the loop.
func TestPollLoopContextCancel(t *testing.T) {
	src := HeightSourceFunc(func(ctx context.Context) (int64, error) {
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	tc := newTestCtx(t, src)
	tc.m.Start(ctx)
	cancel()

	select {
	case <-tc.m.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not exit on cancel")
	}
}

// TestStopWithoutStart asserts Stop on an unstarted monitor does not block.
func TestStopWithoutStart(t *testing.T) {
	tc := newTestCtx(t, nil)
	tc.m.Stop()
	tc.m.Stop()
	<-tc.m.Done()
}

func TestPollTransientErrorUnwrap(t *testing.T) {
	base := errors.New("eof")
	err := error(&PollTransientError{Err: base})
	require.ErrorIs(t, err, base)

	var pte *PollTransientError
	require.ErrorAs(t, err, &pte)
}
