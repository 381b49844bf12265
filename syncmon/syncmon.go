package syncmon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/decred/dcrlauncher/events"
	"golang.org/x/time/rate"
)

const (
	// DefaultPollInterval is the delay between the handling of one height
	// poll and the start of the next one.
	DefaultPollInterval = time.Second

	// pollFailureLogEvery bounds how often repeated poll failures are
	// logged at warning level.
	pollFailureLogEvery = 30 * time.Second
)

// Phase is the coarse state of the initial chain sync.
type Phase uint8

const (
	// NotStarted means no nonzero block height has been observed yet.
	NotStarted Phase = iota

	// SyncingUnestimated means a baseline was recorded but no progress
	// has been made since.
	SyncingUnestimated

	// SyncingEstimated means a time-left estimate is available.
	SyncingEstimated

	// Synced is terminal for the session.
	Synced
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "NotStarted"
	case SyncingUnestimated:
		return "SyncingUnestimated"
	case SyncingEstimated:
		return "SyncingEstimated"
	case Synced:
		return "Synced"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// State is a snapshot of the sync progress of a daemon session.
type State struct {
	Phase         Phase
	CurrentHeight int64

	// NeededBlocks is the target height. Zero means unknown.
	NeededBlocks int64

	StartHeight int64
	StartTime   time.Time
	SecondsLeft int64
}

// PollTransientError wraps a failed height poll. The monitor keeps polling
// after such a failure.
type PollTransientError struct {
	Err error
}

// Error implements the error interface.
func (e *PollTransientError) Error() string {
	return fmt.Sprintf("block height poll failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *PollTransientError) Unwrap() error {
	return e.Err
}

// HeightSource returns the current block height of the daemon.
type HeightSource interface {
	BlockCount(ctx context.Context) (int64, error)
}

// HeightSourceFunc adapts a function to the HeightSource interface.
type HeightSourceFunc func(ctx context.Context) (int64, error)

// BlockCount calls f.
func (f HeightSourceFunc) BlockCount(ctx context.Context) (int64, error) {
	return f(ctx)
}

// FormFlag persists whether the startup form has to be shown on next launch.
type FormFlag interface {
	SetMustOpenForm(bool) error
}

// Observer is notified of every state change and poll failure.
type Observer interface {
	ObserveSync(State)
	ObservePollFailure()
}

// Clock abstracts the time source used for estimates.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config holds the collaborators of a Monitor.
type Config struct {
	// Source is polled for the current height.
	Source HeightSource

	// Publisher receives sync events.
	Publisher events.Publisher

	// Form is cleared once the sync completed. Optional.
	Form FormFlag

	// Observer is optional.
	Observer Observer

	// Clock defaults to the wall clock.
	Clock Clock

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Monitor polls a HeightSource and derives the sync phase and a time-left
// estimate from the observed heights. A Monitor tracks a single daemon
// session; a new session needs a new Monitor.
//
// SyncStarted is published at most once per Monitor, even when a stalled
// sync re-records its starting height.
type Monitor struct {
	started sync.Once
	stopped sync.Once

	cfg     Config
	limiter *rate.Limiter

	mu           sync.Mutex
	state        State
	startedEvent bool

	quit chan struct{}
	done chan struct{}
}

// New creates a Monitor in the NotStarted phase.
func New(cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.PublisherFunc(func(events.Event) {})
	}

	return &Monitor{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(pollFailureLogEvery), 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the poll loop. Subsequent calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.started.Do(func() {
		log.Debugf("Sync monitor starting")
		go m.pollLoop(ctx)
	})
}

// Stop requests the poll loop to exit and waits for it if it was started.
func (m *Monitor) Stop() {
	m.stopped.Do(func() {
		close(m.quit)
	})

	started := true
	m.started.Do(func() {
		started = false
		close(m.done)
	})
	if started {
		<-m.done
	}
}

// Done is closed once the poll loop exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// SetNeededBlocks sets the target height discovered out of band.
func (m *Monitor) SetNeededBlocks(n int64) {
	m.mu.Lock()
	m.state.NeededBlocks = n
	m.mu.Unlock()
}

// State returns a snapshot of the current sync state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// pollLoop polls serially: the next poll is scheduled only after the prior
// one was handled.
func (m *Monitor) pollLoop(ctx context.Context) {
	defer close(m.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	// The first poll happens right away.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debugf("Sync monitor exiting: %v", ctx.Err())
			return
		default:
		}

		select {
		case <-timer.C:
		case <-ctx.Done():
			log.Debugf("Sync monitor exiting: %v", ctx.Err())
			return
		}

		height, err := m.cfg.Source.BlockCount(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			m.pollFailed(&PollTransientError{Err: err})
		} else if m.handleHeight(height) == Synced {
			log.Infof("Initial chain sync completed at height %d",
				height)
			return
		}

		timer.Reset(m.cfg.PollInterval)
	}
}

func (m *Monitor) pollFailed(err *PollTransientError) {
	if m.limiter.Allow() {
		log.Warnf("%v", err)
	} else {
		log.Tracef("%v", err)
	}
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObservePollFailure()
	}
}

// handleHeight applies one observed height to the state machine and
// publishes the resulting events. It returns the phase after the update.
func (m *Monitor) handleHeight(h int64) Phase {
	now := m.cfg.Clock.Now()

	var (
		evts      []events.Event
		clearForm bool
	)

	m.mu.Lock()
	s := &m.state
	switch {
	case s.Phase == Synced:

	case h < s.CurrentHeight:
		log.Debugf("Ignoring height %d below current height %d", h,
			s.CurrentHeight)

	default:
		s.CurrentHeight = h
		needed := s.NeededBlocks

		switch {
		case (needed == 0 && h > 0) || (needed != 0 && h >= needed):
			s.Phase = Synced
			s.SecondsLeft = 0
			evts = append(evts, events.SyncCompleted{Height: h})
			clearForm = true

		case h == 0:

		case s.Phase == NotStarted:
			s.StartHeight = h
			s.StartTime = now
			s.Phase = SyncingUnestimated
			if !m.startedEvent {
				m.startedEvent = true
				evts = append(evts, events.SyncStarted{Height: h})
			}

		default:
			blocksDone := h - s.StartHeight
			if blocksDone <= 0 {
				if s.Phase == SyncingUnestimated {
					s.StartHeight = h
					s.StartTime = now
				}
				break
			}

			blocksLeft := float64(needed - h)
			elapsed := now.Sub(s.StartTime).Seconds()
			s.SecondsLeft = int64(math.Round(
				blocksLeft / float64(blocksDone) * elapsed,
			))
			s.Phase = SyncingEstimated
			evts = append(evts, events.SyncProgress{
				Height:      h,
				SecondsLeft: s.SecondsLeft,
			})
		}
	}
	snapshot := *s
	m.mu.Unlock()

	if clearForm && m.cfg.Form != nil {
		if err := m.cfg.Form.SetMustOpenForm(false); err != nil {
			log.Errorf("Unable to clear startup form flag: %v", err)
		}
	}
	for _, e := range evts {
		log.Tracef("Publishing %s", e.EventName())
		m.cfg.Publisher.Publish(e)
	}
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveSync(snapshot)
	}

	return snapshot.Phase
}
