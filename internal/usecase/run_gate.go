package usecase

import (
	"errors"
	"sync"
	"time"

	"carescribe/internal/domain"
)

var (
	// ErrRunInFlight rejects a run while another save+extract run is active.
	ErrRunInFlight = errors.New("extraction run already in flight")
	// ErrTooSoon rejects a run that would start less than the minimum
	// interval after the previous run finished.
	ErrTooSoon = errors.New("extraction ran too recently")
)

// runGate is the coordinator's in-flight/cadence state machine. It owns the
// only shared coordination state of a session: whether a run is in flight,
// when the last run finished, and whether a debounced run is pending.
type runGate struct {
	minInterval time.Duration
	now         func() time.Time

	mu        sync.Mutex
	inFlight  bool
	runPhase  domain.ExtractionPhase
	pending   bool
	lastRunAt time.Time
}

func newRunGate(minInterval time.Duration, now func() time.Time) *runGate {
	if now == nil {
		now = time.Now
	}
	return &runGate{minInterval: minInterval, now: now}
}

// acquire applies both guards and, when they pass, marks a run in flight in
// the persisting phase. Manual runs skip the cadence guard.
func (g *runGate) acquire(trigger domain.RunTrigger) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight {
		return ErrRunInFlight
	}
	if trigger != domain.RunTriggerManual && !g.lastRunAt.IsZero() && g.now().Sub(g.lastRunAt) < g.minInterval {
		return ErrTooSoon
	}
	g.inFlight = true
	g.runPhase = domain.ExtractionPhasePersisting
	return nil
}

// advance moves an in-flight run to its next phase.
func (g *runGate) advance(phase domain.ExtractionPhase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight {
		g.runPhase = phase
	}
}

// release ends the in-flight run and stamps lastRunAt whether the run
// succeeded or not.
func (g *runGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight = false
	g.runPhase = ""
	g.lastRunAt = g.now()
}

func (g *runGate) setPending(pending bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = pending
}

func (g *runGate) busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *runGate) lastRun() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRunAt
}

// phase reports the observable phase. An in-flight run wins over a pending
// debounce.
func (g *runGate) phase() domain.ExtractionPhase {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.inFlight:
		return g.runPhase
	case g.pending:
		return domain.ExtractionPhaseDebouncing
	default:
		return domain.ExtractionPhaseIdle
	}
}
