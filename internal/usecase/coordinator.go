package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"carescribe/internal/domain"
	"carescribe/internal/ports"
)

const tracerName = "carescribe/internal/usecase"

// ErrExtractionBusy is returned by a manual extract request while a run is
// already in flight. The request is rejected, never queued.
var ErrExtractionBusy = errors.New("extraction already processing, try again shortly")

// RunOutcome labels how a save+extract run ended.
type RunOutcome string

const (
	RunOutcomeSuccess      RunOutcome = "success"
	RunOutcomePersistError RunOutcome = "persist_error"
	RunOutcomeExtractError RunOutcome = "extract_error"
	RunOutcomeDiscarded    RunOutcome = "discarded"
)

// RunObserver records coordinator activity.
type RunObserver interface {
	RunRejected(trigger domain.RunTrigger, reason error)
	RunFinished(trigger domain.RunTrigger, outcome RunOutcome, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) RunRejected(domain.RunTrigger, error)                     {}
func (noopObserver) RunFinished(domain.RunTrigger, RunOutcome, time.Duration) {}

// CoordinatorConfig controls extraction cadence.
type CoordinatorConfig struct {
	// Debounce is the quiet period D and also the minimum interval between
	// runs.
	Debounce time.Duration
	// FallbackInterval is the period of the backstop ticker while listening.
	FallbackInterval time.Duration
	// CallTimeout bounds one run. Zero disables the bound.
	CallTimeout time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = 30 * time.Second
	}
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	return c
}

type coordinatorDeps struct {
	store     ports.TranscriptStore
	extractor ports.FieldExtractor
	events    ports.EventSink
	observer  RunObserver
	logger    zerolog.Logger
	now       func() time.Time
	// current returns the text fallback, manual and stop runs operate on.
	current func() string
	// deliver merges a result into form state and returns changed fields.
	deliver func(domain.ExtractionResult) []string
}

// extractionCoordinator owns the save+extract cycle of one session.
type extractionCoordinator struct {
	sessionID string
	cfg       CoordinatorConfig
	deps      coordinatorDeps
	gate      *runGate
	tracer    trace.Tracer
	debounced func(func())

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	generation   uint64
	fallbackStop chan struct{}
	fallbackDone chan struct{}

	deliverMu sync.Mutex

	phaseMu   sync.Mutex
	published domain.ExtractionPhase
}

func newExtractionCoordinator(sessionID string, cfg CoordinatorConfig, deps coordinatorDeps) *extractionCoordinator {
	cfg = cfg.withDefaults()
	if deps.observer == nil {
		deps.observer = noopObserver{}
	}
	if deps.now == nil {
		deps.now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &extractionCoordinator{
		sessionID: sessionID,
		cfg:       cfg,
		deps:      deps,
		gate:      newRunGate(cfg.Debounce, deps.now),
		tracer:    otel.Tracer(tracerName),
		debounced: debounce.New(cfg.Debounce),
		ctx:       ctx,
		cancel:    cancel,
		published: domain.ExtractionPhaseIdle,
	}
}

// OnTranscriptChanged restarts the quiet period. When it elapses without a
// newer change or a cancel, text is saved and extracted.
func (c *extractionCoordinator) OnTranscriptChanged(text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.gate.setPending(true)
	c.publishPhase()

	c.debounced(func() {
		if !c.claimPending(gen) {
			return
		}
		defer c.wg.Done()
		c.gate.setPending(false)
		c.publishPhase()
		_ = c.run(c.ctx, domain.RunTriggerDebounce, text)
	})
}

// claimPending reports whether gen is still the live debounce generation and
// registers the run with the wait group.
func (c *extractionCoordinator) claimPending(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return false
	}
	c.wg.Add(1)
	return true
}

// CancelPending drops a scheduled debounced run without executing it.
func (c *extractionCoordinator) CancelPending() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()

	c.gate.setPending(false)
	c.publishPhase()
}

// StartFallback begins the periodic backstop. Starting twice is a no-op.
func (c *extractionCoordinator) StartFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.fallbackStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.fallbackStop = stop
	c.fallbackDone = done
	go c.fallbackLoop(stop, done)
}

// StopFallback stops the backstop ticker and waits for its goroutine to exit.
func (c *extractionCoordinator) StopFallback() {
	c.mu.Lock()
	stop, done := c.fallbackStop, c.fallbackDone
	c.fallbackStop, c.fallbackDone = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *extractionCoordinator) fallbackLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			text := c.deps.current()
			if strings.TrimSpace(text) == "" {
				continue
			}
			c.spawn(domain.RunTriggerFallback, text)
		}
	}
}

// spawn runs in its own goroutine so a slow run never holds up the ticker.
func (c *extractionCoordinator) spawn(trigger domain.RunTrigger, text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_ = c.run(c.ctx, trigger, text)
	}()
}

// ExtractNow runs immediately on the current text. It obeys mutual
// exclusion but not the cadence guard.
func (c *extractionCoordinator) ExtractNow(ctx context.Context) error {
	if !c.enter() {
		return ErrSessionClosed
	}
	defer c.wg.Done()

	err := c.run(ctx, domain.RunTriggerManual, c.deps.current())
	if errors.Is(err, ErrRunInFlight) {
		c.deps.events.SessionError(domain.ErrorCodeBusy, ErrExtractionBusy.Error())
		return ErrExtractionBusy
	}
	return err
}

// Finalize performs the best-effort run after listening stops. Both guards
// apply. It reports whether a result was delivered.
func (c *extractionCoordinator) Finalize(ctx context.Context) (bool, error) {
	if !c.enter() {
		return false, ErrSessionClosed
	}
	defer c.wg.Done()

	text := c.deps.current()
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	if err := c.run(ctx, domain.RunTriggerStop, text); err != nil {
		return false, err
	}
	return true, nil
}

func (c *extractionCoordinator) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// Close cancels pending work, stops the fallback, aborts in-flight calls and
// waits for them to return. Results arriving afterwards are discarded.
func (c *extractionCoordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.CancelPending()
	c.StopFallback()

	c.deliverMu.Lock()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.deliverMu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Phase reports the current extraction phase.
func (c *extractionCoordinator) Phase() domain.ExtractionPhase { return c.gate.phase() }

// LastRunAt reports when the last run finished.
func (c *extractionCoordinator) LastRunAt() time.Time { return c.gate.lastRun() }

func (c *extractionCoordinator) run(parent context.Context, trigger domain.RunTrigger, text string) (err error) {
	logger := c.deps.logger.With().Str("trigger", string(trigger)).Logger()

	if err := c.gate.acquire(trigger); err != nil {
		c.deps.observer.RunRejected(trigger, err)
		logger.Debug().Err(err).Msg("extraction run rejected")
		return err
	}
	c.publishPhase()

	started := c.deps.now()
	outcome := RunOutcomeSuccess
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extraction run panicked: %v", r)
			outcome = RunOutcomeExtractError
			logger.Error().Interface("panic", r).Msg("extraction run panicked")
			c.reportFailure(domain.ErrorCodeExtract, err.Error())
		}
		c.gate.release()
		c.publishPhase()
		c.deps.observer.RunFinished(trigger, outcome, c.deps.now().Sub(started))
	}()

	ctx, span := c.tracer.Start(parent, "extraction.run", trace.WithAttributes(
		attribute.String("session.id", c.sessionID),
		attribute.String("run.trigger", string(trigger)),
		attribute.Int("transcript.length", len(text)),
	))
	defer span.End()

	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	unlink := context.AfterFunc(c.ctx, cancelRun)
	defer unlink()

	if err := c.persist(ctx, text); err != nil {
		outcome = RunOutcomePersistError
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		logger.Warn().Err(err).Msg("failed to save transcript")
		c.reportFailure(domain.ErrorCodePersist, fmt.Sprintf("failed to save transcript: %v", err))
		return err
	}

	c.gate.advance(domain.ExtractionPhaseExtracting)
	c.publishPhase()

	result, err := c.extract(ctx)
	if err != nil {
		outcome = RunOutcomeExtractError
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract failed")
		logger.Warn().Err(err).Msg("failed to extract fields")
		c.reportFailure(domain.ErrorCodeExtract, fmt.Sprintf("failed to extract fields: %v", err))
		return err
	}

	if !c.deliverResult(result) {
		outcome = RunOutcomeDiscarded
		logger.Debug().Msg("extraction result discarded after close")
		return ErrSessionClosed
	}
	logger.Info().Int("fields", len(result.Fields)).Msg("extraction applied")
	return nil
}

func (c *extractionCoordinator) persist(ctx context.Context, text string) error {
	ctx, span := c.tracer.Start(ctx, "extraction.persist")
	defer span.End()
	return c.deps.store.SaveTranscript(ctx, c.sessionID, text)
}

func (c *extractionCoordinator) extract(ctx context.Context) (domain.ExtractionResult, error) {
	ctx, span := c.tracer.Start(ctx, "extraction.extract")
	defer span.End()
	result, err := c.deps.extractor.ExtractFields(ctx, c.sessionID)
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	span.SetAttributes(attribute.Int("fields.count", len(result.Fields)))
	return result, nil
}

func (c *extractionCoordinator) deliverResult(result domain.ExtractionResult) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	if result.SessionID == "" {
		result.SessionID = c.sessionID
	}
	if result.ExtractedAt.IsZero() {
		result.ExtractedAt = c.deps.now()
	}
	changed := c.deps.deliver(result)
	c.deps.events.ExtractionApplied(result, changed)
	return true
}

// reportFailure surfaces a non-fatal run failure unless the session has
// already been closed.
func (c *extractionCoordinator) reportFailure(code domain.ErrorCode, detail string) {
	if c.ctx.Err() != nil {
		return
	}
	c.deps.events.SessionError(code, detail)
}

// publishPhase emits the phase when it differs from the last one emitted.
func (c *extractionCoordinator) publishPhase() {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	phase := c.gate.phase()
	if phase == c.published {
		return
	}
	c.published = phase
	c.deps.events.ExtractionPhaseChanged(phase)
}
