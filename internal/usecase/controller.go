package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carescribe/internal/domain"
	"carescribe/internal/forms"
	"carescribe/internal/ports"
)

var (
	ErrNoActiveSession    = errors.New("no active listening session")
	ErrAlreadyListening   = errors.New("already listening")
	ErrSessionClosed      = errors.New("capture session closed")
	ErrCaptureUnsupported = errors.New("continuous capture is not supported")
)

// CaptureController owns everything one record view needs while it is open:
// the transcript, the utterance list, the extraction coordinator and the
// form state the extractor populates.
type CaptureController struct {
	sessionID string
	deps      Dependencies
	cfg       Config
	logger    zerolog.Logger

	aggregator  *transcriptAggregator
	coordinator *extractionCoordinator
	form        *forms.FormState

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex

	mu                    sync.Mutex
	state                 domain.SessionState
	lastMode              domain.CaptureMode
	closed                bool
	continuousUnsupported bool
	current               *listenSession
	recorded              []*utteranceSource
}

func NewCaptureController(
	deps Dependencies,
	cfg Config,
	sessionID string,
	initialTranscript string,
	form *forms.FormState,
) *CaptureController {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.With().Str("session_id", sessionID).Logger()

	c := &CaptureController{
		sessionID:  sessionID,
		deps:       deps,
		cfg:        cfg,
		logger:     logger,
		aggregator: newTranscriptAggregator(initialTranscript),
		form:       form,
		state:      domain.SessionStateIdle,
	}
	c.coordinator = newExtractionCoordinator(sessionID, cfg.Coordinator, coordinatorDeps{
		store:     deps.Store,
		extractor: deps.Extractor,
		events:    deps.Events,
		observer:  deps.Observer,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		now:       deps.Now,
		current:   c.aggregator.Displayed,
		deliver:   form.Apply,
	})

	deps.Events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonOpened)
	return c
}

// Start opens the microphone and begins listening in the given mode.
func (c *CaptureController) Start(ctx context.Context, mode domain.CaptureMode) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrSessionClosed
	case c.current != nil:
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	c.mu.Unlock()

	if !mode.Valid() {
		return fmt.Errorf("unknown capture mode %q", mode)
	}
	if mode == domain.CaptureModeContinuous && c.deps.Recognizer == nil {
		return c.rejectUnsupported(ports.ErrUnsupported)
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.deps.Microphone.Open(sessionCtx, c.cfg.Audio)
	if err != nil {
		cancel()
		c.logger.Warn().Err(err).Msg("microphone unavailable")
		c.deps.Events.SessionError(domain.ErrorCodePermission, "microphone access denied or unavailable")
		c.deps.Events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonMicrophoneDenied)
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	epoch := c.aggregator.Begin(mode)
	source := c.newSource(mode, epoch)
	if err := source.Start(sessionCtx, stream); err != nil {
		c.aggregator.End()
		_ = stream.Stop()
		source.Close()
		cancel()
		if mode == domain.CaptureModeContinuous {
			return c.rejectUnsupported(err)
		}
		c.logger.Warn().Err(err).Msg("failed to start utterance capture")
		c.deps.Events.SessionError(domain.ErrorCodeAudio, err.Error())
		c.deps.Events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonAudioFailed)
		return err
	}

	c.mu.Lock()
	c.current = &listenSession{mode: mode, epoch: epoch, stream: stream, source: source, cancel: cancel}
	c.state = domain.SessionStateListening
	c.lastMode = mode
	if us, ok := source.(*utteranceSource); ok {
		c.recorded = append(c.recorded, us)
	}
	c.mu.Unlock()

	c.coordinator.StartFallback()
	c.logger.Info().Str("mode", string(mode)).Msg("listening started")
	c.deps.Events.SessionStateChanged(domain.SessionStateListening, domain.SessionReasonListeningStarted)
	return nil
}

func (c *CaptureController) newSource(mode domain.CaptureMode, epoch uint64) transcriptSource {
	logger := c.logger.With().Str("component", "source").Str("mode", string(mode)).Logger()
	if mode == domain.CaptureModeContinuous {
		return newContinuousSource(epoch, c.deps, c.cfg.Live, c, logger)
	}
	return newUtteranceSource(epoch, c.deps, c, logger)
}

func (c *CaptureController) rejectUnsupported(cause error) error {
	c.mu.Lock()
	c.continuousUnsupported = true
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Msg("continuous recognition unavailable")
	c.deps.Events.SessionError(domain.ErrorCodeUnsupported, "continuous speech recognition is not available")
	c.deps.Events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonCaptureUnsupported)
	return fmt.Errorf("%w: %v", ErrCaptureUnsupported, cause)
}

// Stop ends listening, folds live text into the transcript and makes a
// final best-effort extraction run.
func (c *CaptureController) Stop(ctx context.Context) (domain.StopResult, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.StopResult{}, ErrSessionClosed
	}
	active := c.current
	if active == nil {
		c.mu.Unlock()
		return domain.StopResult{}, ErrNoActiveSession
	}
	c.state = domain.SessionStateStopping
	c.mu.Unlock()
	c.deps.Events.SessionStateChanged(domain.SessionStateStopping, domain.SessionReasonListeningStopped)

	err := runTeardown(
		cleanupStep{name: "cancel pending extraction", run: func() error { c.coordinator.CancelPending(); return nil }},
		cleanupStep{name: "stop fallback timer", run: func() error { c.coordinator.StopFallback(); return nil }},
		cleanupStep{name: "stop monitoring", run: active.source.StopMonitoring},
		cleanupStep{name: "release microphone", run: active.stream.Stop},
	)
	active.cancel()
	if err != nil {
		c.logger.Warn().Err(err).Msg("listening stopped with cleanup errors")
		c.deps.Events.SessionError(domain.ErrorCodeTeardown, err.Error())
	}

	transcript := c.aggregator.End()
	c.coordinator.CancelPending()

	c.mu.Lock()
	c.current = nil
	c.state = domain.SessionStateIdle
	c.mu.Unlock()

	c.deps.Events.TranscriptChanged(transcript)
	c.deps.Events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonListeningStopped)

	extracted, runErr := c.coordinator.Finalize(ctx)
	if runErr != nil {
		c.logger.Debug().Err(runErr).Msg("final extraction skipped or failed")
	}
	return domain.StopResult{Transcript: transcript, Extracted: extracted}, nil
}

// Close tears the session down. Every cleanup action runs even when an
// earlier one fails. It is safe to call more than once.
func (c *CaptureController) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	active := c.current
	c.current = nil
	recorded := c.recorded
	c.recorded = nil
	c.mu.Unlock()

	stopMonitoring := func() error { return nil }
	releaseMicrophone := func() error { return nil }
	if active != nil {
		stopMonitoring = active.source.StopMonitoring
		releaseMicrophone = active.stream.Stop
	}

	err := runTeardown(
		cleanupStep{name: "cancel pending extraction", run: func() error { c.coordinator.CancelPending(); return nil }},
		cleanupStep{name: "stop fallback timer", run: func() error { c.coordinator.StopFallback(); return nil }},
		cleanupStep{name: "stop monitoring", run: stopMonitoring},
		cleanupStep{name: "release microphone", run: releaseMicrophone},
		cleanupStep{name: "revoke playback urls", run: func() error {
			for _, source := range recorded {
				source.Release()
			}
			return nil
		}},
	)

	c.aggregator.End()
	c.coordinator.Close()
	if active != nil {
		active.source.Close()
		active.cancel()
	}
	for _, source := range recorded {
		source.Close()
	}

	c.mu.Lock()
	c.state = domain.SessionStateClosed
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Msg("session closed with cleanup errors")
		c.deps.Events.SessionError(domain.ErrorCodeTeardown, err.Error())
	}
	c.deps.Events.SessionStateChanged(domain.SessionStateClosed, domain.SessionReasonUnmounted)
	return err
}

// EditTranscript replaces the transcript with user-typed text.
func (c *CaptureController) EditTranscript(text string) error {
	if c.isClosed() {
		return ErrSessionClosed
	}
	if err := c.aggregator.Edit(text); err != nil {
		return err
	}
	c.transcriptChanged(c.aggregator.Displayed())
	return nil
}

// AppendUtterance adds a transcribed clip to the end of the transcript.
func (c *CaptureController) AppendUtterance(id string) (string, error) {
	if c.isClosed() {
		return "", ErrSessionClosed
	}
	transcript, err := c.aggregator.AppendUtterance(id)
	if err != nil {
		return "", err
	}
	c.transcriptChanged(transcript)
	return transcript, nil
}

// ExtractNow saves and extracts immediately. It is rejected with
// ErrExtractionBusy while a run is in flight.
func (c *CaptureController) ExtractNow(ctx context.Context) error {
	if c.isClosed() {
		return ErrSessionClosed
	}
	return c.coordinator.ExtractNow(ctx)
}

// SetField applies a user edit to one form field.
func (c *CaptureController) SetField(name string, value domain.FieldValue) error {
	if c.isClosed() {
		return ErrSessionClosed
	}
	return c.form.Set(name, value)
}

func (c *CaptureController) Transcript() string { return c.aggregator.Displayed() }

func (c *CaptureController) Utterances() []domain.UtteranceView { return c.aggregator.Utterances() }

func (c *CaptureController) Form() forms.Snapshot { return c.form.Snapshot() }

// Status returns the current session status.
func (c *CaptureController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := domain.Status{
		SessionID:           c.sessionID,
		State:               c.state,
		Mode:                c.lastMode,
		Listening:           c.current != nil,
		Phase:               c.coordinator.Phase(),
		ContinuousSupported: c.deps.Recognizer != nil && !c.continuousUnsupported,
		LastRunAt:           c.coordinator.LastRunAt(),
	}
	if c.current != nil {
		status.Mode = c.current.mode
	}
	return status
}

func (c *CaptureController) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *CaptureController) transcriptChanged(text string) {
	c.deps.Events.TranscriptChanged(text)
	c.coordinator.OnTranscriptChanged(text)
}

func (c *CaptureController) liveText(epoch uint64, text string) {
	c.mu.Lock()
	closed, stopping := c.closed, c.state == domain.SessionStateStopping
	c.mu.Unlock()
	if closed {
		return
	}

	displayed, ok := c.aggregator.ApplyLive(epoch, text)
	if !ok {
		c.logger.Debug().Uint64("epoch", epoch).Msg("discarding stale transcript event")
		return
	}
	if stopping {
		// Text flushed by the recognizer while stopping is saved by the
		// stop run, not by a new debounce.
		c.deps.Events.TranscriptChanged(displayed)
		return
	}
	c.transcriptChanged(displayed)
}

func (c *CaptureController) utteranceReady(_ uint64, utterance domain.Utterance) {
	if c.isClosed() {
		return
	}
	view := domain.UtteranceView{
		ID:     utterance.ID,
		Seq:    utterance.Seq,
		URL:    utterance.URL,
		Status: domain.UtteranceStatusPending,
	}
	c.aggregator.AddUtterance(view)
	c.deps.Events.UtteranceReady(view)
}

func (c *CaptureController) utteranceTranscribed(epoch uint64, id string, text string, err error) {
	if c.isClosed() {
		return
	}
	view, ok := c.aggregator.CompleteUtterance(epoch, id, text, err != nil)
	if !ok {
		return
	}
	if err != nil {
		c.deps.Events.SessionError(domain.ErrorCodeTranscription, fmt.Sprintf("failed to transcribe utterance %d: %v", view.Seq, err))
	}
	c.deps.Events.UtteranceTranscribed(view)
}

func (c *CaptureController) sourceError(code domain.ErrorCode, err error) {
	if c.isClosed() {
		return
	}
	c.logger.Warn().Err(err).Str("code", string(code)).Msg("transcript source error")
	c.deps.Events.SessionError(code, err.Error())

	if code != domain.ErrorCodeTranscription {
		return
	}
	c.mu.Lock()
	failed := c.current != nil && c.current.mode == domain.CaptureModeContinuous
	if failed {
		c.state = domain.SessionStateError
	}
	c.mu.Unlock()
	if failed {
		c.deps.Events.SessionStateChanged(domain.SessionStateError, domain.SessionReasonRecognizerFailed)
	}
}
