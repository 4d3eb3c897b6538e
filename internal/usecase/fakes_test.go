package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"carescribe/internal/domain"
	"carescribe/internal/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stateEvent struct {
	state  domain.SessionState
	reason domain.SessionStateReason
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

type appliedEvent struct {
	result  domain.ExtractionResult
	changed []string
}

type fakeEventSink struct {
	mu sync.Mutex

	states      []stateEvent
	transcripts []string
	ready       []domain.UtteranceView
	transcribed []domain.UtteranceView
	phases      []domain.ExtractionPhase
	applied     []appliedEvent
	errors      []errEvent
}

func (f *fakeEventSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) TranscriptChanged(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, text)
}

func (f *fakeEventSink) UtteranceReady(view domain.UtteranceView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, view)
}

func (f *fakeEventSink) UtteranceTranscribed(view domain.UtteranceView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribed = append(f.transcribed, view)
}

func (f *fakeEventSink) ExtractionPhaseChanged(phase domain.ExtractionPhase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, phase)
}

func (f *fakeEventSink) ExtractionApplied(result domain.ExtractionResult, changed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, appliedEvent{result: result, changed: changed})
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateEvent(nil), f.states...)
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errEvent(nil), f.errors...)
}

func (f *fakeEventSink) snapshotTranscripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transcripts...)
}

func (f *fakeEventSink) snapshotApplied() []appliedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appliedEvent(nil), f.applied...)
}

func (f *fakeEventSink) snapshotPhases() []domain.ExtractionPhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ExtractionPhase(nil), f.phases...)
}

func (f *fakeEventSink) snapshotTranscribed() []domain.UtteranceView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.UtteranceView(nil), f.transcribed...)
}

func (f *fakeEventSink) hasError(code domain.ErrorCode) bool {
	for _, e := range f.snapshotErrors() {
		if e.code == code {
			return true
		}
	}
	return false
}

// fakeStore records saved transcripts and tracks how many saves and
// extractions overlap.
type fakeStore struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (f *fakeStore) SaveTranscript(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, text)
	return f.err
}

func (f *fakeStore) snapshotSaved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saved...)
}

type fakeExtractor struct {
	mu      sync.Mutex
	results []domain.ExtractionResult
	errs    []error
	calls   int
	release chan struct{}
	started chan struct{}
	panics  bool

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeExtractor) ExtractFields(ctx context.Context, sessionID string) (domain.ExtractionResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.maxActive.Load()
		if n <= peak || f.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	idx := f.calls
	f.calls++
	release, started, panics := f.release, f.started, f.panics
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return domain.ExtractionResult{}, ctx.Err()
		}
	}
	if panics {
		panic("extractor exploded")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < len(f.errs) && f.errs[idx] != nil {
		return domain.ExtractionResult{}, f.errs[idx]
	}
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	if len(f.results) > 0 {
		return f.results[len(f.results)-1], nil
	}
	return domain.ExtractionResult{SessionID: sessionID, Fields: map[string]domain.FieldValue{}}, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMicrophone struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	opened  int
}

func (f *fakeMicrophone) Open(_ context.Context, _ ports.AudioConfig) (ports.AudioStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	stream := &fakeStream{closed: make(chan struct{})}
	f.streams = append(f.streams, stream)
	f.opened++
	return stream, nil
}

func (f *fakeMicrophone) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeStream struct {
	closed    chan struct{}
	once      sync.Once
	stopCalls atomic.Int32
	stopErr   error
	panics    bool
}

func (f *fakeStream) Read(_ []byte) (int, error) {
	<-f.closed
	return 0, io.EOF
}

func (f *fakeStream) Stop() error {
	f.stopCalls.Add(1)
	f.once.Do(func() { close(f.closed) })
	if f.panics {
		panic("device gone")
	}
	return f.stopErr
}

// fakeVAD hands its handler to the test so speech boundaries can be driven
// directly.
type fakeVAD struct {
	mu       sync.Mutex
	handler  ports.VADHandler
	err      error
	monitors []*fakeMonitor
}

func (f *fakeVAD) Monitor(_ context.Context, _ ports.AudioStream, handler ports.VADHandler) (ports.VADMonitor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.handler = handler
	m := &fakeMonitor{}
	f.monitors = append(f.monitors, m)
	return m, nil
}

func (f *fakeVAD) speak(frames ...string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()

	h.SpeechStart()
	for _, frame := range frames {
		h.Audio([]byte(frame))
	}
	h.SpeechEnd()
}

func (f *fakeVAD) currentHandler() ports.VADHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

type fakeMonitor struct {
	stopCalls atomic.Int32
	err       error
}

func (m *fakeMonitor) Stop() error {
	m.stopCalls.Add(1)
	return m.err
}

type fakeEncoder struct{}

func (fakeEncoder) EncodeClip(pcm []byte) ([]byte, string, error) {
	return append([]byte("WAV:"), pcm...), "audio/wav", nil
}

type fakeURLs struct {
	mu      sync.Mutex
	created map[string]string
	revoked []string
}

func newFakeURLs() *fakeURLs {
	return &fakeURLs{created: map[string]string{}}
}

func (f *fakeURLs) Create(id string, _ []byte, _ string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := "blob:" + id
	f.created[url] = id
	return url
}

func (f *fakeURLs) Revoke(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, url)
}

func (f *fakeURLs) snapshotRevoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

// fakeTranscriber returns the clip audio (minus the encoder prefix) as text.
// Clips listed in gates wait until their gate is closed.
type fakeTranscriber struct {
	mu    sync.Mutex
	gates map[uint64]chan struct{}
	fail  map[uint64]bool
	calls int
}

func (f *fakeTranscriber) TranscribeClip(ctx context.Context, clip domain.Utterance) (string, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gates[clip.Seq]
	fail := f.fail[clip.Seq]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail {
		return "", fmt.Errorf("clip %d unreadable", clip.Seq)
	}
	return string(clip.Audio[len("WAV:"):]), nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecognizer struct {
	mu       sync.Mutex
	sessions []*fakeLiveSession
	err      error
	configs  []ports.LiveConfig
}

func (f *fakeRecognizer) Listen(_ context.Context, _ ports.AudioStream, cfg ports.LiveConfig) (ports.LiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.configs = append(f.configs, cfg)
	s := &fakeLiveSession{events: make(chan domain.TranscriptEvent, 16)}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeRecognizer) last() *fakeLiveSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

type fakeLiveSession struct {
	mu        sync.Mutex
	events    chan domain.TranscriptEvent
	closed    bool
	stopCalls int
	err       error
	// flushOnStop is delivered as finals when Stop is called, the way a
	// recognizer flushes buffered audio before closing the stream.
	flushOnStop []string
}

func (f *fakeLiveSession) Events() <-chan domain.TranscriptEvent { return f.events }

func (f *fakeLiveSession) send(kind domain.TranscriptKind, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- domain.TranscriptEvent{Kind: kind, Text: text}
}

func (f *fakeLiveSession) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	if !f.closed {
		close(f.events)
		f.closed = true
	}
}

func (f *fakeLiveSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if !f.closed {
		for _, text := range f.flushOnStop {
			f.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: text}
		}
		close(f.events)
		f.closed = true
	}
	return nil
}

func (f *fakeLiveSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

type upperNormalizer struct{ err error }

func (n upperNormalizer) Apply(text string) (string, error) {
	if n.err != nil {
		return "", n.err
	}
	return text + ".", nil
}

var errBackendDown = errors.New("backend down")

type observedRun struct {
	trigger domain.RunTrigger
	outcome RunOutcome
}

type fakeObserver struct {
	mu       sync.Mutex
	finished []observedRun
	rejected []error
}

func (f *fakeObserver) RunRejected(_ domain.RunTrigger, reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, reason)
}

func (f *fakeObserver) RunFinished(trigger domain.RunTrigger, outcome RunOutcome, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, observedRun{trigger: trigger, outcome: outcome})
}

func (f *fakeObserver) snapshotFinished() []observedRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]observedRun(nil), f.finished...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
