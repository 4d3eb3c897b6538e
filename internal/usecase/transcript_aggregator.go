package usecase

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"carescribe/internal/domain"
)

const (
	continuousSeparator = " "
	utteranceSeparator  = "\n\n"
)

var (
	// ErrTranscriptLocked rejects direct edits while a live recognizer owns
	// the tail of the transcript.
	ErrTranscriptLocked = errors.New("transcript is locked while continuous listening is active")
	ErrUnknownUtterance = errors.New("unknown utterance")
	// ErrUtteranceNotReady is returned when appending an utterance that has
	// no transcribed text yet.
	ErrUtteranceNotReady = errors.New("utterance has no transcribed text")
)

// transcriptAggregator keeps the authoritative transcript. baseline is the
// text as of the last listen start (plus edits and appends); live is what
// the current listen produced. Every listen gets a new epoch and events
// tagged with an older epoch are stale.
type transcriptAggregator struct {
	mu        sync.Mutex
	mode      domain.CaptureMode
	baseline  string
	live      string
	listening bool
	epoch     uint64

	utterances map[string]domain.UtteranceView
	completed  []string
}

func newTranscriptAggregator(initial string) *transcriptAggregator {
	return &transcriptAggregator{
		baseline:   initial,
		utterances: make(map[string]domain.UtteranceView),
	}
}

// Begin opens a new listening epoch and returns it.
func (a *transcriptAggregator) Begin(mode domain.CaptureMode) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epoch++
	a.mode = mode
	a.live = ""
	a.completed = nil
	a.listening = true
	return a.epoch
}

// End folds the displayed transcript into the baseline and closes the
// epoch. It returns the new baseline.
func (a *transcriptAggregator) End() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.listening {
		return a.baseline
	}
	a.baseline = a.displayedLocked()
	a.live = ""
	a.completed = nil
	a.listening = false
	return a.baseline
}

// ApplyLive replaces the live portion with text produced by a continuous
// source. It returns the displayed transcript and false when the event is
// stale.
func (a *transcriptAggregator) ApplyLive(epoch uint64, text string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.currentLocked(epoch) || a.mode != domain.CaptureModeContinuous {
		return "", false
	}
	a.live = text
	return a.displayedLocked(), true
}

// AddUtterance registers a freshly recorded clip as pending.
func (a *transcriptAggregator) AddUtterance(view domain.UtteranceView) {
	a.mu.Lock()
	defer a.mu.Unlock()
	view.Status = domain.UtteranceStatusPending
	a.utterances[view.ID] = view
}

// CompleteUtterance records a clip transcription. The review list is always
// updated; the live text only grows when the result belongs to the current
// epoch, in completion order.
func (a *transcriptAggregator) CompleteUtterance(epoch uint64, id string, text string, failed bool) (domain.UtteranceView, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	view, ok := a.utterances[id]
	if !ok {
		return domain.UtteranceView{}, false
	}
	if failed {
		view.Status = domain.UtteranceStatusFailed
	} else {
		view.Status = domain.UtteranceStatusTranscribed
		view.Text = text
	}
	a.utterances[id] = view

	if !failed && a.currentLocked(epoch) && a.mode == domain.CaptureModeUtterance && strings.TrimSpace(text) != "" {
		a.completed = append(a.completed, text)
		a.live = strings.Join(a.completed, utteranceSeparator)
	}
	return view, true
}

// Edit replaces the baseline with user-typed text.
func (a *transcriptAggregator) Edit(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listening && a.mode == domain.CaptureModeContinuous {
		return ErrTranscriptLocked
	}
	a.baseline = text
	return nil
}

// AppendUtterance appends a transcribed clip to the baseline and returns
// the new displayed transcript.
func (a *transcriptAggregator) AppendUtterance(id string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listening && a.mode == domain.CaptureModeContinuous {
		return "", ErrTranscriptLocked
	}
	view, ok := a.utterances[id]
	if !ok {
		return "", ErrUnknownUtterance
	}
	if view.Status != domain.UtteranceStatusTranscribed || strings.TrimSpace(view.Text) == "" {
		return "", ErrUtteranceNotReady
	}
	a.baseline = joinNonEmpty(utteranceSeparator, a.baseline, view.Text)
	view.Appended = true
	a.utterances[id] = view
	return a.displayedLocked(), nil
}

// Displayed returns the transcript shown in the editable field.
func (a *transcriptAggregator) Displayed() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.displayedLocked()
}

// Live returns the text produced by the current listen.
func (a *transcriptAggregator) Live() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Utterances lists clips ordered by capture sequence.
func (a *transcriptAggregator) Utterances() []domain.UtteranceView {
	a.mu.Lock()
	defer a.mu.Unlock()
	views := lo.Values(a.utterances)
	sort.Slice(views, func(i, j int) bool { return views[i].Seq < views[j].Seq })
	return views
}

func (a *transcriptAggregator) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

func (a *transcriptAggregator) currentLocked(epoch uint64) bool {
	return a.listening && epoch == a.epoch
}

func (a *transcriptAggregator) displayedLocked() string {
	if a.mode == domain.CaptureModeContinuous {
		return joinNonEmpty(continuousSeparator, a.baseline, a.live)
	}
	return a.baseline
}

func joinNonEmpty(sep string, parts ...string) string {
	return strings.Join(lo.Filter(parts, func(p string, _ int) bool {
		return strings.TrimSpace(p) != ""
	}), sep)
}
