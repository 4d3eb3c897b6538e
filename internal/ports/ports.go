package ports

import (
	"context"
	"errors"
	"io"

	"carescribe/internal/domain"
)

var (
	// ErrMicrophoneUnavailable is wrapped by Microphone implementations when
	// the device cannot be opened (permission denied, device busy or absent).
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	// ErrUnsupported is returned by capabilities that do not exist in the
	// current runtime.
	ErrUnsupported = errors.New("capability not supported")
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioStream is a live microphone stream. Stop releases the device and is
// safe to call more than once.
type AudioStream interface {
	io.Reader
	Stop() error
}

// Microphone opens capture streams.
type Microphone interface {
	Open(ctx context.Context, cfg AudioConfig) (AudioStream, error)
}

// VADHandler receives voice-activity boundaries and the audio frames that
// were analysed, in stream order.
type VADHandler interface {
	SpeechStart()
	SpeechEnd()
	Audio(frame []byte)
}

// VADMonitor is a running voice-activity monitor. Stop is idempotent.
type VADMonitor interface {
	Stop() error
}

// VoiceActivityDetector watches a stream for speech boundaries.
type VoiceActivityDetector interface {
	Monitor(ctx context.Context, stream AudioStream, handler VADHandler) (VADMonitor, error)
}

// ClipEncoder wraps the raw PCM of one utterance into a playable blob.
type ClipEncoder interface {
	EncodeClip(pcm []byte) (blob []byte, mimeType string, err error)
}

// ClipTranscriber converts one recorded utterance into text.
type ClipTranscriber interface {
	TranscribeClip(ctx context.Context, clip domain.Utterance) (string, error)
}

// LiveConfig describes continuous recognition settings.
type LiveConfig struct {
	Locale         string
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
	ChunkSize      int
}

// LiveSession is an active continuous recognition session. Events is closed
// once the session has fully stopped.
type LiveSession interface {
	Events() <-chan domain.TranscriptEvent
	Stop() error
	Err() error
}

// LiveRecognizer starts continuous recognition over a microphone stream.
type LiveRecognizer interface {
	Listen(ctx context.Context, stream AudioStream, cfg LiveConfig) (LiveSession, error)
}

// TranscriptStore persists the transcript of a record.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, sessionID string, text string) error
}

// TranscriptReader loads a persisted transcript.
type TranscriptReader interface {
	LoadTranscript(ctx context.Context, sessionID string) (string, error)
}

// FieldExtractor turns the persisted transcript of a record into structured
// form fields.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, sessionID string) (domain.ExtractionResult, error)
}

// URLRegistry hands out playback URLs for recorded clips.
type URLRegistry interface {
	Create(id string, blob []byte, mimeType string) string
	Revoke(url string)
}

// TextNormalizer rewrites recognized text before it joins the transcript.
type TextNormalizer interface {
	Apply(text string) (string, error)
}

// EventSink emits session state and events to the UI.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	TranscriptChanged(text string)
	UtteranceReady(view domain.UtteranceView)
	UtteranceTranscribed(view domain.UtteranceView)
	ExtractionPhaseChanged(phase domain.ExtractionPhase)
	ExtractionApplied(result domain.ExtractionResult, changed []string)
	SessionError(code domain.ErrorCode, detail string)
}
