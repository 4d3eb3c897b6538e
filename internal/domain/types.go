package domain

import "time"

// SessionState models the capture lifecycle of one record view.
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStateListening SessionState = "listening"
	SessionStateStopping  SessionState = "stopping"
	SessionStateClosed    SessionState = "closed"
	SessionStateError     SessionState = "error"
)

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonOpened             SessionStateReason = "opened"
	SessionReasonListeningStarted   SessionStateReason = "listening_started"
	SessionReasonListeningStopped   SessionStateReason = "listening_stopped"
	SessionReasonMicrophoneDenied   SessionStateReason = "microphone_denied"
	SessionReasonCaptureUnsupported SessionStateReason = "capture_unsupported"
	SessionReasonRecognizerFailed   SessionStateReason = "recognizer_failed"
	SessionReasonAudioFailed        SessionStateReason = "audio_failed"
	SessionReasonUnmounted          SessionStateReason = "unmounted"
)

// CaptureMode selects how transcript text is produced while listening.
type CaptureMode string

const (
	// CaptureModeUtterance records one clip per detected utterance and
	// transcribes each clip separately.
	CaptureModeUtterance CaptureMode = "utterance"
	// CaptureModeContinuous streams audio to a live recognizer.
	CaptureModeContinuous CaptureMode = "continuous"
)

// Valid reports whether m is a known capture mode.
func (m CaptureMode) Valid() bool {
	return m == CaptureModeUtterance || m == CaptureModeContinuous
}

// ExtractionPhase is the coordinator's position in the save+extract cycle.
type ExtractionPhase string

const (
	ExtractionPhaseIdle       ExtractionPhase = "idle"
	ExtractionPhaseDebouncing ExtractionPhase = "debouncing"
	ExtractionPhasePersisting ExtractionPhase = "persisting"
	ExtractionPhaseExtracting ExtractionPhase = "extracting"
)

// RunTrigger identifies which path asked for a save+extract run.
type RunTrigger string

const (
	RunTriggerDebounce RunTrigger = "debounce"
	RunTriggerFallback RunTrigger = "fallback"
	RunTriggerManual   RunTrigger = "manual"
	RunTriggerStop     RunTrigger = "stop"
)

// ErrorCode identifies user-visible error categories.
type ErrorCode string

const (
	ErrorCodePermission    ErrorCode = "permission"
	ErrorCodeUnsupported   ErrorCode = "unsupported"
	ErrorCodePersist       ErrorCode = "persist"
	ErrorCodeExtract       ErrorCode = "extract"
	ErrorCodeBusy          ErrorCode = "busy"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeAudio         ErrorCode = "audio"
	ErrorCodeTeardown      ErrorCode = "teardown"
)

// TranscriptKind identifies whether a stream event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental output from a live recognizer.
type TranscriptEvent struct {
	Kind TranscriptKind `json:"kind"`
	Text string         `json:"text"`
}

// Utterance is one recorded clip of continuous speech. It is never mutated
// after the recorder hands it out.
type Utterance struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Audio      []byte    `json:"-"`
	MimeType   string    `json:"mimeType"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"capturedAt"`
}

// UtteranceStatus tracks clip transcription progress.
type UtteranceStatus string

const (
	UtteranceStatusPending     UtteranceStatus = "pending"
	UtteranceStatusTranscribed UtteranceStatus = "transcribed"
	UtteranceStatusFailed      UtteranceStatus = "failed"
)

// UtteranceView is the reviewable form of an utterance shown next to the
// editable transcript.
type UtteranceView struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	URL      string          `json:"url"`
	Status   UtteranceStatus `json:"status"`
	Text     string          `json:"text,omitempty"`
	Appended bool            `json:"appended"`
}

// StopResult is returned once listening has stopped.
type StopResult struct {
	Transcript string `json:"transcript"`
	Extracted  bool   `json:"extracted"`
}

// Status summarizes the current capture session.
type Status struct {
	SessionID           string          `json:"sessionId"`
	State               SessionState    `json:"state"`
	Mode                CaptureMode     `json:"mode,omitempty"`
	Listening           bool            `json:"listening"`
	Phase               ExtractionPhase `json:"phase"`
	ContinuousSupported bool            `json:"continuousSupported"`
	LastRunAt           time.Time       `json:"lastRunAt,omitempty"`
}
