package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"carescribe/internal/domain"
)

// consoleSink prints session events as single lines.
type consoleSink struct {
	mu  sync.Mutex
	out io.Writer
	// lastTranscript suppresses repeated transcript lines.
	lastTranscript string
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out}
}

func (s *consoleSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

// SessionStateChanged prints lifecycle updates.
func (s *consoleSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	msg := sessionReasonMessage(reason)
	if msg == "" {
		msg = string(reason)
	}
	s.printf("[%s] %s", state, msg)
}

// TranscriptChanged prints the displayed transcript when it changes.
func (s *consoleSink) TranscriptChanged(text string) {
	s.mu.Lock()
	if text == s.lastTranscript {
		s.mu.Unlock()
		return
	}
	s.lastTranscript = text
	s.mu.Unlock()
	s.printf("transcript: %s", text)
}

func (s *consoleSink) UtteranceReady(view domain.UtteranceView) {
	s.printf("utterance #%d recorded (%s) %s", view.Seq, view.ID, view.URL)
}

func (s *consoleSink) UtteranceTranscribed(view domain.UtteranceView) {
	if view.Status == domain.UtteranceStatusFailed {
		s.printf("utterance #%d transcription failed", view.Seq)
		return
	}
	s.printf("utterance #%d (%s): %s", view.Seq, view.ID, view.Text)
}

func (s *consoleSink) ExtractionPhaseChanged(phase domain.ExtractionPhase) {
	if msg := phaseMessage(phase); msg != "" {
		s.printf("extraction: %s", msg)
	}
}

// ExtractionApplied lists the fields that changed on the form.
func (s *consoleSink) ExtractionApplied(result domain.ExtractionResult, changed []string) {
	if len(changed) == 0 {
		s.printf("extraction: no field changes")
		return
	}
	sorted := append([]string(nil), changed...)
	sort.Strings(sorted)
	parts := make([]string, 0, len(sorted))
	for _, name := range sorted {
		parts = append(parts, fmt.Sprintf("%s=%s", name, result.Fields[name].String()))
	}
	s.printf("extraction: updated %s", strings.Join(parts, ", "))
}

// SessionError prints user-facing errors.
func (s *consoleSink) SessionError(code domain.ErrorCode, detail string) {
	msg := errorMessage(code, detail)
	if detail != "" && detail != msg {
		s.printf("error: %s (%s)", msg, detail)
		return
	}
	s.printf("error: %s", msg)
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonOpened:
		return "Session opened"
	case domain.SessionReasonListeningStarted:
		return "Listening"
	case domain.SessionReasonListeningStopped:
		return "Listening stopped"
	case domain.SessionReasonMicrophoneDenied:
		return "Microphone access denied"
	case domain.SessionReasonCaptureUnsupported:
		return "Continuous recognition is not available; use utterance mode"
	case domain.SessionReasonRecognizerFailed:
		return "Speech recognition failed"
	case domain.SessionReasonAudioFailed:
		return "Audio processing could not start"
	case domain.SessionReasonUnmounted:
		return "Session closed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodePermission:
		return "Microphone unavailable"
	case domain.ErrorCodeUnsupported:
		return "Capture mode not supported"
	case domain.ErrorCodePersist:
		return "Saving the transcript failed"
	case domain.ErrorCodeExtract:
		return "Field extraction failed"
	case domain.ErrorCodeBusy:
		return "Extraction already running, try again shortly"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeAudio:
		return "Audio capture issue"
	case domain.ErrorCodeTeardown:
		return "Cleanup issue"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

func phaseMessage(phase domain.ExtractionPhase) string {
	switch phase {
	case domain.ExtractionPhaseDebouncing:
		return "waiting for a pause"
	case domain.ExtractionPhasePersisting:
		return "saving transcript"
	case domain.ExtractionPhaseExtracting:
		return "extracting fields"
	default:
		return ""
	}
}
