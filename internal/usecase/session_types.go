package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"carescribe/internal/domain"
	"carescribe/internal/ports"
)

// Dependencies are the collaborators of a capture session.
type Dependencies struct {
	Microphone  ports.Microphone
	VAD         ports.VoiceActivityDetector
	Encoder     ports.ClipEncoder
	Transcriber ports.ClipTranscriber
	// Recognizer may be nil when continuous recognition is unavailable.
	Recognizer ports.LiveRecognizer
	Store      ports.TranscriptStore
	Extractor  ports.FieldExtractor
	URLs       ports.URLRegistry
	Normalizer ports.TextNormalizer
	Events     ports.EventSink
	Observer   RunObserver
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Config controls capture and extraction behavior.
type Config struct {
	Audio       ports.AudioConfig
	Live        ports.LiveConfig
	Coordinator CoordinatorConfig
}

// listenSession is one start..stop span of microphone capture.
type listenSession struct {
	mode   domain.CaptureMode
	epoch  uint64
	stream ports.AudioStream
	source transcriptSource
	cancel context.CancelFunc
}
