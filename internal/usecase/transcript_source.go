package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carescribe/internal/domain"
	"carescribe/internal/ports"
)

const liveDrainTimeout = 4 * time.Second

// transcriptSource produces transcript text for one listening epoch.
type transcriptSource interface {
	Start(ctx context.Context, stream ports.AudioStream) error
	// StopMonitoring stops producing new text. Work already in flight may
	// still complete and is judged stale by the aggregator.
	StopMonitoring() error
	// Close cancels in-flight work and waits for it to return.
	Close()
}

// sourceSink receives source output. Every callback carries the epoch it
// was produced under.
type sourceSink interface {
	liveText(epoch uint64, text string)
	utteranceReady(epoch uint64, utterance domain.Utterance)
	utteranceTranscribed(epoch uint64, id string, text string, err error)
	sourceError(code domain.ErrorCode, err error)
	isClosed() bool
}

func normalizeText(normalizer ports.TextNormalizer, logger zerolog.Logger, text string) string {
	text = strings.TrimSpace(text)
	if normalizer == nil || text == "" {
		return text
	}
	normalized, err := normalizer.Apply(text)
	if err != nil {
		logger.Warn().Err(err).Msg("vocabulary rules failed, keeping recognized text")
		return text
	}
	return strings.TrimSpace(normalized)
}

// utteranceSource records one clip per utterance and transcribes each clip
// independently. Results may complete out of order.
type utteranceSource struct {
	epoch       uint64
	recorder    *utteranceRecorder
	transcriber ports.ClipTranscriber
	normalizer  ports.TextNormalizer
	sink        sourceSink
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newUtteranceSource(
	epoch uint64,
	deps Dependencies,
	sink sourceSink,
	logger zerolog.Logger,
) *utteranceSource {
	s := &utteranceSource{
		epoch:       epoch,
		transcriber: deps.Transcriber,
		normalizer:  deps.Normalizer,
		sink:        sink,
		logger:      logger,
	}
	s.recorder = newUtteranceRecorder(
		deps.VAD,
		deps.Encoder,
		deps.URLs,
		deps.Now,
		s.onUtterance,
		func(err error) { sink.sourceError(domain.ErrorCodeAudio, err) },
	)
	return s
}

func (s *utteranceSource) Start(ctx context.Context, stream ports.AudioStream) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := s.recorder.Start(ctx, stream); err != nil {
		s.cancel()
		return err
	}
	return nil
}

func (s *utteranceSource) StopMonitoring() error {
	return s.recorder.StopMonitoring()
}

func (s *utteranceSource) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Release revokes the playback URLs of every recorded clip.
func (s *utteranceSource) Release() {
	s.recorder.Release()
}

func (s *utteranceSource) onUtterance(utterance domain.Utterance) {
	// Clips cut while the session closes are revoked with the rest and
	// never transcribed.
	if s.sink.isClosed() {
		return
	}
	s.sink.utteranceReady(s.epoch, utterance)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		text, err := s.transcriber.TranscribeClip(s.ctx, utterance)
		if err != nil {
			s.logger.Warn().Err(err).Str("utterance_id", utterance.ID).Uint64("seq", utterance.Seq).Msg("clip transcription failed")
			s.sink.utteranceTranscribed(s.epoch, utterance.ID, "", err)
			return
		}
		s.sink.utteranceTranscribed(s.epoch, utterance.ID, normalizeText(s.normalizer, s.logger, text), nil)
	}()
}

// continuousSource wraps a live recognizer. Every event re-emits the whole
// live portion: committed finals plus the latest partial.
type continuousSource struct {
	epoch      uint64
	recognizer ports.LiveRecognizer
	cfg        ports.LiveConfig
	normalizer ports.TextNormalizer
	sink       sourceSink
	logger     zerolog.Logger

	session ports.LiveSession
	done    chan struct{}

	mu         sync.Mutex
	finals     []string
	lastSpoken string
}

func newContinuousSource(
	epoch uint64,
	deps Dependencies,
	cfg ports.LiveConfig,
	sink sourceSink,
	logger zerolog.Logger,
) *continuousSource {
	return &continuousSource{
		epoch:      epoch,
		recognizer: deps.Recognizer,
		cfg:        cfg,
		normalizer: deps.Normalizer,
		sink:       sink,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (s *continuousSource) Start(ctx context.Context, stream ports.AudioStream) error {
	if s.recognizer == nil {
		close(s.done)
		return ports.ErrUnsupported
	}
	session, err := s.recognizer.Listen(ctx, stream, s.cfg)
	if err != nil {
		close(s.done)
		return err
	}
	s.session = session
	go s.consume()
	return nil
}

func (s *continuousSource) consume() {
	defer close(s.done)

	for event := range s.session.Events() {
		live, ok := s.add(event)
		if !ok {
			continue
		}
		s.sink.liveText(s.epoch, normalizeText(s.normalizer, s.logger, live))
	}

	if err := s.session.Err(); err != nil {
		s.sink.sourceError(domain.ErrorCodeTranscription, err)
	}
}

func (s *continuousSource) add(event domain.TranscriptEvent) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := strings.TrimSpace(event.Text)
	if text == "" {
		return "", false
	}
	if event.Kind == domain.TranscriptKindFinal {
		s.finals = append(s.finals, text)
		s.lastSpoken = ""
	} else {
		s.lastSpoken = text
	}
	return joinNonEmpty(continuousSeparator, strings.Join(s.finals, continuousSeparator), s.lastSpoken), true
}

func (s *continuousSource) StopMonitoring() error {
	if s.session == nil {
		return nil
	}
	stopErr := s.session.Stop()

	select {
	case <-s.done:
	case <-time.After(liveDrainTimeout):
		return errors.Join(stopErr, fmt.Errorf("live recognizer did not drain within %s", liveDrainTimeout))
	}
	return stopErr
}

func (s *continuousSource) Close() {
	_ = s.StopMonitoring()
}
