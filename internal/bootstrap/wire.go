package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"carescribe/internal/audio"
	"carescribe/internal/config"
	"carescribe/internal/forms"
	"carescribe/internal/metrics"
	"carescribe/internal/playback"
	"carescribe/internal/ports"
	"carescribe/internal/providers/deepgram"
	"carescribe/internal/providers/openai"
	"carescribe/internal/providers/records"
	"carescribe/internal/providers/redisstore"
	"carescribe/internal/rules"
	"carescribe/internal/usecase"
)

// Services is the assembled runtime graph. Sessions are opened from it one
// record at a time.
type Services struct {
	Config   config.Config
	Forms    *forms.Registry
	Metrics  *metrics.Metrics
	Playback *playback.Server
	Clips    *playback.Registry

	logger zerolog.Logger
	deps   usecase.Dependencies
	reader ports.TranscriptReader
	// records is set when the records backend serves extraction.
	records *records.Client
	closers []func() error
}

// Build wires all backend dependencies for cfg. events receives every
// session's state changes.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, events ports.EventSink) (*Services, error) {
	if events == nil {
		return nil, errors.New("event sink is required")
	}
	if cfg.Extractor.Backend == "records" && cfg.Store.Backend != "records" {
		return nil, fmt.Errorf("records extractor reads transcripts saved by the records store, not %q", cfg.Store.Backend)
	}

	s := &Services{Config: cfg, Forms: forms.NewRegistry(), logger: logger}
	if err := s.Forms.LoadFile(cfg.Forms.Path); err != nil {
		return nil, err
	}

	normalizer, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return nil, err
	}

	vad, err := audio.NewEnergyVAD(audio.VADConfig{
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		Threshold:    cfg.VAD.Threshold,
		FrameMs:      cfg.VAD.FrameMs,
		MinSpeechMs:  cfg.VAD.MinSpeechMs,
		MinSilenceMs: cfg.VAD.MinSilenceMs,
	}, logger)
	if err != nil {
		return nil, err
	}

	var transcriber ports.ClipTranscriber = openai.NewTranscriber(openaiConfig(cfg), logger)
	var observer usecase.RunObserver
	if cfg.Metrics.Enabled {
		s.Metrics = metrics.New()
		transcriber = metrics.InstrumentTranscriber(transcriber, s.Metrics)
		observer = s.Metrics
	}

	var recognizer ports.LiveRecognizer
	if strings.TrimSpace(cfg.Deepgram.APIKey) != "" {
		recognizer = deepgram.NewRecognizer(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Session.Locale,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}, logger)
	} else {
		logger.Warn().Msg("no deepgram key configured, continuous capture is unavailable")
	}

	store, err := s.buildStore(ctx, cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.Clips = playback.NewRegistry(cfg.Playback.PublicURL)
	if cfg.Playback.Enabled || cfg.Metrics.Enabled {
		s.Playback = newPlaybackServer(cfg, s.Clips, s.Metrics, logger)
		if err := s.Playback.Start(); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() error { return s.Playback.Stop(context.Background()) })
	}

	s.deps = usecase.Dependencies{
		Microphone:  audio.NewFFMPEGMicrophone(cfg.Audio.Command),
		VAD:         vad,
		Encoder:     audio.NewWAVEncoder(cfg.Audio.SampleRate, cfg.Audio.Channels),
		Transcriber: transcriber,
		Recognizer:  recognizer,
		Store:       store,
		URLs:        s.Clips,
		Normalizer:  normalizer,
		Events:      events,
		Observer:    observer,
		Logger:      logger,
	}
	return s, nil
}

func (s *Services) buildStore(ctx context.Context, cfg config.Config) (ports.TranscriptStore, error) {
	switch cfg.Store.Backend {
	case "redis":
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.reader = store
		s.closers = append(s.closers, store.Close)
		return store, nil
	default:
		client, err := records.NewClient(records.Config{
			BaseURL: cfg.Records.BaseURL,
			Token:   cfg.Records.Token,
			Timeout: cfg.Records.Timeout,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.reader = client
		s.records = client
		return client, nil
	}
}

// OpenSession starts a capture session for one record. The persisted
// transcript becomes the baseline so saves never drop earlier text.
func (s *Services) OpenSession(ctx context.Context, sessionID, formName string) (*usecase.CaptureController, error) {
	schema, err := s.Forms.Lookup(formName)
	if err != nil {
		return nil, err
	}

	extractor, err := s.extractorFor(schema)
	if err != nil {
		return nil, err
	}

	baseline, err := s.reader.LoadTranscript(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript for %s: %w", sessionID, err)
	}

	deps := s.deps
	deps.Extractor = extractor
	return usecase.NewCaptureController(deps, s.sessionConfig(), sessionID, baseline, forms.NewFormState(schema, nil)), nil
}

func (s *Services) extractorFor(schema forms.Schema) (ports.FieldExtractor, error) {
	if s.Config.Extractor.Backend == "openai" {
		return openai.NewExtractor(openaiConfig(s.Config), schema, s.reader, s.logger)
	}
	if s.records == nil {
		return nil, errors.New("records extractor requires the records store")
	}
	return s.records, nil
}

func (s *Services) sessionConfig() usecase.Config {
	cfg := s.Config
	return usecase.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		Live: ports.LiveConfig{
			Locale:         cfg.Session.Locale,
			SampleRate:     cfg.Audio.SampleRate,
			Channels:       cfg.Audio.Channels,
			Encoding:       "linear16",
			InterimResults: cfg.Session.InterimResults,
			ChunkSize:      cfg.Audio.ChunkSize,
		},
		Coordinator: usecase.CoordinatorConfig{
			Debounce:         cfg.Session.Debounce,
			FallbackInterval: cfg.Session.Fallback,
			CallTimeout:      cfg.Session.CallTimeout,
		},
	}
}

// Close releases shared backends in reverse order of creation.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openaiConfig(cfg config.Config) openai.Config {
	return openai.Config{
		APIKey:          cfg.OpenAI.APIKey,
		BaseURL:         cfg.OpenAI.BaseURL,
		TranscribeModel: cfg.OpenAI.TranscribeModel,
		ExtractModel:    cfg.OpenAI.ExtractModel,
		Language:        cfg.OpenAI.Language,
		Timeout:         cfg.OpenAI.Timeout,
	}
}

func newPlaybackServer(cfg config.Config, clips *playback.Registry, m *metrics.Metrics, logger zerolog.Logger) *playback.Server {
	if m == nil {
		return playback.NewServer(cfg.Playback.Addr, clips, nil, logger)
	}
	return playback.NewServer(cfg.Playback.Addr, clips, m.Registry(), logger)
}
