package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"carescribe/internal/domain"
	"carescribe/internal/ports"
)

const (
	defaultChunkSize = 4096
	drainTimeout     = 4 * time.Second
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

// Recognizer implements ports.LiveRecognizer over the Deepgram listen API.
type Recognizer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger
}

func NewRecognizer(cfg Config, logger zerolog.Logger) *Recognizer {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Recognizer{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger.With().Str("component", "deepgram").Logger(),
	}
}

// Listen connects to Deepgram and streams audio read from stream until the
// session is stopped or the stream ends.
func (r *Recognizer) Listen(ctx context.Context, stream ports.AudioStream, cfg ports.LiveConfig) (ports.LiveSession, error) {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return nil, errors.New("deepgram api key is not configured")
	}

	wsURL, err := buildListenURL(r.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, _, err := r.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Deepgram websocket")
	}

	session := &liveSession{
		conn:    conn,
		events:  make(chan domain.TranscriptEvent, 64),
		audio:   make(chan []byte, 32),
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
		logger:  r.logger,
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		close(session.done)
		_ = conn.Close()
	}()

	chunkSize := cfg.ChunkSize
	if chunkSize < 256 {
		chunkSize = defaultChunkSize
	}
	go session.pump(stream, chunkSize)

	go func() {
		select {
		case <-ctx.Done():
			session.abort()
		case <-session.done:
		}
	}()

	r.logger.Debug().Str("locale", cfg.Locale).Msg("live recognition started")
	return session, nil
}

type liveSession struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	events chan domain.TranscriptEvent
	audio  chan []byte
	done   chan struct{}
	// aborted is closed when the session is torn down without draining.
	aborted chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	abortOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *liveSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

// Stop asks Deepgram to flush pending results and waits for the stream to
// drain. A session that does not drain in time is torn down.
func (s *liveSession) Stop() error {
	_ = s.closeSend()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn().Dur("timeout", drainTimeout).Msg("deepgram stream did not drain, closing")
		s.abort()
		<-s.done
	}
	return s.Err()
}

func (s *liveSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// pump copies microphone audio into the websocket until the stream ends or
// the send side closes.
func (s *liveSession) pump(stream io.Reader, chunkSize int) {
	buf := make([]byte, chunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if sendErr := s.sendAudio(buf[:n]); sendErr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isSendClosed() {
				s.setErr(errors.Wrap(err, "audio capture error"))
			}
			_ = s.closeSend()
			return
		}
	}
}

func (s *liveSession) sendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

func (s *liveSession) isSendClosed() bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.sendClosed
}

func (s *liveSession) closeSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *liveSession) abort() {
	s.abortOnce.Do(func() {
		if s.aborted != nil {
			close(s.aborted)
		}
		_ = s.closeSend()
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *liveSession) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(errors.Cause(err),
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *liveSession) writeLoop() {
	defer s.wg.Done()

	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.setErr(errors.Wrap(err, "failed to send audio"))
			return
		}
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(errors.Wrap(err, "failed to close stream"))
	}
}

func (s *liveSession) readLoop() {
	defer s.wg.Done()
	defer func() { _ = s.closeSend() }()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.isSendClosed() && isClosedConnErr(err) {
				return
			}
			s.setErr(errors.Wrap(err, "failed to read provider event"))
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			return
		}

		transcript := extractTranscript(response)
		if transcript == "" {
			continue
		}

		event := domain.TranscriptEvent{Text: transcript, Kind: domain.TranscriptKindPartial}
		if response.IsFinal || response.SpeechFinal {
			event.Kind = domain.TranscriptKindFinal
		}
		s.emit(event)
	}
}

// emit drops partials when the consumer is behind, since the next partial
// or final supersedes them. Finals wait for the consumer until the session
// is aborted.
func (s *liveSession) emit(event domain.TranscriptEvent) {
	if event.Kind == domain.TranscriptKindFinal {
		select {
		case s.events <- event:
		case <-s.aborted:
			s.logger.Warn().Msg("dropping final transcript, session aborted")
		}
		return
	}

	select {
	case s.events <- event:
	default:
		s.logger.Debug().Msg("dropping partial transcript, consumer is behind")
	}
}

func isClosedConnErr(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(response.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(providerCfg Config, liveCfg ports.LiveConfig) (string, error) {
	base := strings.TrimSpace(providerCfg.APIBaseURL)
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", errors.Wrap(err, "invalid Deepgram API base URL")
	}

	if liveCfg.Encoding == "" {
		liveCfg.Encoding = "linear16"
	}
	if liveCfg.SampleRate <= 0 {
		liveCfg.SampleRate = 16000
	}
	if liveCfg.Channels <= 0 {
		liveCfg.Channels = 1
	}
	language := providerCfg.Language
	if liveCfg.Locale != "" {
		language = liveCfg.Locale
	}

	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	query.Set("encoding", liveCfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", liveCfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", liveCfg.Channels))
	query.Set("interim_results", fmt.Sprintf("%t", liveCfg.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", providerCfg.SmartFormat))
	if language != "" {
		query.Set("language", language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
