package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"carescribe/internal/config"
	"carescribe/internal/domain"
	"carescribe/internal/logging"
)

type noopEventSink struct{}

func (noopEventSink) SessionStateChanged(domain.SessionState, domain.SessionStateReason) {}
func (noopEventSink) TranscriptChanged(string)                                         {}
func (noopEventSink) UtteranceReady(domain.UtteranceView)                              {}
func (noopEventSink) UtteranceTranscribed(domain.UtteranceView)                        {}
func (noopEventSink) ExtractionPhaseChanged(domain.ExtractionPhase)                    {}
func (noopEventSink) ExtractionApplied(domain.ExtractionResult, []string)              {}
func (noopEventSink) SessionError(domain.ErrorCode, string)                            {}

func testConfig(t *testing.T, recordsURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Session: config.SessionConfig{
			Mode:        "continuous",
			Locale:      "ja-JP",
			Form:        "assessment",
			Debounce:    time.Hour,
			Fallback:    time.Hour,
			CallTimeout: time.Second,
		},
		Audio: config.AudioConfig{
			Command: "ffmpeg", InputFormat: "pulse", InputDevice: "default",
			SampleRate: 16000, Channels: 1, ChunkSize: 4096,
		},
		VAD:       config.VADConfig{Threshold: 0.02, FrameMs: 30, MinSpeechMs: 90, MinSilenceMs: 600},
		Deepgram:  config.DeepgramConfig{APIBaseURL: "https://api.deepgram.com/v1", Model: "nova-2"},
		OpenAI:    config.OpenAIConfig{TranscribeModel: "whisper-1", ExtractModel: "gpt-4o-mini", Timeout: time.Second},
		Records:   config.RecordsConfig{BaseURL: recordsURL, Timeout: time.Second},
		Redis:     config.RedisConfig{Addr: "127.0.0.1:6379", Prefix: "test:"},
		Store:     config.BackendConfig{Backend: "records"},
		Extractor: config.BackendConfig{Backend: "records"},
		Rules:     config.RulesConfig{Path: filepath.Join(dir, "vocabulary.yaml")},
		Forms:     config.FormsConfig{Path: filepath.Join(dir, "forms.yaml")},
		Playback:  config.PlaybackConfig{Addr: "127.0.0.1:0", PublicURL: "http://127.0.0.1:0"},
		Logging:   logging.Config{Level: "debug", Format: "json"},
	}
}

func recordsBackend(t *testing.T, transcript string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/assessments/u1/transcription" {
			_ = json.NewEncoder(w).Encode(map[string]string{"transcription": transcript})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func build(t *testing.T, cfg config.Config) *Services {
	t.Helper()
	services, err := Build(context.Background(), cfg, zerolog.Nop(), noopEventSink{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	t.Cleanup(func() { _ = services.Close() })
	return services
}

func TestBuildOpensSessionWithPersistedBaseline(t *testing.T) {
	t.Parallel()

	backend := recordsBackend(t, "earlier notes")
	services := build(t, testConfig(t, backend.URL))

	if services.Playback != nil || services.Metrics != nil {
		t.Fatalf("expected playback and metrics to stay off")
	}
	if names := services.Forms.Names(); len(names) != 2 || names[0] != "assessment" || names[1] != "food-record" {
		t.Fatalf("unexpected forms: %v", names)
	}

	controller, err := services.OpenSession(context.Background(), "assessments/u1", "assessment")
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	t.Cleanup(func() { _ = controller.Close() })

	if got := controller.Transcript(); got != "earlier notes" {
		t.Fatalf("unexpected baseline: %q", got)
	}
	if got := controller.Status().State; got != domain.SessionStateIdle {
		t.Fatalf("unexpected state: %s", got)
	}

	// Without a deepgram key continuous capture is refused up front.
	if err := controller.Start(context.Background(), domain.CaptureModeContinuous); err == nil {
		t.Fatalf("expected continuous capture to be unavailable")
	}
}

func TestOpenSessionFailsWhenBaselineCannotLoad(t *testing.T) {
	t.Parallel()

	backend := recordsBackend(t, "")
	services := build(t, testConfig(t, backend.URL))

	if _, err := services.OpenSession(context.Background(), "assessments/missing", "assessment"); err == nil {
		t.Fatalf("expected missing record to fail")
	}
	if _, err := services.OpenSession(context.Background(), "assessments/u1", "carePlan"); err == nil {
		t.Fatalf("expected unknown form to fail")
	}
}

func TestBuildWithRedisStoreAndOpenAIExtractor(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	mr.HSet("test:assessments/u1", "transcription", "from redis")

	cfg := testConfig(t, "")
	cfg.Store.Backend = "redis"
	cfg.Extractor.Backend = "openai"
	cfg.Redis.Addr = mr.Addr()
	cfg.Metrics.Enabled = true

	services := build(t, cfg)
	if services.Metrics == nil || services.Playback == nil {
		t.Fatalf("expected metrics and playback server")
	}

	controller, err := services.OpenSession(context.Background(), "assessments/u1", "food-record")
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	t.Cleanup(func() { _ = controller.Close() })
	if got := controller.Transcript(); got != "from redis" {
		t.Fatalf("unexpected baseline: %q", got)
	}

	resp, err := http.Get("http://" + services.Playback.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", resp.StatusCode)
	}
}

func TestBuildRejectsInvalidSetups(t *testing.T) {
	t.Parallel()

	backend := recordsBackend(t, "")

	cfg := testConfig(t, backend.URL)
	cfg.Store.Backend = "redis"
	if _, err := Build(context.Background(), cfg, zerolog.Nop(), noopEventSink{}); err == nil {
		t.Fatalf("expected records extractor without records store to fail")
	}

	if _, err := Build(context.Background(), testConfig(t, ""), zerolog.Nop(), noopEventSink{}); err == nil {
		t.Fatalf("expected records store without base url to fail")
	}

	cfg = testConfig(t, backend.URL)
	if err := os.WriteFile(cfg.Rules.Path, []byte("rules:\n  - pattern: '('\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Build(context.Background(), cfg, zerolog.Nop(), noopEventSink{}); err == nil {
		t.Fatalf("expected build error due to invalid rules")
	}

	if _, err := Build(context.Background(), testConfig(t, backend.URL), zerolog.Nop(), nil); err == nil {
		t.Fatalf("expected build error without an event sink")
	}
}

func TestBuildLoadsCustomForms(t *testing.T) {
	t.Parallel()

	backend := recordsBackend(t, "")
	cfg := testConfig(t, backend.URL)
	if err := os.WriteFile(cfg.Forms.Path, []byte(`
forms:
  - name: vitals
    fields:
      - name: temperature
        label: Temperature
        kind: text
`), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	services := build(t, cfg)
	if _, err := services.Forms.Lookup("vitals"); err != nil {
		t.Fatalf("expected custom form to be registered: %v", err)
	}
}
