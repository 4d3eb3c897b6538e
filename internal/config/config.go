package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"carescribe/internal/logging"
)

// EnvPrefix namespaces every environment override, for example
// CARESCRIBE_SESSION_DEBOUNCE=1500ms.
const EnvPrefix = "CARESCRIBE"

// Config stores runtime configuration for a capture session.
type Config struct {
	Session   SessionConfig  `mapstructure:"session"`
	Audio     AudioConfig    `mapstructure:"audio"`
	VAD       VADConfig      `mapstructure:"vad"`
	Deepgram  DeepgramConfig `mapstructure:"deepgram"`
	OpenAI    OpenAIConfig   `mapstructure:"openai"`
	Records   RecordsConfig  `mapstructure:"records"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Store     BackendConfig  `mapstructure:"store"`
	Extractor BackendConfig  `mapstructure:"extractor"`
	Rules     RulesConfig    `mapstructure:"rules"`
	Forms     FormsConfig    `mapstructure:"forms"`
	Playback  PlaybackConfig `mapstructure:"playback"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	Logging   logging.Config `mapstructure:"logging"`
}

type SessionConfig struct {
	Mode           string        `mapstructure:"mode" validate:"oneof=continuous utterance"`
	Locale         string        `mapstructure:"locale" validate:"required"`
	Form           string        `mapstructure:"form" validate:"required"`
	Debounce       time.Duration `mapstructure:"debounce" validate:"gt=0"`
	Fallback       time.Duration `mapstructure:"fallback" validate:"gt=0"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" validate:"gte=0"`
	InterimResults bool          `mapstructure:"interim_results"`
}

type AudioConfig struct {
	Command     string `mapstructure:"command" validate:"required"`
	InputFormat string `mapstructure:"input_format" validate:"required"`
	InputDevice string `mapstructure:"input_device" validate:"required"`
	SampleRate  int    `mapstructure:"sample_rate" validate:"min=8000,max=48000"`
	Channels    int    `mapstructure:"channels" validate:"min=1,max=2"`
	ChunkSize   int    `mapstructure:"chunk_size" validate:"min=256"`
}

type VADConfig struct {
	Threshold    float64 `mapstructure:"threshold" validate:"gt=0,lt=1"`
	FrameMs      int     `mapstructure:"frame_ms" validate:"min=10,max=100"`
	MinSpeechMs  int     `mapstructure:"min_speech_ms" validate:"min=0"`
	MinSilenceMs int     `mapstructure:"min_silence_ms" validate:"min=0"`
}

type DeepgramConfig struct {
	APIKey      string `mapstructure:"api_key"`
	APIBaseURL  string `mapstructure:"api_base" validate:"required,url"`
	Model       string `mapstructure:"model" validate:"required"`
	SmartFormat bool   `mapstructure:"smart_format"`
}

type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url" validate:"omitempty,url"`
	TranscribeModel string        `mapstructure:"transcribe_model" validate:"required"`
	ExtractModel    string        `mapstructure:"extract_model" validate:"required"`
	Language        string        `mapstructure:"language"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type RecordsConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" validate:"required,hostname_port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"min=0"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// BackendConfig selects which adapter serves a port.
type BackendConfig struct {
	Backend string `mapstructure:"backend" validate:"required"`
}

type RulesConfig struct {
	Path string `mapstructure:"path"`
}

type FormsConfig struct {
	Path string `mapstructure:"path"`
}

type PlaybackConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required,hostname_port"`
	// PublicURL prefixes clip URLs. Defaults to http://<addr>.
	PublicURL string `mapstructure:"public_url" validate:"omitempty,url"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type options struct {
	configFile string
	envFile    string
}

// Option customizes Load.
type Option func(*options)

// WithConfigFile reads a YAML file before applying environment overrides.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configFile = path }
}

// WithEnvFile loads a dotenv file into the process environment first.
// Variables already set win.
func WithEnvFile(path string) Option {
	return func(o *options) { o.envFile = path }
}

// Load resolves configuration from defaults, an optional YAML file, a .env
// file and CARESCRIBE_* environment variables, in increasing precedence.
func Load(opts ...Option) (Config, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	envFile := o.envFile
	if envFile == "" && fileExists(".env") {
		envFile = ".env"
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("failed to load env file %q: %w", envFile, err)
		}
	}

	v := viper.New()
	if err := setDefaults(v); err != nil {
		return Config{}, err
	}

	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", o.configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Provider keys are commonly exported without the prefix.
	if err := v.BindEnv("deepgram.api_key", EnvPrefix+"_DEEPGRAM_API_KEY", "DEEPGRAM_API_KEY"); err != nil {
		return Config{}, err
	}
	if err := v.BindEnv("openai.api_key", EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Playback.PublicURL == "" {
		cfg.Playback.PublicURL = "http://" + cfg.Playback.Addr
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and backend selections.
func Validate(cfg Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch cfg.Store.Backend {
	case "records", "redis":
	default:
		return fmt.Errorf("invalid config: store backend %q (want records or redis)", cfg.Store.Backend)
	}
	switch cfg.Extractor.Backend {
	case "records", "openai":
	default:
		return fmt.Errorf("invalid config: extractor backend %q (want records or openai)", cfg.Extractor.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return errors.New("could not determine home directory")
	}

	defaults := map[string]any{
		"session.mode":            "continuous",
		"session.locale":          "ja-JP",
		"session.form":            "assessment",
		"session.debounce":        2 * time.Second,
		"session.fallback":        30 * time.Second,
		"session.call_timeout":    45 * time.Second,
		"session.interim_results": true,

		"audio.command":      "ffmpeg",
		"audio.input_format": "pulse",
		"audio.input_device": "default",
		"audio.sample_rate":  16000,
		"audio.channels":     1,
		"audio.chunk_size":   4096,

		"vad.threshold":      0.02,
		"vad.frame_ms":       30,
		"vad.min_speech_ms":  90,
		"vad.min_silence_ms": 600,

		"deepgram.api_key":      "",
		"deepgram.api_base":     "https://api.deepgram.com/v1",
		"deepgram.model":        "nova-2",
		"deepgram.smart_format": true,

		"openai.api_key":          "",
		"openai.base_url":         "",
		"openai.transcribe_model": "whisper-1",
		"openai.extract_model":    "gpt-4o-mini",
		"openai.language":         "ja",
		"openai.timeout":          60 * time.Second,

		"records.base_url": "",
		"records.token":    "",
		"records.timeout":  30 * time.Second,

		"redis.addr":     "127.0.0.1:6379",
		"redis.password": "",
		"redis.db":       0,
		"redis.prefix":   "carescribe:transcript:",
		"redis.ttl":      time.Duration(0),

		"store.backend":     "records",
		"extractor.backend": "records",

		"rules.path": firstExisting(
			filepath.Join(home, ".config", "carescribe", "vocabulary.yaml"),
			"vocabulary.yaml",
		),
		"forms.path": firstExisting(
			filepath.Join(home, ".config", "carescribe", "forms.yaml"),
			"forms.yaml",
		),

		"playback.enabled":    false,
		"playback.addr":       "127.0.0.1:8089",
		"playback.public_url": "",
		"metrics.enabled":     false,

		"logging.level":     "info",
		"logging.format":    "console",
		"logging.output":    "stderr",
		"logging.timestamp": true,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return nil
}

// firstExisting returns the first path that exists, else the first path.
func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p != "" && fileExists(p) {
			return p
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
