package openai

import (
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
)

const defaultTimeout = 60 * time.Second

// Config controls the OpenAI-compatible endpoints used for clip
// transcription and field extraction.
type Config struct {
	APIKey           string
	BaseURL          string
	TranscribeModel  string
	ExtractModel     string
	Language         string
	Timeout          time.Duration
	ExtractionPrompt string
}

func (c Config) withDefaults() Config {
	if c.TranscribeModel == "" {
		c.TranscribeModel = goopenai.Whisper1
	}
	if c.ExtractModel == "" {
		c.ExtractModel = goopenai.GPT4oMini
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

func newClient(cfg Config) *goopenai.Client {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return goopenai.NewClientWithConfig(clientCfg)
}
