package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"

	"carescribe/internal/domain"
)

// Transcriber implements ports.ClipTranscriber with the audio
// transcriptions endpoint.
type Transcriber struct {
	cfg    Config
	client *goopenai.Client
	logger zerolog.Logger
}

func NewTranscriber(cfg Config, logger zerolog.Logger) *Transcriber {
	cfg = cfg.withDefaults()
	return &Transcriber{
		cfg:    cfg,
		client: newClient(cfg),
		logger: logger.With().Str("component", "whisper").Logger(),
	}
}

// TranscribeClip uploads one recorded utterance and returns its text.
func (t *Transcriber) TranscribeClip(ctx context.Context, clip domain.Utterance) (string, error) {
	if strings.TrimSpace(t.cfg.APIKey) == "" {
		return "", errors.New("openai api key is not configured")
	}
	if len(clip.Audio) == 0 {
		return "", errors.Errorf("utterance %d has no audio", clip.Seq)
	}

	resp, err := t.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    t.cfg.TranscribeModel,
		Reader:   bytes.NewReader(clip.Audio),
		FilePath: clipFileName(clip),
		Language: t.cfg.Language,
		Format:   goopenai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to transcribe utterance %d", clip.Seq)
	}

	text := strings.TrimSpace(resp.Text)
	t.logger.Debug().Uint64("seq", clip.Seq).Int("chars", len(text)).Msg("utterance transcribed")
	return text, nil
}

func clipFileName(clip domain.Utterance) string {
	ext := "wav"
	switch {
	case strings.Contains(clip.MimeType, "webm"):
		ext = "webm"
	case strings.Contains(clip.MimeType, "ogg"):
		ext = "ogg"
	case strings.Contains(clip.MimeType, "mpeg"):
		ext = "mp3"
	}
	return fmt.Sprintf("utterance-%d.%s", clip.Seq, ext)
}
