package openai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"

	"carescribe/internal/domain"
	"carescribe/internal/forms"
	"carescribe/internal/ports"
)

const defaultExtractionPrompt = `You fill in a care record form from a caregiver's spoken notes.
Return one JSON object that conforms to the JSON Schema below.
Use null for every field the notes do not mention. Never guess.
For fields with an enum, answer with one of the listed values or null.`

// Extractor implements ports.FieldExtractor. It reads the persisted
// transcript of a record and asks a chat model for the form fields.
type Extractor struct {
	cfg       Config
	client    *goopenai.Client
	schema    forms.Schema
	validator *forms.Validator
	reader    ports.TranscriptReader
	prompt    string
	logger    zerolog.Logger
}

func NewExtractor(cfg Config, schema forms.Schema, reader ports.TranscriptReader, logger zerolog.Logger) (*Extractor, error) {
	cfg = cfg.withDefaults()

	validator, err := forms.NewValidator(schema)
	if err != nil {
		return nil, err
	}
	document, err := json.MarshalIndent(forms.JSONSchema(schema), "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to render form schema")
	}

	instructions := cfg.ExtractionPrompt
	if strings.TrimSpace(instructions) == "" {
		instructions = defaultExtractionPrompt
	}

	return &Extractor{
		cfg:       cfg,
		client:    newClient(cfg),
		schema:    schema,
		validator: validator,
		reader:    reader,
		prompt:    instructions + "\n\n" + string(document),
		logger:    logger.With().Str("component", "extractor").Str("form", schema.Name).Logger(),
	}, nil
}

// ExtractFields returns the fields the model found in the saved transcript.
// An empty transcript yields an empty result without calling the model.
func (e *Extractor) ExtractFields(ctx context.Context, sessionID string) (domain.ExtractionResult, error) {
	if strings.TrimSpace(e.cfg.APIKey) == "" {
		return domain.ExtractionResult{}, errors.New("openai api key is not configured")
	}

	transcript, err := e.reader.LoadTranscript(ctx, sessionID)
	if err != nil {
		return domain.ExtractionResult{}, errors.Wrap(err, "failed to load transcript")
	}
	result := domain.ExtractionResult{SessionID: sessionID, Fields: map[string]domain.FieldValue{}}
	if strings.TrimSpace(transcript) == "" {
		return result, nil
	}

	resp, err := e.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: e.cfg.ExtractModel,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: e.prompt},
			{Role: goopenai.ChatMessageRoleUser, Content: transcript},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return domain.ExtractionResult{}, errors.Wrap(err, "extraction request failed")
	}
	if len(resp.Choices) == 0 {
		return domain.ExtractionResult{}, errors.New("extraction response has no choices")
	}

	raw := []byte(strings.TrimSpace(resp.Choices[0].Message.Content))
	violations, err := e.validator.Validate(raw)
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	if len(violations) > 0 {
		e.logger.Warn().Strs("violations", violations).Msg("extractor output does not match form schema")
	}

	fields, err := domain.DecodeExtractionFields(raw)
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	result.Fields = fields
	return result, nil
}
