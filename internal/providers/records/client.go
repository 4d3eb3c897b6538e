package records

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kbukum/gokit/httpclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"carescribe/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Config points the client at the care-records backend.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the records backend that owns transcripts and server-side
// extraction. It implements ports.TranscriptStore, ports.TranscriptReader
// and ports.FieldExtractor.
type Client struct {
	http   *httpclient.Adapter
	logger zerolog.Logger
	now    func() time.Time
}

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("records base url is not configured")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errors.Wrap(err, "invalid records base url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	httpCfg := httpclient.Config{
		BaseURL: base,
		Timeout: cfg.Timeout,
		Headers: map[string]string{"Accept": "application/json"},
	}
	if cfg.Token != "" {
		httpCfg.Auth = httpclient.BearerAuth(cfg.Token)
	}
	adapter, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create records http client")
	}

	return &Client{
		http:   adapter,
		logger: logger.With().Str("component", "records").Logger(),
		now:    time.Now,
	}, nil
}

type transcriptionBody struct {
	Transcription string `json:"transcription"`
}

// SaveTranscript replaces the persisted transcript of a record.
func (c *Client) SaveTranscript(ctx context.Context, sessionID string, text string) error {
	path, err := recordPath(sessionID, "transcription")
	if err != nil {
		return err
	}
	started := c.now()
	_, err = httpclient.Put[json.RawMessage](c.http, ctx, path, transcriptionBody{Transcription: text})
	c.logRequest(http.MethodPut, path, err, started)
	if err != nil {
		return errors.Wrapf(err, "PUT %s", path)
	}
	return nil
}

// LoadTranscript returns the persisted transcript of a record.
func (c *Client) LoadTranscript(ctx context.Context, sessionID string) (string, error) {
	path, err := recordPath(sessionID, "transcription")
	if err != nil {
		return "", err
	}
	started := c.now()
	resp, err := httpclient.Get[transcriptionBody](c.http, ctx, path)
	c.logRequest(http.MethodGet, path, err, started)
	if err != nil {
		return "", errors.Wrapf(err, "GET %s", path)
	}
	return resp.Data.Transcription, nil
}

// ExtractFields asks the backend to extract form fields from the transcript
// it holds for the record. The response is a flat object of nullable
// values.
func (c *Client) ExtractFields(ctx context.Context, sessionID string) (domain.ExtractionResult, error) {
	path, err := recordPath(sessionID, "extract")
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	started := c.now()
	resp, err := httpclient.Post[json.RawMessage](c.http, ctx, path, nil)
	c.logRequest(http.MethodPost, path, err, started)
	if err != nil {
		return domain.ExtractionResult{}, errors.Wrapf(err, "POST %s", path)
	}
	fields, err := domain.DecodeExtractionFields(resp.Data)
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	return domain.ExtractionResult{SessionID: sessionID, Fields: fields, ExtractedAt: c.now()}, nil
}

func (c *Client) logRequest(method, path string, err error, started time.Time) {
	event := c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Dur("elapsed", time.Since(started))
	var httpErr *httpclient.Error
	switch {
	case errors.As(err, &httpErr):
		event = event.Int("status", httpErr.StatusCode).Str("code", httpErr.Code.String())
	case err != nil:
		event = event.Err(err)
	}
	event.Msg("records request")
}

// recordPath escapes every segment of a record path such as
// "residents/r1/food-records/f1" and appends the action.
func recordPath(sessionID, action string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(sessionID), "/")
	if trimmed == "" {
		return "", errors.New("record path is empty")
	}
	segments := strings.Split(trimmed, "/")
	escaped := make([]string, 0, len(segments)+1)
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." {
			return "", errors.Errorf("invalid record path %q", sessionID)
		}
		escaped = append(escaped, url.PathEscape(segment))
	}
	escaped = append(escaped, action)
	return "/" + strings.Join(escaped, "/"), nil
}
