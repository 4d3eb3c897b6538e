package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultPrefix = "carescribe:transcript:"

// Config controls the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires transcripts that have not been saved for a while. Zero
	// keeps them forever.
	TTL time.Duration
}

// Store keeps transcripts in Redis hashes. It implements
// ports.TranscriptStore and ports.TranscriptReader.
type Store struct {
	rdb    goredis.UniversalClient
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is not configured")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}
	return NewWithClient(rdb, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb goredis.UniversalClient, cfg Config, logger zerolog.Logger) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &Store{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With().Str("component", "redisstore").Logger(),
		now:    time.Now,
	}
}

func (s *Store) key(sessionID string) string {
	return s.cfg.Prefix + strings.Trim(sessionID, "/")
}

// SaveTranscript stores text with its update time and bumps the revision.
func (s *Store) SaveTranscript(ctx context.Context, sessionID string, text string) error {
	key := s.key(sessionID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"transcription", text,
			"updatedAt", s.now().UTC().Format(time.RFC3339Nano),
		)
		pipe.HIncrBy(ctx, key, "revision", 1)
		if s.cfg.TTL > 0 {
			pipe.Expire(ctx, key, s.cfg.TTL)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to save transcript %q", sessionID)
	}
	s.logger.Debug().Str("session_id", sessionID).Int("chars", len(text)).Msg("transcript saved")
	return nil
}

// LoadTranscript returns the stored text, or "" when nothing was saved.
func (s *Store) LoadTranscript(ctx context.Context, sessionID string) (string, error) {
	text, err := s.rdb.HGet(ctx, s.key(sessionID), "transcription").Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to load transcript %q", sessionID)
	}
	return text, nil
}

// Revision reports how many times the transcript has been saved.
func (s *Store) Revision(ctx context.Context, sessionID string) (int64, error) {
	rev, err := s.rdb.HGet(ctx, s.key(sessionID), "revision").Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read revision of %q: %w", sessionID, err)
	}
	return rev, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
