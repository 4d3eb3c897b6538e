package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"carescribe/internal/ports"
)

// VADConfig tunes the energy detector.
type VADConfig struct {
	SampleRate int
	Channels   int
	// Threshold is the RMS level, relative to full scale, above which a
	// frame counts as voiced.
	Threshold float64
	FrameMs   int
	// MinSpeechMs of consecutive voiced audio opens an utterance.
	MinSpeechMs int
	// MinSilenceMs of consecutive quiet audio closes it.
	MinSilenceMs int
}

func (c VADConfig) withDefaults() VADConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.02
	}
	if c.FrameMs <= 0 {
		c.FrameMs = 30
	}
	if c.MinSpeechMs <= 0 {
		c.MinSpeechMs = 90
	}
	if c.MinSilenceMs <= 0 {
		c.MinSilenceMs = 600
	}
	return c
}

func (c VADConfig) frameBytes() int {
	return c.SampleRate * c.Channels * 2 * c.FrameMs / 1000
}

func framesFor(ms, frameMs int) int {
	n := (ms + frameMs - 1) / frameMs
	if n < 1 {
		n = 1
	}
	return n
}

// EnergyVAD detects speech from the RMS energy of fixed-size PCM frames.
type EnergyVAD struct {
	cfg    VADConfig
	logger zerolog.Logger
}

func NewEnergyVAD(cfg VADConfig, logger zerolog.Logger) (*EnergyVAD, error) {
	cfg = cfg.withDefaults()
	if cfg.Threshold >= 1 {
		return nil, fmt.Errorf("vad threshold must be below 1, got %f", cfg.Threshold)
	}
	if cfg.frameBytes() == 0 {
		return nil, fmt.Errorf("vad frame of %dms is empty at %dHz", cfg.FrameMs, cfg.SampleRate)
	}
	return &EnergyVAD{cfg: cfg, logger: logger.With().Str("component", "vad").Logger()}, nil
}

// Monitor reads stream frame by frame and reports speech boundaries to
// handler until the stream ends, ctx is cancelled or the monitor is stopped.
func (v *EnergyVAD) Monitor(ctx context.Context, stream ports.AudioStream, handler ports.VADHandler) (ports.VADMonitor, error) {
	if stream == nil || handler == nil {
		return nil, errors.New("vad requires a stream and a handler")
	}
	m := &energyMonitor{
		cfg:           v.cfg,
		handler:       handler,
		logger:        v.logger,
		startFrames:   framesFor(v.cfg.MinSpeechMs, v.cfg.FrameMs),
		silenceFrames: framesFor(v.cfg.MinSilenceMs, v.cfg.FrameMs),
		done:          make(chan struct{}),
	}
	go m.run(ctx, stream)
	return m, nil
}

type energyMonitor struct {
	cfg           VADConfig
	handler       ports.VADHandler
	logger        zerolog.Logger
	startFrames   int
	silenceFrames int
	done          chan struct{}

	// mu is held while calling the handler so no callback runs after Stop
	// returns.
	mu       sync.Mutex
	stopped  bool
	speaking bool
	voiced   int
	quiet    int
	pending  [][]byte
}

func (m *energyMonitor) run(ctx context.Context, stream io.Reader) {
	defer close(m.done)

	frame := make([]byte, m.cfg.frameBytes())
	for {
		if ctx.Err() != nil {
			m.finish()
			return
		}
		n, err := io.ReadFull(stream, frame)
		if n > 0 {
			if !m.process(frame[:n]) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				m.logger.Debug().Err(err).Msg("vad stream read ended")
			}
			m.finish()
			return
		}
	}
}

// process classifies one frame. It returns false once the monitor is
// stopped.
func (m *energyMonitor) process(frame []byte) bool {
	level := rms(frame)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}

	chunk := append([]byte(nil), frame...)
	voiced := level >= m.cfg.Threshold

	if !m.speaking {
		if !voiced {
			m.voiced = 0
			m.pending = m.pending[:0]
			return true
		}
		m.voiced++
		m.pending = append(m.pending, chunk)
		if m.voiced < m.startFrames {
			return true
		}
		m.speaking = true
		m.quiet = 0
		m.handler.SpeechStart()
		for _, p := range m.pending {
			m.handler.Audio(p)
		}
		m.pending = m.pending[:0]
		return true
	}

	m.handler.Audio(chunk)
	if voiced {
		m.quiet = 0
		return true
	}
	m.quiet++
	if m.quiet >= m.silenceFrames {
		m.speaking = false
		m.voiced = 0
		m.handler.SpeechEnd()
	}
	return true
}

// finish closes an open utterance when the stream ends on its own.
func (m *energyMonitor) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	if m.speaking {
		m.speaking = false
		m.handler.SpeechEnd()
	}
}

// Stop detaches the handler. The reader goroutine exits once its pending
// read returns.
func (m *energyMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

// rms returns the root-mean-square level of 16-bit little-endian PCM,
// relative to full scale.
func rms(frame []byte) float64 {
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}
