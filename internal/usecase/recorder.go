package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"carescribe/internal/domain"
	"carescribe/internal/ports"
)

var errRecorderStarted = errors.New("recorder already started")

// utteranceRecorder turns a microphone stream into one clip per detected
// utterance. It is the VAD handler for its own monitor.
type utteranceRecorder struct {
	vad     ports.VoiceActivityDetector
	encoder ports.ClipEncoder
	urls    ports.URLRegistry
	now     func() time.Time

	onReady func(domain.Utterance)
	onError func(error)

	mu        sync.Mutex
	started   bool
	stopped   bool
	capturing bool
	buf       bytes.Buffer
	seq       uint64
	monitor   ports.VADMonitor
	stream    ports.AudioStream
	created   []string
}

func newUtteranceRecorder(
	vad ports.VoiceActivityDetector,
	encoder ports.ClipEncoder,
	urls ports.URLRegistry,
	now func() time.Time,
	onReady func(domain.Utterance),
	onError func(error),
) *utteranceRecorder {
	if now == nil {
		now = time.Now
	}
	return &utteranceRecorder{
		vad:     vad,
		encoder: encoder,
		urls:    urls,
		now:     now,
		onReady: onReady,
		onError: onError,
	}
}

// Start begins voice-activity monitoring. When the monitor cannot start the
// stream is released before returning.
func (r *utteranceRecorder) Start(ctx context.Context, stream ports.AudioStream) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errRecorderStarted
	}
	r.started = true
	r.stream = stream
	r.mu.Unlock()

	monitor, err := r.vad.Monitor(ctx, stream, r)
	if err != nil {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		_ = stream.Stop()
		return fmt.Errorf("failed to start voice activity detection: %w", err)
	}

	r.mu.Lock()
	r.monitor = monitor
	r.mu.Unlock()
	return nil
}

// SpeechStart begins a clip unless one is already being captured.
func (r *utteranceRecorder) SpeechStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.capturing {
		return
	}
	r.capturing = true
	r.buf.Reset()
}

// Audio buffers a frame while a clip is being captured.
func (r *utteranceRecorder) Audio(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capturing {
		r.buf.Write(frame)
	}
}

// SpeechEnd finalizes the clip being captured, if any.
func (r *utteranceRecorder) SpeechEnd() {
	r.mu.Lock()
	utterance, err := r.finalizeLocked()
	r.mu.Unlock()
	r.publish(utterance, err)
}

// StopMonitoring stops the VAD and finalizes an in-progress clip. Calling it
// again is a no-op.
func (r *utteranceRecorder) StopMonitoring() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	monitor := r.monitor
	r.mu.Unlock()

	var stopErr error
	if monitor != nil {
		stopErr = monitor.Stop()
	}

	r.mu.Lock()
	utterance, err := r.finalizeLocked()
	r.mu.Unlock()
	r.publish(utterance, err)
	return stopErr
}

// Stop stops monitoring and releases the microphone stream.
func (r *utteranceRecorder) Stop() error {
	monitorErr := r.StopMonitoring()

	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()

	var streamErr error
	if stream != nil {
		streamErr = stream.Stop()
	}
	return errors.Join(monitorErr, streamErr)
}

// Release revokes every playback URL the recorder handed out.
func (r *utteranceRecorder) Release() {
	r.mu.Lock()
	created := r.created
	r.created = nil
	r.mu.Unlock()

	for _, url := range created {
		r.urls.Revoke(url)
	}
}

func (r *utteranceRecorder) finalizeLocked() (*domain.Utterance, error) {
	if !r.capturing {
		return nil, nil
	}
	r.capturing = false
	if r.buf.Len() == 0 {
		return nil, nil
	}
	pcm := bytes.Clone(r.buf.Bytes())
	r.buf.Reset()

	blob, mimeType, err := r.encoder.EncodeClip(pcm)
	if err != nil {
		return nil, fmt.Errorf("failed to encode utterance: %w", err)
	}

	r.seq++
	id := uuid.NewString()
	url := r.urls.Create(id, blob, mimeType)
	r.created = append(r.created, url)

	return &domain.Utterance{
		ID:         id,
		Seq:        r.seq,
		Audio:      blob,
		MimeType:   mimeType,
		URL:        url,
		CapturedAt: r.now(),
	}, nil
}

func (r *utteranceRecorder) publish(utterance *domain.Utterance, err error) {
	if err != nil && r.onError != nil {
		r.onError(err)
	}
	if utterance != nil && r.onReady != nil {
		r.onReady(*utterance)
	}
}
