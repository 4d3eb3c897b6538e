package metrics

import (
	"context"

	"carescribe/internal/audio"
	"carescribe/internal/domain"
	"carescribe/internal/ports"
)

type instrumentedTranscriber struct {
	next    ports.ClipTranscriber
	metrics *Metrics
}

// InstrumentTranscriber counts clips passing through next and the ones that
// fail to transcribe.
func InstrumentTranscriber(next ports.ClipTranscriber, m *Metrics) ports.ClipTranscriber {
	return &instrumentedTranscriber{next: next, metrics: m}
}

func (t *instrumentedTranscriber) TranscribeClip(ctx context.Context, clip domain.Utterance) (string, error) {
	var seconds float64
	if clip.MimeType == "audio/wav" {
		// Undecodable headers only lose the duration sample.
		seconds, _ = audio.ClipDuration(clip.Audio)
	}
	t.metrics.RecordClip(seconds)

	text, err := t.next.TranscribeClip(ctx, clip)
	if err != nil {
		t.metrics.RecordClipFailure()
	}
	return text, err
}
