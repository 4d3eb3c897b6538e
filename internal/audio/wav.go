package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WAVEncoder wraps 16-bit little-endian PCM in a WAV container so clips can
// be played back and uploaded as files.
type WAVEncoder struct {
	SampleRate int
	Channels   int
}

func NewWAVEncoder(sampleRate, channels int) WAVEncoder {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return WAVEncoder{SampleRate: sampleRate, Channels: channels}
}

// EncodeClip implements ports.ClipEncoder.
func (e WAVEncoder) EncodeClip(pcm []byte) ([]byte, string, error) {
	if len(pcm) == 0 {
		return nil, "", fmt.Errorf("cannot encode empty clip")
	}
	blockAlign := e.Channels * 2
	if len(pcm)%blockAlign != 0 {
		pcm = pcm[:len(pcm)-len(pcm)%blockAlign]
	}

	dataSize := uint32(len(pcm))
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(e.Channels),
		SampleRate:    uint32(e.SampleRate),
		ByteRate:      uint32(e.SampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, "", fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), "audio/wav", nil
}

// ClipDuration reports the playback length of a WAV blob in seconds.
func ClipDuration(blob []byte) (float64, error) {
	if len(blob) < wavHeaderSize {
		return 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(blob))
	}
	var header wavHeader
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &header); err != nil {
		return 0, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(header.ChunkID[:]) != "RIFF" || string(header.Format[:]) != "WAVE" {
		return 0, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}
	if header.ByteRate == 0 {
		return 0, fmt.Errorf("invalid byte rate: 0")
	}
	return float64(header.Subchunk2Size) / float64(header.ByteRate), nil
}
