// Package audio relays call audio between the local sound devices and the
// desktop as raw PCM frames.
package audio

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Format describes raw interleaved little-endian PCM.
type Format struct {
	SampleRate    int `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	Channels      int `yaml:"channels" toml:"channels" json:"channels"`
	BitsPerSample int `yaml:"bits_per_sample" toml:"bits_per_sample" json:"bits_per_sample"`
}

// DefaultFormat is 16 kHz mono 16-bit, the voice format both ends expect.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// DefaultChunkBytes is 40ms of DefaultFormat audio.
const DefaultChunkBytes = 1280

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channels must be positive, got %d", f.Channels)
	}
	if _, err := f.alsaFormat(); err != nil {
		return err
	}
	return nil
}

// BytesPerSecond is the stream rate for f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Duration is the play time of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

func (f Format) alsaFormat() (string, error) {
	switch f.BitsPerSample {
	case 8:
		return "U8", nil
	case 16:
		return "S16_LE", nil
	case 24:
		return "S24_LE", nil
	case 32:
		return "S32_LE", nil
	}
	return "", fmt.Errorf("audio: unsupported sample width %d bits", f.BitsPerSample)
}

// Source is a capture device. Reads on the returned stream block until a
// chunk is available; closing it releases the device and unblocks Read.
type Source interface {
	Open(ctx context.Context, f Format) (io.ReadCloser, error)
}

// Sink is a playback device.
type Sink interface {
	Open(ctx context.Context, f Format) (io.WriteCloser, error)
}
