package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/transport"
)

// Bridge captures microphone audio and forwards each chunk as a binary frame,
// and plays back binary frames received from the desktop. Start and Stop are
// idempotent.
type Bridge struct {
	source Source
	sink   Sink
	out    transport.BinarySender
	format Format
	chunk  int
	log    *zap.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	capture  io.ReadCloser
	playback io.WriteCloser

	writeMu sync.Mutex
}

// NewBridge builds a stopped bridge. out receives captured chunks.
func NewBridge(source Source, sink Sink, out transport.BinarySender, f Format, chunkBytes int, log *zap.Logger) *Bridge {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		source: source,
		sink:   sink,
		out:    out,
		format: f,
		chunk:  chunkBytes,
		log:    log.Named("audio"),
	}
}

// Start opens playback and capture. A device that fails to open is logged
// and the bridge runs without it; Start only fails when neither opens.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	var errs error

	var playback io.WriteCloser
	if b.sink != nil {
		w, err := b.sink.Open(ctx, b.format)
		if err != nil {
			b.log.Warn("playback unavailable", zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("playback: %w", err))
		} else {
			playback = w
		}
	}

	var capture io.ReadCloser
	if b.source != nil {
		r, err := b.source.Open(ctx, b.format)
		if err != nil {
			b.log.Error("capture unavailable", zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("capture: %w", err))
		} else {
			capture = r
		}
	}

	if playback == nil && capture == nil {
		cancel()
		if errs == nil {
			errs = errors.New("no audio devices configured")
		}
		return fmt.Errorf("audio: start: %w", errs)
	}

	b.running = true
	b.cancel = cancel
	b.capture = capture
	b.playback = playback
	if capture != nil {
		b.wg.Add(1)
		go b.captureLoop(ctx, capture)
	}
	b.log.Info("bridge started",
		zap.Int("sample_rate", b.format.SampleRate),
		zap.Bool("capture", capture != nil),
		zap.Bool("playback", playback != nil))
	return nil
}

// Stop releases both devices. Release failures are logged and swallowed.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel, capture, playback := b.cancel, b.capture, b.playback
	b.cancel, b.capture, b.playback = nil, nil, nil
	b.mu.Unlock()

	cancel()
	if capture != nil {
		if err := capture.Close(); err != nil {
			b.log.Debug("capture release", zap.Error(err))
		}
	}
	b.wg.Wait()
	if playback != nil {
		b.writeMu.Lock()
		if err := playback.Close(); err != nil {
			b.log.Debug("playback release", zap.Error(err))
		}
		b.writeMu.Unlock()
	}
	b.log.Info("bridge stopped")
}

// Running reports whether the bridge holds its devices.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Play writes one received frame to the speaker. Frames arriving while the
// bridge is stopped are dropped.
func (b *Bridge) Play(data []byte) {
	b.mu.Lock()
	w := b.playback
	b.mu.Unlock()
	if w == nil || len(data) == 0 {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		b.log.Warn("playback write failed", zap.Error(err))
	}
}

func (b *Bridge) captureLoop(ctx context.Context, r io.Reader) {
	defer b.wg.Done()
	buf := make([]byte, b.chunk)
	for {
		n, err := r.Read(buf)
		if n > 0 && b.out != nil {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if serr := b.out.SendBinary(frame); serr != nil {
				b.log.Debug("audio frame not sent", zap.Error(serr))
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				b.log.Warn("capture read failed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
