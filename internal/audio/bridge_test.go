package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	mu     sync.Mutex
	opens  int
	err    error
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (s *fakeSource) Open(context.Context, Format) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.err != nil {
		return nil, s.err
	}
	s.reader, s.writer = io.Pipe()
	return s.reader, nil
}

func (s *fakeSource) mic() *io.PipeWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer
}

type fakeSink struct {
	mu     sync.Mutex
	opens  int
	closed bool
	buf    bytes.Buffer
}

func (s *fakeSink) Open(context.Context, Format) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	s.closed = false
	return s, nil
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(p)
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return errors.New("release failed")
}

func (s *fakeSink) played() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

type recordingSender struct {
	frames chan []byte
}

func (r *recordingSender) SendBinary(data []byte) error {
	r.frames <- data
	return nil
}

func newTestBridge(t *testing.T, src Source, sink Sink) (*Bridge, *recordingSender) {
	t.Helper()
	out := &recordingSender{frames: make(chan []byte, 16)}
	b := NewBridge(src, sink, out, DefaultFormat(), 4, zaptest.NewLogger(t))
	t.Cleanup(b.Stop)
	return b, out
}

func TestBridgeForwardsCapturedChunks(t *testing.T) {
	src := &fakeSource{}
	b, out := newTestBridge(t, src, &fakeSink{})
	require.NoError(t, b.Start())

	go src.mic().Write([]byte{1, 2, 3, 4, 5, 6})

	var got []byte
	for len(got) < 6 {
		select {
		case f := <-out.frames:
			assert.LessOrEqual(t, len(f), 4)
			got = append(got, f...)
		case <-time.After(2 * time.Second):
			t.Fatalf("captured %v", got)
		}
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
}

func TestBridgePlaysOnlyWhileRunning(t *testing.T) {
	sink := &fakeSink{}
	b, _ := newTestBridge(t, &fakeSource{}, sink)

	b.Play([]byte{9})
	assert.Empty(t, sink.played())

	require.NoError(t, b.Start())
	b.Play([]byte{1, 2})
	b.Play(nil)
	assert.Equal(t, []byte{1, 2}, sink.played())

	b.Stop()
	b.Play([]byte{3})
	assert.Equal(t, []byte{1, 2}, sink.played())
}

func TestBridgeStartStopIdempotent(t *testing.T) {
	src, sink := &fakeSource{}, &fakeSink{}
	b, _ := newTestBridge(t, src, sink)

	b.Stop()
	require.NoError(t, b.Start())
	require.NoError(t, b.Start())
	assert.True(t, b.Running())
	assert.Equal(t, 1, src.opens)
	assert.Equal(t, 1, sink.opens)

	b.Stop()
	b.Stop()
	assert.False(t, b.Running())
	assert.True(t, sink.closed)

	require.NoError(t, b.Start())
	assert.Equal(t, 2, src.opens)
}

func TestBridgeRunsPlaybackOnlyWhenCaptureFails(t *testing.T) {
	sink := &fakeSink{}
	b, _ := newTestBridge(t, &fakeSource{err: errors.New("device busy")}, sink)

	require.NoError(t, b.Start())
	b.Play([]byte{7})
	assert.Equal(t, []byte{7}, sink.played())
}

func TestBridgeStartFailsWithoutDevices(t *testing.T) {
	b, _ := newTestBridge(t, &fakeSource{err: errors.New("no mic")}, nil)
	err := b.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no mic")
	assert.False(t, b.Running())
	b.Stop()
}

func TestFormat(t *testing.T) {
	f := DefaultFormat()
	require.NoError(t, f.Validate())
	assert.Equal(t, 32000, f.BytesPerSecond())
	assert.Equal(t, 40*time.Millisecond, f.Duration(DefaultChunkBytes))

	f.BitsPerSample = 12
	assert.Error(t, f.Validate())
}

func TestCommandFor(t *testing.T) {
	argv, err := commandFor(nil, "arecord", DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-r", "16000", "-c", "1"}, argv)

	argv, err = commandFor([]string{"parec", "--raw"}, "arecord", DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, []string{"parec", "--raw"}, argv)
}
