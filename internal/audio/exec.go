package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const killGrace = 500 * time.Millisecond

// ExecSource captures raw PCM from a command's stdout. The default command
// is ALSA's arecord.
type ExecSource struct {
	Command []string
	Log     *zap.Logger
}

// ExecSink plays raw PCM through a command's stdin. The default command is
// ALSA's aplay.
type ExecSink struct {
	Command []string
	Log     *zap.Logger
}

func alsaArgs(f Format) ([]string, error) {
	af, err := f.alsaFormat()
	if err != nil {
		return nil, err
	}
	return []string{"-q", "-t", "raw", "-f", af, "-r", strconv.Itoa(f.SampleRate), "-c", strconv.Itoa(f.Channels)}, nil
}

func commandFor(custom []string, tool string, f Format) ([]string, error) {
	if len(custom) > 0 {
		return custom, nil
	}
	args, err := alsaArgs(f)
	if err != nil {
		return nil, err
	}
	return append([]string{tool}, args...), nil
}

func (s ExecSource) Open(ctx context.Context, f Format) (io.ReadCloser, error) {
	argv, err := commandFor(s.Command, "arecord", f)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audio: start %s: %w", argv[0], err)
	}
	orNop(s.Log).Debug("capture process started", zap.Strings("argv", argv), zap.Int("pid", cmd.Process.Pid))
	return &procReader{ReadCloser: stdout, proc: proc{cmd: cmd}}, nil
}

func (s ExecSink) Open(ctx context.Context, f Format) (io.WriteCloser, error) {
	argv, err := commandFor(s.Command, "aplay", f)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: playback pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audio: start %s: %w", argv[0], err)
	}
	orNop(s.Log).Debug("playback process started", zap.Strings("argv", argv), zap.Int("pid", cmd.Process.Pid))
	return &procWriter{WriteCloser: stdin, proc: proc{cmd: cmd}}, nil
}

// proc reaps a child process once. stop waits up to killGrace for a clean
// exit before killing it.
type proc struct {
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

func (p *proc) stop(kill bool) error {
	p.once.Do(func() {
		done := make(chan error, 1)
		if kill {
			p.cmd.Process.Kill() //nolint:errcheck
		}
		go func() { done <- p.cmd.Wait() }()
		select {
		case err := <-done:
			if !kill {
				p.err = err
			}
		case <-time.After(killGrace):
			p.cmd.Process.Kill() //nolint:errcheck
			<-done
		}
	})
	return p.err
}

type procReader struct {
	io.ReadCloser
	proc
}

// Close kills the recorder; its output has no natural end.
func (r *procReader) Close() error {
	err := r.proc.stop(true)
	r.ReadCloser.Close()
	return err
}

type procWriter struct {
	io.WriteCloser
	proc
}

// Close flushes stdin and lets the player drain.
func (w *procWriter) Close() error {
	cerr := w.WriteCloser.Close()
	if err := w.proc.stop(false); err != nil {
		return err
	}
	return cerr
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
