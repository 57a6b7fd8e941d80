package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maxPendingLine = 64 * 1024

// DefaultNameFilter matches the desktop's advertised Bluetooth name.
const DefaultNameFilter = "desklink"

// PairedDevice is a bonded radio peer.
type PairedDevice struct {
	Name    string
	Address string
}

// RadioAdapter is the local radio controller.
type RadioAdapter interface {
	// Ready reports why the radio cannot be used right now (disabled,
	// missing permission), or nil.
	Ready(ctx context.Context) error
	PairedDevices(ctx context.Context) ([]PairedDevice, error)
	// CancelDiscovery stops any passive scan; a running scan makes socket
	// connects unreliable.
	CancelDiscovery(ctx context.Context) error
}

// SocketStrategy is one way of opening a stream socket to a paired device.
type SocketStrategy interface {
	Name() string
	Open(ctx context.Context, dev PairedDevice) (io.ReadWriteCloser, error)
}

// RadioConfig configures a RadioTransport.
type RadioConfig struct {
	NameFilter     string // case-insensitive substring of the paired device name
	MaxAttempts    int
	RetryBaseDelay time.Duration
	ReadBufferSize int
}

// DefaultRadioConfig returns the stock retry budget.
func DefaultRadioConfig() RadioConfig {
	return RadioConfig{
		NameFilter:     DefaultNameFilter,
		MaxAttempts:    3,
		RetryBaseDelay: 2 * time.Second,
		ReadBufferSize: 1024,
	}
}

// RadioTransport connects to an already-paired device. Each attempt tries
// the strategies in order; attempts are retried with linear backoff.
// Messages are newline-delimited on the wire.
type RadioTransport struct {
	link
	cfg        RadioConfig
	adapter    RadioAdapter
	strategies []SocketStrategy
	backoff    Backoff

	writeMu sync.Mutex
	conn    io.ReadWriteCloser // guarded by link.mu
}

// NewRadioTransport constructs an idle RadioTransport.
func NewRadioTransport(cfg RadioConfig, adapter RadioAdapter, strategies []SocketStrategy, log *zap.Logger) *RadioTransport {
	def := DefaultRadioConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	return &RadioTransport{
		link:       newLink(TypeRadio, orNop(log).Named("radio")),
		cfg:        cfg,
		adapter:    adapter,
		strategies: strategies,
		backoff:    LinearBackoff(cfg.RetryBaseDelay),
	}
}

func (t *RadioTransport) Connect() {
	sc, ok := t.begin(Discovering())
	if !ok {
		t.log.Debug("connect ignored, attempt already running", zap.Stringer("state", t.State()))
		return
	}
	sc.Go(func(ctx context.Context) { t.run(ctx, sc) })
}

func (t *RadioTransport) Disconnect() {
	var conn io.ReadWriteCloser
	sc := t.detach(func() {
		conn = t.conn
		t.conn = nil
	})
	if sc != nil {
		sc.cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			t.log.Debug("socket close", zap.Error(err))
		}
	}
	if sc != nil {
		sc.wg.Wait()
		t.log.Info("disconnected")
	}
	t.publishIdle(Disconnected())
}

// Send writes text followed by the newline delimiter. A write failure tears
// the link down.
func (t *RadioTransport) Send(text string) error {
	t.mu.Lock()
	conn, sc := t.conn, t.scope
	t.mu.Unlock()
	if conn == nil {
		t.log.Warn("send while disconnected, dropping message", zap.Int("bytes", len(text)))
		return ErrNotConnected
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	t.writeMu.Lock()
	_, err := io.WriteString(conn, text)
	t.writeMu.Unlock()
	if err != nil {
		t.log.Warn("send failed", zap.Error(err))
		t.fail(sc, conn, Failed("send failed: "+err.Error()))
		return fmt.Errorf("radio: send: %w", err)
	}
	return nil
}

// SendBinary is not supported: the radio link only frames text lines.
func (t *RadioTransport) SendBinary([]byte) error {
	return ErrUnsupported
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *RadioTransport) run(ctx context.Context, sc *scope) {
	if t.adapter == nil {
		t.release(sc, Failed(ErrAdapterUnavailable.Error()), nil)
		return
	}
	if err := t.adapter.Ready(ctx); err != nil {
		t.log.Warn("radio not ready", zap.Error(err))
		t.release(sc, Failed(err.Error()), nil)
		return
	}
	devices, err := t.adapter.PairedDevices(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.release(sc, Failed("list paired devices: "+err.Error()), nil)
		return
	}
	dev, ok := matchPaired(devices, t.cfg.NameFilter)
	if !ok {
		err := fmt.Errorf("%w %q; pair the desktop first", ErrNoPairedMatch, t.cfg.NameFilter)
		t.log.Warn("no paired match", zap.Int("paired", len(devices)), zap.String("filter", t.cfg.NameFilter))
		t.release(sc, Failed(err.Error()), nil)
		return
	}
	if !t.publish(sc, Connecting()) {
		return
	}
	t.log.Info("connecting", zap.String("device", dev.Name), zap.String("address", dev.Address))

	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		conn, err := t.attempt(ctx, dev)
		if err == nil {
			t.established(ctx, sc, dev, conn)
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		t.log.Warn("connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < t.cfg.MaxAttempts {
			if !sleepCtx(ctx, t.backoff(attempt)) {
				return
			}
		}
	}
	msg := fmt.Sprintf("connection failed after %d attempts: %v", t.cfg.MaxAttempts, lastErr)
	t.release(sc, Failed(msg), nil)
}

// attempt tries every strategy once, first success wins.
func (t *RadioTransport) attempt(ctx context.Context, dev PairedDevice) (io.ReadWriteCloser, error) {
	if err := t.adapter.CancelDiscovery(ctx); err != nil {
		t.log.Debug("cancel discovery", zap.Error(err))
	}
	if len(t.strategies) == 0 {
		return nil, errors.New("no socket strategies configured")
	}
	var errs error
	for _, s := range t.strategies {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := s.Open(ctx, dev)
		if err == nil {
			t.log.Debug("strategy succeeded", zap.String("strategy", s.Name()))
			return conn, nil
		}
		t.log.Debug("strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return nil, errs
}

func (t *RadioTransport) established(ctx context.Context, sc *scope, dev PairedDevice, conn io.ReadWriteCloser) {
	t.mu.Lock()
	if t.scope != sc {
		t.mu.Unlock()
		t.log.Debug("discarding socket opened after disconnect")
		conn.Close()
		return
	}
	t.conn = conn
	t.states.Publish(Connected(TypeRadio, dev.Name))
	t.mu.Unlock()
	t.log.Info("connected", zap.String("device", dev.Name))

	t.readLoop(ctx, sc, conn)
}

// readLoop splits the byte stream on newlines; a partial line is carried
// over to the next read.
func (t *RadioTransport) readLoop(ctx context.Context, sc *scope, conn io.ReadWriteCloser) {
	buf := make([]byte, t.cfg.ReadBufferSize)
	var pending []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = t.dispatchLines(ctx, pending)
		}
		if err == nil && n > 0 {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil || errors.Is(err, io.EOF) {
			t.dispatchLine(ctx, pending)
			t.log.Info("peer closed the stream")
			t.fail(sc, conn, Disconnected())
			return
		}
		t.log.Warn("read failed", zap.Error(err))
		t.fail(sc, conn, Failed("connection lost: "+err.Error()))
		return
	}
}

func (t *RadioTransport) dispatchLines(ctx context.Context, pending []byte) []byte {
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			break
		}
		t.dispatchLine(ctx, pending[:i])
		pending = pending[i+1:]
	}
	if len(pending) > maxPendingLine {
		t.log.Warn("discarding oversized partial line", zap.Int("bytes", len(pending)))
		return nil
	}
	// Compact so the backing array does not grow without bound.
	return append([]byte(nil), pending...)
}

func (t *RadioTransport) dispatchLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	t.deliver(ctx, FrameText, append([]byte(nil), line...))
}

// fail ends the attempt owned by sc and closes its socket. It is the single
// teardown path for read and write failures.
func (t *RadioTransport) fail(sc *scope, conn io.ReadWriteCloser, final State) {
	if sc == nil {
		return
	}
	if t.release(sc, final, func() { t.conn = nil }) {
		conn.Close()
	}
}

func matchPaired(devices []PairedDevice, filter string) (PairedDevice, bool) {
	want := strings.ToLower(strings.TrimSpace(filter))
	if want == "" {
		return PairedDevice{}, false
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d, true
		}
	}
	return PairedDevice{}, false
}
