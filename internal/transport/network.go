package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/protocol"
)

// Endpoint is a resolved desktop peer.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Discoverer locates the desktop peer on the local network. Discover blocks
// until the first matching candidate resolves or ctx is done.
type Discoverer interface {
	Discover(ctx context.Context) (Endpoint, error)
}

// NetworkConfig configures a NetworkTransport.
type NetworkConfig struct {
	Path              string
	HeartbeatInterval time.Duration
	DiscoveryTimeout  time.Duration // 0 browses until cancelled
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	Registration      protocol.Registration
}

// DefaultNetworkConfig returns the stock timings.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Path:              "/ws",
		HeartbeatInterval: 15 * time.Second,
		DiscoveryTimeout:  30 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// NetworkTransport discovers the desktop over mDNS and keeps a WebSocket
// open to it. Text frames carry protocol envelopes, binary frames carry PCM.
// It does not reconnect on its own.
type NetworkTransport struct {
	link
	cfg        NetworkConfig
	discoverer Discoverer
	dialer     *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn // guarded by link.mu
}

// NewNetworkTransport constructs an idle NetworkTransport.
func NewNetworkTransport(cfg NetworkConfig, d Discoverer, log *zap.Logger) *NetworkTransport {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &NetworkTransport{
		link:       newLink(TypeNetwork, orNop(log).Named("network")),
		cfg:        cfg,
		discoverer: d,
		dialer: &websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

func (t *NetworkTransport) Connect() {
	sc, ok := t.begin(Discovering())
	if !ok {
		t.log.Debug("connect ignored, attempt already running", zap.Stringer("state", t.State()))
		return
	}
	t.log.Info("starting discovery")
	sc.Go(func(ctx context.Context) { t.run(ctx, sc) })
}

func (t *NetworkTransport) Disconnect() {
	var conn *websocket.Conn
	sc := t.detach(func() {
		conn = t.conn
		t.conn = nil
	})
	if sc != nil {
		sc.cancel()
	}
	if conn != nil {
		t.closeConn(conn)
	}
	if sc != nil {
		sc.wg.Wait()
		t.log.Info("disconnected")
	}
	t.publishIdle(Disconnected())
}

func (t *NetworkTransport) Send(text string) error {
	return t.write(websocket.TextMessage, []byte(text))
}

// SendBinary sends one raw audio frame.
func (t *NetworkTransport) SendBinary(data []byte) error {
	return t.write(websocket.BinaryMessage, data)
}

func (t *NetworkTransport) write(kind int, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.log.Warn("send while disconnected, dropping message", zap.Int("bytes", len(data)))
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)) //nolint:errcheck
	}
	if err := conn.WriteMessage(kind, data); err != nil {
		t.log.Warn("send failed", zap.Error(err))
		return fmt.Errorf("network: send: %w", err)
	}
	return nil
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *NetworkTransport) run(ctx context.Context, sc *scope) {
	ep, err := t.discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("discovery failed", zap.Error(err))
		t.release(sc, Failed("discovery failed: "+err.Error()), nil)
		return
	}
	t.log.Info("peer resolved", zap.String("instance", ep.Instance), zap.String("addr", ep.Addr()))
	if !t.publish(sc, Connecting()) {
		return
	}

	u := url.URL{Scheme: "ws", Host: ep.Addr(), Path: t.cfg.Path}
	dialCtx := ctx
	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}
	conn, _, err := t.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("dial failed", zap.String("url", u.String()), zap.Error(err))
		t.release(sc, Failed("connection failed: "+err.Error()), nil)
		return
	}

	// Registration precedes Connected so it is always the first message on
	// the link, ahead of any flush the coordinator starts.
	t.register(conn)

	peer := fmt.Sprintf("%s (%s)", ep.Instance, ep.Host)
	t.mu.Lock()
	if t.scope != sc {
		t.mu.Unlock()
		t.log.Debug("discarding connection opened after disconnect")
		conn.Close()
		return
	}
	t.conn = conn
	t.states.Publish(Connected(TypeNetwork, peer))
	t.mu.Unlock()
	t.log.Info("connected", zap.String("url", u.String()))

	sc.Go(t.heartbeat)
	t.readLoop(ctx, sc, conn)
}

func (t *NetworkTransport) discover(ctx context.Context) (Endpoint, error) {
	if t.discoverer == nil {
		return Endpoint{}, fmt.Errorf("no discoverer configured")
	}
	if t.cfg.DiscoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DiscoveryTimeout)
		defer cancel()
	}
	return t.discoverer.Discover(ctx)
}

func (t *NetworkTransport) register(conn *websocket.Conn) {
	msg, err := protocol.EncodeRegistration(t.cfg.Registration)
	if err != nil {
		t.log.Error("registration not sent", zap.Error(err))
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)) //nolint:errcheck
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.log.Warn("registration not sent", zap.Error(err))
		return
	}
	t.log.Debug("registration sent", zap.String("device_id", t.cfg.Registration.DeviceID))
}

// heartbeat exits as soon as the link is no longer connected; it never
// declares the connection dead itself.
func (t *NetworkTransport) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.IsConnected() {
				return
			}
			t.Send(protocol.EncodeHeartbeat()) //nolint:errcheck
		}
	}
}

func (t *NetworkTransport) readLoop(ctx context.Context, sc *scope, conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			final := Failed("connection lost: " + err.Error())
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				final = Disconnected()
			}
			t.log.Info("connection closed", zap.Stringer("state", final), zap.Error(err))
			t.release(sc, final, func() { t.conn = nil })
			conn.Close()
			return
		}
		switch kind {
		case websocket.TextMessage:
			t.deliver(ctx, FrameText, data)
		case websocket.BinaryMessage:
			t.deliver(ctx, FrameBinary, data)
		}
	}
}

func (t *NetworkTransport) closeConn(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		t.log.Debug("close frame not sent", zap.Error(err))
	}
	conn.Close()
}
