package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gg-glitch-88/desklink/internal/protocol"
)

type fakeDiscoverer struct {
	ep    Endpoint
	err   error
	block bool
	calls atomic.Int32
}

func (d *fakeDiscoverer) Discover(ctx context.Context) (Endpoint, error) {
	d.calls.Add(1)
	if d.block {
		<-ctx.Done()
		return Endpoint{}, ctx.Err()
	}
	return d.ep, d.err
}

// fakeDesktop is a WebSocket peer standing in for the desktop controller.
type fakeDesktop struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeDesktop(t *testing.T) *fakeDesktop {
	t.Helper()
	d := &fakeDesktop{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		d.conns <- conn
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDesktop) endpoint(t *testing.T) Endpoint {
	t.Helper()
	u, err := url.Parse(d.srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Endpoint{Instance: "desk", Host: host, Port: p}
}

func (d *fakeDesktop) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("desktop never saw a connection")
		return nil
	}
}

func readEnvelope(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	kind, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	env, err := protocol.Parse(string(data))
	require.NoError(t, err)
	return env
}

func testNetworkConfig() NetworkConfig {
	cfg := DefaultNetworkConfig()
	cfg.DiscoveryTimeout = 0
	cfg.DialTimeout = 2 * time.Second
	cfg.Registration = protocol.Registration{DeviceID: "dev-1", DeviceName: "pinephone", AppVersion: "1.0.0"}
	return cfg
}

func connectedNetwork(t *testing.T, cfg NetworkConfig) (*NetworkTransport, *websocket.Conn, <-chan State) {
	t.Helper()
	desk := newFakeDesktop(t)
	tr := NewNetworkTransport(cfg, &fakeDiscoverer{ep: desk.endpoint(t)}, zaptest.NewLogger(t))
	t.Cleanup(tr.Disconnect)

	states, unsub := tr.Subscribe()
	t.Cleanup(unsub)
	tr.Connect()

	peer := desk.accept(t)
	waitState(t, states, phaseIs(PhaseConnected))
	return tr, peer, states
}

func TestNetworkNeverResolvedPeerStaysDiscovering(t *testing.T) {
	d := &fakeDiscoverer{block: true}
	tr := NewNetworkTransport(testNetworkConfig(), d, zaptest.NewLogger(t))
	defer tr.Disconnect()

	states, unsub := tr.Subscribe()
	defer unsub()

	seen := []State{tr.State()}
	tr.Connect()
	seen = append(seen, collect(states, 300*time.Millisecond)...)

	assert.Equal(t, []State{Disconnected(), Discovering()}, seen)
	assert.False(t, tr.IsConnected())
}

func TestNetworkConnectRegistersAndRelaysFrames(t *testing.T) {
	tr, peer, _ := connectedNetwork(t, testNetworkConfig())

	st := tr.State()
	assert.Equal(t, TypeNetwork, st.Type)
	assert.Contains(t, st.PeerName, "desk")

	env := readEnvelope(t, peer)
	require.Equal(t, protocol.TypeRegistration, env.Type)
	var reg protocol.Registration
	require.NoError(t, env.Decode(&reg))
	assert.Equal(t, "dev-1", reg.DeviceID)
	assert.Equal(t, "pinephone", reg.DeviceName)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","payload":{"command":"unlock"}}`)))
	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))

	f := <-tr.Receive()
	assert.Equal(t, FrameText, f.Kind)
	assert.Contains(t, f.Text(), "unlock")
	f = <-tr.Receive()
	assert.Equal(t, FrameBinary, f.Kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.Data)

	require.NoError(t, tr.SendBinary([]byte{9, 9}))
	kind, data, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{9, 9}, data)
}

func TestNetworkHeartbeat(t *testing.T) {
	cfg := testNetworkConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	_, peer, _ := connectedNetwork(t, cfg)

	require.Equal(t, protocol.TypeRegistration, readEnvelope(t, peer).Type)
	for i := 0; i < 2; i++ {
		assert.Equal(t, protocol.TypeHeartbeat, readEnvelope(t, peer).Type)
	}
}

func TestNetworkPeerCloseIsDisconnected(t *testing.T) {
	tr, peer, states := connectedNetwork(t, testNetworkConfig())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, peer.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	seen := waitState(t, states, phaseIs(PhaseDisconnected))
	for _, st := range seen {
		assert.NotEqual(t, PhaseError, st.Phase)
	}
	assert.ErrorIs(t, tr.Send("late"), ErrNotConnected)
}

func TestNetworkAbruptDropIsError(t *testing.T) {
	tr, peer, states := connectedNetwork(t, testNetworkConfig())

	peer.UnderlyingConn().Close()

	seen := waitState(t, states, phaseIs(PhaseError))
	assert.Contains(t, seen[len(seen)-1].Message, "connection lost")
	assert.False(t, tr.IsConnected())

	// A fresh attempt is allowed after the fault.
	tr.Connect()
	waitState(t, states, phaseIs(PhaseDiscovering))
}

func TestNetworkDiscoveryFailureIsError(t *testing.T) {
	d := &fakeDiscoverer{err: context.DeadlineExceeded}
	tr := NewNetworkTransport(testNetworkConfig(), d, zaptest.NewLogger(t))
	defer tr.Disconnect()
	states, unsub := tr.Subscribe()
	defer unsub()

	tr.Connect()
	seen := waitState(t, states, phaseIs(PhaseError))
	assert.Equal(t, []Phase{PhaseDiscovering, PhaseError}, phases(seen))
	assert.Contains(t, seen[1].Message, "discovery failed")
}

func TestNetworkConnectIgnoredWhileRunning(t *testing.T) {
	d := &fakeDiscoverer{block: true}
	tr := NewNetworkTransport(testNetworkConfig(), d, zaptest.NewLogger(t))
	defer tr.Disconnect()

	tr.Connect()
	tr.Connect()
	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestNetworkSendWhileDisconnectedDoesNotBlock(t *testing.T) {
	tr := NewNetworkTransport(testNetworkConfig(), &fakeDiscoverer{block: true}, zaptest.NewLogger(t))

	done := make(chan error, 2)
	go func() {
		done <- tr.Send(`{"type":"heartbeat"}`)
		done <- tr.SendBinary([]byte{0})
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrNotConnected)
		case <-time.After(time.Second):
			t.Fatal("send blocked while disconnected")
		}
	}
}

func TestNetworkDisconnectIsIdempotent(t *testing.T) {
	tr := NewNetworkTransport(testNetworkConfig(), &fakeDiscoverer{block: true}, zaptest.NewLogger(t))
	states, unsub := tr.Subscribe()
	defer unsub()

	tr.Disconnect()
	tr.Disconnect()
	assert.Empty(t, collect(states, 50*time.Millisecond))
	assert.Equal(t, Disconnected(), tr.State())

	tr.Connect()
	waitState(t, states, phaseIs(PhaseDiscovering))
	tr.Disconnect()
	tr.Disconnect()
	assert.Equal(t, []State{Disconnected()}, collect(states, 50*time.Millisecond))
}

func TestNetworkDisconnectWhileConnected(t *testing.T) {
	tr, peer, states := connectedNetwork(t, testNetworkConfig())

	tr.Disconnect()
	assert.Equal(t, []State{Disconnected()}, collect(states, 100*time.Millisecond))

	peer.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	for {
		if _, _, err := peer.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
}

func phases(states []State) []Phase {
	out := make([]Phase, len(states))
	for i, st := range states {
		out[i] = st.Phase
	}
	return out
}
