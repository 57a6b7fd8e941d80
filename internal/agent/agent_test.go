package agent

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gg-glitch-88/desklink/internal/api"
	"github.com/gg-glitch-88/desklink/internal/audio"
	"github.com/gg-glitch-88/desklink/internal/config"
	"github.com/gg-glitch-88/desklink/internal/protocol"
	"github.com/gg-glitch-88/desklink/internal/transport"
)

type staticDiscoverer struct{ ep transport.Endpoint }

func (d staticDiscoverer) Discover(context.Context) (transport.Endpoint, error) { return d.ep, nil }

type unpairedRadio struct{}

func (unpairedRadio) Ready(context.Context) error { return nil }
func (unpairedRadio) PairedDevices(context.Context) ([]transport.PairedDevice, error) {
	return nil, nil
}
func (unpairedRadio) CancelDiscovery(context.Context) error { return nil }

type silence struct{}

func (silence) Open(ctx context.Context, _ audio.Format) (io.ReadCloser, error) {
	r, w := io.Pipe()
	go func() {
		<-ctx.Done()
		w.Close()
	}()
	return r, nil
}

type discard struct{}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (discard) Open(context.Context, audio.Format) (io.WriteCloser, error) {
	return nopWriteCloser{io.Discard}, nil
}

// desktop is a WebSocket peer standing in for the desktop controller.
func desktop(t *testing.T) (transport.Endpoint, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 2)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := up.Upgrade(w, r, nil); err == nil {
			conns <- c
		}
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return transport.Endpoint{Instance: "desk", Host: host, Port: p}, conns
}

func testConfig(t *testing.T, dbPath string) *config.Config {
	cfg := config.Default()
	cfg.Device.ID = "dev-1"
	cfg.Device.Name = "pinephone"
	cfg.Store.Path = dbPath
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.Network.DiscoveryTimeout = 0
	cfg.Network.DialTimeout = config.Duration(2 * time.Second)
	cfg.Radio.RetryBaseDelay = 0
	return cfg
}

type running struct {
	agent *Agent
	base  string
	stop  func()
}

func start(t *testing.T, cfg *config.Config, ep transport.Endpoint) *running {
	t.Helper()
	a, err := New(cfg, zaptest.NewLogger(t),
		WithDiscoverer(staticDiscoverer{ep: ep}),
		WithRadio(unpairedRadio{}, nil),
		WithAudio(silence{}, discard{}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()
	require.Eventually(t, func() bool { return a.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
		assert.NoError(t, a.Close())
	}
	t.Cleanup(stop)
	return &running{agent: a, base: "http://" + a.Addr().String(), stop: stop}
}

func (r *running) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(r.base+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readText(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Parse(string(data))
	require.NoError(t, err)
	return env
}

func TestAgentEndToEnd(t *testing.T) {
	ep, conns := desktop(t)
	dbPath := filepath.Join(t.TempDir(), "desklink.db")
	r := start(t, testConfig(t, dbPath), ep)

	events, _, err := websocket.DefaultDialer.Dial("ws://"+r.agent.Addr().String()+"/api/v1/events", nil)
	require.NoError(t, err)
	defer events.Close()
	require.Eventually(t, func() bool { return r.agent.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	resp := r.post(t, "/api/v1/notifications", `{"key":"n1","app":"org.chat","title":"Hi","text":"lunch?","timestamp":42}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var posted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&posted))
	assert.Equal(t, "queued", posted["delivery"])

	require.Equal(t, http.StatusAccepted, r.post(t, "/api/v1/connect", `{"type":"network"}`).StatusCode)

	var peer *websocket.Conn
	select {
	case peer = <-conns:
		defer peer.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("desktop never saw a connection")
	}

	reg := readText(t, peer)
	require.Equal(t, protocol.TypeRegistration, reg.Type)
	var rp protocol.Registration
	require.NoError(t, reg.Decode(&rp))
	assert.Equal(t, "dev-1", rp.DeviceID)

	flushed := readText(t, peer)
	require.Equal(t, protocol.TypeNotification, flushed.Type)
	var n protocol.Notification
	require.NoError(t, flushed.Decode(&n))
	assert.Equal(t, "n1", n.Key)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","payload":{"command":"answer_call"}}`)))

	seen := map[api.EventType]bool{}
	deadline := time.Now().Add(3 * time.Second)
	for !seen[api.EventCallControl] || !seen[api.EventMessage] {
		events.SetReadDeadline(deadline) //nolint:errcheck
		var e api.Event
		require.NoError(t, events.ReadJSON(&e))
		seen[e.Type] = true
	}
	assert.True(t, seen[api.EventDiscoveryStarted])
	assert.True(t, seen[api.EventConnected])

	var st api.Status
	resp, err = http.Get(r.base + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Connected)
	assert.Equal(t, "network", st.Active)

	r.stop()

	// State survives a restart.
	cfg := testConfig(t, dbPath)
	cfg.Device.ID = ""
	again, err := New(cfg, zaptest.NewLogger(t), WithDiscoverer(staticDiscoverer{ep: ep}), WithRadio(unpairedRadio{}, nil))
	require.NoError(t, err)
	defer again.Close()
	recs, err := again.Notifications.All()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Sent)
	assert.Equal(t, transport.TypeNetwork, again.settings.LastTransportType())
	assert.NotEmpty(t, again.settings.DeviceID())
}

func TestAgentRadioWithoutPairedDevice(t *testing.T) {
	ep, _ := desktop(t)
	r := start(t, testConfig(t, ""), ep)

	require.Equal(t, http.StatusAccepted, r.post(t, "/api/v1/connect", `{"type":"radio"}`).StatusCode)
	require.Eventually(t, func() bool {
		return r.agent.Manager.State().Phase == transport.PhaseError
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, r.agent.Manager.State().Message, "pair the desktop first")
}

func TestAgentAutoConnect(t *testing.T) {
	ep, conns := desktop(t)
	dbPath := filepath.Join(t.TempDir(), "desklink.db")

	first := start(t, testConfig(t, dbPath), ep)
	require.NoError(t, first.agent.settings.SetAutoConnectEnabled(true))
	require.NoError(t, first.agent.settings.SetLastTransportType(transport.TypeNetwork))
	first.stop()

	start(t, testConfig(t, dbPath), ep)
	select {
	case c := <-conns:
		c.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("auto-connect did not reach the desktop")
	}
}
