// Package agent is the application service. It owns the store, the two
// transports, the connection manager, the relays and the control API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gg-glitch-88/desklink/internal/api"
	"github.com/gg-glitch-88/desklink/internal/audio"
	"github.com/gg-glitch-88/desklink/internal/config"
	"github.com/gg-glitch-88/desklink/internal/connection"
	"github.com/gg-glitch-88/desklink/internal/notifications"
	"github.com/gg-glitch-88/desklink/internal/protocol"
	"github.com/gg-glitch-88/desklink/internal/relay"
	"github.com/gg-glitch-88/desklink/internal/settings"
	"github.com/gg-glitch-88/desklink/internal/store"
	"github.com/gg-glitch-88/desklink/internal/transport"
	"github.com/gg-glitch-88/desklink/internal/transport/bluez"
	"github.com/gg-glitch-88/desklink/internal/transport/mdns"
)

const shutdownTimeout = 10 * time.Second

// Option overrides one of the platform integrations.
type Option func(*overrides)

type overrides struct {
	discoverer transport.Discoverer
	radio      transport.RadioAdapter
	strategies []transport.SocketStrategy
	source     audio.Source
	sink       audio.Sink
}

// WithDiscoverer replaces mDNS browsing.
func WithDiscoverer(d transport.Discoverer) Option {
	return func(o *overrides) { o.discoverer = d }
}

// WithRadio replaces the BlueZ adapter and its socket strategies.
func WithRadio(a transport.RadioAdapter, strategies []transport.SocketStrategy) Option {
	return func(o *overrides) {
		o.radio = a
		o.strategies = strategies
	}
}

// WithAudio replaces the ALSA capture and playback commands.
func WithAudio(src audio.Source, sink audio.Sink) Option {
	return func(o *overrides) {
		o.source = src
		o.sink = sink
	}
}

// Agent is the central application service.
type Agent struct {
	cfg *config.Config
	log *zap.Logger

	db       *store.DB
	bus      *bluez.Client
	settings *settings.Store
	hub      *api.Hub

	Manager       *connection.Manager
	Notifications *relay.Notifications
	Calls         *relay.Calls

	reconnector *connection.Reconnector
	server      *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New wires every component without starting anything.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}
	a := &Agent{cfg: cfg, log: log.Named("agent"), hub: api.NewHub()}

	notes, err := a.openStore()
	if err != nil {
		return nil, err
	}

	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID = a.settings.DeviceID()
	}

	discoverer := o.discoverer
	if discoverer == nil {
		discoverer = mdns.NewBrowser(cfg.Network.Service, cfg.Network.Domain, log)
	}
	network := transport.NewNetworkTransport(transport.NetworkConfig{
		Path:              cfg.Network.Path,
		HeartbeatInterval: cfg.Network.HeartbeatInterval.Std(),
		DiscoveryTimeout:  cfg.Network.DiscoveryTimeout.Std(),
		DialTimeout:       cfg.Network.DialTimeout.Std(),
		WriteTimeout:      cfg.Network.WriteTimeout.Std(),
		Registration: protocol.Registration{
			DeviceID:   deviceID,
			DeviceName: cfg.Device.Name,
			AppVersion: cfg.Device.AppVersion,
		},
	}, discoverer, log)

	adapter, strategies := o.radio, o.strategies
	if adapter == nil {
		adapter, strategies = a.dialBluez()
	}
	radio := transport.NewRadioTransport(transport.RadioConfig{
		NameFilter:     cfg.Radio.NameFilter,
		MaxAttempts:    cfg.Radio.MaxAttempts,
		RetryBaseDelay: cfg.Radio.RetryBaseDelay.Std(),
		ReadBufferSize: cfg.Radio.ReadBuffer,
	}, adapter, strategies, log)

	a.Manager = connection.New(connection.Options{
		Transports:    []transport.Transport{network, radio},
		Settings:      a.settings,
		Notifications: notes,
		Calls:         a.hub,
		Device:        a.hub,
		Listener:      a.hub,
	}, log)

	var src audio.Source = audio.ExecSource{Command: cfg.Audio.CaptureCommand, Log: log}
	var sink audio.Sink = audio.ExecSink{Command: cfg.Audio.PlaybackCommand, Log: log}
	if o.source != nil {
		src = o.source
	}
	if o.sink != nil {
		sink = o.sink
	}
	a.Manager.AttachAudio(audio.NewBridge(src, sink, a.Manager, cfg.Audio.Format, cfg.Audio.ChunkBytes, log))

	a.Notifications = relay.NewNotifications(notes, a.Manager, a.settings, cfg.Notifications.IgnoreApps, log)
	a.Calls = relay.NewCalls(a.Manager, a.Manager, log)

	a.reconnector = connection.NewReconnector(a.Manager, connection.ReconnectPolicy{
		Enabled: cfg.Reconnect.Enabled,
		Backoff: transport.ExponentialBackoff{
			InitialDelay: cfg.Reconnect.InitialDelay.Std(),
			Multiplier:   cfg.Reconnect.Multiplier,
			MaxDelay:     cfg.Reconnect.MaxDelay.Std(),
			Jitter:       cfg.Reconnect.Jitter,
		},
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}, log)

	router := api.NewRouter(api.Deps{
		Manager:       a.Manager,
		Notifications: a.Notifications,
		Calls:         a.Calls,
		Settings:      a.settings,
		Hub:           a.hub,
	}, log)
	a.server = &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return a, nil
}

// openStore opens SQLite when a path is configured and falls back to
// memory otherwise.
func (a *Agent) openStore() (notifications.Repository, error) {
	if a.cfg.Store.Path == "" {
		st, err := settings.Open(nil)
		if err != nil {
			return nil, err
		}
		a.settings = st
		a.log.Info("no store path, state is kept in memory")
		return notifications.NewMemoryRepository(), nil
	}

	db, err := store.OpenMigrated(a.cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("agent: store: %w", err)
	}
	st, err := settings.Open(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("agent: settings: %w", err)
	}
	repo, err := notifications.NewSQLRepository(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("agent: notifications: %w", err)
	}
	a.db, a.settings = db, st
	a.log.Info("store opened", zap.String("path", a.cfg.Store.Path), zap.Int("notifications", repo.Len()))
	return repo, nil
}

// dialBluez connects to the system bus. Without it the radio transport
// still exists but every connect ends in an adapter error.
func (a *Agent) dialBluez() (transport.RadioAdapter, []transport.SocketStrategy) {
	c, err := bluez.Dial(a.cfg.Radio.Adapter, a.log)
	if err != nil {
		a.log.Warn("bluetooth unavailable", zap.Error(err))
		return nil, nil
	}
	a.bus = c
	return c, bluez.Strategies(c, a.cfg.Radio.ServiceUUID, uint8(a.cfg.Radio.Channel))
}

// Start launches the manager loops, the reconnect supervisor and the API,
// replays auto-connect, and blocks until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.API.ListenAddr)
	if err != nil {
		return fmt.Errorf("agent: listen %s: %w", a.cfg.API.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	a.log.Info("control API listening", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Manager.Start(gctx) })
	g.Go(func() error { return a.reconnector.Start(gctx) })
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("agent: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("context cancelled, shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutCtx)
	})

	a.Manager.AutoConnect()
	return g.Wait()
}

// Addr is the API listen address once Start has bound it.
func (a *Agent) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Close disconnects and releases the store and the system bus.
func (a *Agent) Close() error {
	err := a.Manager.Close()
	if a.bus != nil {
		err = multierr.Append(err, a.bus.Close())
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	return err
}
