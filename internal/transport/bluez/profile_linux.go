//go:build linux

package bluez

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gg-glitch-88/desklink/internal/transport"
)

// ProfileStrategy opens a socket by registering a client-role Profile1 for
// the service UUID and asking BlueZ to connect it. BlueZ resolves the
// channel through the peer's service record and hands the connected fd to
// NewConnection.
type ProfileStrategy struct {
	client *Client
	uuid   string
	secure bool
}

func NewProfileStrategy(c *Client, serviceUUID string, secure bool) *ProfileStrategy {
	if serviceUUID == "" {
		serviceUUID = SerialPortUUID
	}
	return &ProfileStrategy{client: c, uuid: strings.ToLower(serviceUUID), secure: secure}
}

func (s *ProfileStrategy) Name() string {
	if s.secure {
		return "profile-secure"
	}
	return "profile-insecure"
}

func (s *ProfileStrategy) Open(ctx context.Context, dev transport.PairedDevice) (io.ReadWriteCloser, error) {
	c := s.client
	path := dbus.ObjectPath(defaultAppPrefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "_"))
	h := &profileHandler{fds: make(chan *os.File, 1), log: c.log}

	if err := c.conn.Export(h, path, profileIface); err != nil {
		return nil, fmt.Errorf("export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"RequireAuthentication": dbus.MakeVariant(s.secure),
		"RequireAuthorization":  dbus.MakeVariant(false),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	mgr := c.conn.Object(busName, profileMgrPath)
	if err := mgr.CallWithContext(ctx, profileMgrIface+".RegisterProfile", 0, path, s.uuid, opts).Err; err != nil {
		c.conn.Export(nil, path, profileIface) //nolint:errcheck
		return nil, fmt.Errorf("register profile: %w", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := mgr.Call(profileMgrIface+".UnregisterProfile", 0, path).Err; err != nil {
				c.log.Debug("unregister profile", zap.Error(err))
			}
			c.conn.Export(nil, path, profileIface) //nolint:errcheck
			h.drain()
		})
	}

	devObj := c.conn.Object(busName, deviceObjectPath(c.adapter, dev.Address))
	if err := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, s.uuid).Err; err != nil {
		release()
		return nil, fmt.Errorf("connect profile %s: %w", s.uuid, err)
	}

	select {
	case f := <-h.fds:
		return &profileConn{File: f, release: release}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// profileConn keeps the profile registered for as long as the socket is
// open.
type profileConn struct {
	*os.File
	release func()
}

func (p *profileConn) Close() error {
	err := p.File.Close()
	p.release()
	return err
}

// profileHandler is the exported org.bluez.Profile1 object.
type profileHandler struct {
	fds chan *os.File
	log *zap.Logger
}

func (h *profileHandler) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	// Non-blocking so Close interrupts a pending Read.
	if err := unix.SetNonblock(int(fd), true); err != nil {
		unix.Close(int(fd))
		return dbus.MakeFailedError(err)
	}
	f := os.NewFile(uintptr(fd), string(device))
	select {
	case h.fds <- f:
	default:
		h.log.Debug("extra profile connection, closing", zap.String("device", string(device)))
		f.Close()
	}
	return nil
}

func (h *profileHandler) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

func (h *profileHandler) Release() *dbus.Error { return nil }

// drain closes a socket delivered after the caller gave up.
func (h *profileHandler) drain() {
	select {
	case f := <-h.fds:
		f.Close()
	default:
	}
}
