// Package bluez drives the local radio through BlueZ on the system D-Bus and
// provides the socket strategies the radio transport tries in order.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/transport"
)

const (
	busName          = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	profileMgrIface  = "org.bluez.ProfileManager1"
	profileIface     = "org.bluez.Profile1"
	propsIface       = "org.freedesktop.DBus.Properties"
	objectMgrIface   = "org.freedesktop.DBus.ObjectManager"
	profileMgrPath   = dbus.ObjectPath("/org/bluez")
	DefaultAdapter   = "hci0"
	SerialPortUUID   = "00001101-0000-1000-8000-00805F9B34FB"
	defaultAppPrefix = "/org/desklink/profile"
)

// adapterPath maps "hci0" to "/org/bluez/hci0".
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(adapterPath(adapter)) + "/dev_" + escaped)
}

// Client wraps a private system bus connection for BlueZ operations. It
// implements transport.RadioAdapter.
type Client struct {
	conn    *dbus.Conn
	adapter string
	log     *zap.Logger
}

// Dial connects to the system bus. It does not require BlueZ to be running;
// Ready reports that.
func Dial(adapter string, log *zap.Logger) (*Client, error) {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	return &Client{conn: conn, adapter: adapter, log: log.Named("bluez")}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Ready checks that BlueZ is on the bus and the adapter is powered.
func (c *Client) Ready(ctx context.Context) error {
	var names []string
	if err := c.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return fmt.Errorf("bluez: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: org.bluez not on system bus, is bluetooth.service running?", transport.ErrAdapterUnavailable)
	}

	v, err := c.getProp(ctx, adapterPath(c.adapter), adapterIface, "Powered")
	if err != nil {
		return fmt.Errorf("%w: adapter %s: %v", transport.ErrAdapterUnavailable, c.adapter, err)
	}
	if powered, _ := v.Value().(bool); !powered {
		return fmt.Errorf("%w: adapter %s is powered off", transport.ErrAdapterUnavailable, c.adapter)
	}
	return nil
}

// PairedDevices lists bonded devices under the configured adapter.
func (c *Client) PairedDevices(ctx context.Context) ([]transport.PairedDevice, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := c.conn.Object(busName, "/")
	if err := obj.CallWithContext(ctx, objectMgrIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: managed objects: %w", err)
	}
	devs := pairedFrom(objects, adapterPath(c.adapter))
	c.log.Debug("paired devices", zap.Int("count", len(devs)))
	return devs, nil
}

// CancelDiscovery stops an inquiry scan. "No discovery started" is not an
// error.
func (c *Client) CancelDiscovery(ctx context.Context) error {
	obj := c.conn.Object(busName, adapterPath(c.adapter))
	err := obj.CallWithContext(ctx, adapterIface+".StopDiscovery", 0).Err
	if err != nil && !benign(err) {
		return fmt.Errorf("bluez: stop discovery: %w", err)
	}
	return nil
}

func (c *Client) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := c.conn.Object(busName, path).CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

// pairedFrom picks Device1 objects below adapter with Paired=true. Name
// falls back to Alias. The result is sorted by object path so matching is
// deterministic.
func pairedFrom(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapter dbus.ObjectPath) []transport.PairedDevice {
	prefix := string(adapter) + "/"
	paths := make([]string, 0, len(objects))
	for p := range objects {
		if strings.HasPrefix(string(p), prefix) {
			paths = append(paths, string(p))
		}
	}
	sort.Strings(paths)

	var out []transport.PairedDevice
	for _, p := range paths {
		props, ok := objects[dbus.ObjectPath(p)][deviceIface]
		if !ok {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		name, _ := props["Name"].Value().(string)
		if name == "" {
			name, _ = props["Alias"].Value().(string)
		}
		addr, _ := props["Address"].Value().(string)
		out = append(out, transport.PairedDevice{Name: name, Address: addr})
	}
	return out
}

// benign reports BlueZ errors StopDiscovery returns when nothing is running.
func benign(err error) bool {
	switch errorName(err) {
	case "org.bluez.Error.Failed", "org.bluez.Error.NotReady", "org.bluez.Error.NotAuthorized":
		return true
	}
	return false
}

func errorName(err error) string {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) && pderr != nil {
		return pderr.Name
	}
	return ""
}
