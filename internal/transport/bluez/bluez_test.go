package bluez

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-glitch-88/desklink/internal/transport"
)

func device(paired bool, name, alias, addr string) map[string]map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		"Paired":  dbus.MakeVariant(paired),
		"Address": dbus.MakeVariant(addr),
	}
	if name != "" {
		props["Name"] = dbus.MakeVariant(name)
	}
	if alias != "" {
		props["Alias"] = dbus.MakeVariant(alias)
	}
	return map[string]map[string]dbus.Variant{deviceIface: props}
}

func TestPairedFromFiltersAndSorts(t *testing.T) {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez/hci0":                       {adapterIface: {"Powered": dbus.MakeVariant(true)}},
		"/org/bluez/hci0/dev_BB_00_00_00_00_02": device(true, "", "Desk-PC", "BB:00:00:00:00:02"),
		"/org/bluez/hci0/dev_AA_00_00_00_00_01": device(true, "Headset", "", "AA:00:00:00:00:01"),
		"/org/bluez/hci0/dev_CC_00_00_00_00_03": device(false, "Stranger", "", "CC:00:00:00:00:03"),
		"/org/bluez/hci1/dev_DD_00_00_00_00_04": device(true, "Other adapter", "", "DD:00:00:00:00:04"),
	}

	got := pairedFrom(objects, adapterPath("hci0"))
	assert.Equal(t, []transport.PairedDevice{
		{Name: "Headset", Address: "AA:00:00:00:00:01"},
		{Name: "Desk-PC", Address: "BB:00:00:00:00:02"},
	}, got)
}

func TestDeviceObjectPath(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), deviceObjectPath("hci0", "aa:bb:cc:dd:ee:ff"))
}

func TestBdaddrReversesBytes(t *testing.T) {
	got, err := bdaddr("00:1A:7D:DA:71:13")
	require.NoError(t, err)
	assert.Equal(t, [6]uint8{0x13, 0x71, 0xDA, 0x7D, 0x1A, 0x00}, got)

	_, err = bdaddr("not-a-mac")
	assert.Error(t, err)
}

func TestBenignStopDiscoveryErrors(t *testing.T) {
	assert.True(t, benign(dbus.Error{Name: "org.bluez.Error.Failed"}))
	assert.True(t, benign(&dbus.Error{Name: "org.bluez.Error.NotReady"}))
	assert.True(t, benign(fmt.Errorf("wrapped: %w", dbus.Error{Name: "org.bluez.Error.Failed"})))
	assert.False(t, benign(dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}))
	assert.False(t, benign(errors.New("plain")))
}
