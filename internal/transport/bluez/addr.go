package bluez

import (
	"fmt"
	"net"
)

// bdaddr parses a MAC address into the little-endian byte order the kernel
// expects in bdaddr_t.
func bdaddr(mac string) ([6]uint8, error) {
	var out [6]uint8
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return out, fmt.Errorf("bluez: invalid device address %q", mac)
	}
	for i := 0; i < 6; i++ {
		out[i] = hw[5-i]
	}
	return out, nil
}
