//go:build !linux

package bluez

import "github.com/gg-glitch-88/desklink/internal/transport"

func platformStrategies(*Client, string, uint8) []transport.SocketStrategy {
	return nil
}
