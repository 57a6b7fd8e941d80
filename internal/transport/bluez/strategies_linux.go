//go:build linux

package bluez

import "github.com/gg-glitch-88/desklink/internal/transport"

func platformStrategies(c *Client, serviceUUID string, channel uint8) []transport.SocketStrategy {
	return []transport.SocketStrategy{
		NewProfileStrategy(c, serviceUUID, true),
		NewProfileStrategy(c, serviceUUID, false),
		NewChannelStrategy(channel),
	}
}
