package bluez

import "github.com/gg-glitch-88/desklink/internal/transport"

// Strategies returns the connect strategies in the order the radio transport
// tries them: secure profile, insecure profile, raw channel. Platforms
// without RFCOMM sockets get none.
func Strategies(c *Client, serviceUUID string, channel uint8) []transport.SocketStrategy {
	return platformStrategies(c, serviceUUID, channel)
}
