package twitchirc

import "time"

// SetHandshakeTimer replaces the handshake deadline source of c.
func SetHandshakeTimer(c *Client, fn func(time.Duration) (<-chan time.Time, func() bool)) {
	c.startTimer = fn
}
