package twitchirc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// DefaultURL is Twitch's IRC-over-WebSocket endpoint.
const DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

// Conn is a line-oriented chat connection. ReadLine is only ever called from
// one goroutine; WriteLine may be called concurrently with it.
type Conn interface {
	ReadLine(ctx context.Context) (string, error)
	WriteLine(ctx context.Context, line string) error
	Close() error
}

// Dialer opens chat connections. Tests substitute a scripted implementation.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials the chat service over a WebSocket.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
}

func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	url := strings.TrimSpace(d.URL)
	if url == "" {
		url = DefaultURL
	}
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c       *websocket.Conn
	pending []string
}

// ReadLine returns the next protocol line. A single frame may carry several
// CRLF-terminated lines; the extras are buffered.
func (w *wsConn) ReadLine(ctx context.Context) (string, error) {
	for len(w.pending) == 0 {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return "", err
		}
		if typ != websocket.MessageText {
			continue
		}
		w.pending = append(w.pending, splitFrame(string(data))...)
	}
	line := w.pending[0]
	w.pending = w.pending[1:]
	return line, nil
}

func (w *wsConn) WriteLine(ctx context.Context, line string) error {
	return w.c.Write(ctx, websocket.MessageText, []byte(line+"\r\n"))
}

func (w *wsConn) Close() error {
	return w.c.CloseNow()
}

func splitFrame(frame string) []string {
	var out []string
	for _, l := range strings.Split(frame, "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// IsNormalClose reports whether err is an orderly close rather than a fault.
func IsNormalClose(err error) bool {
	if err == nil {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
