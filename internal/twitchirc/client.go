package twitchirc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/censor-chatbot/internal/logging"
	"github.com/you/censor-chatbot/internal/twitch"
)

// DefaultHandshakeTimeout bounds Connect when Config.HandshakeTimeout is zero.
const DefaultHandshakeTimeout = 5 * time.Second

const writeTimeout = 10 * time.Second

var (
	ErrHandshakeTimeout = errors.New("twitchirc: handshake timed out")
	ErrAuthFailed       = errors.New("twitchirc: authentication failed")
	ErrNotConnected     = errors.New("twitchirc: not connected")
	errMissingIdentity  = errors.New("twitchirc: nick, channel and token are required")
)

type Config struct {
	Nick             string
	Channel          string // defaults to Nick
	Token            string
	TokenProvider    func() string
	HandshakeTimeout time.Duration
	Dialer           Dialer
}

// attempt is one Connect call and, on success, the connection it produced.
type attempt struct {
	cancel    context.CancelFunc
	confirmed chan struct{}
	confirm   sync.Once
	failed    chan error
	aborted   chan struct{}
}

// Client owns a single chat connection. Each listener slot holds exactly one
// handler; registering again replaces the previous one.
type Client struct {
	cfg Config

	mu        sync.Mutex
	cur       *attempt
	conn      Conn
	onError   func(error)
	onClose   func(error)
	onMessage func(string)
	onOpen    func()

	writeMu   sync.Mutex
	connected atomic.Bool

	startTimer func(time.Duration) (<-chan time.Time, func() bool)
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) OnError(h func(error))    { c.mu.Lock(); c.onError = h; c.mu.Unlock() }
func (c *Client) OnClose(h func(error))    { c.mu.Lock(); c.onClose = h; c.mu.Unlock() }
func (c *Client) OnMessage(h func(string)) { c.mu.Lock(); c.onMessage = h; c.mu.Unlock() }

// OnOpen fires once the socket is open and the login lines are about to be sent.
func (c *Client) OnOpen(h func()) { c.mu.Lock(); c.onOpen = h; c.mu.Unlock() }

// Connected reports whether the server has confirmed the login.
func (c *Client) Connected() bool { return c.connected.Load() }

// Channel returns the joined channel login.
func (c *Client) Channel() string {
	channel := strings.TrimPrefix(strings.TrimSpace(c.cfg.Channel), "#")
	if channel == "" {
		channel = c.cfg.Nick
	}
	return strings.ToLower(channel)
}

// Nick returns the login the client authenticates as.
func (c *Client) Nick() string { return strings.ToLower(strings.TrimSpace(c.cfg.Nick)) }

// Connect opens the socket, logs in and waits for GLOBALUSERSTATE. It returns
// false on handshake timeout, transport error, authentication failure, ctx
// cancellation or a Disconnect issued before confirmation. Whichever of those
// happens first decides the result.
func (c *Client) Connect(ctx context.Context) bool {
	token := c.token()
	if c.Nick() == "" || c.Channel() == "" || token == "" {
		c.emitError(errMissingIdentity)
		return false
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return c.connected.Load()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a := &attempt{
		cancel:    cancel,
		confirmed: make(chan struct{}),
		failed:    make(chan error, 1),
		aborted:   make(chan struct{}),
	}
	c.cur = a
	c.mu.Unlock()

	timeout := c.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	go c.run(runCtx, a, token)

	expired, stop := c.handshakeTimer(timeout)
	defer stop()

	select {
	case <-a.confirmed:
		return c.joined()
	case <-a.failed:
		return false
	case <-a.aborted:
		return false
	case <-expired:
		// A confirmation that landed together with the deadline still counts.
		select {
		case <-a.confirmed:
			return c.joined()
		default:
		}
		if conn, ok := c.release(a); ok {
			closeConn(conn)
			logging.L().Warn().Dur("timeout", timeout).Msg("twitchirc: login not confirmed")
			c.emitError(ErrHandshakeTimeout)
		}
		return false
	case <-ctx.Done():
		if conn, ok := c.release(a); ok {
			closeConn(conn)
		}
		return false
	}
}

func (c *Client) joined() bool {
	if !c.connected.Load() {
		return false
	}
	logging.L().Info().Str(logging.FieldChannel, c.Channel()).Str("nick", c.Nick()).Msg("twitchirc: joined")
	return true
}

func (c *Client) handshakeTimer(d time.Duration) (<-chan time.Time, func() bool) {
	if c.startTimer != nil {
		return c.startTimer(d)
	}
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// Disconnect closes the socket and silences every later event from it. It is
// idempotent and may race with an in-flight Connect, which then returns false.
func (c *Client) Disconnect() {
	c.mu.Lock()
	a := c.cur
	c.mu.Unlock()
	if a == nil {
		return
	}
	conn, ok := c.release(a)
	if !ok {
		return
	}
	close(a.aborted)
	closeConn(conn)
}

// Send writes one raw protocol line. It does nothing unless connected.
func (c *Client) Send(line string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.write(ctx, conn, line)
}

func (c *Client) run(ctx context.Context, a *attempt, token string) {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	conn, err := dialer.Dial(ctx)
	if err != nil {
		c.finish(a, nil, fmt.Errorf("twitchirc: %w", err))
		return
	}
	if !c.attach(a, conn) {
		closeConn(conn)
		return
	}
	c.emitOpen(a)

	login := []string{
		"CAP REQ :twitch.tv/membership twitch.tv/tags twitch.tv/commands",
		"PASS " + token,
		"NICK " + c.Nick(),
		"JOIN #" + c.Channel(),
	}
	for _, line := range login {
		if err := c.write(ctx, conn, line); err != nil {
			c.finish(a, conn, fmt.Errorf("twitchirc: send %s: %w", strings.Fields(line)[0], err))
			return
		}
	}

	for {
		raw, err := conn.ReadLine(ctx)
		if err != nil {
			c.finish(a, conn, err)
			return
		}

		parsed := ParseLine(raw)
		switch parsed.Kind {
		case KindPing:
			if err := c.write(ctx, conn, "PONG "+parsed.Payload); err != nil {
				c.finish(a, conn, fmt.Errorf("twitchirc: send PONG: %w", err))
				return
			}
			continue
		case KindAuthFailed:
			logging.L().Warn().Str("notice", parsed.Payload).Msg("twitchirc: authentication failed per server NOTICE")
			c.finish(a, conn, ErrAuthFailed)
			return
		case KindConnected:
			a.confirm.Do(func() {
				c.mu.Lock()
				if c.cur == a {
					c.connected.Store(true)
				}
				c.mu.Unlock()
				close(a.confirmed)
			})
		}
		c.emitMessage(a, raw)
	}
}

func (c *Client) token() string {
	token := c.cfg.Token
	if c.cfg.TokenProvider != nil {
		if provided := strings.TrimSpace(c.cfg.TokenProvider()); provided != "" {
			token = provided
		}
	}
	return twitch.NormalizeToken(token)
}

func (c *Client) attach(a *attempt, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != a {
		return false
	}
	c.conn = conn
	return true
}

// release detaches a from the client. Only the first caller for a given
// attempt gets ok=true; everyone else must stay silent.
func (c *Client) release(a *attempt) (Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != a {
		return nil, false
	}
	c.cur = nil
	conn := c.conn
	c.conn = nil
	c.connected.Store(false)
	a.cancel()
	return conn, true
}

// finish ends a connection that failed on its own.
func (c *Client) finish(a *attempt, conn Conn, err error) {
	closeConn(conn)
	if _, ok := c.release(a); !ok {
		return
	}
	if !IsNormalClose(err) {
		c.emitError(err)
	}
	c.emitClose(err)
	a.failed <- err
}

func (c *Client) write(ctx context.Context, conn Conn, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteLine(ctx, line)
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *Client) emitClose(err error) {
	c.mu.Lock()
	h := c.onClose
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *Client) emitOpen(a *attempt) {
	c.mu.Lock()
	h := c.onOpen
	current := c.cur == a
	c.mu.Unlock()
	if current && h != nil {
		h()
	}
}

func (c *Client) emitMessage(a *attempt, raw string) {
	c.mu.Lock()
	h := c.onMessage
	current := c.cur == a
	c.mu.Unlock()
	if current && h != nil {
		h(raw)
	}
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
