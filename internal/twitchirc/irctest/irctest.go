// Package irctest provides a scripted in-memory chat transport for tests.
package irctest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/you/censor-chatbot/internal/twitchirc"
)

// GlobalUserState is the login confirmation line the server sends after JOIN.
const GlobalUserState = "@badge-info=;badges=;color=;display-name=Bot;emote-sets=0;user-id=1;user-type= :tmi.twitch.tv GLOBALUSERSTATE"

// ErrClosed is returned by a Conn after Close.
var ErrClosed = errors.New("irctest: connection closed")

// Conn is an in-memory twitchirc.Conn. Lines pushed by the test are returned
// from ReadLine in order; lines written by the client are recorded.
type Conn struct {
	// OnWrite runs after every client write; use it to script replies.
	OnWrite func(c *Conn, line string)

	in     chan string
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
	failErr error
}

func NewConn() *Conn {
	return &Conn{
		in:     make(chan string, 256),
		closed: make(chan struct{}),
	}
}

// ConfirmOnJoin answers the JOIN line with GLOBALUSERSTATE.
func ConfirmOnJoin(c *Conn, line string) {
	if strings.HasPrefix(line, "JOIN ") {
		c.Push(GlobalUserState)
	}
}

// Push queues lines for the client to read.
func (c *Conn) Push(lines ...string) {
	for _, l := range lines {
		select {
		case c.in <- l:
		case <-c.closed:
			return
		}
	}
}

// Fail makes the next ReadLine return err, simulating a transport fault.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
	c.Push("")
}

func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	select {
	case l := <-c.in:
		c.mu.Lock()
		err := c.failErr
		c.mu.Unlock()
		if err != nil {
			return "", err
		}
		return l, nil
	case <-c.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Conn) WriteLine(_ context.Context, line string) error {
	if c.Closed() {
		return ErrClosed
	}
	c.mu.Lock()
	c.written = append(c.written, line)
	hook := c.OnWrite
	c.mu.Unlock()
	if hook != nil {
		hook(c, line)
	}
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Written returns a copy of every line the client has sent.
func (c *Conn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

// WaitWritten polls until a written line starts with prefix.
func (c *Conn) WaitWritten(prefix string, timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		for _, l := range c.Written() {
			if strings.HasPrefix(l, prefix) {
				return l, true
			}
		}
		if time.Now().After(deadline) {
			return "", false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Dialer hands out Conns. NewConn builds each connection; by default every
// connection confirms the login as soon as JOIN is written.
type Dialer struct {
	NewConn func() *Conn
	Err     error
	Block   bool // Dial waits for ctx cancellation

	mu    sync.Mutex
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context) (twitchirc.Conn, error) {
	if d.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.Err != nil {
		return nil, d.Err
	}
	var conn *Conn
	if d.NewConn != nil {
		conn = d.NewConn()
	} else {
		conn = NewConn()
		conn.OnWrite = ConfirmOnJoin
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Dials reports how many connections were opened.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
