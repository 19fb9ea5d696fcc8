package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/logging"
	"github.com/you/censor-chatbot/internal/twitchirc"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type FaultKind string

const (
	FaultTimeout   FaultKind = "timeout"
	FaultAuth      FaultKind = "auth"
	FaultTransport FaultKind = "transport"
	FaultClosed    FaultKind = "closed"
)

// Fault reports the end of a connection the owner did not ask for.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f Fault) Error() string {
	if f.Err == nil {
		return "chat: connection " + string(f.Kind)
	}
	return "chat: connection " + string(f.Kind) + ": " + f.Err.Error()
}

func (f Fault) Unwrap() error { return f.Err }

// Transport is the connection a Session drives. *twitchirc.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context) bool
	Disconnect()
	Send(line string) error
	Channel() string
	OnError(func(error))
	OnClose(func(error))
	OnMessage(func(string))
	OnOpen(func())
}

type Options struct {
	Buffer int                     // Messages capacity, default 64
	Drops  *twitchirc.DropLogger   // optional summary of discarded lines
	OnLine func(twitchirc.Line)    // observes every parsed line
	Now    func() time.Time
}

const (
	defaultBuffer = 64
	faultBuffer   = 8
)

// Session turns the raw transport into an ordered stream of valid chat
// messages. It never reconnects on its own; faults are reported on Faults and
// the owner decides what to do.
type Session struct {
	client Transport
	drops  *twitchirc.DropLogger
	onLine func(twitchirc.Line)
	now    func() time.Time

	mu    sync.Mutex
	state State
	stop  chan struct{}

	// deliverMu lets Disconnect wait out an in-flight delivery before draining.
	deliverMu sync.RWMutex
	messages  chan core.ChatMessage
	faults    chan Fault
}

func New(client Transport, opts Options) *Session {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		client:   client,
		drops:    opts.Drops,
		onLine:   opts.OnLine,
		now:      opts.Now,
		state:    StateIdle,
		messages: make(chan core.ChatMessage, opts.Buffer),
		faults:   make(chan Fault, faultBuffer),
	}
	client.OnOpen(s.handleOpen)
	client.OnMessage(s.handleLine)
	client.OnError(s.handleError)
	client.OnClose(s.handleClose)
	return s
}

// Messages is the single-consumer stream of chat messages.
func (s *Session) Messages() <-chan core.ChatMessage { return s.messages }

// Faults is the single-consumer stream of unsolicited connection losses.
func (s *Session) Faults() <-chan Fault { return s.faults }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Channel() string { return s.client.Channel() }

// Connect opens the transport and waits for login confirmation. Calling it
// while a connection is open or in progress reports the current outcome.
func (s *Session) Connect(ctx context.Context) bool {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return true
	case StateConnecting, StateAuthenticating, StateClosing:
		s.mu.Unlock()
		return false
	}
	s.state = StateConnecting
	s.stop = make(chan struct{})
	s.mu.Unlock()

	ok := s.client.Connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting, StateAuthenticating, StateConnected:
		if ok {
			s.state = StateConnected
			return true
		}
		s.state = StateClosed
	}
	return false
}

// Disconnect closes the connection and discards anything not yet consumed.
// It is idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.client.Disconnect()

	s.deliverMu.Lock()
	dropped := s.drain()
	s.deliverMu.Unlock()
	if s.drops != nil {
		s.drops.Flush(s.now())
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	if dropped > 0 {
		logging.L().Debug().Int("discarded", dropped).Msg("chat: discarded unconsumed messages on disconnect")
	}
}

// Send posts text to the joined channel. It does nothing unless connected.
func (s *Session) Send(text string) error {
	if s.State() != StateConnected {
		return twitchirc.ErrNotConnected
	}
	return s.client.Send("PRIVMSG #" + s.client.Channel() + " :" + singleLine(text))
}

// SendTagged posts text addressed to user.
func (s *Session) SendTagged(user, text string) error {
	return s.Send("@" + strings.TrimPrefix(user, "@") + " " + text)
}

func (s *Session) handleOpen() {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateAuthenticating
	}
	s.mu.Unlock()
}

func (s *Session) handleLine(raw string) {
	line := twitchirc.ParseLine(raw)
	if s.onLine != nil {
		s.onLine(line)
	}

	switch line.Kind {
	case twitchirc.KindConnected:
		s.mu.Lock()
		if s.state == StateConnecting || s.state == StateAuthenticating {
			s.state = StateConnected
		}
		s.mu.Unlock()
	case twitchirc.KindChat:
		if !line.Chat.Valid() {
			s.drops.Note(s.now(), twitchirc.DropMalformed, raw)
			return
		}
		s.deliver(line.Chat, raw)
	case twitchirc.KindPing:
	default:
		s.drops.Note(s.now(), twitchirc.DropUnrecognized, raw)
	}
}

func (s *Session) deliver(msg core.ChatMessage, raw string) {
	s.deliverMu.RLock()
	defer s.deliverMu.RUnlock()

	s.mu.Lock()
	connected := s.state == StateConnected
	stop := s.stop
	s.mu.Unlock()
	if !connected {
		s.drops.Note(s.now(), twitchirc.DropNotConnected, raw)
		return
	}

	select {
	case s.messages <- msg:
	case <-stop:
	}
}

func (s *Session) handleError(err error) {
	kind := FaultTransport
	switch {
	case errors.Is(err, twitchirc.ErrHandshakeTimeout):
		kind = FaultTimeout
	case errors.Is(err, twitchirc.ErrAuthFailed):
		kind = FaultAuth
	}
	s.closeWithFault(Fault{Kind: kind, Err: err})
}

func (s *Session) handleClose(err error) {
	s.closeWithFault(Fault{Kind: FaultClosed, Err: err})
}

// closeWithFault records the first fault of a live connection. A close that
// follows an error is part of the same loss and is not reported twice.
func (s *Session) closeWithFault(f Fault) {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateAuthenticating, StateConnected:
		s.state = StateClosed
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	logging.L().Warn().Str("kind", string(f.Kind)).AnErr("err", f.Err).Msg("chat: connection lost")
	select {
	case s.faults <- f:
	default:
		logging.L().Warn().Str("kind", string(f.Kind)).Msg("chat: fault channel full, dropping fault")
	}
}

func (s *Session) drain() int {
	n := 0
	for {
		select {
		case <-s.messages:
			n++
		default:
			return n
		}
	}
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func singleLine(text string) string {
	return lineBreaks.Replace(text)
}
