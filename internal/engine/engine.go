// Package engine owns the chat session: it starts and stops it as the
// settings change, reconnects after faults and feeds every chat message
// through resolution, authorization and dispatch.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/you/censor-chatbot/internal/actions"
	"github.com/you/censor-chatbot/internal/chat"
	"github.com/you/censor-chatbot/internal/commands"
	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/dispatchtrace"
	"github.com/you/censor-chatbot/internal/logging"
	"github.com/you/censor-chatbot/internal/metrics"
	"github.com/you/censor-chatbot/internal/settings"
	"github.com/you/censor-chatbot/internal/twitch"
	"github.com/you/censor-chatbot/internal/twitchirc"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Minute
	snippetMaxLen     = 64
)

var ErrDisabled = errors.New("engine: chatbot disabled")

// Auditor stores dispatch records. *audit.Store and *audit.BufferedWriter
// satisfy it.
type Auditor interface {
	Write(core.DispatchRecord, *dispatchtrace.Trace) error
}

type Options struct {
	Settings *settings.Source

	Player        actions.Player
	Scenes        actions.SceneSwitcher
	ActionTimeout time.Duration

	Metrics *metrics.Engine
	Audit   Auditor
	Drops   *twitchirc.DropLogger

	Dialer           twitchirc.Dialer
	HandshakeTimeout time.Duration

	// Token overrides the settings token when it returns a value, e.g. a
	// token file kept fresh by the refresher.
	Token func() string
	// Refresh obtains a new access token after the server rejects a login.
	Refresh func(ctx context.Context) (string, error)

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Now        func() time.Time
}

// Status is the engine state served to the admin surfaces.
type Status struct {
	State            string     `json:"state"`
	Enabled          bool       `json:"enabled"`
	Username         string     `json:"username,omitempty"`
	Channel          string     `json:"channel,omitempty"`
	Commands         int        `json:"commands"`
	ConnectedAt      *time.Time `json:"connectedAt,omitempty"`
	Uptime           string     `json:"uptime,omitempty"`
	Connects         int64      `json:"connects"`
	LastError        string     `json:"lastError,omitempty"`
	SettingsLoadedAt time.Time  `json:"settingsLoadedAt"`
}

type Engine struct {
	opts     Options
	settings *settings.Source
	resolver *commands.Resolver
	exec     *actions.Executor
	metrics  *metrics.Engine
	now      func() time.Time

	wake   chan struct{}
	traces sync.Map // message id -> *dispatchtrace.Trace

	mu          sync.Mutex
	session     *chat.Session
	identity    settings.Twitch
	forced      bool
	refreshed   string
	lastErr     string
	connectedAt time.Time
	connects    int64
}

func New(opts Options) (*Engine, error) {
	if opts.Settings == nil {
		return nil, errors.New("engine: settings source is required")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		opts:     opts,
		settings: opts.Settings,
		resolver: commands.NewResolver(nil),
		metrics:  opts.Metrics,
		now:      opts.Now,
		wake:     make(chan struct{}, 1),
	}
	e.exec = actions.New(actions.Options{
		Player:    opts.Player,
		Scenes:    opts.Scenes,
		Timeout:   opts.ActionTimeout,
		OnOutcome: e.recordOutcome,
		Now:       opts.Now,
	})
	e.apply(opts.Settings.Current())
	opts.Settings.OnChange(func(snap *settings.Snapshot) {
		e.apply(snap)
		e.poke()
	})
	e.setStateMetric(chat.StateIdle)
	return e, nil
}

// Executor exposes the action executor, mainly for its error stream.
func (e *Engine) Executor() *actions.Executor { return e.exec }

// Commands returns the active command definitions.
func (e *Engine) Commands() []commands.Definition {
	return e.resolver.Set().Definitions()
}

// Run drives the session until ctx ends. In-flight actions are waited for
// before it returns.
func (e *Engine) Run(ctx context.Context) error {
	go e.watchErrors(ctx)
	defer func() {
		e.stopSession()
		e.exec.Wait()
	}()

	backoff := e.opts.MinBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		snap := e.settings.Current()
		ident := e.effectiveIdentity(snap)
		if !snap.Chatbot.Enabled || !ident.Complete() {
			if e.stopSession() {
				logging.L().Info().Bool("enabled", snap.Chatbot.Enabled).Msg("engine: session stopped")
			}
			if !e.idle(ctx) {
				return nil
			}
			continue
		}

		sess := e.sessionFor(ident)
		if sess.State() != chat.StateConnected {
			if !e.connect(ctx, sess) {
				if ctx.Err() != nil {
					return nil
				}
				wait := backoff
				backoff = nextBackoff(backoff, e.opts.MaxBackoff)
				logging.L().Info().Dur("retry_in", wait).Msg("engine: connect failed")
				if !e.sleep(ctx, wait) {
					return nil
				}
				continue
			}
			backoff = e.opts.MinBackoff
		}

		if !e.consume(ctx, sess) {
			return nil
		}
	}
}

// Reload re-reads the settings document. The running session follows the
// new snapshot.
func (e *Engine) Reload() (*settings.Snapshot, error) {
	snap, err := e.settings.Reload()
	if err != nil {
		return snap, err
	}
	e.poke()
	return snap, nil
}

// Reconnect replaces the running session with a fresh one.
func (e *Engine) Reconnect() error {
	if !e.settings.Current().Chatbot.Enabled {
		return ErrDisabled
	}
	e.mu.Lock()
	e.forced = true
	e.mu.Unlock()
	e.poke()
	return nil
}

func (e *Engine) Status() Status {
	snap := e.settings.Current()

	e.mu.Lock()
	sess := e.session
	ident := e.identity
	connectedAt := e.connectedAt
	st := Status{
		Enabled:          snap.Chatbot.Enabled,
		Commands:         e.resolver.Set().Len(),
		Connects:         e.connects,
		LastError:        e.lastErr,
		SettingsLoadedAt: snap.LoadedAt,
	}
	e.mu.Unlock()

	st.State = chat.StateIdle.String()
	if sess != nil {
		state := sess.State()
		st.State = state.String()
		st.Username = ident.Username
		st.Channel = ident.Channel
		if state == chat.StateConnected && !connectedAt.IsZero() {
			at := connectedAt.UTC()
			st.ConnectedAt = &at
			st.Uptime = e.now().Sub(connectedAt).Truncate(time.Second).String()
		}
	}
	return st
}

// apply swaps in the command set and executor tuning of snap.
func (e *Engine) apply(snap *settings.Snapshot) {
	set, err := snap.CommandSet()
	if err != nil {
		logging.L().Warn().Err(err).Int("loaded", set.Len()).Msg("engine: skipped invalid command definitions")
	}
	e.resolver.Swap(set)
	e.exec.SetTuning(actions.Tuning{
		SeekDefault: snap.SeekDefault(),
		Scenes:      snap.SceneMap(),
	})
	e.metrics.SetCommandsLoaded(set.Len())
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) effectiveIdentity(snap *settings.Snapshot) settings.Twitch {
	ident := snap.Twitch
	e.mu.Lock()
	refreshed := e.refreshed
	e.mu.Unlock()
	switch {
	case refreshed != "":
		ident.Token = refreshed
	case e.opts.Token != nil:
		if tok := strings.TrimSpace(e.opts.Token()); tok != "" {
			ident.Token = tok
		}
	}
	ident.Token = twitch.NormalizeToken(ident.Token)
	return ident
}

// sessionFor returns the session for ident, replacing the current one when
// the identity changed or a reconnect was requested.
func (e *Engine) sessionFor(ident settings.Twitch) *chat.Session {
	e.mu.Lock()
	if e.session != nil && !e.forced && e.identity.SameIdentity(ident) {
		sess := e.session
		e.mu.Unlock()
		return sess
	}
	old := e.session
	e.session = nil
	e.forced = false
	e.mu.Unlock()

	if old != nil {
		logging.L().Info().Str("channel", ident.Channel).Msg("engine: restarting session")
		old.Disconnect()
	}

	client := twitchirc.New(twitchirc.Config{
		Nick:             ident.Username,
		Channel:          ident.Channel,
		Token:            ident.Token,
		HandshakeTimeout: e.opts.HandshakeTimeout,
		Dialer:           e.opts.Dialer,
	})
	sess := chat.New(client, chat.Options{
		Drops:  e.opts.Drops,
		OnLine: e.observeLine,
		Now:    e.now,
	})

	e.mu.Lock()
	e.session = sess
	e.identity = ident
	e.mu.Unlock()
	e.exec.SetReplier(sess)
	return sess
}

func (e *Engine) stopSession() bool {
	e.mu.Lock()
	sess := e.session
	e.session = nil
	e.identity = settings.Twitch{}
	e.connectedAt = time.Time{}
	e.mu.Unlock()
	if sess == nil {
		return false
	}
	e.exec.SetReplier(nil)
	sess.Disconnect()
	e.setStateMetric(sess.State())
	return true
}

func (e *Engine) connect(ctx context.Context, sess *chat.Session) bool {
	e.setStateMetric(chat.StateConnecting)
	ok := sess.Connect(ctx)
	e.metrics.IncConnect(ok)
	e.setStateMetric(sess.State())

	if ok {
		e.mu.Lock()
		e.connectedAt = e.now()
		e.connects++
		e.lastErr = ""
		e.mu.Unlock()
		logging.L().Info().Str(logging.FieldChannel, sess.Channel()).Msg("engine: connected")
		return true
	}

	for {
		select {
		case f := <-sess.Faults():
			e.noteFault(ctx, f)
		default:
			return false
		}
	}
}

// consume feeds messages to the pipeline until the session faults, the
// engine is poked or ctx ends. It returns false only for ctx.
func (e *Engine) consume(ctx context.Context, sess *chat.Session) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-e.wake:
			return true
		case msg := <-sess.Messages():
			e.handle(ctx, msg)
		case f := <-sess.Faults():
			e.noteFault(ctx, f)
			e.setStateMetric(sess.State())
			return e.sleep(ctx, e.opts.MinBackoff)
		}
	}
}

func (e *Engine) noteFault(ctx context.Context, f chat.Fault) {
	e.metrics.IncFault(string(f.Kind))
	e.mu.Lock()
	e.lastErr = f.Error()
	e.connectedAt = time.Time{}
	e.mu.Unlock()

	if f.Kind == chat.FaultAuth {
		e.refreshToken(ctx)
	}
}

func (e *Engine) refreshToken(ctx context.Context) {
	if e.opts.Refresh == nil {
		return
	}
	token, err := e.opts.Refresh(ctx)
	if err != nil {
		logging.L().Error().Err(err).Msg("engine: token refresh failed")
		return
	}
	token = twitch.NormalizeToken(token)
	if token == "" {
		return
	}
	e.mu.Lock()
	e.refreshed = token
	e.mu.Unlock()
	logging.L().Info().Msg("engine: token refreshed after login rejection")
}

// handle runs one message through resolve, authorize and dispatch. Messages
// are handled one at a time in arrival order; only the action itself runs
// concurrently.
func (e *Engine) handle(ctx context.Context, msg core.ChatMessage) {
	e.metrics.IncMessage()
	inv, ok := e.resolver.Resolve(msg)
	if !ok {
		return
	}

	trace := dispatchtrace.New(msg.Channel.Username, msg.User.Username, msg.ID, snippet(msg.Text()))
	trace.Inc(dispatchtrace.StageResolved)

	if !inv.Authorized() {
		trace.Inc(dispatchtrace.StageDenied)
		e.metrics.IncDenied(string(inv.Action), string(inv.Access))
		e.audit(core.DispatchRecord{
			ID:      uuid.NewString(),
			Ts:      e.now().UTC(),
			Channel: msg.Channel.Username,
			User:    msg.User.Username,
			Trigger: inv.Trigger,
			Action:  string(inv.Action),
			Access:  string(inv.Access),
			Args:    strings.Join(inv.Args, " "),
			Outcome: core.OutcomeDenied,
			TraceID: trace.TraceID,
		}, trace)
		trace.Log(logging.L(), "engine: command denied")
		return
	}

	trace.Inc(dispatchtrace.StageAuthorized)
	if msg.ID != "" {
		e.traces.Store(msg.ID, trace)
	}
	trace.Inc(dispatchtrace.StageDispatched)
	e.exec.Dispatch(ctx, inv)
}

func (e *Engine) recordOutcome(o actions.Outcome) {
	var trace *dispatchtrace.Trace
	if v, ok := e.traces.LoadAndDelete(o.MessageID); ok && o.MessageID != "" {
		trace = v.(*dispatchtrace.Trace)
	}
	if o.Err != nil {
		trace.Inc(dispatchtrace.StageFailed)
	}
	e.metrics.ObserveDispatch(string(o.Action), o.Status(), o.Duration.Seconds())

	rec := core.DispatchRecord{
		ID:         o.DispatchID,
		Ts:         o.Started.UTC(),
		Channel:    o.Channel,
		User:       o.User,
		Trigger:    o.Trigger,
		Action:     string(o.Action),
		Access:     string(o.Access),
		Args:       strings.Join(o.Args, " "),
		Outcome:    o.Status(),
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if trace != nil {
		rec.TraceID = trace.TraceID
	}
	e.audit(rec, trace)
	trace.Log(logging.L(), "engine: dispatch finished")
}

func (e *Engine) audit(rec core.DispatchRecord, trace *dispatchtrace.Trace) {
	if e.opts.Audit == nil {
		return
	}
	if err := e.opts.Audit.Write(rec, trace); err != nil {
		e.metrics.IncAuditErrors()
		logging.L().Error().Err(err).Str(logging.FieldDispatch, rec.ID).Msg("engine: audit write failed")
	}
}

func (e *Engine) watchErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-e.exec.Errors():
			logging.L().Warn().
				Str(logging.FieldDispatch, err.DispatchID).
				Str(logging.FieldAction, string(err.Action)).
				Str(logging.FieldTrigger, err.Trigger).
				Str(logging.FieldUser, err.User).
				Err(err.Err).
				Msg("engine: action failed")
		}
	}
}

func (e *Engine) observeLine(line twitchirc.Line) {
	e.metrics.IncLine(line.Kind.String())
}

var allStates = []string{
	chat.StateIdle.String(),
	chat.StateConnecting.String(),
	chat.StateAuthenticating.String(),
	chat.StateConnected.String(),
	chat.StateClosing.String(),
	chat.StateClosed.String(),
}

func (e *Engine) setStateMetric(s chat.State) {
	e.metrics.SetSessionState(s.String(), allStates)
}

// idle waits for a settings change or reconnect request.
func (e *Engine) idle(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
		return true
	}
}

// sleep waits d, cut short by a poke. It returns false when ctx ended.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
		return true
	case <-timer.C:
		return true
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		next = limit
	}
	return next
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= snippetMaxLen {
		return text
	}
	cut := snippetMaxLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
