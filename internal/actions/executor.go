package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/you/censor-chatbot/internal/commands"
	"github.com/you/censor-chatbot/internal/logging"
)

// Player controls local playback.
type Player interface {
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Play(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	Blur(ctx context.Context) error
	Unblur(ctx context.Context) error
	Show(ctx context.Context) error
	Hide(ctx context.Context) error
	Seek(ctx context.Context, delta time.Duration) error
	CurrentTime(ctx context.Context) (time.Duration, error)
	Title(ctx context.Context) (string, error)
}

// SceneSwitcher changes the live program scene. A false result means the
// endpoint refused the change.
type SceneSwitcher interface {
	SetScene(ctx context.Context, name string) (bool, error)
}

// Replier answers a user in chat.
type Replier interface {
	SendTagged(user, text string) error
}

const (
	DefaultSeek    = 10 * time.Second
	MaxSeek        = 6 * time.Hour
	defaultTimeout = 10 * time.Second
	errorBuffer    = 32
)

var (
	ErrNoPlayer      = errors.New("actions: no player configured")
	ErrNoReplier     = errors.New("actions: no chat replier configured")
	ErrSceneRejected = errors.New("actions: scene change rejected")
)

// ActionError describes one failed dispatch.
type ActionError struct {
	DispatchID string
	Action     commands.Action
	Trigger    string
	User       string
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("actions: %s (trigger %s, user %s, dispatch %s): %v", e.Action, e.Trigger, e.User, e.DispatchID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Outcome is reported for every finished dispatch, successful or not.
type Outcome struct {
	DispatchID string
	MessageID  string
	Action     commands.Action
	Access     commands.Access
	Trigger    string
	User       string
	Channel    string
	Args       []string
	Started    time.Time
	Duration   time.Duration
	Err        error
}

func (o Outcome) Status() string {
	if o.Err != nil {
		return "failed"
	}
	return "ok"
}

// Tuning is the settings-derived part of the executor, swapped on reload.
type Tuning struct {
	SeekDefault time.Duration
	Scenes      map[commands.Action]string
}

type Options struct {
	Player    Player
	Scenes    SceneSwitcher
	Replier   Replier
	Tuning    Tuning
	Timeout   time.Duration
	Limiter   *rate.Limiter // reply budget, default 20 lines per 30s
	OnOutcome func(Outcome)
	NewID     func() string
	Now       func() time.Time
}

// Executor runs actions without blocking the caller. Each dispatch gets its
// own goroutine and timeout; failures are published on Errors.
type Executor struct {
	player    Player
	scenes    SceneSwitcher
	timeout   time.Duration
	limiter   *rate.Limiter
	onOutcome func(Outcome)
	newID     func() string
	now       func() time.Time

	mu      sync.RWMutex
	replier Replier

	tuning atomic.Pointer[Tuning]
	errs   chan *ActionError
	wg     sync.WaitGroup
}

func New(opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Limit(20.0/30.0), 5)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Executor{
		player:    opts.Player,
		scenes:    opts.Scenes,
		replier:   opts.Replier,
		timeout:   opts.Timeout,
		limiter:   opts.Limiter,
		onOutcome: opts.OnOutcome,
		newID:     opts.NewID,
		now:       opts.Now,
		errs:      make(chan *ActionError, errorBuffer),
	}
	e.SetTuning(opts.Tuning)
	return e
}

// SetTuning replaces seek and scene settings for dispatches started later.
func (e *Executor) SetTuning(t Tuning) {
	scenes := make(map[commands.Action]string, len(t.Scenes))
	for action, name := range t.Scenes {
		if name = strings.TrimSpace(name); name != "" {
			scenes[action] = name
		}
	}
	t.Scenes = scenes
	e.tuning.Store(&t)
}

// SetReplier installs the chat replier; the engine swaps it with each session.
func (e *Executor) SetReplier(r Replier) {
	e.mu.Lock()
	e.replier = r
	e.mu.Unlock()
}

// Errors publishes failed dispatches. Nothing blocks on a slow reader; when
// the buffer is full further errors are logged and dropped.
func (e *Executor) Errors() <-chan *ActionError { return e.errs }

// Dispatch starts inv and returns its dispatch id immediately. ctx supplies
// values only; the action keeps running through caller cancellation until its
// own timeout.
func (e *Executor) Dispatch(ctx context.Context, inv commands.Invocation) string {
	id := e.newID()
	tuning := e.tuning.Load()
	e.mu.RLock()
	replier := e.replier
	e.mu.RUnlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()

		started := e.now()
		err := e.execute(runCtx, inv, tuning, replier)
		outcome := Outcome{
			DispatchID: id,
			MessageID:  inv.Message.ID,
			Action:     inv.Action,
			Access:     inv.Access,
			Trigger:    inv.Trigger,
			User:       inv.Message.User.Username,
			Channel:    inv.Message.Channel.Username,
			Args:       inv.Args,
			Started:    started,
			Duration:   e.now().Sub(started),
			Err:        err,
		}
		if err != nil {
			e.publish(&ActionError{
				DispatchID: id,
				Action:     inv.Action,
				Trigger:    inv.Trigger,
				User:       outcome.User,
				Err:        err,
			})
		}
		if e.onOutcome != nil {
			e.onOutcome(outcome)
		}
	}()
	return id
}

// Wait blocks until every started dispatch has finished.
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) publish(err *ActionError) {
	select {
	case e.errs <- err:
	default:
		logging.L().Warn().Err(err).Msg("actions: error channel full, dropping error")
	}
}

func (e *Executor) execute(ctx context.Context, inv commands.Invocation, tuning *Tuning, replier Replier) error {
	if e.player == nil {
		return ErrNoPlayer
	}
	if inv.Action.Replies() && replier == nil {
		return ErrNoReplier
	}
	if err := e.runPlayer(ctx, inv, tuning, replier); err != nil {
		return err
	}
	name, ok := tuning.Scenes[inv.Action]
	if !ok || e.scenes == nil {
		return nil
	}
	switched, err := e.scenes.SetScene(ctx, name)
	if err != nil {
		return fmt.Errorf("set scene %q: %w", name, err)
	}
	if !switched {
		return fmt.Errorf("%w: %q", ErrSceneRejected, name)
	}
	return nil
}

func (e *Executor) runPlayer(ctx context.Context, inv commands.Invocation, tuning *Tuning, replier Replier) error {
	p := e.player
	switch inv.Action {
	case commands.ActionStop:
		return p.Stop(ctx)
	case commands.ActionPause:
		return p.Pause(ctx)
	case commands.ActionPlay:
		return p.Play(ctx)
	case commands.ActionMute:
		return p.Mute(ctx)
	case commands.ActionUnmute:
		return p.Unmute(ctx)
	case commands.ActionBlur:
		return p.Blur(ctx)
	case commands.ActionUnblur:
		return p.Unblur(ctx)
	case commands.ActionShow:
		return p.Show(ctx)
	case commands.ActionHide:
		return p.Hide(ctx)
	case commands.ActionForward:
		return p.Seek(ctx, seekDelta(inv.Args, tuning.SeekDefault))
	case commands.ActionRewind:
		return p.Seek(ctx, -seekDelta(inv.Args, tuning.SeekDefault))
	case commands.ActionCurrentMovieTime:
		pos, err := p.CurrentTime(ctx)
		if err != nil {
			return err
		}
		return e.reply(ctx, replier, inv, FormatClock(pos))
	case commands.ActionMovieTitle:
		title, err := p.Title(ctx)
		if err != nil {
			return err
		}
		if title == "" {
			title = "unknown title"
		}
		return e.reply(ctx, replier, inv, title)
	default:
		return fmt.Errorf("%w: %q", commands.ErrUnknownAction, inv.Action)
	}
}

func (e *Executor) reply(ctx context.Context, replier Replier, inv commands.Invocation, text string) error {
	if replier == nil {
		return ErrNoReplier
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("reply budget: %w", err)
	}
	user := inv.Message.User.Username
	if user == "" {
		user = inv.Message.User.DisplayName
	}
	return replier.SendTagged(user, text)
}

// seekDelta reads a positive number of seconds, at most MaxSeek, from the first
// argument and falls back to def, then DefaultSeek.
func seekDelta(args []string, def time.Duration) time.Duration {
	if len(args) > 0 {
		secs, err := strconv.ParseFloat(args[0], 64)
		if err == nil && secs > 0 && secs <= MaxSeek.Seconds() {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if def > 0 {
		return def
	}
	return DefaultSeek
}

// FormatClock renders d as m:ss, or h:mm:ss from one hour on.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
