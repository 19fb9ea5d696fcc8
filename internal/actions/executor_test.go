package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/censor-chatbot/internal/commands"
	"github.com/you/censor-chatbot/internal/core"
)

type fakePlayer struct {
	mu    sync.Mutex
	calls []string
	seeks []time.Duration
	pos   time.Duration
	title string
	fail  error
}

func (p *fakePlayer) record(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
	return p.fail
}

func (p *fakePlayer) Stop(context.Context) error   { return p.record("stop") }
func (p *fakePlayer) Pause(context.Context) error  { return p.record("pause") }
func (p *fakePlayer) Play(context.Context) error   { return p.record("play") }
func (p *fakePlayer) Mute(context.Context) error   { return p.record("mute") }
func (p *fakePlayer) Unmute(context.Context) error { return p.record("unmute") }
func (p *fakePlayer) Blur(context.Context) error   { return p.record("blur") }
func (p *fakePlayer) Unblur(context.Context) error { return p.record("unblur") }
func (p *fakePlayer) Show(context.Context) error   { return p.record("show") }
func (p *fakePlayer) Hide(context.Context) error   { return p.record("hide") }

func (p *fakePlayer) Seek(_ context.Context, d time.Duration) error {
	p.mu.Lock()
	p.seeks = append(p.seeks, d)
	p.mu.Unlock()
	return p.record("seek")
}

func (p *fakePlayer) CurrentTime(context.Context) (time.Duration, error) {
	return p.pos, p.record("currentTime")
}

func (p *fakePlayer) Title(context.Context) (string, error) {
	return p.title, p.record("title")
}

func (p *fakePlayer) snapshot() ([]string, []time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...), append([]time.Duration(nil), p.seeks...)
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []string
}

func (r *fakeReplier) SendTagged(user, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, "@"+user+" "+text)
	return nil
}

type fakeScenes struct {
	mu     sync.Mutex
	names  []string
	accept bool
}

func (s *fakeScenes) SetScene(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return s.accept, nil
}

func invocation(action commands.Action, args ...string) commands.Invocation {
	text := "!" + string(action)
	return commands.Invocation{
		Definition: commands.Definition{Trigger: text, Access: commands.AccessUsers, Action: action},
		Args:       args,
		Caps:       commands.CapUser,
		Message: core.ChatMessage{
			Channel: core.Channel{Username: "owner"},
			User:    core.User{Username: "viewer", DisplayName: "Viewer"},
			Message: &text,
		},
	}
}

func unlimited() *rate.Limiter { return rate.NewLimiter(rate.Inf, 1) }

func TestDispatchMapsActionsToPlayer(t *testing.T) {
	simple := []commands.Action{
		commands.ActionStop, commands.ActionPause, commands.ActionPlay,
		commands.ActionMute, commands.ActionUnmute, commands.ActionBlur,
		commands.ActionUnblur, commands.ActionShow, commands.ActionHide,
	}
	for _, action := range simple {
		t.Run(string(action), func(t *testing.T) {
			p := &fakePlayer{}
			e := New(Options{Player: p})
			e.Dispatch(context.Background(), invocation(action))
			e.Wait()
			calls, _ := p.snapshot()
			if len(calls) != 1 || calls[0] != string(action) {
				t.Fatalf("expected exactly one %s call, got %v", action, calls)
			}
		})
	}
}

func TestSeekUsesArgumentOrDefault(t *testing.T) {
	p := &fakePlayer{}
	e := New(Options{Player: p, Tuning: Tuning{SeekDefault: 20 * time.Second}})

	e.Dispatch(context.Background(), invocation(commands.ActionForward, "30"))
	e.Wait()
	e.Dispatch(context.Background(), invocation(commands.ActionRewind))
	e.Wait()
	e.Dispatch(context.Background(), invocation(commands.ActionRewind, "abc"))
	e.Wait()

	_, seeks := p.snapshot()
	want := []time.Duration{30 * time.Second, -20 * time.Second, -20 * time.Second}
	if len(seeks) != len(want) {
		t.Fatalf("unexpected seeks %v", seeks)
	}
	for i := range want {
		if seeks[i] != want[i] {
			t.Fatalf("seek %d: want %s got %s", i, want[i], seeks[i])
		}
	}

	if got := seekDelta(nil, 0); got != DefaultSeek {
		t.Fatalf("expected default seek, got %s", got)
	}
}

func TestSeekRejectsOutOfRangeArguments(t *testing.T) {
	cases := map[string]time.Duration{
		"1e10":  20 * time.Second,
		"1e300": 20 * time.Second,
		"inf":   20 * time.Second,
		"+Inf":  20 * time.Second,
		"NaN":   20 * time.Second,
		"-5":    20 * time.Second,
		"0":     20 * time.Second,
		"21600": MaxSeek,
		"21601": 20 * time.Second,
		"1.5":   1500 * time.Millisecond,
	}
	for arg, want := range cases {
		if got := seekDelta([]string{arg}, 20*time.Second); got != want {
			t.Fatalf("seekDelta(%q) = %s; want %s", arg, got, want)
		}
	}

	p := &fakePlayer{}
	e := New(Options{Player: p, Tuning: Tuning{SeekDefault: 20 * time.Second}})
	e.Dispatch(context.Background(), invocation(commands.ActionForward, "1e10"))
	e.Wait()
	e.Dispatch(context.Background(), invocation(commands.ActionRewind, "inf"))
	e.Wait()
	_, seeks := p.snapshot()
	if len(seeks) != 2 || seeks[0] != 20*time.Second || seeks[1] != -20*time.Second {
		t.Fatalf("out-of-range arguments must fall back to the default, got %v", seeks)
	}
}

func TestQueriesReplyToCaller(t *testing.T) {
	p := &fakePlayer{pos: 3725 * time.Second, title: "Film"}
	r := &fakeReplier{}
	e := New(Options{Player: p, Replier: r, Limiter: unlimited()})

	e.Dispatch(context.Background(), invocation(commands.ActionCurrentMovieTime))
	e.Wait()
	e.Dispatch(context.Background(), invocation(commands.ActionMovieTitle))
	e.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) != 2 || r.replies[0] != "@viewer 1:02:05" || r.replies[1] != "@viewer Film" {
		t.Fatalf("unexpected replies %v", r.replies)
	}
}

func TestRepliesTagLoginNotDisplayName(t *testing.T) {
	p := &fakePlayer{title: "Film"}
	r := &fakeReplier{}
	e := New(Options{Player: p, Replier: r, Limiter: unlimited()})

	inv := invocation(commands.ActionMovieTitle)
	inv.Message.User = core.User{Username: "hanako", DisplayName: "花子"}
	e.Dispatch(context.Background(), inv)
	e.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) != 1 || r.replies[0] != "@hanako Film" {
		t.Fatalf("unexpected replies %v", r.replies)
	}
}

func TestSceneSwitchAndRejection(t *testing.T) {
	p := &fakePlayer{}
	scenes := &fakeScenes{accept: true}
	e := New(Options{
		Player: p,
		Scenes: scenes,
		Tuning: Tuning{Scenes: map[commands.Action]string{commands.ActionHide: "Censored", commands.ActionShow: " "}},
	})

	e.Dispatch(context.Background(), invocation(commands.ActionHide))
	e.Dispatch(context.Background(), invocation(commands.ActionShow))
	e.Wait()
	if len(scenes.names) != 1 || scenes.names[0] != "Censored" {
		t.Fatalf("expected one scene switch, got %v", scenes.names)
	}

	scenes.accept = false
	e.Dispatch(context.Background(), invocation(commands.ActionHide))
	e.Wait()
	select {
	case aerr := <-e.Errors():
		if !errors.Is(aerr, ErrSceneRejected) || aerr.Action != commands.ActionHide {
			t.Fatalf("unexpected error %v", aerr)
		}
	default:
		t.Fatalf("expected a scene rejection error")
	}
}

func TestFailuresPublishActionErrorAndOutcome(t *testing.T) {
	boom := errors.New("bridge offline")
	p := &fakePlayer{fail: boom}

	var mu sync.Mutex
	var outcomes []Outcome
	e := New(Options{
		Player: p,
		NewID:  func() string { return "d-1" },
		OnOutcome: func(o Outcome) {
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		},
	})

	id := e.Dispatch(context.Background(), invocation(commands.ActionPause))
	e.Wait()
	if id != "d-1" {
		t.Fatalf("unexpected dispatch id %q", id)
	}

	select {
	case aerr := <-e.Errors():
		if aerr.DispatchID != "d-1" || aerr.User != "viewer" || aerr.Trigger != "!pause" || !errors.Is(aerr, boom) {
			t.Fatalf("unexpected action error %+v", aerr)
		}
	default:
		t.Fatalf("expected action error")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0].Status() != "failed" || outcomes[0].Channel != "owner" {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
}

func TestDispatchDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	p := &blockingPlayer{fakePlayer: &fakePlayer{}, release: release}
	e := New(Options{Player: p})

	done := make(chan struct{})
	go func() {
		e.Dispatch(context.Background(), invocation(commands.ActionStop))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("dispatch blocked on a slow player")
	}
	close(release)
	e.Wait()
}

func TestMissingCollaborators(t *testing.T) {
	e := New(Options{})
	e.Dispatch(context.Background(), invocation(commands.ActionStop))
	e.Wait()
	if aerr := <-e.Errors(); !errors.Is(aerr, ErrNoPlayer) {
		t.Fatalf("expected ErrNoPlayer, got %v", aerr)
	}

	p := &fakePlayer{}
	e = New(Options{Player: p, Limiter: unlimited()})
	e.Dispatch(context.Background(), invocation(commands.ActionMovieTitle))
	e.Wait()
	if aerr := <-e.Errors(); !errors.Is(aerr, ErrNoReplier) {
		t.Fatalf("expected ErrNoReplier, got %v", aerr)
	}
	if calls, _ := p.snapshot(); len(calls) != 0 {
		t.Fatalf("player must not be queried without a way to reply, got %v", calls)
	}
}

func TestFormatClock(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "0:00",
		-time.Second:            "0:00",
		75 * time.Second:        "1:15",
		3725 * time.Second:      "1:02:05",
		59*time.Minute + 59e9:   "59:59",
		10*time.Hour + 1500*1e6: "10:00:01",
	}
	for d, want := range tests {
		if got := FormatClock(d); got != want {
			t.Fatalf("FormatClock(%s): want %q got %q", d, want, got)
		}
	}
}

type blockingPlayer struct {
	*fakePlayer
	release chan struct{}
}

func (p *blockingPlayer) Stop(ctx context.Context) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return p.fakePlayer.Stop(ctx)
}
