package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/you/censor-chatbot/internal/commands"
	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/dispatchtrace"
	"github.com/you/censor-chatbot/internal/settings"
	"github.com/you/censor-chatbot/internal/twitchirc/irctest"
)

const (
	modStop    = "@display-name=Mod;id=m1;mod=1;room-id=42;user-id=7 :mod!mod@mod.tmi.twitch.tv PRIVMSG #owner :!stop"
	viewerStop = "@display-name=Viewer;id=v1;mod=0;vip=0;room-id=42;user-id=8 :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #owner :!stop"
	viewerTime = "@display-name=Viewer;id=v2;mod=0;vip=0;room-id=42;user-id=8 :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #owner :!time"
	waitFor    = 2 * time.Second
)

type countingPlayer struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *countingPlayer) hit(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[name]++
	return nil
}

func (p *countingPlayer) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

func (p *countingPlayer) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func (p *countingPlayer) Stop(context.Context) error { return p.hit("stop") }
func (p *countingPlayer) Pause(context.Context) error { return p.hit("pause") }
func (p *countingPlayer) Play(context.Context) error { return p.hit("play") }
func (p *countingPlayer) Mute(context.Context) error { return p.hit("mute") }
func (p *countingPlayer) Unmute(context.Context) error { return p.hit("unmute") }
func (p *countingPlayer) Blur(context.Context) error { return p.hit("blur") }
func (p *countingPlayer) Unblur(context.Context) error { return p.hit("unblur") }
func (p *countingPlayer) Show(context.Context) error { return p.hit("show") }
func (p *countingPlayer) Hide(context.Context) error { return p.hit("hide") }
func (p *countingPlayer) Seek(context.Context, time.Duration) error { return p.hit("seek") }
func (p *countingPlayer) Title(context.Context) (string, error) { return "Film", p.hit("title") }
func (p *countingPlayer) CurrentTime(context.Context) (time.Duration, error) {
	return 65 * time.Second, p.hit("currentTime")
}

type memoryAudit struct {
	mu   sync.Mutex
	recs []core.DispatchRecord
}

func (a *memoryAudit) Write(rec core.DispatchRecord, _ *dispatchtrace.Trace) error {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	a.mu.Unlock()
	return nil
}

func (a *memoryAudit) records() []core.DispatchRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.DispatchRecord(nil), a.recs...)
}

func defaultSnapshot() *settings.Snapshot {
	return &settings.Snapshot{
		Chatbot: settings.Chatbot{
			Enabled: true,
			Commands: []commands.Definition{
				{Trigger: "!stop", Access: commands.AccessModerators, Action: commands.ActionStop},
				{Trigger: "!time", Access: commands.AccessOnlyMe, Action: commands.ActionCurrentMovieTime},
			},
		},
		Twitch: settings.Twitch{Username: "owner", Channel: "owner", Token: "tok"},
	}
}

type harness struct {
	eng    *Engine
	dialer *irctest.Dialer
	player *countingPlayer
	audit  *memoryAudit
	cancel context.CancelFunc
	done   chan struct{}
}

func start(t *testing.T, src *settings.Source, dialer *irctest.Dialer, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{dialer: dialer, player: &countingPlayer{}, audit: &memoryAudit{}, done: make(chan struct{})}
	opts := Options{
		Settings:         src,
		Player:           h.player,
		Audit:            h.audit,
		Dialer:           dialer,
		HandshakeTimeout: time.Second,
		MinBackoff:       10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.eng = eng

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitConnected(t *testing.T) *irctest.Conn {
	t.Helper()
	eventually(t, "connected session", func() bool { return h.eng.Status().State == "connected" })
	return h.dialer.Last()
}

func privmsgs(conn *irctest.Conn) []string {
	var out []string
	for _, l := range conn.Written() {
		if strings.HasPrefix(l, "PRIVMSG ") {
			out = append(out, l)
		}
	}
	return out
}

func TestModeratorStopDispatchesExactlyOnce(t *testing.T) {
	h := start(t, settings.Static(defaultSnapshot()), &irctest.Dialer{}, nil)
	conn := h.waitConnected(t)

	conn.Push(modStop)
	eventually(t, "stop call", func() bool { return h.player.count("stop") == 1 })
	eventually(t, "audit record", func() bool { return len(h.audit.records()) == 1 })

	time.Sleep(50 * time.Millisecond)
	if h.player.total() != 1 {
		t.Fatalf("expected exactly one player call, got %d", h.player.total())
	}
	rec := h.audit.records()[0]
	if rec.Outcome != core.OutcomeOK || rec.Action != "stop" || rec.User != "mod" || rec.TraceID == "" {
		t.Fatalf("unexpected audit record %+v", rec)
	}
	if len(privmsgs(conn)) != 0 {
		t.Fatalf("stop must not reply, got %v", privmsgs(conn))
	}
}

func TestViewerIsDeniedSilently(t *testing.T) {
	h := start(t, settings.Static(defaultSnapshot()), &irctest.Dialer{}, nil)
	conn := h.waitConnected(t)

	conn.Push(viewerStop, viewerTime)
	eventually(t, "denial records", func() bool { return len(h.audit.records()) == 2 })

	time.Sleep(50 * time.Millisecond)
	if h.player.total() != 0 {
		t.Fatalf("expected zero executor calls, got %d", h.player.total())
	}
	if replies := privmsgs(conn); len(replies) != 0 {
		t.Fatalf("expected zero replies, got %v", replies)
	}
	for _, rec := range h.audit.records() {
		if rec.Outcome != core.OutcomeDenied {
			t.Fatalf("expected denied outcome, got %+v", rec)
		}
	}
}

func TestOwnerQueryRepliesInChannel(t *testing.T) {
	h := start(t, settings.Static(defaultSnapshot()), &irctest.Dialer{}, nil)
	conn := h.waitConnected(t)

	conn.Push("@display-name=Owner;id=o1;room-id=42;user-id=42 :owner!owner@owner.tmi.twitch.tv PRIVMSG #owner :!TIME")
	reply, ok := conn.WaitWritten("PRIVMSG #owner :", waitFor)
	if !ok {
		t.Fatalf("expected a reply")
	}
	if reply != "PRIVMSG #owner :@owner 1:05" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestDisabledNeverConnects(t *testing.T) {
	snap := defaultSnapshot()
	snap.Chatbot.Enabled = false
	h := start(t, settings.Static(snap), &irctest.Dialer{}, nil)

	time.Sleep(100 * time.Millisecond)
	if n := h.dialer.Dials(); n != 0 {
		t.Fatalf("expected no dial while disabled, got %d", n)
	}
	if st := h.eng.Status(); st.State != "idle" || st.Enabled {
		t.Fatalf("unexpected status %+v", st)
	}
	if err := h.eng.Reconnect(); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func writeSettings(t *testing.T, path string, enabled bool, channel string) {
	t.Helper()
	body := "chatbot:\n  enabled: " + map[bool]string{true: "true", false: "false"}[enabled] + "\n" +
		"  commands:\n    - {trigger: \"!stop\", access: moderators, action: stop}\n" +
		"twitch:\n  username: owner\n  channel: " + channel + "\n  token: tok\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
}

func TestReloadFollowsEnabledFlagAndIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeSettings(t, path, true, "owner")
	src, err := settings.NewSource(path)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	h := start(t, src, &irctest.Dialer{}, nil)
	first := h.waitConnected(t)

	writeSettings(t, path, false, "owner")
	if _, err := h.eng.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	eventually(t, "session teardown", func() bool { return first.Closed() && h.eng.Status().State == "idle" })

	writeSettings(t, path, true, "other")
	if _, err := h.eng.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	second := h.waitConnected(t)
	if second == first {
		t.Fatalf("expected a new connection")
	}
	if join, ok := second.WaitWritten("JOIN ", waitFor); !ok || join != "JOIN #other" {
		t.Fatalf("expected join of new channel, got %q", join)
	}
	if st := h.eng.Status(); st.Channel != "other" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestReconnectsAfterTransportFault(t *testing.T) {
	h := start(t, settings.Static(defaultSnapshot()), &irctest.Dialer{}, nil)
	conn := h.waitConnected(t)

	conn.Fail(errors.New("reset by peer"))
	eventually(t, "second dial", func() bool { return h.dialer.Dials() == 2 })
	h.waitConnected(t)
	if st := h.eng.Status(); st.Connects != 2 {
		t.Fatalf("expected two connects, got %+v", st)
	}
}

func TestManualReconnectReplacesSession(t *testing.T) {
	h := start(t, settings.Static(defaultSnapshot()), &irctest.Dialer{}, nil)
	first := h.waitConnected(t)

	if err := h.eng.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	eventually(t, "replacement dial", func() bool { return h.dialer.Dials() == 2 })
	h.waitConnected(t)
	if !first.Closed() {
		t.Fatalf("expected previous connection to be closed")
	}
}

func TestAuthFailureRefreshesToken(t *testing.T) {
	dialer := &irctest.Dialer{NewConn: func() *irctest.Conn {
		conn := irctest.NewConn()
		conn.OnWrite = func(c *irctest.Conn, line string) {
			if !strings.HasPrefix(line, "JOIN ") {
				return
			}
			for _, l := range c.Written() {
				if l == "PASS oauth:tok" {
					c.Push(":tmi.twitch.tv NOTICE * :Login authentication failed")
					return
				}
			}
			c.Push(irctest.GlobalUserState)
		}
		return conn
	}}

	var refreshes int
	var mu sync.Mutex
	h := start(t, settings.Static(defaultSnapshot()), dialer, func(o *Options) {
		o.Refresh = func(context.Context) (string, error) {
			mu.Lock()
			refreshes++
			mu.Unlock()
			return "fresh", nil
		}
	})

	conn := h.waitConnected(t)
	if pass, ok := conn.WaitWritten("PASS ", waitFor); !ok || pass != "PASS oauth:fresh" {
		t.Fatalf("expected refreshed token, got %q", pass)
	}
	mu.Lock()
	defer mu.Unlock()
	if refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", refreshes)
	}
}

func TestCommandsFollowSnapshot(t *testing.T) {
	h := start(t, settings.Static(defaultSnapshot()), &irctest.Dialer{}, nil)
	defs := h.eng.Commands()
	if len(defs) != 2 || defs[0].Trigger != "!stop" {
		t.Fatalf("unexpected commands %+v", defs)
	}
}

func TestNewRequiresSettings(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without settings")
	}
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "short", in: "  !stop  ", want: "!stop"},
		{name: "ascii", in: strings.Repeat("a", snippetMaxLen+5), want: strings.Repeat("a", snippetMaxLen)},
		{name: "multibyte boundary", in: "a" + strings.Repeat("花", snippetMaxLen), want: "a" + strings.Repeat("花", (snippetMaxLen-1)/3)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := snippet(tc.in)
			if got != tc.want {
				t.Fatalf("snippet = %q; want %q", got, tc.want)
			}
			if !utf8.ValidString(got) || len(got) > snippetMaxLen {
				t.Fatalf("snippet %q is not valid utf-8 within %d bytes", got, snippetMaxLen)
			}
		})
	}
}
