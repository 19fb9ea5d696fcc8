package commands

import (
	"errors"
	"testing"

	"github.com/you/censor-chatbot/internal/core"
)

func chatMessage(login, channel, text string, mod, vip *bool) core.ChatMessage {
	return core.ChatMessage{
		Channel: core.Channel{Username: channel},
		User:    core.User{Username: login, DisplayName: login, Mod: mod, VIP: vip},
		Message: &text,
	}
}

func flag(v bool) *bool { return &v }

func TestAccessAllows(t *testing.T) {
	viewer := CapUser
	vip := CapUser | CapVIP
	mod := CapUser | CapModerator
	owner := CapUser | CapOwner

	tests := []struct {
		access Access
		caps   Capabilities
		want   bool
	}{
		{AccessOnlyMe, owner, true},
		{AccessOnlyMe, mod, false},
		{AccessOnlyMe, vip, false},
		{AccessOnlyMe, viewer, false},
		{AccessModerators, owner, true},
		{AccessModerators, mod, true},
		{AccessModerators, vip, false},
		{AccessModerators, viewer, false},
		{AccessVIP, owner, true},
		{AccessVIP, mod, true},
		{AccessVIP, vip, true},
		{AccessVIP, viewer, false},
		{AccessUsers, viewer, true},
		{AccessUsers, 0, true},
		{Access("admins"), owner, false},
	}
	for _, tt := range tests {
		if got := tt.access.Allows(tt.caps); got != tt.want {
			t.Fatalf("%s allows %s: want %v got %v", tt.access, tt.caps, tt.want, got)
		}
	}
}

func TestCapabilitiesOf(t *testing.T) {
	tests := []struct {
		name string
		msg  core.ChatMessage
		want Capabilities
	}{
		{"owner by login", chatMessage("Streamer", "streamer", "x", nil, nil), CapUser | CapOwner},
		{"moderator", chatMessage("mod", "streamer", "x", flag(true), flag(false)), CapUser | CapModerator},
		{"vip", chatMessage("v", "streamer", "x", flag(false), flag(true)), CapUser | CapVIP},
		{"viewer without tags", chatMessage("viewer", "streamer", "x", nil, nil), CapUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CapabilitiesOf(tt.msg); got != tt.want {
				t.Fatalf("want %s got %s", tt.want, got)
			}
		})
	}
}

func TestNewSetSkipsInvalidDefinitions(t *testing.T) {
	set, err := NewSet([]Definition{
		{Trigger: "!stop", Access: "Moderators", Action: "STOP"},
		{Trigger: "", Access: AccessUsers, Action: ActionPlay},
		{Trigger: "!two words", Access: AccessUsers, Action: ActionPlay},
		{Trigger: "!x", Access: "admins", Action: ActionPlay},
		{Trigger: "!y", Access: AccessUsers, Action: "explode"},
		{Trigger: "!title", Access: AccessUsers, Action: "movietitle"},
	})
	if err == nil {
		t.Fatalf("expected joined error for invalid entries")
	}
	if !errors.Is(err, ErrUnknownAccess) || !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected access and action errors, got %v", err)
	}
	defs := set.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 valid definitions, got %d: %+v", len(defs), defs)
	}
	if defs[0].Access != AccessModerators || defs[0].Action != ActionStop {
		t.Fatalf("expected canonical spelling, got %+v", defs[0])
	}
	if defs[1].Action != ActionMovieTitle {
		t.Fatalf("expected movieTitle, got %q", defs[1].Action)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	set, err := NewSet([]Definition{
		{Trigger: "!hide", Access: AccessModerators, Action: ActionHide},
		{Trigger: "!HIDE", Access: AccessUsers, Action: ActionBlur},
	})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	r := NewResolver(set)

	inv, ok := r.Resolve(chatMessage("viewer", "streamer", "!Hide now please", nil, nil))
	if !ok {
		t.Fatalf("expected a match")
	}
	if inv.Action != ActionHide || inv.Access != AccessModerators {
		t.Fatalf("expected first definition, got %+v", inv.Definition)
	}
	if len(inv.Args) != 2 || inv.Args[0] != "now" {
		t.Fatalf("unexpected args %v", inv.Args)
	}
	if inv.Authorized() {
		t.Fatalf("viewer must not pass the moderators tier")
	}
}

func TestResolveIgnoresNonMatches(t *testing.T) {
	set, _ := NewSet([]Definition{{Trigger: "!stop", Access: AccessUsers, Action: ActionStop}})
	r := NewResolver(set)

	for _, text := range []string{"", "   ", "stop", "hello !stop", "!stopping"} {
		if _, ok := r.Resolve(chatMessage("viewer", "streamer", text, nil, nil)); ok {
			t.Fatalf("unexpected match for %q", text)
		}
	}
	nilBody := chatMessage("viewer", "streamer", "!stop", nil, nil)
	nilBody.Message = nil
	if _, ok := r.Resolve(nilBody); ok {
		t.Fatalf("message without body must never resolve")
	}
}

func TestResolverSwapAffectsLaterMessages(t *testing.T) {
	first, _ := NewSet([]Definition{{Trigger: "!a", Access: AccessUsers, Action: ActionPause}})
	r := NewResolver(first)
	msg := chatMessage("viewer", "streamer", "!a", nil, nil)

	if inv, ok := r.Resolve(msg); !ok || inv.Action != ActionPause {
		t.Fatalf("expected pause before swap")
	}
	second, _ := NewSet([]Definition{{Trigger: "!a", Access: AccessUsers, Action: ActionPlay}})
	r.Swap(second)
	if inv, ok := r.Resolve(msg); !ok || inv.Action != ActionPlay {
		t.Fatalf("expected play after swap")
	}
	r.Swap(nil)
	if _, ok := r.Resolve(msg); ok {
		t.Fatalf("expected no match with empty set")
	}
}

func TestOnlyMeNeverRunsForPlainViewers(t *testing.T) {
	set, _ := NewSet([]Definition{{Trigger: "!stop", Access: AccessOnlyMe, Action: ActionStop}})
	r := NewResolver(set)
	for _, msg := range []core.ChatMessage{
		chatMessage("viewer", "streamer", "!stop", nil, nil),
		chatMessage("viewer", "streamer", "!stop", flag(false), flag(false)),
		chatMessage("mod", "streamer", "!stop", flag(true), nil),
	} {
		inv, ok := r.Resolve(msg)
		if !ok {
			t.Fatalf("expected resolution")
		}
		if inv.Authorized() {
			t.Fatalf("onlyMe must deny %s", msg.User.Username)
		}
	}
	inv, _ := r.Resolve(chatMessage("STREAMER", "streamer", "!stop", nil, nil))
	if !inv.Authorized() {
		t.Fatalf("owner must be allowed")
	}
}
