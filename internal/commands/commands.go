package commands

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the side effect a command performs.
type Action string

const (
	ActionStop             Action = "stop"
	ActionPause            Action = "pause"
	ActionPlay             Action = "play"
	ActionMute             Action = "mute"
	ActionUnmute           Action = "unmute"
	ActionBlur             Action = "blur"
	ActionUnblur           Action = "unblur"
	ActionShow             Action = "show"
	ActionHide             Action = "hide"
	ActionForward          Action = "forward"
	ActionRewind           Action = "rewind"
	ActionCurrentMovieTime Action = "currentMovieTime"
	ActionMovieTitle       Action = "movieTitle"
)

var allActions = []Action{
	ActionStop, ActionPause, ActionPlay, ActionMute, ActionUnmute,
	ActionBlur, ActionUnblur, ActionShow, ActionHide,
	ActionForward, ActionRewind, ActionCurrentMovieTime, ActionMovieTitle,
}

var ErrUnknownAction = errors.New("commands: unknown action")

// ParseAction matches s against the known actions ignoring case.
func ParseAction(s string) (Action, error) {
	s = strings.TrimSpace(s)
	for _, a := range allActions {
		if strings.EqualFold(string(a), s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Replies reports whether the action answers in chat instead of changing state.
func (a Action) Replies() bool {
	return a == ActionCurrentMovieTime || a == ActionMovieTitle
}

// Access is the tier a caller must belong to.
type Access string

const (
	AccessOnlyMe     Access = "onlyMe"
	AccessModerators Access = "moderators"
	AccessVIP        Access = "vip"
	AccessUsers      Access = "users"
)

var ErrUnknownAccess = errors.New("commands: unknown access tier")

func ParseAccess(s string) (Access, error) {
	s = strings.TrimSpace(s)
	for _, a := range []Access{AccessOnlyMe, AccessModerators, AccessVIP, AccessUsers} {
		if strings.EqualFold(string(a), s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAccess, s)
}

// Capabilities is the set of roles a caller holds.
type Capabilities uint8

const (
	CapOwner Capabilities = 1 << iota
	CapModerator
	CapVIP
	CapUser
)

func (c Capabilities) Has(role Capabilities) bool { return c&role != 0 }

func (c Capabilities) String() string {
	var parts []string
	for _, r := range []struct {
		role Capabilities
		name string
	}{{CapOwner, "owner"}, {CapModerator, "moderator"}, {CapVIP, "vip"}, {CapUser, "user"}} {
		if c.Has(r.role) {
			parts = append(parts, r.name)
		}
	}
	return strings.Join(parts, "|")
}

// Allows is a membership test: each tier names the roles admitted to it.
func (a Access) Allows(c Capabilities) bool {
	switch a {
	case AccessOnlyMe:
		return c.Has(CapOwner)
	case AccessModerators:
		return c.Has(CapOwner | CapModerator)
	case AccessVIP:
		return c.Has(CapOwner | CapModerator | CapVIP)
	case AccessUsers:
		return true
	default:
		return false
	}
}

// Definition binds a chat trigger to an action behind an access tier.
type Definition struct {
	Trigger string `json:"trigger" mapstructure:"trigger"`
	Access  Access `json:"access" mapstructure:"access"`
	Action  Action `json:"action" mapstructure:"action"`
}

// Normalize canonicalizes Access and Action spelling and validates the
// definition.
func (d Definition) Normalize() (Definition, error) {
	d.Trigger = strings.TrimSpace(d.Trigger)
	if d.Trigger == "" {
		return d, errors.New("commands: empty trigger")
	}
	if strings.ContainsAny(d.Trigger, " \t\r\n") {
		return d, fmt.Errorf("commands: trigger %q contains whitespace", d.Trigger)
	}
	access, err := ParseAccess(string(d.Access))
	if err != nil {
		return d, fmt.Errorf("trigger %q: %w", d.Trigger, err)
	}
	action, err := ParseAction(string(d.Action))
	if err != nil {
		return d, fmt.Errorf("trigger %q: %w", d.Trigger, err)
	}
	d.Access = access
	d.Action = action
	return d, nil
}
