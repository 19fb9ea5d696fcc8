package commands

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/you/censor-chatbot/internal/core"
)

// Set is an immutable, ordered list of definitions.
type Set struct {
	defs []Definition
}

// NewSet keeps the valid definitions in order. The returned error joins the
// reasons for every entry that was skipped.
func NewSet(defs []Definition) (*Set, error) {
	s := &Set{defs: make([]Definition, 0, len(defs))}
	var errs []error
	for _, d := range defs {
		norm, err := d.Normalize()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.defs = append(s.defs, norm)
	}
	return s, errors.Join(errs...)
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.defs)
}

// Definitions returns a copy of the list.
func (s *Set) Definitions() []Definition {
	if s == nil {
		return nil
	}
	return append([]Definition(nil), s.defs...)
}

// Match compares the first word of text with every trigger in order and
// returns the first hit plus the remaining words.
func (s *Set) Match(text string) (Definition, []string, bool) {
	if s == nil {
		return Definition{}, nil, false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Definition{}, nil, false
	}
	for _, d := range s.defs {
		if strings.EqualFold(fields[0], d.Trigger) {
			return d, fields[1:], true
		}
	}
	return Definition{}, nil, false
}

// CapabilitiesOf derives the caller's roles. The owner is the user whose login
// matches the channel.
func CapabilitiesOf(msg core.ChatMessage) Capabilities {
	caps := CapUser
	if msg.User.Username != "" && strings.EqualFold(msg.User.Username, msg.Channel.Username) {
		caps |= CapOwner
	}
	if msg.User.IsMod() {
		caps |= CapModerator
	}
	if msg.User.IsVIP() {
		caps |= CapVIP
	}
	return caps
}

// Invocation is a resolved command ready for authorization and dispatch.
type Invocation struct {
	Definition
	Args    []string
	Caps    Capabilities
	Message core.ChatMessage
}

// Authorized reports whether the caller's roles satisfy the command's tier.
func (inv Invocation) Authorized() bool {
	return inv.Access.Allows(inv.Caps)
}

// Resolver maps chat messages onto the current command set. Swap replaces the
// set atomically; messages resolved afterwards see the new set.
type Resolver struct {
	set atomic.Pointer[Set]
}

func NewResolver(set *Set) *Resolver {
	r := &Resolver{}
	r.Swap(set)
	return r
}

func (r *Resolver) Swap(set *Set) {
	if set == nil {
		set = &Set{}
	}
	r.set.Store(set)
}

func (r *Resolver) Set() *Set { return r.set.Load() }

// Resolve returns the invocation for msg, or false when msg is invalid or
// matches no trigger.
func (r *Resolver) Resolve(msg core.ChatMessage) (Invocation, bool) {
	if !msg.Valid() {
		return Invocation{}, false
	}
	def, args, ok := r.set.Load().Match(msg.Text())
	if !ok {
		return Invocation{}, false
	}
	return Invocation{
		Definition: def,
		Args:       args,
		Caps:       CapabilitiesOf(msg),
		Message:    msg,
	}, true
}
