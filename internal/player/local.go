package player

import (
	"context"
	"sync"
	"time"
)

// State is a snapshot of playback.
type State struct {
	Playing  bool          `json:"playing"`
	Stopped  bool          `json:"stopped"`
	Muted    bool          `json:"muted"`
	Blurred  bool          `json:"blurred"`
	Hidden   bool          `json:"hidden"`
	Position time.Duration `json:"-"`
	Duration time.Duration `json:"-"`
	Title    string        `json:"title"`
}

// Local keeps playback state in process. The position advances with the
// clock while playing.
type Local struct {
	mu       sync.Mutex
	now      func() time.Time
	state    State
	resumeAt time.Time
}

func NewLocal(title string, duration time.Duration) *Local {
	return &Local{
		now:   time.Now,
		state: State{Title: title, Duration: duration, Stopped: true},
	}
}

// Snapshot returns the current state with the position brought up to date.
func (l *Local) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state
	st.Position = l.positionLocked()
	return st
}

func (l *Local) positionLocked() time.Duration {
	pos := l.state.Position
	if l.state.Playing {
		pos += l.now().Sub(l.resumeAt)
	}
	return l.clampLocked(pos)
}

func (l *Local) clampLocked(pos time.Duration) time.Duration {
	if pos < 0 {
		return 0
	}
	if l.state.Duration > 0 && pos > l.state.Duration {
		return l.state.Duration
	}
	return pos
}

// freezeLocked folds elapsed play time into Position.
func (l *Local) freezeLocked() {
	l.state.Position = l.positionLocked()
	l.resumeAt = l.now()
}

func (l *Local) update(fn func(st *State)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.freezeLocked()
	fn(&l.state)
	return nil
}

func (l *Local) Stop(context.Context) error {
	return l.update(func(st *State) {
		st.Playing = false
		st.Stopped = true
		st.Position = 0
	})
}

func (l *Local) Pause(context.Context) error {
	return l.update(func(st *State) { st.Playing = false })
}

func (l *Local) Play(context.Context) error {
	return l.update(func(st *State) {
		st.Playing = true
		st.Stopped = false
	})
}

func (l *Local) Mute(context.Context) error   { return l.update(func(st *State) { st.Muted = true }) }
func (l *Local) Unmute(context.Context) error { return l.update(func(st *State) { st.Muted = false }) }
func (l *Local) Blur(context.Context) error   { return l.update(func(st *State) { st.Blurred = true }) }
func (l *Local) Unblur(context.Context) error { return l.update(func(st *State) { st.Blurred = false }) }
func (l *Local) Show(context.Context) error   { return l.update(func(st *State) { st.Hidden = false }) }
func (l *Local) Hide(context.Context) error   { return l.update(func(st *State) { st.Hidden = true }) }

func (l *Local) Seek(_ context.Context, delta time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.freezeLocked()
	l.state.Position = l.clampLocked(l.state.Position + delta)
	return nil
}

func (l *Local) CurrentTime(context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionLocked(), nil
}

func (l *Local) Title(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Title, nil
}
