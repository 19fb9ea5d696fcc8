package settings

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/logging"
)

const reloadDebounce = 250 * time.Millisecond

// Source holds the current snapshot. Readers get the pointer that was current
// when they asked; a reload swaps in a new one.
type Source struct {
	path    string
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []func(*Snapshot)
}

func NewSource(path string) (*Source, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Source{path: path}
	s.current.Store(snap)
	return s, nil
}

// Static wraps a fixed snapshot; Reload returns it unchanged.
func Static(snap *Snapshot) *Source {
	s := &Source{}
	s.current.Store(snap)
	return s
}

func (s *Source) Path() string { return s.path }

func (s *Source) Current() *Snapshot { return s.current.Load() }

// OnChange registers fn to run after every successful reload.
func (s *Source) OnChange(fn func(*Snapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reload re-reads the file. On error the previous snapshot stays current.
func (s *Source) Reload() (*Snapshot, error) {
	if s.path == "" {
		return s.Current(), nil
	}
	snap, err := Load(s.path)
	if err != nil {
		return s.Current(), err
	}
	s.current.Store(snap)

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return snap, nil
}

// Watch reloads whenever the file changes until ctx ends. Bursts of events
// are collapsed into one reload. The parent directory is watched so a file
// that is renamed away and written anew keeps being followed.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	target, err := filepath.Abs(s.path)
	if err != nil {
		return errors.Wrapf(err, "settings: resolve %s", s.path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "settings: new watcher")
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return errors.Wrapf(err, "settings: watch %s", filepath.Dir(target))
	}

	go s.runWatch(ctx, w, target)
	return nil
}

func (s *Source) runWatch(ctx context.Context, w *fsnotify.Watcher, target string) {
	defer w.Close()
	log := logging.Component("settings")

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fire = time.After(reloadDebounce)
		case <-fire:
			fire = nil
			if _, err := s.Reload(); err != nil {
				log.Error().Err(err).Msg("reload failed")
				continue
			}
			log.Info().Str("path", s.path).Msg("reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("watch error")
		}
	}
}
