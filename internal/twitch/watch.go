package twitch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/logging"
)

const watchDebounce = 250 * time.Millisecond

// WatchTokenFiles calls onChange once writes to any of paths have settled.
// The parent directories are watched so atomic replacements (write to a temp
// file, rename over the target) are seen. It returns once the watcher runs;
// the watcher stops with ctx. Empty paths are ignored.
func WatchTokenFiles(ctx context.Context, onChange func(), paths ...string) error {
	targets := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return errors.Wrapf(err, "twitch: resolve %s", p)
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(targets) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "twitch: new watcher")
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return errors.Wrapf(err, "twitch: watch %s", dir)
		}
	}

	go runWatch(ctx, w, targets, onChange)
	return nil
}

func runWatch(ctx context.Context, w *fsnotify.Watcher, targets map[string]struct{}, onChange func()) {
	defer w.Close()
	log := logging.Component("twitch")

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if _, hit := targets[filepath.Clean(ev.Name)]; !hit {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			fire = time.After(watchDebounce)
		case <-fire:
			fire = nil
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("token watch error")
		}
	}
}
