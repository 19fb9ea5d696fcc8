package main

import (
	"context"
	"errors"
	"sync"

	"github.com/you/censor-chatbot/internal/obs"
	"github.com/you/censor-chatbot/internal/settings"
)

var errOBSDisabled = errors.New("obs: scene control disabled")

// obsScenes follows the obs section of the settings document, reconnecting
// when the endpoint changes.
type obsScenes struct {
	src *settings.Source

	mu     sync.Mutex
	cfg    obs.Config
	client *obs.Client
}

func newOBSScenes(src *settings.Source) *obsScenes {
	return &obsScenes{src: src}
}

func (o *obsScenes) SetScene(ctx context.Context, name string) (bool, error) {
	snap := o.src.Current()
	if !snap.OBS.Enabled {
		return false, errOBSDisabled
	}
	cfg := obs.Config{
		Type: snap.OBS.Type,
		Host: snap.OBS.Host,
		Port: snap.OBS.Port,
		Auth: snap.OBS.Auth,
	}

	o.mu.Lock()
	if o.client == nil || o.cfg != cfg {
		if err := cfg.Validate(); err != nil {
			o.mu.Unlock()
			return false, err
		}
		if o.client != nil {
			_ = o.client.Close()
		}
		o.client = obs.New(cfg)
		o.cfg = cfg
	}
	client := o.client
	o.mu.Unlock()

	return client.SetScene(ctx, name)
}

func (o *obsScenes) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client == nil {
		return nil
	}
	err := o.client.Close()
	o.client = nil
	return err
}
