package main

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/logging"
	"github.com/you/censor-chatbot/internal/twitch"
)

// tokenState holds the chat token read from the token file or obtained by a
// refresh. An empty state defers to the settings token.
type tokenState struct {
	mu    sync.RWMutex
	token string
}

func newTokenState(initial string) *tokenState {
	return &tokenState{token: twitch.NormalizeToken(initial)}
}

func (s *tokenState) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *tokenState) Set(token string) bool {
	normalized := twitch.NormalizeToken(token)
	if normalized == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == normalized {
		return false
	}
	s.token = normalized
	return true
}

type reconnecter interface {
	Reconnect() error
}

// tokenReloader re-reads the token files and restarts the session when the
// access token changed.
type tokenReloader struct {
	loader *twitch.FileTokenLoader
	creds  *twitch.Credentials
	state  *tokenState
	eng    reconnecter
}

func (r *tokenReloader) ReloadToken() (bool, error) {
	if r == nil || r.loader == nil {
		return false, errors.New("twitch: no token file configured")
	}
	token, _, err := r.loader.Load()
	if err != nil {
		return false, err
	}
	if _, err := r.creds.LoadRefreshFile(); err != nil {
		return false, err
	}
	if !r.state.Set(token) {
		return false, nil
	}
	r.restart("file")
	return true, nil
}

// apply stores a token obtained elsewhere (refresh) and restarts the session.
func (r *tokenReloader) apply(token, reason string) {
	if r.loader != nil {
		r.loader.SetCached(token)
	}
	if r.state.Set(token) {
		r.restart(reason)
	}
}

func (r *tokenReloader) restart(reason string) {
	log := logging.Component("twitch")
	log.Info().Str("reason", reason).Msg("token updated; reconnecting")
	if r.eng == nil {
		return
	}
	if err := r.eng.Reconnect(); err != nil {
		log.Warn().Err(err).Msg("reconnect after token update")
	}
}

type tokenValidator interface {
	Validate(ctx context.Context, token string) (twitch.Validation, error)
}

// checkTokenIdentity warns when the token belongs to a different account than
// the configured bot username. Chat accepts the login either way but the
// channel sees replies from the token's owner.
func checkTokenIdentity(ctx context.Context, v tokenValidator, token, username string) bool {
	log := logging.Component("twitch")
	if strings.TrimSpace(token) == "" {
		return false
	}
	info, err := v.Validate(ctx, token)
	if err != nil {
		log.Warn().Err(err).Msg("token validation failed")
		return false
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if username != "" && info.Login != username {
		log.Warn().Str("token_login", info.Login).Str("username", username).Msg("token belongs to a different account")
		return false
	}
	log.Info().Str("login", info.Login).Dur("expires_in", info.ExpiresIn).Strs("scopes", info.Scopes).Msg("token validated")
	return true
}
