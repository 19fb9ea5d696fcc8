package twitch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/logging"
)

var (
	tokenEndpoint    = "https://id.twitch.tv/oauth2/token"
	validateEndpoint = "https://id.twitch.tv/oauth2/validate"
)

const (
	requestTimeout     = 15 * time.Second
	defaultExpiry      = time.Hour
	minRefreshInterval = time.Minute
	maxRetryBackoff    = time.Minute
	maxResponseBytes   = 1 << 16
)

var (
	ErrMissingCredentials = errors.New("twitch: refresh requires client id, client secret and refresh token")
	ErrInvalidToken       = errors.New("twitch: token rejected")
)

// Grant is the result of one refresh.
type Grant struct {
	AccessToken  string // normalized, ready for PASS
	RefreshToken string // the rotated refresh token, or the one that was used
	ExpiresIn    time.Duration
}

// Validation describes the identity behind an access token.
type Validation struct {
	Login     string
	UserID    string
	ClientID  string
	Scopes    []string
	ExpiresIn time.Duration
}

// Credentials refreshes the chat access token with an OAuth refresh grant.
// Each refresh writes the access token to TokenFile and, when Twitch rotates
// it, the refresh token to RefreshFile.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
	RefreshFile  string
	HTTP         *http.Client

	mu          sync.Mutex
	refresh     string
	lastExpires time.Duration
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
	Status       int      `json:"status"`
	Message      string   `json:"message"`
	Error        string   `json:"error"`
	ErrorDesc    string   `json:"error_description"`
}

func (r tokenResponse) failure(status int) string {
	for _, s := range []string{r.Message, r.ErrorDesc, r.Error} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return http.StatusText(status)
}

func (c *Credentials) SetRefreshToken(token string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.refresh = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *Credentials) refreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refresh
}

// LoadRefreshFile reads RefreshFile into the credentials. It reports whether
// the stored refresh token changed.
func (c *Credentials) LoadRefreshFile() (bool, error) {
	if c == nil || strings.TrimSpace(c.RefreshFile) == "" {
		return false, nil
	}
	token, err := readTrimmed(c.RefreshFile)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == c.refresh {
		return false, nil
	}
	c.refresh = token
	return true, nil
}

func (c *Credentials) client() *http.Client {
	if c != nil && c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Refresh exchanges the refresh token for a new access token and persists it.
func (c *Credentials) Refresh(ctx context.Context) (Grant, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	clientID := strings.TrimSpace(c.ClientID)
	secret := strings.TrimSpace(c.ClientSecret)
	refresh := c.refreshToken()
	if clientID == "" || secret == "" || refresh == "" {
		return Grant{}, ErrMissingCredentials
	}
	if strings.TrimSpace(c.TokenFile) == "" {
		return Grant{}, errors.New("twitch: token file is required for refresh")
	}

	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {secret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Grant{}, errors.Wrap(err, "twitch: create refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var parsed tokenResponse
	status, err := c.do(req, &parsed)
	if err != nil {
		return Grant{}, errors.Wrap(err, "twitch: refresh")
	}
	if status != http.StatusOK {
		return Grant{}, errors.Errorf("twitch: refresh status %d: %s", status, parsed.failure(status))
	}

	access := NormalizeToken(parsed.AccessToken)
	if access == "" {
		return Grant{}, errors.New("twitch: refresh returned empty token")
	}
	grant := Grant{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    time.Duration(parsed.ExpiresIn) * time.Second,
	}
	if grant.ExpiresIn <= 0 {
		grant.ExpiresIn = defaultExpiry
	}

	if err := writeSecret(c.TokenFile, access); err != nil {
		return Grant{}, errors.Wrap(err, "twitch: write token file")
	}
	if rotated := strings.TrimSpace(parsed.RefreshToken); rotated != "" && rotated != refresh {
		grant.RefreshToken = rotated
		if c.RefreshFile != "" {
			if err := writeSecret(c.RefreshFile, rotated); err != nil {
				return Grant{}, errors.Wrap(err, "twitch: write refresh file")
			}
		}
	}

	c.mu.Lock()
	c.refresh = grant.RefreshToken
	c.lastExpires = grant.ExpiresIn
	c.mu.Unlock()

	logging.L().Info().
		Time("expires_at", time.Now().Add(grant.ExpiresIn).UTC()).
		Msg("twitch: refreshed token")
	return grant, nil
}

// StartAuto refreshes shortly before each expiry until ctx ends. Failures are
// retried with a doubling delay capped at one minute.
func (c *Credentials) StartAuto(ctx context.Context, onUpdate func(token string)) {
	if onUpdate == nil {
		onUpdate = func(string) {}
	}
	go func() {
		timer := time.NewTimer(c.nextInterval())
		defer timer.Stop()
		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			grant, err := c.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.L().Warn().Err(err).Dur("retry_in", backoff).Msg("twitch: auto-refresh failed")
				timer.Reset(backoff)
				backoff = min(backoff*2, maxRetryBackoff)
				continue
			}
			backoff = time.Second
			onUpdate(grant.AccessToken)
			timer.Reset(refreshInterval(grant.ExpiresIn))
		}
	}()
}

func (c *Credentials) nextInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastExpires <= 0 {
		return minRefreshInterval
	}
	return refreshInterval(c.lastExpires)
}

// refreshInterval schedules the next refresh at 85% of the token lifetime.
func refreshInterval(expires time.Duration) time.Duration {
	return max(time.Duration(float64(expires)*0.85), minRefreshInterval)
}

// Validate asks Twitch who owns token. A 401 yields ErrInvalidToken. It may be
// called on a nil *Credentials.
func (c *Credentials) Validate(ctx context.Context, token string) (Validation, error) {
	raw := bareToken(token)
	if raw == "" {
		return Validation{}, ErrEmptyToken
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateEndpoint, nil)
	if err != nil {
		return Validation{}, errors.Wrap(err, "twitch: create validate request")
	}
	req.Header.Set("Authorization", "OAuth "+raw)

	var parsed struct {
		ClientID  string   `json:"client_id"`
		Login     string   `json:"login"`
		UserID    string   `json:"user_id"`
		Scopes    []string `json:"scopes"`
		ExpiresIn int      `json:"expires_in"`
		Message   string   `json:"message"`
	}
	status, err := c.do(req, &parsed)
	if err != nil {
		return Validation{}, errors.Wrap(err, "twitch: validate")
	}
	switch {
	case status == http.StatusUnauthorized:
		if msg := strings.TrimSpace(parsed.Message); msg != "" {
			return Validation{}, errors.WithMessage(ErrInvalidToken, msg)
		}
		return Validation{}, ErrInvalidToken
	case status != http.StatusOK:
		return Validation{}, errors.Errorf("twitch: validate status %d", status)
	case parsed.Login == "":
		return Validation{}, errors.New("twitch: validate returned no login")
	}
	return Validation{
		Login:     strings.ToLower(parsed.Login),
		UserID:    parsed.UserID,
		ClientID:  parsed.ClientID,
		Scopes:    parsed.Scopes,
		ExpiresIn: time.Duration(parsed.ExpiresIn) * time.Second,
	}, nil
}

// do sends req and decodes a JSON body into out whatever the status.
func (c *Credentials) do(req *http.Request, out any) (int, error) {
	resp, err := c.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "read response")
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, out); err != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, errors.Wrap(err, "decode response")
		}
	}
	return resp.StatusCode, nil
}

// writeSecret replaces path atomically with value and mode 0600.
func writeSecret(path, value string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(value + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
