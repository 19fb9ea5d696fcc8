// Package twitch manages the chat credentials: the access token file, the
// refresh grant that rotates it and the file watcher that picks up rotations
// made by other tools.
package twitch

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var ErrEmptyToken = errors.New("twitch: empty token")

const tokenPrefix = "oauth:"

// NormalizeToken trims s and adds the "oauth:" prefix chat logins expect.
// Blank input stays blank.
func NormalizeToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, tokenPrefix) {
		return s
	}
	return tokenPrefix + s
}

// bareToken strips the chat prefix for the HTTP APIs, which want the raw value.
func bareToken(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), tokenPrefix)
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "twitch: read %s", path)
	}
	return strings.TrimSpace(string(data)), nil
}

// FileTokenLoader reads the access token file and remembers the last value
// so callers can tell a rotation from a touch.
type FileTokenLoader struct {
	path string

	mu     sync.Mutex
	cached string
}

func NewFileTokenLoader(path string) *FileTokenLoader {
	return &FileTokenLoader{path: path}
}

func (l *FileTokenLoader) Path() string { return l.path }

// Load returns the normalized token and whether it differs from the last one
// seen. An empty file clears the cache and yields ErrEmptyToken.
func (l *FileTokenLoader) Load() (string, bool, error) {
	raw, err := readTrimmed(l.path)
	if err != nil {
		return "", false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	token := NormalizeToken(raw)
	if token == "" {
		l.cached = ""
		return "", false, ErrEmptyToken
	}
	changed := token != l.cached
	l.cached = token
	return token, changed, nil
}

// SetCached records a token written by this process so the next Load of the
// same value is not reported as a change.
func (l *FileTokenLoader) SetCached(token string) {
	l.mu.Lock()
	l.cached = NormalizeToken(token)
	l.mu.Unlock()
}
