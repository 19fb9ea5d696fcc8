package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration. The chatbot's behaviour (commands,
// identity, scenes) lives in the settings document; this covers where things
// run and which secrets the process may use.
type Config struct {
	SettingsPath  string
	Audit         AuditConfig
	Twitch        TwitchConfig
	HTTP          HTTPConfig
	Log           LogConfig
	ActionTimeout time.Duration
}

type AuditConfig struct {
	Enabled    bool
	Path       string
	BatchSize  int
	FlushMaxMS int
	Tuning     bool
}

type TwitchConfig struct {
	URL              string
	TokenFile        string
	ClientID         string
	ClientSecret     string
	RefreshToken     string
	RefreshTokenFile string
	HandshakeTimeout time.Duration
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	AccessLog   bool
	Metrics     bool
}

type LogConfig struct {
	Level  string
	Pretty bool
}

const (
	defaultSettingsPath     = "settings.yaml"
	defaultAuditPath        = "chatbot.db"
	defaultBatchSize        = 1
	defaultFlushMS          = 0
	defaultHandshakeTimeout = 5 * time.Second
	defaultActionTimeout    = 10 * time.Second
	defaultRateRPS          = 20
	defaultRateBurst        = 40
)

func Load() Config {
	cfg := Config{}

	cfg.SettingsPath = readString("CHATBOT_SETTINGS", defaultSettingsPath)

	cfg.Audit.Enabled = readBool("CHATBOT_AUDIT_ENABLED", true)
	cfg.Audit.Path = readString("CHATBOT_AUDIT_SQLITE_PATH", defaultAuditPath)
	cfg.Audit.BatchSize = readInt("CHATBOT_AUDIT_BATCH_SIZE", defaultBatchSize)
	cfg.Audit.FlushMaxMS = readInt("CHATBOT_AUDIT_FLUSH_MAX_MS", defaultFlushMS)
	cfg.Audit.Tuning = readBool("CHATBOT_SQLITE_TUNING", false)

	cfg.Twitch.URL = strings.TrimSpace(os.Getenv("CHATBOT_TWITCH_URL"))
	cfg.Twitch.TokenFile = firstEnv("CHATBOT_TWITCH_TOKEN_FILE", "TWITCH_TOKEN_FILE")
	cfg.Twitch.ClientID = firstEnv("CHATBOT_TWITCH_CLIENT_ID", "TWITCH_CLIENT_ID")
	cfg.Twitch.ClientSecret = firstEnv("CHATBOT_TWITCH_CLIENT_SECRET", "TWITCH_CLIENT_SECRET")
	cfg.Twitch.RefreshToken = firstEnv("CHATBOT_TWITCH_REFRESH_TOKEN", "TWITCH_REFRESH_TOKEN")
	cfg.Twitch.RefreshTokenFile = firstEnv("CHATBOT_TWITCH_REFRESH_TOKEN_FILE", "TWITCH_REFRESH_TOKEN_FILE")
	cfg.Twitch.HandshakeTimeout = readDuration("CHATBOT_TWITCH_HANDSHAKE_TIMEOUT", defaultHandshakeTimeout)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("CHATBOT_HTTP_ADDR"))
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("CHATBOT_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("CHATBOT_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("CHATBOT_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.AccessLog = readBool("CHATBOT_HTTP_ACCESS_LOG", true)
	cfg.HTTP.Metrics = readBool("CHATBOT_HTTP_METRICS", true)

	cfg.Log.Level = readString("CHATBOT_LOG_LEVEL", "info")
	cfg.Log.Pretty = readBool("CHATBOT_LOG_PRETTY", false)

	cfg.ActionTimeout = readDuration("CHATBOT_ACTION_TIMEOUT", defaultActionTimeout)

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func readString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// readDuration accepts Go durations ("750ms") or bare milliseconds.
func readDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// RefreshEnabled reports whether token refresh has everything it needs.
func (t TwitchConfig) RefreshEnabled() bool {
	return t.ClientID != "" && t.ClientSecret != "" && (t.RefreshToken != "" || t.RefreshTokenFile != "")
}

func (c Config) Summary() Summary {
	return Summary{
		SettingsPath: c.SettingsPath,
		Audit: AuditSummary{
			Enabled:    c.Audit.Enabled,
			SQLitePath: c.Audit.Path,
			BatchSize:  c.Audit.BatchSize,
			FlushMaxMS: c.Audit.FlushMaxMS,
		},
		Twitch: TwitchSummary{
			URL:              c.Twitch.URL,
			TokenFile:        c.Twitch.TokenFile,
			ClientID:         redactString(c.Twitch.ClientID),
			ClientSecret:     redactString(c.Twitch.ClientSecret),
			RefreshToken:     redactString(c.Twitch.RefreshToken),
			RefreshTokenFile: c.Twitch.RefreshTokenFile,
			RefreshEnabled:   c.Twitch.RefreshEnabled(),
			HandshakeMS:      c.Twitch.HandshakeTimeout.Milliseconds(),
		},
		HTTPAddr: c.HTTP.Addr,
	}
}

type Summary struct {
	SettingsPath string        `json:"settings"`
	Audit        AuditSummary  `json:"audit"`
	Twitch       TwitchSummary `json:"twitch"`
	HTTPAddr     string        `json:"http_addr,omitempty"`
}

type AuditSummary struct {
	Enabled    bool   `json:"enabled"`
	SQLitePath string `json:"sqlite_path"`
	BatchSize  int    `json:"batch"`
	FlushMaxMS int    `json:"flush_ms"`
}

type TwitchSummary struct {
	URL              string `json:"url,omitempty"`
	TokenFile        string `json:"token_file,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
	ClientSecret     string `json:"client_secret,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshTokenFile string `json:"refresh_token_file,omitempty"`
	RefreshEnabled   bool   `json:"refresh_enabled"`
	HandshakeMS      int64  `json:"handshake_ms"`
}

// Redacted is the configuration as served on /info, secrets masked.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"settings": c.SettingsPath,
		"audit": map[string]any{
			"enabled":     c.Audit.Enabled,
			"sqlite_path": c.Audit.Path,
			"batch_size":  c.Audit.BatchSize,
			"flush_ms":    c.Audit.FlushMaxMS,
			"tuning":      c.Audit.Tuning,
		},
		"twitch": map[string]any{
			"url":                c.Twitch.URL,
			"token_file":         c.Twitch.TokenFile,
			"client_id":          redactString(c.Twitch.ClientID),
			"client_secret":      redactString(c.Twitch.ClientSecret),
			"refresh_token":      redactString(c.Twitch.RefreshToken),
			"refresh_token_file": c.Twitch.RefreshTokenFile,
			"refresh_enabled":    c.Twitch.RefreshEnabled(),
			"handshake_ms":       c.Twitch.HandshakeTimeout.Milliseconds(),
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
		},
		"action_timeout_ms": c.ActionTimeout.Milliseconds(),
	}
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) FlushInterval() time.Duration {
	if c.Audit.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Audit.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Audit.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Audit.BatchSize
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
