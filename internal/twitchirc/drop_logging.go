package twitchirc

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/censor-chatbot/internal/logging"
)

// Drop reasons reported by the chat session.
const (
	DropUnrecognized = "unrecognized"
	DropMalformed    = "malformed"
	DropNotConnected = "not_connected"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
	dropChannelMaxLen   = 32
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

type lineSummary struct {
	command string
	channel string
	sample  string
}

type dropReason struct {
	total     int
	byCommand map[string]int
	samples   map[string]lineSummary
}

// DropLogger aggregates discarded lines per reason and emits one summary per
// reason every interval instead of one log line per drop.
type DropLogger struct {
	mu       sync.Mutex
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropReason
}

// NewDropLogger returns a logger whose first summary is due one interval
// after now. Verbose mode also logs every drop at debug level.
func NewDropLogger(now time.Time, verbose bool, interval time.Duration) *DropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &DropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReason),
	}
}

// Note records one dropped line.
func (d *DropLogger) Note(now time.Time, reason, rawLine string) {
	if d == nil {
		return
	}
	summary := summarizeLine(rawLine)
	if d.verbose {
		logging.L().Debug().
			Str("reason", reason).
			Str("command", summary.command).
			Str("channel", summary.channel).
			Str("sample", summary.sample).
			Msg("twitchirc: dropped line")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReason{
			byCommand: make(map[string]int),
			samples:   make(map[string]lineSummary),
		}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.byCommand[summary.command]++
	if _, ok := entry.samples[summary.command]; !ok {
		entry.samples[summary.command] = summary
	}

	if !now.Before(d.nextEmit) {
		d.flushLocked(now)
	}
}

// Flush emits all pending summaries.
func (d *DropLogger) Flush(now time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(now)
}

// Pending returns the number of drops not yet summarized for reason.
func (d *DropLogger) Pending(reason string) int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry := d.reasons[reason]; entry != nil {
		return entry.total
	}
	return 0
}

func (d *DropLogger) flushLocked(now time.Time) {
	for _, reason := range sortedKeys(d.reasons) {
		entry := d.reasons[reason]
		if entry.total == 0 {
			continue
		}
		logging.L().Info().
			Int("total", entry.total).
			Str("commands", formatCommandCounts(entry.byCommand)).
			Str("samples", formatSamples(entry.samples)).
			Msg("twitchirc: dropped_" + reason)
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

func summarizeLine(rawLine string) lineSummary {
	parts, ok := splitLine(rawLine)
	if !ok {
		return lineSummary{
			command: "UNKNOWN",
			sample:  sanitizeAndTruncate(rawLine, dropSampleMaxLen),
		}
	}

	channel := ""
	for _, field := range strings.Fields(parts.params) {
		if strings.HasPrefix(field, "#") {
			channel = field
			break
		}
	}

	sample := ""
	if parts.command == "USERNOTICE" {
		if msgID := parseTags(parts.tags)["msg-id"]; msgID != "" {
			sample = "msg-id=" + msgID
		}
	}
	if sample == "" {
		if text, ok := parts.trailing(); ok {
			sample = text
		}
	}
	if sample == "" {
		sample = channel
	}
	if sample == "" {
		sample = parts.params
	}

	return lineSummary{
		command: parts.command,
		channel: sanitizeAndTruncate(channel, dropChannelMaxLen),
		sample:  sanitizeAndTruncate(sample, dropSampleMaxLen),
	}
}

// sanitizeAndTruncate collapses whitespace, redacts credentials and caps the
// result at max bytes.
func sanitizeAndTruncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}

	upper := strings.ToUpper(s)
	if upper == "PASS" || strings.HasPrefix(upper, "PASS ") {
		s = "PASS [REDACTED]"
	}
	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// DropDebugFromEnv reports whether CHATBOT_DEBUG_DROPS asks for per-line logs.
func DropDebugFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("CHATBOT_DEBUG_DROPS"))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func formatCommandCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, cmd := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", cmd, counts[cmd]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatSamples(samples map[string]lineSummary) string {
	parts := make([]string, 0, len(samples))
	for _, cmd := range sortedKeys(samples) {
		s := samples[cmd]
		if s.channel != "" {
			parts = append(parts, cmd+":'"+s.channel+" "+s.sample+"'")
			continue
		}
		parts = append(parts, cmd+":'"+s.sample+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
