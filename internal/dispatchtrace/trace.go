// Package dispatchtrace follows one chat command through the pipeline stages.
package dispatchtrace

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog"
)

// Stage is a pipeline checkpoint.
type Stage string

const (
	StageSeen       Stage = "seen"
	StageResolved   Stage = "resolved"
	StageAuthorized Stage = "authorized"
	StageDenied     Stage = "denied"
	StageDispatched Stage = "dispatched"
	StageFailed     Stage = "failed"
	StageAudited    Stage = "audited"
)

// Trace carries identifying metadata and per-stage counters for one message.
type Trace struct {
	Channel   string
	User      string
	MessageID string
	Snippet   string
	TraceID   string

	mu       sync.Mutex
	counters map[Stage]int64
}

// New starts a trace and counts it as seen.
func New(channel, user, messageID, snippet string) *Trace {
	t := &Trace{
		Channel:   channel,
		User:      user,
		MessageID: messageID,
		Snippet:   snippet,
		TraceID:   computeTraceID(channel, user, messageID, snippet),
		counters:  make(map[Stage]int64),
	}
	t.counters[StageSeen] = 1
	return t
}

// Inc bumps stage and returns the new count. A nil trace is ignored.
func (t *Trace) Inc(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the counter for stage.
func (t *Trace) Count(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// Log writes the trace at debug level.
func (t *Trace) Log(logger *zerolog.Logger, msg string) {
	if t == nil || logger == nil {
		return
	}
	dict := zerolog.Dict()
	for stage, n := range t.snapshot() {
		dict = dict.Int64(string(stage), n)
	}
	logger.Debug().
		Str("trace_id", t.TraceID).
		Str("channel", t.Channel).
		Str("user", t.User).
		Str("message_id", t.MessageID).
		Str("snippet", t.Snippet).
		Dict("counters", dict).
		Msg(msg)
}

func (t *Trace) snapshot() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Stage]int64, len(t.counters))
	for stage, n := range t.counters {
		out[stage] = n
	}
	return out
}

func computeTraceID(channel, user, messageID, snippet string) string {
	digest := sha256.Sum256([]byte(channel + "\x1f" + user + "\x1f" + messageID + "\x1f" + snippet))
	return hex.EncodeToString(digest[:16])
}
