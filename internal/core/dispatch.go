package core

import "time"

// Dispatch outcomes as stored in the audit log.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeDenied = "denied"
)

// DispatchRecord is one audited command: either a finished action or a denial.
type DispatchRecord struct {
	ID         string    `json:"id"`
	Ts         time.Time `json:"ts"`
	Channel    string    `json:"channel"`
	User       string    `json:"user"`
	Trigger    string    `json:"trigger"`
	Action     string    `json:"action"`
	Access     string    `json:"access"`
	Args       string    `json:"args,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	TraceID    string    `json:"trace_id,omitempty"`
}
