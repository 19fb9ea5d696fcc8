package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version  string         `json:"version"`
	Revision string         `json:"rev"`
	BuiltAt  string         `json:"built_at,omitempty"`
	Go       string         `json:"go"`
	Config   map[string]any `json:"config,omitempty"`
	Streams  int            `json:"stream_clients"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
		Config:   s.opts.ConfigSnapshot,
		Streams:  s.Clients(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, resp)
}
