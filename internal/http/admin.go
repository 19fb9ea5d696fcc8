// Package httpadmin mounts the operator endpoints: health, settings reload,
// session reconnect and token reload.
package httpadmin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/you/censor-chatbot/internal/engine"
	"github.com/you/censor-chatbot/internal/settings"
)

// Controller is the engine surface the admin endpoints drive.
type Controller interface {
	Reload() (*settings.Snapshot, error)
	Reconnect() error
}

// TokenReloader re-reads the chat token from its file.
type TokenReloader interface {
	ReloadToken() (changed bool, err error)
}

type Server struct {
	ctl    Controller
	tokens TokenReloader
}

// New builds the admin surface. tokens may be nil, in which case the token
// endpoint is not mounted.
func New(ctl Controller, tokens TokenReloader) *Server {
	return &Server{ctl: ctl, tokens: tokens}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/chatbot/reload", s.handleReload)
	mux.HandleFunc("/admin/chatbot/reconnect", s.handleReconnect)
	if s.tokens != nil {
		mux.HandleFunc("/admin/twitch/reload", s.handleTokenReload)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	snap, err := s.ctl.Reload()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"reloaded": true,
		"enabled":  snap.Chatbot.Enabled,
		"commands": len(snap.Chatbot.Commands),
		"channel":  snap.Twitch.Channel,
	})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.ctl.Reconnect(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrDisabled) {
			status = http.StatusConflict
		}
		http.Error(w, "reconnect failed: "+err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "reconnecting": true})
}

func (s *Server) handleTokenReload(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	changed, err := s.tokens.ReloadToken()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": true, "changed": changed})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
