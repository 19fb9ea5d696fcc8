package httpadmin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/you/censor-chatbot/internal/commands"
	"github.com/you/censor-chatbot/internal/engine"
	"github.com/you/censor-chatbot/internal/settings"
)

type fakeController struct {
	snap         *settings.Snapshot
	reloadErr    error
	reconnectErr error
	reconnects   int
}

func (f *fakeController) Reload() (*settings.Snapshot, error) {
	return f.snap, f.reloadErr
}

func (f *fakeController) Reconnect() error {
	f.reconnects++
	return f.reconnectErr
}

type fakeTokens struct {
	changed bool
	err     error
}

func (f fakeTokens) ReloadToken() (bool, error) { return f.changed, f.err }

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	srv.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestReloadSuccess(t *testing.T) {
	ctl := &fakeController{snap: &settings.Snapshot{
		Chatbot: settings.Chatbot{Enabled: true, Commands: []commands.Definition{{Trigger: "!stop"}}},
		Twitch:  settings.Twitch{Channel: "streamer"},
	}}
	rec := serve(New(ctl, nil), http.MethodPost, "/admin/chatbot/reload")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("expected content-type application/json; charset=utf-8, got %q", ct)
	}

	var payload struct {
		Status   string `json:"status"`
		Reloaded bool   `json:"reloaded"`
		Enabled  bool   `json:"enabled"`
		Commands int    `json:"commands"`
		Channel  string `json:"channel"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Status != "ok" || !payload.Reloaded || !payload.Enabled || payload.Commands != 1 || payload.Channel != "streamer" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReloadError(t *testing.T) {
	rec := serve(New(&fakeController{reloadErr: errors.New("boom")}, nil), http.MethodPost, "/admin/chatbot/reload")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if body := rec.Body.String(); body != "reload failed: boom\n" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestReconnect(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "accepted", status: http.StatusAccepted},
		{name: "disabled", err: engine.ErrDisabled, status: http.StatusConflict},
		{name: "failure", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctl := &fakeController{reconnectErr: tc.err}
			rec := serve(New(ctl, nil), http.MethodPost, "/admin/chatbot/reconnect")
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			if ctl.reconnects != 1 {
				t.Fatalf("expected one reconnect call, got %d", ctl.reconnects)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ctl := &fakeController{}
	rec := serve(New(ctl, nil), http.MethodGet, "/admin/chatbot/reconnect")
	if rec.Code != http.StatusMethodNotAllowed || ctl.reconnects != 0 {
		t.Fatalf("expected 405 without side effects, got %d (%d calls)", rec.Code, ctl.reconnects)
	}
}

func TestTokenReload(t *testing.T) {
	rec := serve(New(&fakeController{}, nil), http.MethodPost, "/admin/twitch/reload")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected token endpoint to be absent, got %d", rec.Code)
	}

	rec = serve(New(&fakeController{}, fakeTokens{changed: true}), http.MethodPost, "/admin/twitch/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var payload struct {
		Changed bool `json:"changed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil || !payload.Changed {
		t.Fatalf("unexpected payload %+v (%v)", payload, err)
	}
}
