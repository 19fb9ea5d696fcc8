package player

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBridgeTimeout = 5 * time.Second

// Bridge forwards playback commands to the browser extension's local HTTP
// bridge: POST /player/<command> and GET /player/state.
type Bridge struct {
	BaseURL string
	HTTP    *http.Client
}

type seekRequest struct {
	Delta float64 `json:"delta"`
}

type bridgeState struct {
	CurrentTime float64 `json:"currentTime"`
	Title       string  `json:"title"`
}

func NewBridge(baseURL string) *Bridge {
	return &Bridge{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: defaultBridgeTimeout},
	}
}

func (b *Bridge) Stop(ctx context.Context) error   { return b.command(ctx, "stop", nil) }
func (b *Bridge) Pause(ctx context.Context) error  { return b.command(ctx, "pause", nil) }
func (b *Bridge) Play(ctx context.Context) error   { return b.command(ctx, "play", nil) }
func (b *Bridge) Mute(ctx context.Context) error   { return b.command(ctx, "mute", nil) }
func (b *Bridge) Unmute(ctx context.Context) error { return b.command(ctx, "unmute", nil) }
func (b *Bridge) Blur(ctx context.Context) error   { return b.command(ctx, "blur", nil) }
func (b *Bridge) Unblur(ctx context.Context) error { return b.command(ctx, "unblur", nil) }
func (b *Bridge) Show(ctx context.Context) error   { return b.command(ctx, "show", nil) }
func (b *Bridge) Hide(ctx context.Context) error   { return b.command(ctx, "hide", nil) }

func (b *Bridge) Seek(ctx context.Context, delta time.Duration) error {
	return b.command(ctx, "seek", seekRequest{Delta: delta.Seconds()})
}

func (b *Bridge) CurrentTime(ctx context.Context) (time.Duration, error) {
	st, err := b.state(ctx)
	if err != nil {
		return 0, err
	}
	return time.Duration(st.CurrentTime * float64(time.Second)), nil
}

func (b *Bridge) Title(ctx context.Context) (string, error) {
	st, err := b.state(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(st.Title), nil
}

func (b *Bridge) command(ctx context.Context, name string, payload any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("player: encode %s: %w", name, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/player/"+name, body)
	if err != nil {
		return fmt.Errorf("player: create %s request: %w", name, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return fmt.Errorf("player: %s request: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("player: %s status %s: %s", name, resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *Bridge) state(ctx context.Context) (bridgeState, error) {
	var st bridgeState
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/player/state", nil)
	if err != nil {
		return st, fmt.Errorf("player: create state request: %w", err)
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return st, fmt.Errorf("player: state request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("player: state status %s", resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&st); err != nil {
		return st, fmt.Errorf("player: decode state: %w", err)
	}
	return st, nil
}

func (b *Bridge) client() *http.Client {
	if b.HTTP != nil {
		return b.HTTP
	}
	return http.DefaultClient
}
