package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/censor-chatbot/internal/commands"
)

const nestedYAML = `
chatbot:
  enabled: true
  seekSeconds: 15
  checkStreamLive: true
  commands:
    - trigger: "!stop"
      access: moderators
      action: stop
    - trigger: "!time"
      access: users
      action: currentMovieTime
twitch:
  username: CensorBot
  channel: "#Streamer"
  token: abc
obs:
  enabled: true
  port: 4460
  auth: secret
  scenes:
    hide: Censored
    currentMovieTime: ignored-but-valid
    bogus: Nope
player:
  bridgeURL: http://127.0.0.1:8765
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadNestedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "settings.yaml", nestedYAML)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !snap.Chatbot.Enabled || !snap.Chatbot.CheckStreamLive {
		t.Fatalf("unexpected chatbot flags %+v", snap.Chatbot)
	}
	if snap.SeekDefault() != 15*time.Second {
		t.Fatalf("unexpected seek default %s", snap.SeekDefault())
	}
	if snap.Twitch.Username != "censorbot" || snap.Twitch.Channel != "streamer" || !snap.Twitch.Complete() {
		t.Fatalf("unexpected twitch %+v", snap.Twitch)
	}
	if snap.OBS.Host != "localhost" || snap.OBS.Port != 4460 || snap.OBS.Type != "obs-websocket" {
		t.Fatalf("unexpected obs %+v", snap.OBS)
	}
	if snap.Player.BridgeURL != "http://127.0.0.1:8765" {
		t.Fatalf("unexpected player %+v", snap.Player)
	}

	set, err := snap.CommandSet()
	if err != nil {
		t.Fatalf("command set: %v", err)
	}
	defs := set.Definitions()
	if len(defs) != 2 || defs[1].Action != commands.ActionCurrentMovieTime {
		t.Fatalf("unexpected commands %+v", defs)
	}

	scenes := snap.SceneMap()
	if scenes[commands.ActionHide] != "Censored" || len(scenes) != 2 {
		t.Fatalf("unexpected scenes %v", scenes)
	}
}

func TestLoadLegacyFlatKeys(t *testing.T) {
	body := `{
  "chatbotEnabled": true,
  "chatbotCommands": [{"trigger": "!pause", "access": "vip", "action": "pause"}],
  "twitch": {"username": "bot", "token": "t"}
}`
	path := writeFile(t, t.TempDir(), "settings.json", body)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !snap.Chatbot.Enabled {
		t.Fatalf("expected legacy enabled flag to apply")
	}
	if len(snap.Chatbot.Commands) != 1 || snap.Chatbot.Commands[0].Trigger != "!pause" {
		t.Fatalf("expected legacy commands, got %+v", snap.Chatbot.Commands)
	}
	if snap.Twitch.Channel != "bot" {
		t.Fatalf("expected channel to default to username, got %q", snap.Twitch.Channel)
	}
	if snap.SeekDefault() != 10*time.Second {
		t.Fatalf("expected default seek, got %s", snap.SeekDefault())
	}
	if len(snap.SceneMap()) != 0 {
		t.Fatalf("scenes must be empty while obs is disabled")
	}
}

func TestNestedKeysWinOverLegacy(t *testing.T) {
	body := "chatbotEnabled: true\nchatbot:\n  enabled: false\n"
	path := writeFile(t, t.TempDir(), "settings.yaml", body)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Chatbot.Enabled {
		t.Fatalf("expected nested key to take precedence")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CHATBOT_TWITCH_TOKEN", "from-env")
	snap, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Twitch.Token != "from-env" {
		t.Fatalf("expected env token, got %q", snap.Twitch.Token)
	}
	if snap.Chatbot.Enabled {
		t.Fatalf("chatbot must default to disabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yaml", "chatbot:\n  enabled: true\n")
	src, err := NewSource(path)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	writeFile(t, dir, "settings.yaml", "chatbot: [unclosed\n")
	if _, err := src.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	if !src.Current().Chatbot.Enabled {
		t.Fatalf("expected previous snapshot to remain current")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yaml", "chatbot:\n  enabled: false\n")
	src, err := NewSource(path)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	changed := make(chan *Snapshot, 4)
	src.OnChange(func(s *Snapshot) { changed <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeFile(t, dir, "settings.yaml", "chatbot:\n  enabled: true\n")
	select {
	case snap := <-changed:
		if !snap.Chatbot.Enabled {
			t.Fatalf("expected reloaded snapshot to be enabled")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	if !src.Current().Chatbot.Enabled {
		t.Fatalf("expected current snapshot to be swapped")
	}
}

func TestWatchFollowsFileReplacedAfterRename(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yaml", "chatbot:\n  enabled: false\n")
	src, err := NewSource(path)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	changed := make(chan *Snapshot, 4)
	src.OnChange(func(s *Snapshot) { changed <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.Rename(path, path+"~"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	time.Sleep(2 * reloadDebounce)
	writeFile(t, dir, "settings.yaml", "chatbot:\n  enabled: true\n")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-changed:
			if snap.Chatbot.Enabled {
				if !src.Current().Chatbot.Enabled {
					t.Fatalf("expected current snapshot to be swapped")
				}
				return
			}
		case <-deadline:
			t.Fatalf("replacement file was not reloaded")
		}
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yaml", "chatbot:\n  enabled: false\n")
	src, err := NewSource(path)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	changed := make(chan *Snapshot, 4)
	src.OnChange(func(s *Snapshot) { changed <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeFile(t, dir, "other.yaml", "chatbot:\n  enabled: true\n")
	select {
	case <-changed:
		t.Fatalf("writes to other files must not reload settings")
	case <-time.After(4 * reloadDebounce):
	}
}
