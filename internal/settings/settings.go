// Package settings loads the chatbot settings document and keeps the current
// snapshot up to date as the file changes.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/you/censor-chatbot/internal/commands"
)

// Snapshot is one immutable reading of the settings document.
type Snapshot struct {
	Chatbot Chatbot `mapstructure:"chatbot" json:"chatbot"`
	Twitch  Twitch  `mapstructure:"twitch" json:"twitch"`
	OBS     OBS     `mapstructure:"obs" json:"obs"`
	Player  Player  `mapstructure:"player" json:"player"`

	Source   string    `mapstructure:"-" json:"source"`
	LoadedAt time.Time `mapstructure:"-" json:"loadedAt"`
}

type Chatbot struct {
	Enabled     bool                  `mapstructure:"enabled" json:"enabled"`
	Commands    []commands.Definition `mapstructure:"commands" json:"commands"`
	SeekSeconds float64               `mapstructure:"seekSeconds" json:"seekSeconds"`

	// Carried for the dashboard; the engine does not read them.
	CheckStreamLive           bool `mapstructure:"checkStreamLive" json:"checkStreamLive"`
	EditContentClassification bool `mapstructure:"editContentClassification" json:"editContentClassification"`
}

type Twitch struct {
	Username string `mapstructure:"username" json:"username"`
	Channel  string `mapstructure:"channel" json:"channel"`
	Token    string `mapstructure:"token" json:"-"`
}

type OBS struct {
	Enabled bool              `mapstructure:"enabled" json:"enabled"`
	Type    string            `mapstructure:"type" json:"type"`
	Host    string            `mapstructure:"host" json:"host"`
	Port    int               `mapstructure:"port" json:"port"`
	Auth    string            `mapstructure:"auth" json:"-"`
	Scenes  map[string]string `mapstructure:"scenes" json:"scenes"`
}

type Player struct {
	BridgeURL string `mapstructure:"bridgeURL" json:"bridgeURL"`
}

// legacyKeys maps flat keys written by older versions onto the nested schema.
var legacyKeys = map[string]string{
	"chatbotEnabled":  "chatbot.enabled",
	"chatbotCommands": "chatbot.commands",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chatbot.enabled", false)
	v.SetDefault("chatbot.seekSeconds", 10)
	v.SetDefault("obs.enabled", false)
	v.SetDefault("obs.type", "obs-websocket")
	v.SetDefault("obs.host", "localhost")
	v.SetDefault("obs.port", 4455)
	v.SetDefault("twitch.username", "")
	v.SetDefault("twitch.channel", "")
	v.SetDefault("twitch.token", "")
	v.SetDefault("player.bridgeURL", "")
}

// Load reads path (yaml or json, by extension). An empty path yields the
// defaults plus CHATBOT_-prefixed environment overrides such as
// CHATBOT_TWITCH_TOKEN.
func Load(path string) (*Snapshot, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHATBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path = strings.TrimSpace(path)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("settings: read %s: %w", path, err)
		}
	}
	for legacy, key := range legacyKeys {
		if v.InConfig(strings.ToLower(legacy)) && !v.InConfig(key) {
			v.Set(key, v.Get(legacy))
		}
	}

	var snap Snapshot
	if err := v.Unmarshal(&snap); err != nil {
		return nil, fmt.Errorf("settings: decode %s: %w", path, err)
	}
	snap.Source = path
	snap.LoadedAt = time.Now().UTC()
	snap.Twitch = snap.Twitch.normalized()
	return &snap, nil
}

func (t Twitch) normalized() Twitch {
	t.Username = strings.ToLower(strings.TrimSpace(t.Username))
	t.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t.Channel), "#"))
	if t.Channel == "" {
		t.Channel = t.Username
	}
	t.Token = strings.TrimSpace(t.Token)
	return t
}

// Complete reports whether enough identity is present to log in.
func (t Twitch) Complete() bool {
	return t.Username != "" && t.Channel != "" && t.Token != ""
}

// SameIdentity reports whether a session logged in as t can keep serving o.
func (t Twitch) SameIdentity(o Twitch) bool {
	return t.Username == o.Username && t.Channel == o.Channel && t.Token == o.Token
}

// CommandSet builds the resolver snapshot; invalid entries are skipped and
// reported in the error.
func (s *Snapshot) CommandSet() (*commands.Set, error) {
	return commands.NewSet(s.Chatbot.Commands)
}

// SeekDefault converts seekSeconds into a duration, zero when unset.
func (s *Snapshot) SeekDefault() time.Duration {
	if s.Chatbot.SeekSeconds <= 0 {
		return 0
	}
	return time.Duration(s.Chatbot.SeekSeconds * float64(time.Second))
}

// SceneMap returns the configured scene per action. Scenes are only used when
// OBS is enabled; unknown action names are ignored.
func (s *Snapshot) SceneMap() map[commands.Action]string {
	out := make(map[commands.Action]string)
	if !s.OBS.Enabled {
		return out
	}
	for name, scene := range s.OBS.Scenes {
		action, err := commands.ParseAction(name)
		if err != nil || strings.TrimSpace(scene) == "" {
			continue
		}
		out[action] = strings.TrimSpace(scene)
	}
	return out
}
