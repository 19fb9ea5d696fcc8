package twitchirc

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you/censor-chatbot/internal/core"
)

// Kind classifies a raw protocol line.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindChat
	KindConnected
	KindAuthFailed
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindChat:
		return "chat"
	case KindConnected:
		return "connected"
	case KindAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Line is the parsed form of one protocol line.
type Line struct {
	Kind    Kind
	Raw     string
	Payload string           // PING payload, echoed back in the PONG
	Chat    core.ChatMessage // set for KindChat; zero value when malformed
}

// ircParts is the structural split of a line: @tags :prefix COMMAND params.
type ircParts struct {
	tags    string
	prefix  string
	command string
	params  string
}

func splitLine(raw string) (ircParts, bool) {
	var p ircParts
	rest := strings.TrimRight(raw, "\r\n")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return p, false
	}

	if strings.HasPrefix(rest, "@") {
		idx := strings.IndexByte(rest, ' ')
		if idx == -1 {
			return p, false
		}
		p.tags = rest[1:idx]
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if strings.HasPrefix(rest, ":") {
		idx := strings.IndexByte(rest, ' ')
		if idx == -1 {
			return p, false
		}
		p.prefix = rest[1:idx]
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if rest == "" {
		return p, false
	}
	p.command = rest
	if idx := strings.IndexByte(rest, ' '); idx != -1 {
		p.command = rest[:idx]
		p.params = strings.TrimSpace(rest[idx+1:])
	}
	p.command = strings.ToUpper(p.command)
	return p, true
}

// trailing returns the ":"-introduced final parameter, if any.
func (p ircParts) trailing() (string, bool) {
	if strings.HasPrefix(p.params, ":") {
		return p.params[1:], true
	}
	if idx := strings.Index(p.params, " :"); idx != -1 {
		return p.params[idx+2:], true
	}
	return "", false
}

// ParseLine classifies raw and extracts its payload. Precedence is
// PING, PRIVMSG, GLOBALUSERSTATE, then authentication NOTICEs; everything
// else is KindUnknown.
func ParseLine(raw string) Line {
	return parseLineAt(raw, time.Now())
}

func parseLineAt(raw string, now time.Time) Line {
	line := Line{Kind: KindUnknown, Raw: raw}
	parts, ok := splitLine(raw)
	if !ok {
		return line
	}

	switch parts.command {
	case "PING":
		line.Kind = KindPing
		line.Payload = parts.params
		if line.Payload == "" {
			line.Payload = ":tmi.twitch.tv"
		}
	case "PRIVMSG":
		line.Kind = KindChat
		line.Chat = chatFromParts(parts, now)
	case "GLOBALUSERSTATE":
		line.Kind = KindConnected
	case "NOTICE":
		if text, ok := parts.trailing(); ok && authFailure(text) {
			line.Kind = KindAuthFailed
			line.Payload = text
		}
	}
	return line
}

// ParseChatMessage parses a tagged PRIVMSG line. Lines that are not
// structurally valid chat lines yield the zero ChatMessage (nil Message).
func ParseChatMessage(raw string) core.ChatMessage {
	parts, ok := splitLine(raw)
	if !ok || parts.command != "PRIVMSG" {
		return core.ChatMessage{}
	}
	return chatFromParts(parts, time.Now())
}

func chatFromParts(parts ircParts, now time.Time) core.ChatMessage {
	if parts.prefix == "" || !strings.HasPrefix(parts.params, "#") {
		return core.ChatMessage{}
	}
	idx := strings.Index(parts.params, " :")
	if idx == -1 {
		return core.ChatMessage{}
	}
	channel := strings.TrimPrefix(parts.params[:idx], "#")
	text := parts.params[idx+2:]
	login := extractUser(parts.prefix)
	if channel == "" || login == "" {
		return core.ChatMessage{}
	}

	tags := parseTags(parts.tags)

	msg := core.ChatMessage{
		ID:        tags["id"],
		Timestamp: now.UnixMilli(),
		Channel: core.Channel{
			ID:       parseID(tags, "room-id"),
			Username: strings.ToLower(channel),
		},
		User: core.User{
			ID:          parseID(tags, "user-id"),
			Username:    strings.ToLower(login),
			DisplayName: login,
			Mod:         parseFlag(tags, "mod", "moderator"),
			VIP:         parseFlag(tags, "vip", "vip"),
		},
		Message: &text,
	}
	if display := tags["display-name"]; display != "" {
		msg.User.DisplayName = display
	}
	if raw := tags["tmi-sent-ts"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			msg.Timestamp = ms
		}
	}
	return msg
}

func parseTags(raw string) map[string]string {
	tags := map[string]string{}
	if raw == "" {
		return tags
	}
	for _, kv := range strings.Split(raw, ";") {
		if kv == "" {
			continue
		}
		key, val, _ := strings.Cut(kv, "=")
		tags[key] = unescapeIRC(val)
	}
	return tags
}

func parseID(tags map[string]string, key string) *int64 {
	raw, ok := tags[key]
	if !ok || raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// parseFlag reads a 0/1 tag and falls back to the badges list when the tag
// itself is absent.
func parseFlag(tags map[string]string, key, badge string) *bool {
	if raw, ok := tags[key]; ok {
		v := raw == "1"
		return &v
	}
	badges, ok := tags["badges"]
	if !ok {
		return nil
	}
	v := false
	for _, b := range strings.Split(badges, ",") {
		name, _, _ := strings.Cut(b, "/")
		if name == badge {
			v = true
			break
		}
	}
	return &v
}

func authFailure(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "authentication failed")
}

func extractUser(prefix string) string {
	prefix = strings.TrimPrefix(prefix, ":")
	if idx := strings.Index(prefix, "!"); idx != -1 {
		return prefix[:idx]
	}
	return prefix
}

func unescapeIRC(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// EscapeTagValue is the inverse of the tag unescaping applied by the parser.
func EscapeTagValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ':
			b.WriteString(`\s`)
		case ';':
			b.WriteString(`\:`)
		case '\\':
			b.WriteString(`\\`)
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// FormatChatLine renders msg as a tagged PRIVMSG line that ParseLine maps
// back onto the same fields. Tags are emitted in sorted order.
func FormatChatLine(msg core.ChatMessage) string {
	tags := map[string]string{
		"display-name": msg.User.DisplayName,
		"tmi-sent-ts":  strconv.FormatInt(msg.Timestamp, 10),
	}
	if msg.ID != "" {
		tags["id"] = msg.ID
	}
	if msg.Channel.ID != nil {
		tags["room-id"] = strconv.FormatInt(*msg.Channel.ID, 10)
	}
	if msg.User.ID != nil {
		tags["user-id"] = strconv.FormatInt(*msg.User.ID, 10)
	}
	if msg.User.Mod != nil {
		tags["mod"] = boolTag(*msg.User.Mod)
	}
	if msg.User.VIP != nil {
		tags["vip"] = boolTag(*msg.User.VIP)
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('@')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(EscapeTagValue(tags[k]))
	}
	login := msg.User.Username
	b.WriteString(" :" + login + "!" + login + "@" + login + ".tmi.twitch.tv")
	b.WriteString(" PRIVMSG #" + msg.Channel.Username + " :" + msg.Text())
	return b.String()
}

func boolTag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
