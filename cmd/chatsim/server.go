package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/twitchirc"
)

const (
	globalUserState = "@badge-info=;badges=;color=;display-name=Sim;emote-sets=0;user-id=1;user-type= :tmi.twitch.tv GLOBALUSERSTATE"
	authFailedLine  = ":tmi.twitch.tv NOTICE * :Login authentication failed"
	simWriteTimeout = 5 * time.Second
	maxSaid         = 200
)

type emitReq struct {
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	User    string `json:"user"`
	Display string `json:"display,omitempty"`
	UserID  *int64 `json:"user_id,omitempty"`
	Text    string `json:"text"`
	Mod     *bool  `json:"mod,omitempty"`
	VIP     *bool  `json:"vip,omitempty"`
	Ts      int64  `json:"ts,omitempty"`
}

// said is a line the bot sent to a channel.
type said struct {
	Ts      time.Time `json:"ts"`
	Channel string    `json:"channel"`
	Nick    string    `json:"nick"`
	Text    string    `json:"text"`
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nick    string
	token   string
	channel string
}

func (s *session) write(ctx context.Context, lines ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, simWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, []byte(strings.Join(lines, "\r\n")+"\r\n"))
}

// simulator speaks enough of the chat protocol for the bot to log in, join,
// receive scripted messages and reply.
type simulator struct {
	channel     string
	rejectToken string
	roomID      int64
	log         zerolog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[*session]struct{}
	said     []said
}

func newSimulator(channel, rejectToken string, roomID int64, log zerolog.Logger) *simulator {
	return &simulator{
		channel:     strings.ToLower(strings.TrimPrefix(channel, "#")),
		rejectToken: rejectToken,
		roomID:      roomID,
		log:         log,
		now:         time.Now,
		sessions:    make(map[*session]struct{}),
	}
}

func (s *simulator) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("POST /emit", s.handleEmit)
	mux.HandleFunc("GET /said", s.handleSaid)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *simulator) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("chatsim: accept failed")
		return
	}
	defer c.CloseNow()

	sess := &session{conn: c}
	defer s.drop(sess)

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if !twitchirc.IsNormalClose(err) {
				s.log.Debug().Err(err).Str("nick", sess.nick).Msg("chatsim: read ended")
			}
			return
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if !s.handleLine(ctx, sess, line) {
				_ = c.Close(websocket.StatusNormalClosure, "bye")
				return
			}
		}
	}
}

// handleLine reacts to one client line. It returns false when the session
// must be closed.
func (s *simulator) handleLine(ctx context.Context, sess *session, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	switch strings.ToUpper(cmd) {
	case "CAP":
		caps := rest
		if _, after, ok := strings.Cut(rest, ":"); ok {
			caps = after
		}
		return sess.write(ctx, ":tmi.twitch.tv CAP * ACK :"+caps) == nil
	case "PASS":
		sess.token = strings.TrimPrefix(rest, "oauth:")
	case "NICK":
		sess.nick = strings.ToLower(strings.TrimSpace(rest))
	case "JOIN":
		if s.rejectToken != "" && sess.token == s.rejectToken {
			s.log.Info().Str("nick", sess.nick).Msg("chatsim: rejecting login")
			_ = sess.write(ctx, authFailedLine)
			return false
		}
		sess.channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(rest), "#"))
		prefix := ":" + sess.nick + "!" + sess.nick + "@" + sess.nick + ".tmi.twitch.tv"
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		if err := sess.write(ctx, globalUserState, prefix+" JOIN #"+sess.channel); err != nil {
			return false
		}
		s.log.Info().Str("nick", sess.nick).Str("channel", sess.channel).Msg("chatsim: joined")
	case "PING":
		return sess.write(ctx, "PONG "+rest) == nil
	case "PRIVMSG":
		target, text, _ := strings.Cut(rest, " :")
		entry := said{
			Ts:      s.now().UTC(),
			Channel: strings.TrimPrefix(target, "#"),
			Nick:    sess.nick,
			Text:    text,
		}
		s.mu.Lock()
		s.said = append(s.said, entry)
		if len(s.said) > maxSaid {
			s.said = s.said[len(s.said)-maxSaid:]
		}
		s.mu.Unlock()
		s.log.Info().Str("channel", entry.Channel).Str("text", entry.Text).Msg("chatsim: bot said")
	}
	return true
}

func (s *simulator) drop(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Emit renders req as a tagged chat line and delivers it to every session
// joined to the target channel. It returns the number of receivers.
func (s *simulator) Emit(ctx context.Context, req emitReq) (string, int) {
	channel := strings.ToLower(strings.TrimPrefix(req.Channel, "#"))
	if channel == "" {
		channel = s.channel
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Ts == 0 {
		req.Ts = s.now().UnixMilli()
	}
	if req.Display == "" {
		req.Display = req.User
	}
	text := req.Text
	msg := core.ChatMessage{
		ID:        req.ID,
		Timestamp: req.Ts,
		Channel:   core.Channel{Username: channel},
		User: core.User{
			ID:          req.UserID,
			Username:    strings.ToLower(req.User),
			DisplayName: req.Display,
			Mod:         req.Mod,
			VIP:         req.VIP,
		},
		Message: &text,
	}
	if s.roomID != 0 {
		room := s.roomID
		msg.Channel.ID = &room
	}
	line := twitchirc.FormatChatLine(msg)

	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.channel == channel {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	delivered := 0
	for _, sess := range targets {
		if err := sess.write(ctx, line); err != nil {
			s.log.Warn().Err(err).Str("nick", sess.nick).Msg("chatsim: deliver failed")
			continue
		}
		delivered++
	}
	return req.ID, delivered
}

func (s *simulator) handleEmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req emitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.User) == "" || req.Text == "" {
		http.Error(w, "user, text required", http.StatusBadRequest)
		return
	}
	id, delivered := s.Emit(r.Context(), req)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "delivered": delivered})
}

func (s *simulator) handleSaid(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]said(nil), s.said...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// Joined reports how many sessions have completed JOIN.
func (s *simulator) Joined() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
