// Command chatsim is a local stand-in for the Twitch chat WebSocket. Point the
// bot's -twitch-url at it, then POST /emit or replay a script to drive
// commands without a live channel.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/logging"
)

// scriptLine is one JSON line of a replay script.
type scriptLine struct {
	emitReq
	DelayMS int `json:"delay_ms,omitempty"`
}

func main() {
	var (
		addr        string
		channel     string
		rejectToken string
		roomID      int64
		script      string
		logLevel    string
		logPretty   bool
	)

	flag.StringVar(&addr, "addr", ":8766", "listen address")
	flag.StringVar(&channel, "channel", "streamer", "default channel for emitted messages")
	flag.StringVar(&rejectToken, "reject-token", "", "answer logins using this token with an auth failure NOTICE")
	flag.Int64Var(&roomID, "room-id", 0, "room-id tag for emitted messages")
	flag.StringVar(&script, "script", "", "JSON-lines file replayed once the first session joins")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.BoolVar(&logPretty, "log-pretty", true, "human readable logs")
	flag.Parse()

	logging.Init(logging.Config{Level: logLevel, Pretty: logPretty, ServiceName: "chatsim"})
	log := logging.Component("chatsim")

	var lines []scriptLine
	if script != "" {
		var err error
		if lines, err = loadScript(script); err != nil {
			log.Fatal().Err(err).Str("script", script).Msg("load script")
		}
	}

	sim := newSimulator(channel, rejectToken, roomID, log)
	srv := &http.Server{Addr: addr, Handler: sim.routes(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(lines) > 0 {
		go replay(ctx, sim, lines)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Str("channel", sim.channel).Int("script_lines", len(lines)).Msg("chatsim listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("listen")
	}
}

func loadScript(path string) ([]scriptLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseScript(bufio.NewScanner(f))
}

// parseScript reads one JSON object per line. Blank lines and lines starting
// with # are skipped.
func parseScript(sc *bufio.Scanner) ([]scriptLine, error) {
	var out []scriptLine
	n := 0
	for sc.Scan() {
		n++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var line scriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, errors.Wrapf(err, "script line %d", n)
		}
		if line.User == "" || line.Text == "" {
			return nil, errors.Errorf("script line %d: user and text are required", n)
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func replay(ctx context.Context, sim *simulator, lines []scriptLine) {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for sim.Joined() == 0 {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
	for _, line := range lines {
		if line.DelayMS > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(line.DelayMS) * time.Millisecond):
			}
		}
		id, delivered := sim.Emit(ctx, line.emitReq)
		sim.log.Info().Str("id", id).Str("user", line.User).Int("delivered", delivered).Msg("chatsim: replayed")
	}
}
