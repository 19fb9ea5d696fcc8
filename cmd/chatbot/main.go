package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/you/censor-chatbot/internal/actions"
	"github.com/you/censor-chatbot/internal/audit"
	"github.com/you/censor-chatbot/internal/config"
	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/engine"
	httpadmin "github.com/you/censor-chatbot/internal/http"
	"github.com/you/censor-chatbot/internal/httpapi"
	"github.com/you/censor-chatbot/internal/logging"
	"github.com/you/censor-chatbot/internal/metrics"
	"github.com/you/censor-chatbot/internal/player"
	"github.com/you/censor-chatbot/internal/settings"
	"github.com/you/censor-chatbot/internal/twitch"
	"github.com/you/censor-chatbot/internal/twitchirc"
	"github.com/you/censor-chatbot/internal/version"
)

// apiRelay forwards stored records to the HTTP API once it exists.
type apiRelay struct {
	api atomic.Pointer[httpapi.Server]
}

func (r *apiRelay) Broadcast(rec core.DispatchRecord) {
	if api := r.api.Load(); api != nil {
		api.Broadcast(rec)
	}
}

func main() {
	var (
		versionFlag     bool
		envFile         string
		settingsPath    string
		dbPath          string
		twURL           string
		twTokenFile     string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		logLevel        string
		logPretty       bool
		playerTitle     string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flag.StringVar(&settingsPath, "settings", "settings.yaml", "Path to the chatbot settings document (yaml or json)")
	flag.StringVar(&dbPath, "sqlite", "chatbot.db", "Path to the SQLite audit database")
	flag.StringVar(&twURL, "twitch-url", "", "Chat WebSocket endpoint (default Twitch)")
	flag.StringVar(&twTokenFile, "twitch-token-file", "", "Path to file containing the Twitch OAuth token")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status/audit address (e.g., :8765)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&logPretty, "log-pretty", false, "Human readable console logs")
	flag.StringVar(&playerTitle, "player-title", "", "Title reported by the in-process player")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"chatbot version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("chatbot: env file %s: %v", envFile, err)
	}

	cfg := config.Load()

	if overrides["settings"] {
		cfg.SettingsPath = strings.TrimSpace(settingsPath)
	}
	if overrides["sqlite"] {
		cfg.Audit.Path = strings.TrimSpace(dbPath)
		cfg.Audit.Enabled = cfg.Audit.Path != ""
	}
	if overrides["twitch-url"] {
		cfg.Twitch.URL = strings.TrimSpace(twURL)
	}
	if overrides["twitch-token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(twTokenFile)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}
	if overrides["log-level"] {
		cfg.Log.Level = logLevel
	}
	if overrides["log-pretty"] {
		cfg.Log.Pretty = logPretty
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "chatbot"})

	configSnapshot := cfg.Redacted()
	log.Printf("%s", cfg.SummaryJSON())

	src, err := settings.NewSource(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("chatbot: settings: %v", err)
	}
	snap := src.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("chatbot: received %s, shutting down", sig)
		cancel()
	}()

	engineMetrics := metrics.New()
	relay := &apiRelay{}

	var (
		store    *audit.Store
		apiStore httpapi.Store
		auditor  engine.Auditor
		buffered *audit.BufferedWriter
	)

	if cfg.Audit.Enabled {
		db, err := audit.OpenSQLite(cfg.Audit.Path, audit.WithTuning(cfg.Audit.Tuning))
		if err != nil {
			log.Fatalf("chatbot: open sqlite: %v", err)
		}
		store = db
		if err := store.Ping(); err != nil {
			log.Fatalf("chatbot: ping sqlite: %v", err)
		}
		if err := migrateSQLite(ctx, store.DB()); err != nil {
			log.Fatalf("chatbot: sqlite migrate: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("chatbot: closing audit store: %v", err)
			}
		}()
		apiStore = store

		var writer audit.Writer = audit.WithAPI(store, relay)
		if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
			buffered = audit.NewBufferedWriter(writer, audit.BufferedOptions{
				BatchSize:     cfg.Batch(),
				FlushInterval: cfg.FlushInterval(),
			})
			writer = buffered
			defer func() {
				if err := buffered.Close(); err != nil {
					log.Printf("chatbot: flush buffered audit: %v", err)
				}
			}()
		}
		auditor = writer
	} else {
		log.Printf("chatbot: audit log disabled")
	}

	var pl actions.Player
	if bridgeURL := strings.TrimSpace(snap.Player.BridgeURL); bridgeURL != "" {
		pl = player.NewBridge(bridgeURL)
		log.Printf("chatbot: player bridge at %s", bridgeURL)
	} else {
		pl = player.NewLocal(playerTitle, 0)
		log.Printf("chatbot: no player bridge configured; using in-process player state")
	}

	scenes := newOBSScenes(src)
	defer scenes.Close()

	state := newTokenState("")
	var loader *twitch.FileTokenLoader
	if cfg.Twitch.TokenFile != "" {
		loader = twitch.NewFileTokenLoader(cfg.Twitch.TokenFile)
		if token, _, err := loader.Load(); err == nil {
			state.Set(token)
		} else if !errors.Is(err, twitch.ErrEmptyToken) {
			log.Printf("chatbot: twitch token file: %v", err)
		}
	}

	var creds *twitch.Credentials
	if cfg.Twitch.RefreshEnabled() {
		if loader == nil {
			log.Fatal("chatbot: twitch token file is required when refresh inputs provided")
		}
		creds = &twitch.Credentials{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			TokenFile:    cfg.Twitch.TokenFile,
			RefreshFile:  cfg.Twitch.RefreshTokenFile,
		}
		creds.SetRefreshToken(cfg.Twitch.RefreshToken)
		if _, err := creds.LoadRefreshFile(); err != nil {
			log.Printf("chatbot: twitch refresh file: %v", err)
		}
		if grant, err := creds.Refresh(ctx); err != nil {
			log.Printf("chatbot: twitch refresh on start: %v", err)
		} else {
			state.Set(grant.AccessToken)
			loader.SetCached(grant.AccessToken)
		}
	}
	if creds != nil {
		token := state.Current()
		if token == "" {
			token = snap.Twitch.Token
		}
		checkTokenIdentity(ctx, creds, token, snap.Twitch.Username)
	}

	tokens := &tokenReloader{
		loader: loader,
		creds:  creds,
		state:  state,
	}

	opts := engine.Options{
		Settings:         src,
		Player:           pl,
		Scenes:           scenes,
		ActionTimeout:    cfg.ActionTimeout,
		Metrics:          engineMetrics,
		Audit:            auditor,
		Drops:            twitchirc.NewDropLogger(time.Now(), twitchirc.DropDebugFromEnv(), 0),
		Dialer:           twitchirc.WebSocketDialer{URL: cfg.Twitch.URL},
		HandshakeTimeout: cfg.Twitch.HandshakeTimeout,
		Token:            state.Current,
	}
	if creds != nil {
		opts.Refresh = func(refreshCtx context.Context) (string, error) {
			grant, err := creds.Refresh(refreshCtx)
			if err != nil {
				return "", err
			}
			state.Set(grant.AccessToken)
			loader.SetCached(grant.AccessToken)
			return grant.AccessToken, nil
		}
	}

	eng, err := engine.New(opts)
	if err != nil {
		log.Fatalf("chatbot: engine: %v", err)
	}
	tokens.eng = eng

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		api = httpapi.New(apiStore, eng, httpapi.Options{
			Addr:            cfg.HTTP.Addr,
			CORSOrigins:     cfg.HTTP.CORSOrigins,
			RateLimitRPS:    cfg.HTTP.RateRPS,
			RateLimitBurst:  cfg.HTTP.RateBurst,
			EnableMetrics:   cfg.HTTP.Metrics,
			EnableAccessLog: cfg.HTTP.AccessLog,
			Build:           build,
			ConfigSnapshot:  configSnapshot,
			Registry:        engineMetrics.Registry(),
		})
		var adminTokens httpadmin.TokenReloader
		if loader != nil {
			adminTokens = tokens
		}
		httpadmin.New(eng, adminTokens).Register(api.Mux())
		relay.api.Store(api)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := src.Watch(gctx); err != nil {
		log.Printf("chatbot: watch settings: %v", err)
	}
	if loader != nil {
		reload := func() {
			if _, err := tokens.ReloadToken(); err != nil && !errors.Is(err, twitch.ErrEmptyToken) {
				log.Printf("chatbot: token reload failed: %v", err)
			}
		}
		if err := twitch.WatchTokenFiles(gctx, reload, cfg.Twitch.TokenFile, cfg.Twitch.RefreshTokenFile); err != nil {
			log.Printf("chatbot: watch token files: %v", err)
		}
	}
	if creds != nil {
		creds.StartAuto(gctx, func(token string) {
			tokens.apply(token, "refresh")
		})
	}

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if api != nil {
		g.Go(func() error {
			return api.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return api.Shutdown(shutdownCtx)
		})
		log.Printf("chatbot: http api ready on %s", cfg.HTTP.Addr)
	}

	log.Printf("chatbot: engine started (enabled=%t channel=%s commands=%d)",
		snap.Chatbot.Enabled,
		snap.Twitch.Channel,
		len(snap.Chatbot.Commands),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("chatbot: %v", err)
	}
	log.Printf("chatbot: shutdown complete")
}
