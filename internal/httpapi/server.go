package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/censor-chatbot/internal/commands"
	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/engine"
	"github.com/you/censor-chatbot/internal/logging"
)

const (
	transportSSE = "sse"
	transportWS  = "ws"

	clientBuffer = 256
	pingInterval = 20 * time.Second
)

// Store reads the dispatch audit log.
type Store interface {
	CountDispatches(ctx context.Context, filters Filters) (int64, error)
	ListDispatches(ctx context.Context, filters Filters) ([]core.DispatchRecord, error)
}

// Engine is the part of the chat engine the API reports on.
type Engine interface {
	Status() engine.Status
	Commands() []commands.Definition
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	Build           BuildInfo
	ConfigSnapshot  map[string]any
	// Registry receives the HTTP collectors and is served on /metrics, so
	// the engine collectors can share the endpoint.
	Registry *prometheus.Registry
}

type subscriber struct {
	ch        chan core.DispatchRecord
	filters   Filters
	transport string
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      Store
	engine     Engine
	opts       Options

	metrics *Metrics
	limiter *clientLimits
	cors    *originPolicy

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

// New builds the API. store and eng may be nil; the routes that need them
// answer 503.
func New(store Store, eng Engine, opts Options) *Server {
	srv := &Server{
		store:   store,
		engine:  eng,
		opts:    opts,
		limiter: newClientLimits(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newOriginPolicy(opts.CORSOrigins),
		clients: make(map[*subscriber]struct{}),
	}
	if opts.EnableMetrics {
		srv.metrics = newMetrics(opts.Registry)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", srv.route("/healthz", srv.handleHealthz, false))
	mux.Handle("/info", srv.route("/info", srv.handleInfo, true))
	mux.Handle("/status", srv.route("/status", srv.handleStatus, true))
	mux.Handle("/commands", srv.route("/commands", srv.handleCommands, true))
	mux.Handle("/audit", srv.route("/audit", srv.handleAudit, true))
	mux.Handle("/audit/count", srv.route("/audit/count", srv.handleAuditCount, true))
	mux.Handle("/events", srv.route("/events", srv.handleStream, false))
	mux.Handle("/ws", srv.route("/ws", srv.handleWS, false))
	if srv.metrics != nil {
		mux.Handle("/metrics", srv.metrics.Handler())
	}
	srv.mux = mux

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the router so other surfaces (admin) can mount on it.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// route applies CORS, rate limiting, gzip, metrics and the access log.
func (s *Server) route(name string, h http.HandlerFunc, gzipped bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w}
		defer func() {
			status := rec.Status()
			s.metrics.ObserveRequest(name, r.Method, status, time.Since(start))
			if s.opts.EnableAccessLog {
				logging.L().Info().
					Str("route", name).
					Str("method", r.Method).
					Str("remote", clientIP(r)).
					Int("status", status).
					Int64("bytes", rec.bytes).
					Dur("took", time.Since(start)).
					Msg("httpapi: request")
			}
		}()

		if s.cors.preflight(rec, r) {
			return
		}
		if !s.cors.decorate(rec, r) {
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			return
		}
		if name != "/healthz" {
			if ok, wait := s.limiter.Allow(clientIP(r)); !ok {
				s.metrics.IncRateLimited()
				rec.Header().Set("Retry-After", retryAfter(wait))
				http.Error(rec, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		if gzipped && acceptsGzip(r) {
			defer compress(rec)()
		}
		h(rec, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.engine == nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.engine.Status())
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.engine == nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	defs := s.engine.Commands()
	if defs == nil {
		defs = []commands.Definition{}
	}
	writeJSON(w, defs)
}

func (s *Server) handleAuditCount(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.store == nil {
		http.Error(w, "audit disabled", http.StatusServiceUnavailable)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountDispatches(r.Context(), filters)
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": count})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.store == nil {
		http.Error(w, "audit disabled", http.StatusServiceUnavailable)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListDispatches(r.Context(), filters)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.DispatchRecord{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	sub, ok := s.subscribe(filters, transportSSE)
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case rec, ok := <-sub.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: dispatch\nid: %s\ndata: %s\n\n", rec.ID, data)
			flusher.Flush()
			s.metrics.IncEventsSent(transportSSE)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.cors != nil && s.cors.allowAll,
		OriginPatterns:     s.originPatterns(),
	})
	if err != nil {
		log.Printf("httpapi: websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	sub, ok := s.subscribe(filters, transportWS)
	if !ok {
		conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	defer s.unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case rec, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, rec)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncEventsSent(transportWS)
		}
	}
}

func (s *Server) originPatterns() []string {
	if s.cors == nil || s.cors.allowAll {
		return nil
	}
	patterns := make([]string, 0, len(s.cors.origins))
	for origin := range s.cors.origins {
		patterns = append(patterns, hostOf(origin))
	}
	return patterns
}

func hostOf(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return origin
	}
	return u.Host
}

func (s *Server) subscribe(filters Filters, transport string) (*subscriber, bool) {
	sub := &subscriber{
		ch:        make(chan core.DispatchRecord, clientBuffer),
		filters:   filters.CloneForStream(),
		transport: transport,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[sub] = struct{}{}
	s.metrics.IncStreamClients(transport, 1)
	return sub, true
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[sub]; ok {
		delete(s.clients, sub)
		s.metrics.IncStreamClients(sub.transport, -1)
	}
}

// Broadcast fans rec out to the stream clients whose filters match. Slow
// clients lose the event.
func (s *Server) Broadcast(rec core.DispatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.clients {
		if !sub.filters.Matches(rec) {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			s.metrics.IncBroadcastDrops(sub.transport)
		}
	}
}

// Clients reports the connected stream clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.clients {
		close(sub.ch)
		delete(s.clients, sub)
		s.metrics.IncStreamClients(sub.transport, -1)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
