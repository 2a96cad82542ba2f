// Package app hosts relay sessions behind an HTTP server. It upgrades
// /media/{assistant} requests to WebSockets, resolves the named assistant
// from the live configuration into an engine session, wires the persistence
// and tool callbacks, and tracks running sessions for inspection and
// graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/engine"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/idle"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/store"
	"github.com/MrWong99/callrelay/internal/switcher"
	"github.com/MrWong99/callrelay/pkg/audio"
)

const readHeaderTimeout = 10 * time.Second

// ConfigSource yields the configuration new sessions are built from.
// *config.Watcher satisfies it.
type ConfigSource interface {
	Current() *config.Config
}

// StaticConfig is a ConfigSource that never changes.
type StaticConfig struct{ Config *config.Config }

// Current returns the wrapped config.
func (s StaticConfig) Current() *config.Config { return s.Config }

// SessionStore persists finished sessions. *store.PostgresStore satisfies it.
type SessionStore interface {
	SaveTranscript(ctx context.Context, sessionID string, entries []engine.TranscriptEntry) error
	SaveSummary(ctx context.Context, assistant string, s engine.Summary) error
}

// RecordingSink stores finished call recordings. *store.FileSink satisfies it.
type RecordingSink interface {
	SaveRecording(ctx context.Context, sessionID string, wav []byte) error
}

var (
	_ SessionStore  = (*store.PostgresStore)(nil)
	_ RecordingSink = (*store.FileSink)(nil)
)

// Deps are the shared collaborators handed to every session.
type Deps struct {
	// Switcher resolves adapters and transports. Required.
	Switcher  *switcher.Switcher
	Converter audio.Converter
	Idle      *idle.Manager
	Metrics   *observe.Metrics
	Retry     resilience.RetryConfig
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*App)

// WithStore persists summaries and transcripts of finished sessions.
func WithStore(s SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithRecordings enables call recording for assistants that ask for it and
// hands the WAV files to sink.
func WithRecordings(sink RecordingSink) Option {
	return func(a *App) { a.recordings = sink }
}

// WithHealthChecks adds readiness checks to /readyz.
func WithHealthChecks(checks ...health.Checker) Option {
	return func(a *App) { a.checks = append(a.checks, checks...) }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithHTTPClient sets the client used for tool webhooks.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// ─── App ─────────────────────────────────────────────────────────────────────

// App is the relay server.
type App struct {
	cfg        ConfigSource
	deps       Deps
	store      SessionStore
	recordings RecordingSink
	checks     []health.Checker
	httpClient *http.Client
	// metricsHandler serves /metrics.
	metricsHandler http.Handler

	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	sessions *SessionManager
	handler  http.Handler

	// baseCtx outlives requests; it is cancelled when shutdown gives up
	// waiting for sessions.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	srvMu    sync.Mutex
	srv      *http.Server
	stopOnce sync.Once
}

// New creates an App. Listener and admission settings are read from cfg once;
// assistants are re-read for every session.
func New(cfg ConfigSource, deps Deps, opts ...Option) (*App, error) {
	if cfg == nil || cfg.Current() == nil {
		return nil, errors.New("app: config is required")
	}
	if deps.Switcher == nil {
		return nil, errors.New("app: switcher is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Idle == nil {
		deps.Idle = idle.NewManager()
	}

	a := &App{
		cfg:            cfg,
		deps:           deps,
		httpClient:     &http.Client{},
		metricsHandler: promhttp.Handler(),
		sessions:       NewSessionManager(),
	}
	for _, o := range opts {
		o(a)
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())

	server := cfg.Current().Server
	a.limiter = newLimiter(server.SessionsPerSecond, server.SessionBurst)
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	a.handler = a.routes()
	return a, nil
}

// newLimiter returns the session admission limiter. A zero rate admits
// everything.
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// checkOrigin allows requests without an Origin header, which telephony
// providers never send, and browser origins listed in
// server.allowed_origins. An empty list allows everything.
func (a *App) checkOrigin(r *http.Request) bool {
	allowed := a.cfg.Current().Server.AllowedOrigins
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
			return true
		}
	}
	slog.Warn("rejected websocket origin", "origin", origin)
	return false
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the live session registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.deps.Metrics))

	health.New(a.checks...).ReportSessions(a.sessions.Len).Register(r)
	r.Handle("/metrics", a.metricsHandler)

	r.Get("/media/{assistant}", a.handleMedia)
	r.Route("/sessions/live", func(r chi.Router) {
		r.Get("/", a.handleLiveSessions)
		r.Get("/{id}", a.handleLiveSession)
		r.Delete("/{id}", a.handleHangup)
	})
	return r
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and serves until ctx is cancelled or the
// server fails. Call [App.Shutdown] afterwards to drain sessions.
func (a *App) Run(ctx context.Context) error {
	server := a.cfg.Current().Server
	addr := server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln, server.TLS)
}

// Serve serves on ln, with TLS when tls is set.
func (a *App) Serve(ctx context.Context, ln net.Listener, tls *config.TLSConfig) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}
	a.srvMu.Lock()
	a.srv = srv
	a.srvMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, hangs up every live session and waits
// for them to flush their artifacts. Sessions still running when ctx expires
// are cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "live_sessions", a.sessions.Len())

		a.srvMu.Lock()
		srv := a.srv
		a.srvMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		if err := a.sessions.Drain(ctx, "server_shutdown"); err != nil {
			shutdownErr = err
		}
		a.cancelBase()
		a.deps.Idle.StopAll()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Media ───────────────────────────────────────────────────────────────────

// handleMedia runs one relay session for the lifetime of the WebSocket.
func (a *App) handleMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "assistant")
	log := observe.Logger(ctx).With("assistant", name)

	cfg := a.cfg.Current()
	asst, ok := cfg.Assistant(name)
	if !ok {
		a.reject(ctx, w, http.StatusNotFound, "unknown_assistant", "no assistant named "+name)
		return
	}
	if !a.limiter.Allow() {
		a.reject(ctx, w, http.StatusTooManyRequests, "rate_limited", "too many new sessions")
		return
	}

	vars := queryVars(r.URL.Query())
	ecfg, err := sessionConfig(cfg, asst, vars, a.recordings != nil)
	if err != nil {
		log.Error("resolve assistant", "err", err)
		a.reject(ctx, w, http.StatusInternalServerError, "config", "assistant is misconfigured")
		return
	}
	ecfg.SessionID = uuid.NewString()
	ecfg.Callbacks = a.callbacks(asst, vars)

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		a.deps.Metrics.RecordRejectedSession(ctx, "upgrade")
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := newWSConn(ws)

	sess, err := engine.New(ecfg, client, engine.Deps{
		Switcher:  a.deps.Switcher,
		Converter: a.deps.Converter,
		Idle:      a.deps.Idle,
		Metrics:   a.deps.Metrics,
		Retry:     a.deps.Retry,
		Logger:    log,
	})
	if err != nil {
		log.Error("create session", "err", err)
		a.deps.Metrics.RecordRejectedSession(ctx, "setup")
		_ = client.Close(websocket.CloseInternalServerErr, "session setup failed")
		return
	}

	done, err := a.sessions.Add(SessionInfo{
		SessionID: sess.ID(),
		Assistant: asst.Name,
		Provider:  string(ecfg.Provider),
		Client:    string(ecfg.Client),
		Remote:    r.RemoteAddr,
		StartedAt: time.Now().UTC(),
	}, sess)
	if err != nil {
		a.deps.Metrics.RecordRejectedSession(ctx, "draining")
		_ = client.Close(websocket.CloseTryAgainLater, "server shutting down")
		return
	}
	defer done()

	// Hijacked requests are not cancelled by the server; tie the session to
	// the app instead while keeping the request's trace.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(a.baseCtx, cancel)
	defer stop()

	if err := sess.Run(runCtx); err != nil {
		log.Warn("session failed", "session_id", sess.ID(), "err", err)
	}
}

// callbacks wires the per-assistant behaviour and persistence sinks.
func (a *App) callbacks(asst config.AssistantConfig, vars map[string]string) engine.Callbacks {
	cb := engine.Callbacks{
		OnSessionEnded: func(ctx context.Context, s engine.Summary) {
			if a.store == nil {
				return
			}
			if err := a.store.SaveSummary(ctx, asst.Name, s); err != nil {
				slog.Error("save session summary", "session_id", s.SessionID, "err", err)
			}
		},
	}
	if asst.Greeting != "" {
		cb.OnSessionReady = func(ctx context.Context, act engine.Actions) error {
			return act.SendText(ctx, fillTemplate(asst.Greeting, mergeVars(vars, metadataVars(act.Metadata()))))
		}
	}
	if len(asst.Tools) > 0 {
		cb.OnFunctionCall = newToolCaller(a.httpClient, asst.Tools).Call
	}
	if a.store != nil {
		cb.OnTranscriptComplete = a.store.SaveTranscript
	}
	if a.recordings != nil {
		cb.OnRecordingComplete = a.recordings.SaveRecording
	}
	return cb
}

// metadataVars exposes start frame metadata to templates. Custom parameters
// are available both as "param.<name>" and as "<name>".
func metadataVars(meta map[string]string) map[string]string {
	out := make(map[string]string, 2*len(meta))
	for k, v := range meta {
		out[k] = v
		if name, ok := strings.CutPrefix(k, "param."); ok {
			out[name] = v
		}
	}
	return out
}
