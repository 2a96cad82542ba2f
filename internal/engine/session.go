package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/idle"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/switcher"
	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRecordingRate  = 16000
	disconnectTimeout     = 3 * time.Second
	finalizeTimeout       = 30 * time.Second
	maxPendingMarks       = 512
)

// Deps are the shared collaborators of every session.
type Deps struct {
	// Switcher resolves adapters and transports. Required.
	Switcher *switcher.Switcher

	// Converter transcodes audio. Required unless every format matches.
	Converter audio.Converter

	// Idle is the shared inactivity timer manager. A private one is created
	// when nil.
	Idle *idle.Manager

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Retry governs provider dials. Zero values use the resilience defaults.
	Retry resilience.RetryConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Compile-time assertion that Session satisfies Actions.
var _ Actions = (*Session)(nil)

// Session is one relay session. Create it with [New] and drive it with
// [Session.Run].
type Session struct {
	id      string
	cfg     Config
	client  ClientConn
	media   media.Adapter
	adapter realtime.Adapter
	sw      *switcher.Switcher
	conv    audio.Converter
	idle    *idle.Manager
	metrics *observe.Metrics
	retry   resilience.RetryConfig

	// logp is swapped for the trace-aware logger by Run while actions may
	// already be logging from other goroutines.
	logp atomic.Pointer[slog.Logger]

	// Negotiated provider formats.
	providerIn  audio.Format
	providerOut audio.Format

	// first is the transport resolved by New, used for the first dial.
	first realtime.Transport

	clientMu sync.Mutex

	sockMu        sync.Mutex
	transport     realtime.Transport
	socketsClosed bool

	runOnce sync.Once
	cancel  context.CancelFunc
	runCtx  context.Context

	mu sync.Mutex
	st sessionState
}

// sessionState is every field mutated by more than one goroutine. Guarded by
// Session.mu.
type sessionState struct {
	state     State
	suspended bool
	readyDone bool
	startedAt time.Time

	// Barge-in bookkeeping. Timestamps are on the client's media clock.
	lastItemID   string
	speaking     bool
	itemStartTs  int64
	latestTs     int64
	mediaClock   time.Duration
	pendingMarks []string
	// Set by a barge-in; cleared by the next assistant audio or turn end.
	interrupted  bool

	transcript []TranscriptEntry
	partial    map[string]*strings.Builder
	recorder   *audio.Recorder

	turns         int
	interruptions int
	functionCalls int
	followUps     int

	streamID string
	metadata map[string]string

	failErr error
	reason  string
}

// New validates cfg and resolves the session's adapters and transport.
// Missing registrations fail here with switcher.ErrNotFound.
func New(cfg Config, client ClientConn, deps Deps) (*Session, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client connection is required", ErrInvalidConfig)
	}
	if deps.Switcher == nil {
		return nil, fmt.Errorf("%w: switcher is required", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	resolved, err := deps.Switcher.Resolve(cfg.Provider, cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve: %w", err)
	}

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RecordingSampleRate == 0 {
		cfg.RecordingSampleRate = defaultRecordingRate
	}

	in, out := resolved.Adapter.NegotiateFormats(resolved.Media.InputFormat())
	needsConversion := in != resolved.Media.InputFormat() || out != resolved.Media.OutputFormat()
	if deps.Converter == nil && (needsConversion || cfg.Recording) {
		return nil, fmt.Errorf("%w: converter is required for %s/%s", ErrInvalidConfig, cfg.Provider, cfg.Client)
	}

	if deps.Idle == nil {
		deps.Idle = idle.NewManager()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Retry.Name == "" {
		deps.Retry.Name = string(cfg.Provider)
	}

	s := &Session{
		id:          cfg.SessionID,
		cfg:         cfg,
		client:      client,
		media:       resolved.Media,
		adapter:     resolved.Adapter,
		sw:          deps.Switcher,
		conv:        deps.Converter,
		idle:        deps.Idle,
		metrics:     deps.Metrics,
		retry:       deps.Retry,
		providerIn:  in,
		providerOut: out,
		first:       resolved.Transport,
	}
	s.logp.Store(deps.Logger.With(
		"session_id", cfg.SessionID,
		"provider", string(cfg.Provider),
		"client", string(cfg.Client),
	))
	s.st.state = StateInitializing
	s.st.partial = make(map[string]*strings.Builder, 2)
	s.st.metadata = make(map[string]string)
	if cfg.Recording {
		s.st.recorder = audio.NewRecorder()
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// SessionID returns the session id.
func (s *Session) SessionID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) logger() *slog.Logger { return s.logp.Load() }

func (s *Session) stateLocked() State {
	if s.st.state == StateActive && s.st.suspended {
		return StateSuspended
	}
	return s.st.state
}

// Run connects to the provider, relays until either side ends, and
// finalizes. It returns nil for sessions that closed normally and an error
// wrapping [ErrTransport] or [ErrProtocol] for failed ones. Run may be called
// once.
func (s *Session) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("engine: session already run")
	}

	ctx, span, log := observe.StartSession(ctx, s.logger(), s.id, string(s.cfg.Provider), string(s.cfg.Client))
	s.logp.Store(log)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Publishing cancel and checking for an earlier Hangup happen under one
	// lock, so end either sees cancel or Run sees Closing.
	s.mu.Lock()
	s.st.startedAt = time.Now()
	s.runCtx, s.cancel = runCtx, cancel
	hungUp := s.st.state == StateClosing
	if !hungUp {
		s.st.state = StateProviderConnecting
	}
	if s.st.recorder != nil {
		s.st.recorder = audio.NewRecorder()
	}
	s.mu.Unlock()

	s.metrics.SessionStarted(ctx)
	if hungUp {
		s.logger().Info("session ended before it started")
		s.closeSockets(realtime.CloseNormal, "session ended")
		sum, err := s.finalize(ctx)
		span.End(sum.State.String(), sum.Reason, sum.Turns, err)
		return err
	}
	s.logger().Info("session started")

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return s.clientLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		if err := s.connect(gctx); err != nil {
			return err
		}
		return s.providerLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.setReason("cancelled")
		}
		s.closeSockets(realtime.CloseNormal, "session ended")
		return nil
	})
	if err := g.Wait(); err != nil {
		s.fail(err)
	}
	cancel()

	sum, err := s.finalize(ctx)
	span.End(sum.State.String(), sum.Reason, sum.Turns, err)
	return err
}

// connect dials the provider with retries and sends the session config.
func (s *Session) connect(ctx context.Context) error {
	start := time.Now()
	endpoint := s.adapter.Endpoint(s.cfg.Model.Model, s.cfg.Model.Region)
	headers := s.adapter.Headers(s.cfg.Model.Region)

	err := resilience.Retry(ctx, s.retry, func(ctx context.Context, attempt int) error {
		tr := s.first
		s.first = nil
		if tr == nil {
			var err error
			if tr, err = s.sw.Transport(s.cfg.Provider); err != nil {
				return err
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		if err := tr.Connect(dialCtx, endpoint, headers); err != nil {
			s.logger().Warn("provider connect failed", "attempt", attempt, "err", err)
			return err
		}
		if !s.setTransport(tr) {
			return context.Canceled
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordProviderConnect(ctx, string(s.cfg.Provider), "error", time.Since(start))
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}

	cfgMsg, err := s.adapter.BuildSessionConfig(realtime.SessionOptions{
		Model:          s.cfg.Model.Model,
		Voice:          s.cfg.Model.Voice,
		Language:       s.cfg.Model.Language,
		Instructions:   s.cfg.Model.Instructions,
		Tools:          s.cfg.Model.Tools,
		Temperature:    s.cfg.Model.Temperature,
		TurnDetection:  s.cfg.Model.TurnDetection,
		NoiseReduction: s.cfg.Model.NoiseReduction,
		InputFormat:    s.providerIn,
		OutputFormat:   s.providerOut,
	})
	if err != nil {
		return fmt.Errorf("%w: session config: %w", ErrProtocol, err)
	}
	if err := s.sendProvider(ctx, cfgMsg); err != nil {
		return err
	}
	s.metrics.RecordProviderConnect(ctx, string(s.cfg.Provider), "ok", time.Since(start))
	observe.AddEvent(ctx, "provider.connected", attribute.Int64("connect_ms", time.Since(start).Milliseconds()))
	s.logger().Info("provider connected", "endpoint", endpoint, "in", s.providerIn.String(), "out", s.providerOut.String())
	return nil
}

// setTransport publishes a connected transport. It reports false, after
// disconnecting tr, when the session is already tearing down.
func (s *Session) setTransport(tr realtime.Transport) bool {
	s.sockMu.Lock()
	if s.socketsClosed {
		s.sockMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		_ = tr.Disconnect(ctx, realtime.CloseNormal, "session ended")
		return false
	}
	s.transport = tr
	s.sockMu.Unlock()
	return true
}

func (s *Session) currentTransport() realtime.Transport {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	return s.transport
}

// closeSockets closes both connections once. Blocked reads return as a
// result.
func (s *Session) closeSockets(code int, reason string) {
	s.sockMu.Lock()
	if s.socketsClosed {
		s.sockMu.Unlock()
		return
	}
	s.socketsClosed = true
	tr := s.transport
	s.sockMu.Unlock()

	s.mu.Lock()
	if s.st.state != StateFailed {
		s.st.state = StateClosing
	}
	s.mu.Unlock()

	if err := s.client.Close(code, reason); err != nil {
		s.logger().Debug("client close", "err", err)
	}
	if tr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := tr.Disconnect(ctx, code, reason); err != nil {
			s.logger().Debug("provider disconnect", "err", err)
		}
	}
}

// end begins cooperative teardown with reason.
func (s *Session) end(reason string) {
	s.setReason(reason)
	s.mu.Lock()
	cancel := s.cancel
	if s.st.state != StateFailed && s.st.state != StateClosed {
		s.st.state = StateClosing
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.reason == "" {
		s.st.reason = reason
	}
}

// fail records the first fatal error and moves the session to Failed.
func (s *Session) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.failErr != nil {
		return
	}
	s.st.failErr = err
	s.st.state = StateFailed
	if s.st.reason == "" {
		s.st.reason = "error"
	}
}

func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.st.state {
	case StateClosing, StateClosed, StateFailed:
		return true
	}
	return false
}

// finalize stops the idle timer, flushes artifacts and fires the
// end-of-session callbacks once each.
func (s *Session) finalize(parent context.Context) (Summary, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()

	s.idle.Stop(s.id)
	s.closeSockets(realtime.CloseNormal, "session ended")

	s.mu.Lock()
	s.flushPartialLocked(realtime.SpeakerUser)
	s.flushPartialLocked(realtime.SpeakerAssistant)
	entries := append([]TranscriptEntry(nil), s.st.transcript...)
	rec := s.st.recorder
	failErr := s.st.failErr
	final := StateClosed
	if failErr != nil {
		final = StateFailed
	}
	s.st.state = final
	reason := s.st.reason
	if reason == "" {
		reason = "closed"
	}
	sum := Summary{
		SessionID:     s.id,
		Provider:      s.cfg.Provider,
		Client:        s.cfg.Client,
		State:         final,
		Err:           failErr,
		Reason:        reason,
		StartedAt:     s.st.startedAt,
		EndedAt:       time.Now(),
		Turns:         s.st.turns,
		Interruptions: s.st.interruptions,
		FunctionCalls: s.st.functionCalls,
		FollowUps:     s.st.followUps,
		Metadata:      maps.Clone(s.st.metadata),
	}
	s.mu.Unlock()

	cb := s.cfg.Callbacks
	if cb.OnTranscriptComplete != nil {
		s.safeCall("transcript_complete", func() error {
			return cb.OnTranscriptComplete(ctx, s.id, entries)
		})
	}
	if s.cfg.Recording && rec != nil {
		wav, err := rec.Finalize(ctx, s.conv, s.cfg.RecordingSampleRate)
		if err != nil {
			s.logger().Error("recording finalize failed", "err", err)
		}
		if cb.OnRecordingComplete != nil {
			s.safeCall("recording_complete", func() error {
				return cb.OnRecordingComplete(ctx, s.id, wav)
			})
		}
	}
	if cb.OnSessionEnded != nil {
		s.safeCall("session_ended", func() error {
			cb.OnSessionEnded(ctx, sum)
			return nil
		})
	}

	outcome := "closed"
	if failErr != nil {
		outcome = "failed"
	}
	s.metrics.SessionEnded(ctx, string(s.cfg.Provider), string(s.cfg.Client), outcome, sum.EndedAt.Sub(sum.StartedAt))
	s.logger().Info("session ended",
		"state", final.String(),
		"reason", reason,
		"turns", sum.Turns,
		"interruptions", sum.Interruptions,
		"duration", sum.EndedAt.Sub(sum.StartedAt),
		"err", failErr,
	)
	return sum, failErr
}

// safeCall runs a consumer callback, logging its error or panic.
func (s *Session) safeCall(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("callback panicked", "callback", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger().Error("callback failed", "callback", name, "err", err)
	}
}

// sendProvider sends one message upstream. A failure outside teardown fails
// the session.
func (s *Session) sendProvider(ctx context.Context, msg string) error {
	tr := s.currentTransport()
	if tr == nil {
		return realtime.ErrNotConnected
	}
	if err := tr.Send(ctx, msg); err != nil {
		if s.closing() || ctx.Err() != nil {
			return nil
		}
		err = fmt.Errorf("%w: provider send: %w", ErrTransport, err)
		s.fail(err)
		s.end("provider_send_failed")
		return err
	}
	return nil
}

// sendClient writes one frame downstream. Nil frames are unsupported by the
// client protocol and skipped.
func (s *Session) sendClient(frame any) error {
	if frame == nil {
		return nil
	}
	s.clientMu.Lock()
	err := s.client.WriteJSON(frame)
	s.clientMu.Unlock()
	if err != nil {
		if s.closing() {
			return nil
		}
		err = fmt.Errorf("%w: client send: %w", ErrTransport, err)
		s.fail(err)
		s.end("client_send_failed")
		return err
	}
	return nil
}

// convert transcodes data, recording latency and failures. Identical
// formats return data unchanged.
func (s *Session) convert(ctx context.Context, data []byte, in, out audio.Format) ([]byte, error) {
	if in == out {
		return data, nil
	}
	start := time.Now()
	res, err := s.conv.Convert(ctx, data, in, out)
	reason := ""
	if err != nil {
		reason = "error"
		if errors.Is(err, audio.ErrTimeout) {
			reason = "timeout"
		}
	}
	s.metrics.RecordConversion(ctx, in.String(), out.String(), reason, time.Since(start))
	return res, err
}
