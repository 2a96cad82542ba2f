package engine_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/callrelay/internal/engine"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/switcher"
	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/media/twilio"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// ─── fakeAdapter ─────────────────────────────────────────────────────────────

// fakeAdapter speaks a toy protocol: inbound frames are JSON-encoded
// realtime.Event values and outbound messages are short strings.
type fakeAdapter struct{}

var _ realtime.Adapter = fakeAdapter{}

func (fakeAdapter) Provider() realtime.Provider { return realtime.ProviderOpenAI }
func (fakeAdapter) Endpoint(model, _ string) string { return "wss://fake/" + model }
func (fakeAdapter) Headers(string) http.Header { return http.Header{} }
func (fakeAdapter) NegotiateFormats(c audio.Format) (audio.Format, audio.Format) {
	return c, c
}
func (fakeAdapter) BuildSessionConfig(realtime.SessionOptions) (string, error) {
	return "session", nil
}
func (fakeAdapter) BuildAudioAppendMessage(pcm []byte) (string, error) {
	return fmt.Sprintf("audio:%d", len(pcm)), nil
}
func (fakeAdapter) BuildImageAppendMessage([]byte, string) (string, bool) { return "", false }
func (fakeAdapter) BuildTextUserMessage(text, _ string) (string, error) {
	return "text:" + text, nil
}
func (fakeAdapter) BuildInterruptMessage(item string, played int64) (string, bool) {
	return fmt.Sprintf("interrupt:%s:%d", item, played), true
}
func (fakeAdapter) BuildTriggerResponseMessage() (string, bool) { return "trigger", true }
func (fakeAdapter) BuildFunctionResultMessage(callID, _, output string) ([]string, error) {
	return []string{"result:" + callID + ":" + output, "trigger"}, nil
}
func (fakeAdapter) ParseMessage(frame []byte) []realtime.Event {
	var ev realtime.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return []realtime.Event{realtime.ParseError(err)}
	}
	return []realtime.Event{ev}
}

// ─── fakeTransport ───────────────────────────────────────────────────────────

type fakeTransport struct {
	connectErr error

	mu       sync.Mutex
	state    realtime.ConnState
	sent     []string
	connects int
	closed   bool

	msgs   chan []byte
	states chan realtime.ConnState
	errs   chan error
}

var _ realtime.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		msgs:   make(chan []byte, 64),
		states: make(chan realtime.ConnState, 16),
		errs:   make(chan error, 4),
	}
}

func (f *fakeTransport) Connect(context.Context, string, http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = realtime.StateOpen
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != realtime.StateOpen {
		return realtime.ErrNotConnected
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Disconnect(context.Context, int, string) error {
	f.finish(realtime.StateClosed, nil)
	return nil
}

func (f *fakeTransport) State() realtime.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Messages() <-chan []byte { return f.msgs }
func (f *fakeTransport) StateChanges() <-chan realtime.ConnState { return f.states }
func (f *fakeTransport) Errors() <-chan error { return f.errs }

// push delivers ev as an inbound provider frame.
func (f *fakeTransport) push(t *testing.T, ev realtime.Event) {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	f.msgs <- b
}

// abort simulates the socket dropping.
func (f *fakeTransport) abort(err error) { f.finish(realtime.StateAborted, err) }

func (f *fakeTransport) finish(st realtime.ConnState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.state = st
	if err != nil {
		f.errs <- err
	}
	close(f.msgs)
	close(f.states)
	close(f.errs)
}

func (f *fakeTransport) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) count(prefix string) int {
	n := 0
	for _, m := range f.sentMessages() {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// ─── fakeClient ──────────────────────────────────────────────────────────────

var errClientClosed = errors.New("client connection closed")

type fakeClient struct {
	in     chan []byte
	done   chan struct{}
	once   sync.Once
	hangup sync.Once

	mu     sync.Mutex
	frames []any
}

var _ engine.ClientConn = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{in: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeClient) ReadMessage() ([]byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-c.done:
		return nil, errClientClosed
	}
}

func (c *fakeClient) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeClient) Close(int, string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeClient) send(frame string) { c.in <- []byte(frame) }

// disconnect simulates the client closing normally.
func (c *fakeClient) disconnect() { c.hangup.Do(func() { close(c.in) }) }

func (c *fakeClient) written() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.frames...)
}

// ─── fakeConverter ───────────────────────────────────────────────────────────

// fakeConverter widens every byte into one little-endian PCM16 sample.
type fakeConverter struct{}

func (fakeConverter) Convert(_ context.Context, data []byte, _, _ audio.Format) ([]byte, error) {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, b, 0)
	}
	return out, nil
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	t       *testing.T
	sess    *engine.Session
	tr      *fakeTransport
	client  *fakeClient
	summary chan engine.Summary
	result  chan error
	reader  *sdkmetric.ManualReader
}

// newHarness builds a Twilio-to-fake-provider session. It does not run it.
func newHarness(t *testing.T, cfg engine.Config) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		tr:      newFakeTransport(),
		client:  newFakeClient(),
		summary: make(chan engine.Summary, 1),
		result:  make(chan error, 1),
		reader:  sdkmetric.NewManualReader(),
	}
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sw := switcher.New()
	sw.RegisterAdapter(fakeAdapter{})
	sw.RegisterTransport(realtime.ProviderOpenAI, func() realtime.Transport { return h.tr })
	sw.RegisterMedia(media.KindTwilio, func() media.Adapter { return twilio.New() })

	cfg.Provider = realtime.ProviderOpenAI
	cfg.Client = media.KindTwilio
	if cfg.SessionID == "" {
		cfg.SessionID = "sess-1"
	}
	userEnded := cfg.Callbacks.OnSessionEnded
	cfg.Callbacks.OnSessionEnded = func(ctx context.Context, s engine.Summary) {
		if userEnded != nil {
			userEnded(ctx, s)
		}
		h.summary <- s
	}

	sess, err := engine.New(cfg, h.client, engine.Deps{
		Switcher:  sw,
		Converter: fakeConverter{},
		Metrics:   metrics,
		Retry:     resilience.RetryConfig{MaxAttempts: 2, Backoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h.sess = sess
	return h
}

func (h *harness) run() {
	go func() { h.result <- h.sess.Run(context.Background()) }()
}

// start runs the session and drives it to Active.
func (h *harness) start() {
	h.t.Helper()
	h.run()
	h.client.send(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"lang":"de"}}}`)
	waitFor(h.t, "start frame", func() bool { return h.sess.Metadata()[media.MetaStreamID] == "MZ1" })
	waitFor(h.t, "session config sent", func() bool { return h.tr.count("session") == 1 })
	h.tr.push(h.t, realtime.Event{Kind: realtime.EventSessionInitialized})
	waitFor(h.t, "active", func() bool { return h.sess.State() == engine.StateActive })
}

// media sends one inbound Twilio audio frame of n bytes at ts ms.
func (h *harness) media(n int, ts int64) {
	payload := base64.StdEncoding.EncodeToString(make([]byte, n))
	h.client.send(fmt.Sprintf(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","timestamp":"%d","payload":%q}}`, ts, payload))
}

// dropped returns how many client frames were dropped for reason.
func (h *harness) dropped(reason string) int64 {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "callrelay.frames.dropped" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok && v.Emit() == reason {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// wait returns the Run error and the summary.
func (h *harness) wait() (engine.Summary, error) {
	h.t.Helper()
	select {
	case err := <-h.result:
		select {
		case s := <-h.summary:
			return s, err
		case <-time.After(2 * time.Second):
			h.t.Fatal("OnSessionEnded did not fire")
		}
	case <-time.After(2 * time.Second):
		h.t.Fatal("Run did not return")
	}
	return engine.Summary{}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
