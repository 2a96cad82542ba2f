package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/callrelay/internal/resilience"
)

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// readyz serves /readyz through a chi router and decodes the body.
func readyz(t *testing.T, h *Handler, ctx context.Context) (int, result) {
	t.Helper()
	r := chi.NewRouter()
	h.Register(r)

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_IgnoresChecks(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "postgres", Check: failing("down")})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusOK || body.Checks != nil {
		t.Errorf("body = %+v, want bare ok", body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "postgres", Check: ok},
				{Name: "transcoder", Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"postgres": "ok", "transcoder": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "postgres", Check: failing("connection refused")},
				{Name: "transcoder", Check: ok},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"postgres": "fail: connection refused", "transcoder": "ok"},
		},
		{
			name: "degraded stays ready",
			checkers: []Checker{
				{Name: "providers", Check: func(context.Context) error {
					return Degraded(errors.New("circuit open: gemini"))
				}},
				{Name: "transcoder", Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"providers": "degraded: circuit open: gemini", "transcoder": "ok"},
		},
		{
			name: "failure outranks degraded",
			checkers: []Checker{
				{Name: "providers", Check: func(context.Context) error {
					return Degraded(errors.New("circuit open: gemini"))
				}},
				{Name: "transcoder", Check: failing("ffmpeg not found")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"providers": "degraded: circuit open: gemini", "transcoder": "fail: ffmpeg not found"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := readyz(t, New(tt.checkers...), context.Background())
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %s = %q, want %q", name, body.Checks[name], want)
				}
			}
			if body.LiveSessions != nil {
				t.Errorf("live_sessions = %d without a counter", *body.LiveSessions)
			}
		})
	}
}

func TestReadyz_ReportsSessions(t *testing.T) {
	t.Parallel()

	h := New().ReportSessions(func() int { return 3 })
	_, body := readyz(t, h, context.Background())
	if body.LiveSessions == nil || *body.LiveSessions != 3 {
		t.Errorf("live_sessions = %v, want 3", body.LiveSessions)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, _ := readyz(t, h, ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
}

func TestDegraded(t *testing.T) {
	t.Parallel()

	if Degraded(nil) != nil {
		t.Error("Degraded(nil) != nil")
	}
	base := errors.New("circuit open")
	err := Degraded(base)
	if !IsDegraded(err) || !errors.Is(err, base) {
		t.Errorf("Degraded(%v) lost its identity: %v", base, err)
	}
	if IsDegraded(base) {
		t.Error("plain error reported as degraded")
	}
}

type fakeLocator struct{ err error }

func (f fakeLocator) LookPath() error { return f.err }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestCheckers(t *testing.T) {
	t.Parallel()

	trip := func(b *resilience.Breakers, name string) {
		_ = b.Get(name).Execute(func() error { return errors.New("dial refused") })
	}
	cfg := resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}

	oneOpen := resilience.NewBreakers(cfg)
	trip(oneOpen, "openai")
	_ = oneOpen.Get("gemini")

	allOpen := resilience.NewBreakers(cfg)
	trip(allOpen, "openai")
	trip(allOpen, "gemini")

	tests := []struct {
		name         string
		checker      Checker
		wantErr      string
		wantDegraded bool
	}{
		{"transcoder ok", Transcoder(fakeLocator{}), "", false},
		{"transcoder missing", Transcoder(fakeLocator{err: errors.New("not found")}), "not found", false},
		{"ping ok", Ping("postgres", fakePinger{}), "", false},
		{"ping fails", Ping("postgres", fakePinger{err: errors.New("connection refused")}), "connection refused", false},
		{"breakers closed", Breakers(resilience.NewBreakers(resilience.CircuitBreakerConfig{})), "", false},
		{"one breaker open", Breakers(oneOpen), "circuit open: openai", true},
		{"every breaker open", Breakers(allOpen), "circuit open: gemini, openai", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.checker.Check(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Check = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("Check = %v, want %q", err, tt.wantErr)
			}
			if IsDegraded(err) != tt.wantDegraded {
				t.Errorf("IsDegraded = %v, want %v", IsDegraded(err), tt.wantDegraded)
			}
		})
	}
}
