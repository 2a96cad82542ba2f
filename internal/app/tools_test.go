package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/engine"
	"github.com/MrWong99/callrelay/pkg/audio"
)

// stubActions is an engine.Actions that only answers identity queries.
type stubActions struct{}

func (stubActions) SessionID() string { return "sess-1" }
func (stubActions) Metadata() map[string]string {
	return map[string]string{"call_sid": "CA1"}
}
func (stubActions) SendAudio(context.Context, []byte, audio.Format) error { return nil }
func (stubActions) SendText(context.Context, string) error                { return nil }
func (stubActions) SuspendClientAudioToProvider()                         {}
func (stubActions) ResumeClientAudioToProvider()                          {}
func (stubActions) Hangup(string)                                         {}

func TestToolCaller(t *testing.T) {
	t.Parallel()

	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode webhook body: %v", err)
			}
			w.Write([]byte(`{"status":"shipped"}` + "\n"))
		case "/text":
			w.Write([]byte("plain answer"))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		case "/fail":
			http.Error(w, "boom", http.StatusBadGateway)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	tc := newToolCaller(srv.Client(), []config.ToolConfig{
		{Name: "ok", URL: srv.URL + "/ok"},
		{Name: "text", URL: srv.URL + "/text"},
		{Name: "empty", URL: srv.URL + "/empty"},
		{Name: "fail", URL: srv.URL + "/fail"},
		{Name: "slow", URL: srv.URL + "/slow", Timeout: 20 * time.Millisecond},
		{Name: "local"},
	})

	tests := []struct {
		name    string
		args    string
		want    string
		wantErr string
	}{
		{name: "ok", args: `{"number":"42"}`, want: `{"status":"shipped"}`},
		{name: "text", args: `{}`, want: `{"result":"plain answer"}`},
		{name: "empty", args: `{}`, want: `{}`},
		{name: "fail", args: `{}`, wantErr: "status 502"},
		{name: "slow", args: `{}`, wantErr: "webhook slow"},
		{name: "local", args: `{}`, wantErr: "no webhook configured"},
		{name: "unknown", args: `{}`, wantErr: "no webhook configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tc.Call(context.Background(), stubActions{}, engine.FunctionCall{CallID: "c1", Name: tt.name, Arguments: tt.args})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if res.Output != tt.want {
				t.Errorf("Output = %s, want %s", res.Output, tt.want)
			}
		})
	}

	if got.SessionID != "sess-1" || got.CallID != "c1" || got.Metadata["call_sid"] != "CA1" {
		t.Errorf("webhook request = %+v", got)
	}
	if string(got.Arguments) != `{"number":"42"}` {
		t.Errorf("arguments = %s", got.Arguments)
	}
}

func TestToolCaller_InvalidArgumentsAreQuoted(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	tc := newToolCaller(srv.Client(), []config.ToolConfig{{Name: "f", URL: srv.URL}})
	if _, err := tc.Call(context.Background(), stubActions{}, engine.FunctionCall{Name: "f", Arguments: `{"trunc`}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if body["arguments"] != `{"trunc` {
		t.Errorf("arguments = %v, want the raw string", body["arguments"])
	}
}
