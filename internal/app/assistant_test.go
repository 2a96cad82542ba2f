package app

import (
	"net/url"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

func TestFillTemplate(t *testing.T) {
	t.Parallel()

	vars := map[string]string{"name": "Ada", "company": "Acme", "call.id": "CA1"}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"no placeholders", "no placeholders"},
		{"Hi {{name}}", "Hi Ada"},
		{"{{ name }} at {{company}}", "Ada at Acme"},
		{"ref {{call.id}}", "ref CA1"},
		{"unknown {{missing}}!", "unknown !"},
		{"single {brace}", "single {brace}"},
	}
	for _, tc := range tests {
		if got := fillTemplate(tc.in, vars); got != tc.want {
			t.Errorf("fillTemplate(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVars(t *testing.T) {
	t.Parallel()

	q := queryVars(url.Values{"name": {"Ada", "Bob"}, "empty": {}})
	if q["name"] != "Ada" {
		t.Errorf("queryVars name = %q, want first value", q["name"])
	}
	if _, ok := q["empty"]; ok {
		t.Error("queryVars kept a key without values")
	}

	meta := metadataVars(map[string]string{"call_sid": "CA1", "param.lang": "de"})
	if meta["call_sid"] != "CA1" || meta["lang"] != "de" || meta["param.lang"] != "de" {
		t.Errorf("metadataVars = %v", meta)
	}

	merged := mergeVars(map[string]string{"lang": "en", "name": "Ada"}, map[string]string{"lang": "de"})
	if merged["lang"] != "de" || merged["name"] != "Ada" {
		t.Errorf("mergeVars = %v", merged)
	}
	if got := mergeVars(nil, map[string]string{"a": "b"}); got["a"] != "b" {
		t.Errorf("mergeVars(nil) = %v", got)
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			OpenAI: config.ProviderEntry{APIKey: "k", Model: "gpt-realtime"},
			Gemini: config.ProviderEntry{APIKey: "g"},
		},
		Recording: config.RecordingConfig{SampleRate: 24000},
	}
	a := config.AssistantConfig{
		Name:         "support",
		Provider:     config.ProviderOpenAI,
		Client:       config.ClientTwilio,
		Voice:        "alloy",
		Language:     "de",
		Instructions: "Support for {{company}}.",
		Tools: []config.ToolConfig{{
			Name:       "lookup",
			Parameters: map[string]any{"type": "object"},
		}},
		Temperature: 0.7,
		Recording:   true,
		ForwardDTMF: true,
		Idle:        config.IdleConfig{Timeout: 8 * time.Second, FollowUpText: "Still there?", MaxFollowUps: 2},
	}

	got, err := sessionConfig(cfg, a, map[string]string{"company": "Acme"}, true)
	if err != nil {
		t.Fatalf("sessionConfig: %v", err)
	}
	if got.Provider != realtime.ProviderOpenAI || got.Client != media.KindTwilio {
		t.Errorf("route = %s/%s", got.Provider, got.Client)
	}
	if got.Model.Model != "gpt-realtime" {
		t.Errorf("model = %q, want provider default", got.Model.Model)
	}
	if got.Model.Instructions != "Support for Acme." {
		t.Errorf("instructions = %q", got.Model.Instructions)
	}
	if len(got.Model.Tools) != 1 || string(got.Model.Tools[0].Parameters) != `{"type":"object"}` {
		t.Errorf("tools = %+v", got.Model.Tools)
	}
	if !got.Recording || got.RecordingSampleRate != 24000 || !got.ForwardDTMF {
		t.Errorf("recording/dtmf = %v %d %v", got.Recording, got.RecordingSampleRate, got.ForwardDTMF)
	}
	if got.Idle.Timeout != 8*time.Second || got.Idle.MaxFollowUps != 2 {
		t.Errorf("idle = %+v", got.Idle)
	}

	// Without a recording sink the artifact is not produced.
	off, _ := sessionConfig(cfg, a, nil, false)
	if off.Recording {
		t.Error("recording enabled without a sink")
	}

	a.Model = "custom"
	a.Provider = config.ProviderGemini
	g, err := sessionConfig(cfg, a, nil, true)
	if err != nil {
		t.Fatalf("sessionConfig gemini: %v", err)
	}
	if g.Provider != realtime.ProviderGemini || g.Model.Model != "custom" {
		t.Errorf("gemini = %s %q", g.Provider, g.Model.Model)
	}

	a.Provider = "nope"
	if _, err := sessionConfig(cfg, a, nil, true); err == nil {
		t.Error("expected error for unknown provider")
	}
}
