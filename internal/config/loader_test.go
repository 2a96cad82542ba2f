package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/callrelay/internal/config"
)

func TestLoadFromReader_ExpandsSecrets(t *testing.T) {
	t.Setenv("CALLRELAY_TEST_OPENAI_KEY", "sk-from-env")
	t.Setenv("CALLRELAY_TEST_DB_PASS", "hunter2")
	yaml := `
providers:
  openai-realtime:
    api_key: ${CALLRELAY_TEST_OPENAI_KEY}
storage:
  postgres_dsn: postgres://relay:${CALLRELAY_TEST_DB_PASS}@db/callrelay
assistants:
  - name: a
    provider: openai-realtime
    client: web
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Storage.PostgresDSN != "postgres://relay:hunter2@db/callrelay" {
		t.Errorf("postgres_dsn = %q", cfg.Storage.PostgresDSN)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil || !strings.Contains(err.Error(), "decode yaml") {
		t.Errorf("err = %v, want decode error for unknown field", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name: "valid minimal",
			yaml: `
providers:
  gemini-live:
    api_key: k
assistants:
  - name: a
    provider: gemini-live
    client: twilio
`,
		},
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: loud\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "negative admission",
			yaml:    "server:\n  sessions_per_second: -1\n  session_burst: -2\n",
			wantErr: []string{"sessions_per_second", "session_burst"},
		},
		{
			name:    "incomplete tls",
			yaml:    "server:\n  tls:\n    cert_file: c.pem\n",
			wantErr: []string{"cert_file and key_file"},
		},
		{
			name:    "bad sample rate",
			yaml:    "recording:\n  sample_rate: 44100\n",
			wantErr: []string{"recording.sample_rate"},
		},
		{
			name: "duplicate assistant",
			yaml: `
providers:
  openai-realtime:
    api_key: k
assistants:
  - name: a
    provider: openai-realtime
    client: web
  - name: a
    provider: openai-realtime
    client: web
`,
			wantErr: []string{"duplicate"},
		},
		{
			name: "unknown provider and client",
			yaml: `
assistants:
  - name: a
    provider: deepgram
    client: discord
`,
			wantErr: []string{"provider \"deepgram\" is invalid", "client \"discord\" is invalid"},
		},
		{
			name: "provider without key",
			yaml: `
assistants:
  - name: a
    provider: openai-realtime
    client: web
`,
			wantErr: []string{"requires providers.openai-realtime.api_key"},
		},
		{
			name: "idle without text",
			yaml: `
providers:
  openai-realtime:
    api_key: k
assistants:
  - name: a
    provider: openai-realtime
    client: web
    idle:
      timeout: 5s
      hangup_after_max: true
`,
			wantErr: []string{"follow_up_text is required", "hangup_after_max requires"},
		},
		{
			name: "tools and temperature",
			yaml: `
providers:
  openai-realtime:
    api_key: k
assistants:
  - name: a
    provider: openai-realtime
    client: web
    temperature: 3
    tools:
      - name: t
      - name: t
      - description: nameless
      - name: hook
        url: ftp://example.com/x
`,
			wantErr: []string{"temperature", "tools[1].name \"t\" is a duplicate", "tools[2].name is required", "tools[3].url"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if len(tc.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected errors containing %q, got nil", tc.wantErr)
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}
