package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validRegions lists regions the providers expose regional endpoints for.
// Used by [Validate] to warn about unrecognised region names.
var validRegions = map[string][]string{
	ProviderOpenAI: {"us", "eu"},
	ProviderGemini: {"us-central1", "europe-west4", "asia-northeast1"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references in
// secrets and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes is [LoadFromReader] over an in-memory file.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// expandSecrets replaces ${VAR} and $VAR in credentials with environment
// values so keys can stay out of the file.
func expandSecrets(cfg *Config) {
	cfg.Providers.OpenAI.APIKey = os.ExpandEnv(cfg.Providers.OpenAI.APIKey)
	cfg.Providers.Gemini.APIKey = os.ExpandEnv(cfg.Providers.Gemini.APIKey)
	cfg.Storage.PostgresDSN = os.ExpandEnv(cfg.Storage.PostgresDSN)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.SessionsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.sessions_per_second %.2f must not be negative", cfg.Server.SessionsPerSecond))
	}
	if cfg.Server.SessionBurst < 0 {
		errs = append(errs, fmt.Errorf("server.session_burst %d must not be negative", cfg.Server.SessionBurst))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Codec and recording
	if cfg.Codec.Timeout < 0 {
		errs = append(errs, fmt.Errorf("codec.timeout %s must not be negative", cfg.Codec.Timeout))
	}
	switch cfg.Recording.SampleRate {
	case 0, 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("recording.sample_rate %d is invalid; valid values: 8000, 16000, 24000, 48000", cfg.Recording.SampleRate))
	}

	// Providers
	for _, name := range []string{ProviderOpenAI, ProviderGemini} {
		p, _ := cfg.Provider(name)
		if p.Keepalive < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.keepalive must not be negative", name))
		}
		if p.Breaker.MaxFailures < 0 || p.Breaker.HalfOpenMax < 0 || p.Breaker.ResetTimeout < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.breaker values must not be negative", name))
		}
		for region := range p.Regions {
			validateRegion(name, region)
		}
	}

	if len(cfg.Assistants) == 0 {
		slog.Warn("no assistants configured; every /media request will be rejected")
	}

	recordingUsed := false
	namesSeen := make(map[string]int, len(cfg.Assistants))
	for i, a := range cfg.Assistants {
		prefix := fmt.Sprintf("assistants[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[a.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of assistants[%d]", prefix, a.Name, prev))
			}
			namesSeen[a.Name] = i
		}

		entry, known := cfg.Provider(a.Provider)
		switch {
		case a.Provider == "":
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		case !known:
			errs = append(errs, fmt.Errorf("%s.provider %q is invalid; valid values: %s, %s", prefix, a.Provider, ProviderOpenAI, ProviderGemini))
		case entry.APIKey == "":
			errs = append(errs, fmt.Errorf("%s: provider %q requires providers.%s.api_key", prefix, a.Provider, a.Provider))
		}
		if a.Client != ClientTwilio && a.Client != ClientWeb {
			errs = append(errs, fmt.Errorf("%s.client %q is invalid; valid values: twilio, web", prefix, a.Client))
		}
		if known && a.Model == "" && entry.Model == "" {
			slog.Warn("assistant has no model; the provider adapter default applies", "assistant", a.Name)
		}
		if known && a.Region != "" {
			if _, ok := entry.Regions[a.Region]; !ok {
				validateRegion(a.Provider, a.Region)
			}
		}
		if a.Temperature < 0 || a.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, a.Temperature))
		}

		toolsSeen := make(map[string]bool, len(a.Tools))
		for j, tool := range a.Tools {
			if tool.Name == "" {
				errs = append(errs, fmt.Errorf("%s.tools[%d].name is required", prefix, j))
				continue
			}
			if toolsSeen[tool.Name] {
				errs = append(errs, fmt.Errorf("%s.tools[%d].name %q is a duplicate", prefix, j, tool.Name))
			}
			toolsSeen[tool.Name] = true
			if tool.URL != "" {
				if u, err := url.ParseRequestURI(tool.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
					errs = append(errs, fmt.Errorf("%s.tools[%d].url %q must be an http(s) URL", prefix, j, tool.URL))
				}
			}
			if tool.Timeout < 0 {
				errs = append(errs, fmt.Errorf("%s.tools[%d].timeout must not be negative", prefix, j))
			}
		}

		idle := a.Idle
		if idle.Timeout < 0 || idle.SkipTurns < 0 || idle.MaxFollowUps < 0 {
			errs = append(errs, fmt.Errorf("%s.idle values must not be negative", prefix))
		}
		if idle.Timeout > 0 && idle.FollowUpText == "" {
			errs = append(errs, fmt.Errorf("%s.idle.follow_up_text is required when idle.timeout is set", prefix))
		}
		if idle.HangupAfterMax && idle.MaxFollowUps == 0 {
			errs = append(errs, fmt.Errorf("%s.idle.hangup_after_max requires idle.max_follow_ups", prefix))
		}
		recordingUsed = recordingUsed || a.Recording
	}

	if recordingUsed && cfg.Recording.Dir == "" {
		slog.Warn("assistants record calls but recording.dir is empty; recordings will be discarded")
	}
	if cfg.Storage.PostgresDSN == "" && len(cfg.Assistants) > 0 {
		slog.Warn("storage.postgres_dsn is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

// validateRegion logs a warning if region is not a known regional endpoint
// for provider.
func validateRegion(provider, region string) {
	known := validRegions[provider]
	if slices.Contains(known, region) {
		return
	}
	slog.Warn("unknown provider region, may be a typo or a custom endpoint",
		"provider", provider,
		"region", region,
		"known", known,
	)
}
