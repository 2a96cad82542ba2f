package main

import (
	"log/slog"

	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/switcher"
	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/media/twilio"
	"github.com/MrWong99/callrelay/pkg/media/web"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
	"github.com/MrWong99/callrelay/pkg/provider/realtime/gemini"
	"github.com/MrWong99/callrelay/pkg/provider/realtime/openai"
	"github.com/MrWong99/callrelay/pkg/provider/realtime/wstransport"
)

// buildSwitcher registers both media adapters and every provider that has
// an API key. It returns the names of the registered providers.
func buildSwitcher(cfg *config.Config, breakers *resilience.Breakers) (*switcher.Switcher, []string) {
	sw := switcher.New()
	sw.RegisterMedia(media.KindTwilio, func() media.Adapter { return twilio.New() })
	sw.RegisterMedia(media.KindWeb, func() media.Adapter { return web.New() })

	var registered []string
	if e := cfg.Providers.OpenAI; e.APIKey != "" {
		opts := []openai.Option{openai.WithModel(e.Model)}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		for region, url := range e.Regions {
			opts = append(opts, openai.WithRegionBaseURL(region, url))
		}
		if m := e.Options["transcription_model"]; m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		sw.RegisterAdapter(openai.New(e.APIKey, opts...))
		registerTransport(sw, realtime.ProviderOpenAI, e, breakers)
		registered = append(registered, config.ProviderOpenAI)
	}
	if e := cfg.Providers.Gemini; e.APIKey != "" {
		opts := []gemini.Option{gemini.WithModel(e.Model)}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		for region, url := range e.Regions {
			opts = append(opts, gemini.WithRegionBaseURL(region, url))
		}
		sw.RegisterAdapter(gemini.New(e.APIKey, opts...))
		registerTransport(sw, realtime.ProviderGemini, e, breakers)
		registered = append(registered, config.ProviderGemini)
	}
	return sw, registered
}

// registerTransport gives every session of p its own WebSocket transport,
// guarded by the provider's shared circuit breaker.
func registerTransport(sw *switcher.Switcher, p realtime.Provider, e config.ProviderEntry, breakers *resilience.Breakers) {
	b := breakers.Configure(string(p), resilience.CircuitBreakerConfig{
		Name:         string(p),
		MaxFailures:  e.Breaker.MaxFailures,
		ResetTimeout: e.Breaker.ResetTimeout,
		HalfOpenMax:  e.Breaker.HalfOpenMax,
	})
	log := slog.Default().With("provider", string(p))
	sw.RegisterTransport(p, func() realtime.Transport {
		return wstransport.New(
			wstransport.WithGuard(b),
			wstransport.WithKeepalive(e.Keepalive),
			wstransport.WithLogger(log),
		)
	})
}
