package app

import (
	"fmt"
	"maps"
	"net/url"
	"regexp"

	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/engine"
	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// placeholder matches {{name}} with optional inner spaces.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// fillTemplate replaces {{name}} placeholders with vars[name]. Unknown names
// become empty.
func fillTemplate(s string, vars map[string]string) string {
	if s == "" {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		return vars[placeholder.FindStringSubmatch(m)[1]]
	})
}

// queryVars flattens the first value of every query parameter.
func queryVars(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// mergeVars returns base overlaid with extra.
func mergeVars(base, extra map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	maps.Copy(out, extra)
	return out
}

// providerFor maps a providers key to the realtime provider it configures.
func providerFor(name string) (realtime.Provider, error) {
	switch name {
	case config.ProviderOpenAI:
		return realtime.ProviderOpenAI, nil
	case config.ProviderGemini:
		return realtime.ProviderGemini, nil
	}
	return "", fmt.Errorf("unknown provider %q", name)
}

// sessionConfig resolves an assistant into the engine configuration of one
// session. Callbacks are left for the caller.
func sessionConfig(cfg *config.Config, a config.AssistantConfig, vars map[string]string, recording bool) (engine.Config, error) {
	p, err := providerFor(a.Provider)
	if err != nil {
		return engine.Config{}, fmt.Errorf("app: assistant %q: %w", a.Name, err)
	}
	entry, _ := cfg.Provider(a.Provider)

	model := a.Model
	if model == "" {
		model = entry.Model
	}

	tools := make([]realtime.Tool, 0, len(a.Tools))
	for _, t := range a.Tools {
		params, err := t.ParametersJSON()
		if err != nil {
			return engine.Config{}, fmt.Errorf("app: assistant %q: tool %q parameters: %w", a.Name, t.Name, err)
		}
		tools = append(tools, realtime.Tool{Name: t.Name, Description: t.Description, Parameters: params})
	}

	return engine.Config{
		Provider: p,
		Client:   media.Kind(a.Client),
		Model: engine.ModelConfig{
			Model:          model,
			Voice:          a.Voice,
			Region:         a.Region,
			Language:       a.Language,
			Instructions:   fillTemplate(a.Instructions, vars),
			Tools:          tools,
			Temperature:    a.Temperature,
			TurnDetection:  a.TurnDetection,
			NoiseReduction: a.NoiseReduction,
		},
		Idle: engine.IdlePolicy{
			Timeout:        a.Idle.Timeout,
			FollowUpText:   a.Idle.FollowUpText,
			SkipTurns:      a.Idle.SkipTurns,
			MaxFollowUps:   a.Idle.MaxFollowUps,
			HangupAfterMax: a.Idle.HangupAfterMax,
		},
		Recording:           recording && a.Recording,
		RecordingSampleRate: cfg.Recording.SampleRate,
		ForwardDTMF:         a.ForwardDTMF,
	}, nil
}
