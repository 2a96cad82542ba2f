package config

import "reflect"

// ConfigDiff describes what changed between two configs. Assistant and log
// level changes apply to new sessions without a restart; everything else
// needs one.
type ConfigDiff struct {
	AssistantsChanged bool            // true if any assistant was added, removed or modified
	AssistantChanges  []AssistantDiff // per-assistant diffs
	LogLevelChanged   bool
	NewLogLevel       LogLevel

	// RestartRequired is set when server, provider, codec, recording or
	// storage settings changed. Those are read once at startup.
	RestartRequired bool
}

// AssistantDiff describes what changed for a single assistant.
type AssistantDiff struct {
	Name          string
	PromptChanged bool // instructions or greeting
	VoiceChanged  bool // model, voice, language or region
	ToolsChanged  bool
	IdleChanged   bool
	RouteChanged  bool // provider or client
	Added         bool
	Removed       bool
}

// Changed reports whether any field differs.
func (d AssistantDiff) Changed() bool {
	return d.PromptChanged || d.VoiceChanged || d.ToolsChanged || d.IdleChanged || d.RouteChanged || d.Added || d.Removed
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	d.RestartRequired = !reflect.DeepEqual(oldServer, newServer) ||
		!reflect.DeepEqual(old.Providers, new.Providers) ||
		old.Codec != new.Codec ||
		old.Recording != new.Recording ||
		old.Storage != new.Storage

	// Build assistant lookup maps keyed by name.
	oldAs := make(map[string]*AssistantConfig, len(old.Assistants))
	for i := range old.Assistants {
		oldAs[old.Assistants[i].Name] = &old.Assistants[i]
	}
	newAs := make(map[string]*AssistantConfig, len(new.Assistants))
	for i := range new.Assistants {
		newAs[new.Assistants[i].Name] = &new.Assistants[i]
	}

	// Detect modified and removed assistants, in config order.
	for i := range old.Assistants {
		name := old.Assistants[i].Name
		na, exists := newAs[name]
		if !exists {
			d.AssistantChanges = append(d.AssistantChanges, AssistantDiff{Name: name, Removed: true})
			d.AssistantsChanged = true
			continue
		}
		if ad := diffAssistant(name, oldAs[name], na); ad.Changed() {
			d.AssistantChanges = append(d.AssistantChanges, ad)
			d.AssistantsChanged = true
		}
	}

	// Detect added assistants.
	for i := range new.Assistants {
		name := new.Assistants[i].Name
		if _, exists := oldAs[name]; !exists {
			d.AssistantChanges = append(d.AssistantChanges, AssistantDiff{Name: name, Added: true})
			d.AssistantsChanged = true
		}
	}

	return d
}

// diffAssistant compares two assistant configs with the same name.
func diffAssistant(name string, old, new *AssistantConfig) AssistantDiff {
	return AssistantDiff{
		Name:          name,
		PromptChanged: old.Instructions != new.Instructions || old.Greeting != new.Greeting,
		VoiceChanged: old.Model != new.Model || old.Voice != new.Voice ||
			old.Language != new.Language || old.Region != new.Region,
		ToolsChanged: !reflect.DeepEqual(old.Tools, new.Tools),
		IdleChanged:  old.Idle != new.Idle,
		RouteChanged: old.Provider != new.Provider || old.Client != new.Client,
	}
}

// Empty reports whether the configs behave the same, as after an edit that
// only touched comments or formatting.
func (d ConfigDiff) Empty() bool {
	return !d.AssistantsChanged && !d.LogLevelChanged && !d.RestartRequired
}
