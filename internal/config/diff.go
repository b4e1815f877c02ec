package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (engine tuning, gateway endpoints, server address) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GlossaryChanged bool
	NewGlossary     GlossaryConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Glossary terms and threshold
	if !slices.Equal(old.Glossary.Terms, new.Glossary.Terms) ||
		old.Glossary.MinSimilarity != new.Glossary.MinSimilarity {
		d.GlossaryChanged = true
		d.NewGlossary = new.Glossary
	}

	return d
}
