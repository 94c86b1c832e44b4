package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// WakeChanged is true if the wake vocabulary changed. It is applied
	// without restart.
	WakeChanged bool

	// LogLevelChanged is true if server.log_level changed. It is applied
	// without restart.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the sections whose changes only take effect after
	// a restart, in file order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.WakeChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Hot reports whether d holds a change that applies without restart.
func (d ConfigDiff) Hot() bool {
	return d.WakeChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.WakeChanged = !wakeEqual(old.Wake, new.Wake)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !entryEqual(old.Recognition, new.Recognition) {
		d.RestartRequired = append(d.RestartRequired, "recognition")
	}
	if !entryEqual(old.Call, new.Call) {
		d.RestartRequired = append(d.RestartRequired, "call")
	}
	if old.Timing != new.Timing {
		d.RestartRequired = append(d.RestartRequired, "timing")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func wakeEqual(a, b WakeConfig) bool {
	return a.Phrase == b.Phrase &&
		a.Phonetic == b.Phonetic &&
		a.PhoneticThreshold == b.PhoneticThreshold &&
		slices.Equal(a.Salutations, b.Salutations) &&
		slices.Equal(a.Names, b.Names)
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
