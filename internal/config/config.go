// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the wakecall daemon.
package config

import (
	"fmt"
	"time"

	"github.com/MrWong99/wakecall/internal/detector"
	"github.com/MrWong99/wakecall/internal/wakeword"
)

// LogLevel controls log verbosity for the wakecall daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for wakecall.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Wake        WakeConfig       `yaml:"wake"`
	Recognition ProviderEntry    `yaml:"recognition"`
	Call        ProviderEntry    `yaml:"call"`
	Timing      TimingConfig     `yaml:"timing"`
	Resilience  ResilienceConfig `yaml:"resilience"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control, health and metrics
	// endpoints (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// WakeConfig is the wake vocabulary. Changes are picked up without restart.
type WakeConfig struct {
	// Phrase is the canonical wake phrase. Default: "hey anna".
	Phrase string `yaml:"phrase"`

	// Salutations are the greetings accepted in front of a name.
	Salutations []string `yaml:"salutations"`

	// Names are the accepted spellings of the assistant's name.
	Names []string `yaml:"names"`

	// Phonetic enables sound-alike matching of names.
	Phonetic bool `yaml:"phonetic"`

	// PhoneticThreshold is the minimum Jaro-Winkler similarity in (0, 1].
	// Default: 0.90.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
}

// Matcher builds the wake-phrase matcher described by w.
func (w WakeConfig) Matcher() *wakeword.Matcher {
	var opts []wakeword.Option
	if w.Phrase != "" {
		opts = append(opts, wakeword.WithPhrase(w.Phrase))
	}
	if len(w.Salutations) > 0 {
		opts = append(opts, wakeword.WithSalutations(w.Salutations...))
	}
	if len(w.Names) > 0 {
		opts = append(opts, wakeword.WithNames(w.Names...))
	}
	if w.Phonetic {
		opts = append(opts, wakeword.WithPhonetic(w.PhoneticThreshold))
	}
	return wakeword.New(opts...)
}

// ProviderEntry is the configuration block shared by the recognition and call
// backends. The Name field is used to look up the constructor in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "deepgram", "wsbridge").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint. For the call backend
	// it is the bridge URL.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend (e.g., "nova-3").
	Model string `yaml:"model"`

	// Options holds backend-specific values not covered by the standard
	// fields above (language, device, input_format, ...).
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] as a string, or def when unset.
func (e ProviderEntry) OptionString(key, def string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// OptionInt returns Options[key] as an int, or def when unset or not a
// whole number.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return def
}

// OptionStrings returns Options[key] as a list of strings. A single string is
// a list of one; anything else yields nil.
func (e ProviderEntry) OptionStrings(key string) []string {
	switch v := e.Options[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// TimingConfig overrides the controller's delays. Zero values take the
// defaults of [detector.DefaultTiming].
type TimingConfig struct {
	// ClientClass selects the no-speech timeout: desktop or mobile.
	ClientClass detector.ClientClass `yaml:"client_class"`

	NoSpeech          time.Duration `yaml:"no_speech"`
	NoSpeechMobile    time.Duration `yaml:"no_speech_mobile"`
	Restart           time.Duration `yaml:"restart"`
	ErrorRestart      time.Duration `yaml:"error_restart"`
	Handoff           time.Duration `yaml:"handoff"`
	CallStart         time.Duration `yaml:"call_start"`
	Cooldown          time.Duration `yaml:"cooldown"`
	Settle            time.Duration `yaml:"settle"`
	Resume            time.Duration `yaml:"resume"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
}

// Timing converts t to [detector.Timing].
func (t TimingConfig) Timing() detector.Timing {
	return detector.Timing{
		NoSpeech:          t.NoSpeech,
		NoSpeechMobile:    t.NoSpeechMobile,
		Restart:           t.Restart,
		ErrorRestart:      t.ErrorRestart,
		Handoff:           t.Handoff,
		CallStart:         t.CallStart,
		Cooldown:          t.Cooldown,
		Settle:            t.Settle,
		Resume:            t.Resume,
		PermissionTimeout: t.PermissionTimeout,
		Client:            t.ClientClass,
	}.WithDefaults()
}

// ResilienceConfig configures the circuit breaker around call starts.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failed starts that open the
	// breaker. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "wakecall".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of root spans sampled, in [0, 1].
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Wake.Phrase == "" {
		c.Wake.Phrase = wakeword.DefaultPhrase
	}
	if len(c.Wake.Salutations) == 0 {
		c.Wake.Salutations = wakeword.DefaultSalutations()
	}
	if len(c.Wake.Names) == 0 {
		c.Wake.Names = wakeword.DefaultNames()
	}
	if c.Wake.Phonetic && c.Wake.PhoneticThreshold == 0 {
		c.Wake.PhoneticThreshold = 0.90
	}

	d := c.Timing.Timing()
	c.Timing = TimingConfig{
		ClientClass:       d.Client,
		NoSpeech:          d.NoSpeech,
		NoSpeechMobile:    d.NoSpeechMobile,
		Restart:           d.Restart,
		ErrorRestart:      d.ErrorRestart,
		Handoff:           d.Handoff,
		CallStart:         d.CallStart,
		Cooldown:          d.Cooldown,
		Settle:            d.Settle,
		Resume:            d.Resume,
		PermissionTimeout: d.PermissionTimeout,
	}

	if c.Resilience.MaxFailures == 0 {
		c.Resilience.MaxFailures = 3
	}
	if c.Resilience.ResetTimeout == 0 {
		c.Resilience.ResetTimeout = 30 * time.Second
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "wakecall"
	}
}
