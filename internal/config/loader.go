package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/wakecall/internal/detector"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognition": {"deepgram"},
	"call":        {"wsbridge"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Unknown keys are rejected.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Unset fields
// are valid; they take their defaults later.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Wake vocabulary
	if cfg.Wake.PhoneticThreshold < 0 || cfg.Wake.PhoneticThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake.phonetic_threshold %.2f is out of range [0, 1]", cfg.Wake.PhoneticThreshold))
	}
	for i, s := range cfg.Wake.Salutations {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Errorf("wake.salutations[%d] is empty", i))
		}
	}
	for i, n := range cfg.Wake.Names {
		if strings.TrimSpace(n) == "" {
			errs = append(errs, fmt.Errorf("wake.names[%d] is empty", i))
		}
	}

	// Providers
	if cfg.Recognition.Name == "" {
		errs = append(errs, errors.New("recognition.name is required"))
	}
	if cfg.Call.Name == "" {
		errs = append(errs, errors.New("call.name is required"))
	}
	validateProviderName("recognition", cfg.Recognition.Name)
	validateProviderName("call", cfg.Call.Name)
	if cfg.Recognition.Name == "deepgram" && cfg.Recognition.APIKey == "" {
		errs = append(errs, errors.New("recognition.api_key is required for deepgram"))
	}
	if cfg.Call.Name == "wsbridge" && cfg.Call.BaseURL == "" {
		errs = append(errs, errors.New("call.base_url is required for wsbridge"))
	}

	// Timing
	if c := cfg.Timing.ClientClass; c != "" && c != detector.ClientDesktop && c != detector.ClientMobile {
		errs = append(errs, fmt.Errorf("timing.client_class %q is invalid; valid values: desktop, mobile", c))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"no_speech", cfg.Timing.NoSpeech},
		{"no_speech_mobile", cfg.Timing.NoSpeechMobile},
		{"restart", cfg.Timing.Restart},
		{"error_restart", cfg.Timing.ErrorRestart},
		{"handoff", cfg.Timing.Handoff},
		{"call_start", cfg.Timing.CallStart},
		{"cooldown", cfg.Timing.Cooldown},
		{"settle", cfg.Timing.Settle},
		{"resume", cfg.Timing.Resume},
		{"permission_timeout", cfg.Timing.PermissionTimeout},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("timing.%s %v must not be negative", d.name, d.v))
		}
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %v must not be negative", cfg.Resilience.ResetTimeout))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
