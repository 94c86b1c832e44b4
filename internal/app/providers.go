package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/wakecall/internal/config"
	"github.com/MrWong99/wakecall/internal/resilience"
	"github.com/MrWong99/wakecall/pkg/audio"
	"github.com/MrWong99/wakecall/pkg/callsession"
	"github.com/MrWong99/wakecall/pkg/callsession/wsbridge"
	"github.com/MrWong99/wakecall/pkg/recognition"
	"github.com/MrWong99/wakecall/pkg/recognition/deepgram"
)

// NewRegistry returns a registry with every built-in provider registered.
func NewRegistry() *config.Registry {
	reg := config.NewRegistry()
	RegisterBuiltinProviders(reg)
	return reg
}

// RegisterBuiltinProviders wires the built-in provider factories into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── Recognition ───────────────────────────────────────────────────────────

	reg.RegisterRecognition("deepgram", func(entry config.ProviderEntry) (recognition.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if ms := entry.OptionInt("utterance_end_ms", 0); ms > 0 {
			opts = append(opts, deepgram.WithUtteranceEnd(ms))
		}
		if ms := entry.OptionInt("dial_timeout_ms", 0); ms > 0 {
			opts = append(opts, deepgram.WithDialTimeout(time.Duration(ms)*time.Millisecond))
		}
		return deepgram.New(entry.APIKey, MicrophoneSource(entry), opts...)
	})

	// ── Call ──────────────────────────────────────────────────────────────────

	// Extra bridge URLs in options.fallback_urls are tried in order when the
	// primary does not answer.
	reg.RegisterCall("wsbridge", func(entry config.ProviderEntry) (callsession.Session, error) {
		primary, err := wsbridge.New(entry.BaseURL, wsbridge.WithAPIKey(entry.APIKey))
		if err != nil {
			return nil, err
		}
		fallbacks := entry.OptionStrings("fallback_urls")
		if len(fallbacks) == 0 {
			return primary, nil
		}
		f := resilience.NewCallFallback(primary, entry.BaseURL, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures: entry.OptionInt("fallback_max_failures", 0),
			},
		})
		for _, url := range fallbacks {
			s, err := wsbridge.New(url, wsbridge.WithAPIKey(entry.APIKey))
			if err != nil {
				return nil, fmt.Errorf("fallback %q: %w", url, err)
			}
			f.AddFallback(url, s)
		}
		return f, nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// MicrophoneSource builds the ffmpeg capture described by the recognition
// options "ffmpeg", "input_format", "device" and "sample_rate".
func MicrophoneSource(entry config.ProviderEntry) *audio.FFmpegSource {
	return &audio.FFmpegSource{
		Command:     entry.OptionString("ffmpeg", ""),
		InputFormat: entry.OptionString("input_format", ""),
		Device:      entry.OptionString("device", ""),
		SampleRate:  entry.OptionInt("sample_rate", 0),
		Channels:    1,
	}
}
