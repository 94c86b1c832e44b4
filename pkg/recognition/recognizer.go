// Package recognition defines the Recognizer interface for streaming
// speech-to-text backends used to listen for a wake phrase.
//
// A recognizer wraps a platform or remote transcription service and exposes
// it as a series of short, bounded sessions. Each session is opened with
// [Recognizer.Open], reports its lifecycle through a [Handler] (start, interim
// and final results, errors, end) and is torn down with [Session.Stop].
//
// The contract deliberately mirrors an unreliable browser-style recognition
// engine: sessions may end at any time, errors are reported as codes rather
// than returned values, and events may keep arriving for a short while after
// Stop has been requested. Callers are expected to tell sessions apart and
// discard events from sessions they no longer hold.
package recognition

import (
	"context"
	"errors"
)

// Config describes how a recognition session should be configured.
type Config struct {
	// Language is the BCP-47 locale tag for recognition (e.g., "en-US").
	Language string

	// InterimResults enables low-latency partial transcripts in addition to
	// final ones. Wake-phrase detection relies on partials to react quickly.
	InterimResults bool

	// Continuous keeps the session open across utterances. When false the
	// session ends after a single utterance window.
	Continuous bool

	// SampleRate is the audio sample rate in Hz for backends that consume raw
	// PCM. Zero lets the backend pick its default.
	SampleRate int

	// Channels is the number of audio channels. Zero means mono.
	Channels int

	// Keywords is a list of vocabulary hints that increase the recognition
	// probability of uncommon words such as the assistant's name.
	Keywords []KeywordBoost
}

// KeywordBoost represents a keyword to boost in recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Anna").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// Handler receives the events of a single recognition session.
//
// Implementations of [Recognizer] must invoke the methods of one Handler from
// a single goroutine, in the order the events occurred. Handlers must return
// quickly.
type Handler interface {
	// OnStart is called once the session has begun capturing audio.
	OnStart()

	// OnResult is called with the best transcript of each result the backend
	// currently holds for the utterance, interim or final.
	OnResult(transcripts []string)

	// OnError reports a session failure. The session may still emit OnEnd
	// afterwards.
	OnError(code ErrorCode)

	// OnEnd is called once when the session is over, whatever the reason.
	OnEnd()
}

// Session is an open recognition session.
type Session interface {
	// Stop asks the session to finish. It is safe to call more than once and
	// on a session that already ended. Stop does not wait for OnEnd.
	Stop()
}

// Recognizer is the abstraction over any streaming recognition backend.
//
// Implementations must be safe for concurrent use.
type Recognizer interface {
	// RequestPermission checks that the backend may capture audio. It returns
	// an error wrapping [ErrPermissionDenied] or [ErrUnsupported] when
	// listening is impossible.
	RequestPermission(ctx context.Context) error

	// Open creates a session, registers h and immediately begins recognition.
	// Open must return promptly: connection setup happens asynchronously and
	// is reported through h.OnStart or h.OnError. An error returned from Open
	// means the session never existed; use [CodeOf] to classify it.
	Open(ctx context.Context, cfg Config, h Handler) (Session, error)
}

var (
	// ErrPermissionDenied indicates the user or platform refused microphone
	// or service access.
	ErrPermissionDenied = errors.New("recognition: permission denied")

	// ErrUnsupported indicates the recognition capability is not available.
	ErrUnsupported = errors.New("recognition: capability unsupported")
)
