package recognition

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a recognition session failure. The vocabulary follows
// the codes emitted by browser speech engines.
type ErrorCode string

const (
	// CodeNoSpeech means no speech was detected within the session window.
	CodeNoSpeech ErrorCode = "no-speech"

	// CodeAborted means the session was stopped on request.
	CodeAborted ErrorCode = "aborted"

	// CodeNotAllowed means microphone access was refused.
	CodeNotAllowed ErrorCode = "not-allowed"

	// CodeServiceNotAllowed means the recognition service refused the
	// request (bad credentials, unsupported capability).
	CodeServiceNotAllowed ErrorCode = "service-not-allowed"

	// CodeNetwork means the connection to the recognition service failed.
	CodeNetwork ErrorCode = "network"

	// CodeAudioCapture means the audio source could not be read.
	CodeAudioCapture ErrorCode = "audio-capture"

	// CodeUnsupported means the platform has no recognition capability.
	CodeUnsupported ErrorCode = "unsupported"

	// CodeUnknown is used for every failure that fits no other code.
	CodeUnknown ErrorCode = "unknown"
)

// IsPermission reports whether c denies recognition outright. Such errors
// must not be retried automatically.
func (c ErrorCode) IsPermission() bool {
	switch c {
	case CodeNotAllowed, CodeServiceNotAllowed, CodeUnsupported:
		return true
	}
	return false
}

// Error is a recognition failure carrying its [ErrorCode].
type Error struct {
	Code ErrorCode
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("recognition: %s", e.Code)
	}
	return fmt.Sprintf("recognition: %s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf classifies err. Errors wrapping [ErrPermissionDenied] map to
// [CodeNotAllowed], errors wrapping [ErrUnsupported] map to
// [CodeUnsupported] and context cancellation maps to [CodeAborted].
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return CodeNotAllowed
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, context.Canceled):
		return CodeAborted
	}
	return CodeUnknown
}
