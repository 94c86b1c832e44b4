// Package callsession defines the Session interface for external voice call
// backends that take over once the wake phrase has been heard.
//
// A call session wraps a real-time voice assistant (a remote agent reached over
// a network bridge, a hosted voice API) and exposes only what the controller
// needs to coordinate with it: starting the call, ending it, and observing its
// status changes and transcript messages. The call's own audio pipeline is
// opaque to this package.
//
// All implementations must be safe for concurrent use.
package callsession

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle status reported by a call session.
type Status string

const (
	// StatusConnecting means the call has been requested but not yet answered.
	StatusConnecting Status = "connecting"

	// StatusOngoing means the call is live.
	StatusOngoing Status = "ongoing"

	// StatusEnded means the call finished normally.
	StatusEnded Status = "ended"

	// StatusError means the call failed.
	StatusError Status = "error"
)

// IsTerminal reports whether s ends the call.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusError
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusConnecting, StatusOngoing, StatusEnded, StatusError:
		return true
	}
	return false
}

// Role identifies who produced a [Message].
type Role string

const (
	// RoleUser marks speech from the person on the call.
	RoleUser Role = "user"

	// RoleAssistant marks responses from the remote voice assistant.
	RoleAssistant Role = "assistant"

	// RoleSystem marks informational messages from the call backend.
	RoleSystem Role = "system"
)

// Message is a single entry of the call's transcript and response log.
type Message struct {
	// Role is the speaker of this message.
	Role Role `json:"role"`

	// Text is the transcribed or generated text.
	Text string `json:"text"`

	// Final is false for interim transcripts that may still change.
	Final bool `json:"final"`

	// Timestamp is when the backend produced the message.
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives status changes and messages from a call session.
//
// Observer methods may be called from any goroutine and must return quickly.
type Observer interface {
	// StatusChanged reports a new call status.
	StatusChanged(status Status)

	// Message reports a transcript or response message.
	Message(msg Message)
}

// Session is the abstraction over a voice call backend.
//
// At most one call is in progress at a time. StartCall and EndCall may block
// while the backend connects or disconnects; callers should run them off any
// latency-sensitive goroutine and bound them with ctx.
type Session interface {
	// StartCall starts a new call. It returns once the backend accepted the
	// call or failed to. Status changes continue to arrive through the
	// registered Observer.
	StartCall(ctx context.Context) error

	// EndCall ends the current call. Ending when no call is in progress is a
	// no-op and returns nil.
	EndCall(ctx context.Context) error

	// SetObserver registers the observer for status changes and messages.
	// Passing nil clears it. Only one observer is active at a time.
	SetObserver(o Observer)
}

// ErrCallInProgress is returned by StartCall when the backend still holds a
// previous call.
var ErrCallInProgress = errors.New("callsession: call already in progress")
