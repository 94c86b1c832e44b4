package detector

import (
	"time"

	"github.com/MrWong99/wakecall/pkg/callsession"
)

// Effect is an instruction returned by [Machine.Step] for the runtime to
// carry out. Effects must be applied in order.
type Effect interface {
	isEffect()
}

// RequestPermission asks the recognizer for capture permission. The result
// comes back as [PermissionGranted] or [PermissionDenied].
type RequestPermission struct{}

// StartRecognition opens a recognition session stamped with Session.
type StartRecognition struct {
	Session Token
}

// StopRecognition stops the held recognition session, if any. It is
// idempotent.
type StopRecognition struct{}

// ScheduleTimer arms Timer, replacing any outstanding handle of that kind.
type ScheduleTimer struct {
	Timer TimerKind
	After time.Duration
}

// CancelTimer disarms Timer.
type CancelTimer struct {
	Timer TimerKind
}

// CancelAllTimers disarms every timer.
type CancelAllTimers struct{}

// StartCall starts the remote call identified by Call.
type StartCall struct {
	Call CallID
}

// EndCall ends the remote call identified by Call. Cause is set when a
// pending start is being aborted and is used to cancel it.
type EndCall struct {
	Call  CallID
	Cause error
}

// NotifyPhase reports a phase change to the host.
type NotifyPhase struct {
	From, To Phase
}

// NotifyStatus forwards a call status to the host.
type NotifyStatus struct {
	Status callsession.Status
}

// NotifyMessage forwards a call message to the host.
type NotifyMessage struct {
	Message callsession.Message
}

// NotifyCallEnded tells the host the call is over.
type NotifyCallEnded struct{}

// NotifyNotice surfaces a user-visible notice.
type NotifyNotice struct {
	Notice Notice
}

// NotifyDetection reports what triggered a handoff. Transcript is empty for
// manual triggers.
type NotifyDetection struct {
	Trigger    Trigger
	Transcript string
}

func (RequestPermission) isEffect() {}
func (StartRecognition) isEffect()  {}
func (StopRecognition) isEffect()   {}
func (ScheduleTimer) isEffect()     {}
func (CancelTimer) isEffect()       {}
func (CancelAllTimers) isEffect()   {}
func (StartCall) isEffect()         {}
func (EndCall) isEffect()           {}
func (NotifyPhase) isEffect()       {}
func (NotifyStatus) isEffect()      {}
func (NotifyMessage) isEffect()     {}
func (NotifyCallEnded) isEffect()   {}
func (NotifyNotice) isEffect()      {}
func (NotifyDetection) isEffect()   {}

// NoticeKind classifies a [Notice].
type NoticeKind string

const (
	// NoticePermission means listening is blocked until the user retries.
	NoticePermission NoticeKind = "permission"

	// NoticeTransient means something failed but the controller recovers on
	// its own.
	NoticeTransient NoticeKind = "transient"
)

// Notice is a user-visible error report.
type Notice struct {
	Kind   NoticeKind
	Reason string
	Err    error

	// Retryable is true when the user can act on the notice (retry
	// permission, trigger the call again).
	Retryable bool
}
