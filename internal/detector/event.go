package detector

import (
	"github.com/MrWong99/wakecall/pkg/callsession"
	"github.com/MrWong99/wakecall/pkg/recognition"
)

// Event is an input to [Machine.Step].
type Event interface {
	isEvent()
}

// PermissionGranted reports that audio capture is allowed.
type PermissionGranted struct{}

// PermissionDenied reports that audio capture is refused or impossible.
type PermissionDenied struct {
	Reason FailReason
	Err    error
}

// RecognitionStarted reports that a recognition session began capturing.
type RecognitionStarted struct {
	Session Token
}

// RecognitionResult carries the best transcript of each alternative a
// session currently holds.
type RecognitionResult struct {
	Session     Token
	Transcripts []string
}

// RecognitionError reports a session failure.
type RecognitionError struct {
	Session Token
	Code    recognition.ErrorCode
}

// RecognitionEnded reports that a session is over.
type RecognitionEnded struct {
	Session Token
}

// ManualTrigger asks for a call without the wake phrase.
type ManualTrigger struct{}

// TimerFired reports that a scheduled timer elapsed.
type TimerFired struct {
	Timer TimerKind
}

// CallStarted reports that the remote accepted the call.
type CallStarted struct {
	Call CallID
}

// CallStartFailed reports that the remote start returned an error.
type CallStartFailed struct {
	Call CallID
	Err  error
}

// CallStatusChanged carries a status reported by the call session.
type CallStatusChanged struct {
	Call   CallID
	Status callsession.Status
}

// CallMessage carries a transcript message reported by the call session.
type CallMessage struct {
	Call    CallID
	Message callsession.Message
}

// CallEndFinished reports that a remote end-call request settled.
type CallEndFinished struct {
	Call CallID
	Err  error
}

// EndCallRequested asks to hang up the current call.
type EndCallRequested struct{}

// RetryRequested asks to leave [PhaseError].
type RetryRequested struct{}

// Shutdown releases everything. The machine ignores all later events.
type Shutdown struct{}

func (PermissionGranted) isEvent()  {}
func (PermissionDenied) isEvent()   {}
func (RecognitionStarted) isEvent() {}
func (RecognitionResult) isEvent()  {}
func (RecognitionError) isEvent()   {}
func (RecognitionEnded) isEvent()   {}
func (ManualTrigger) isEvent()      {}
func (TimerFired) isEvent()         {}
func (CallStarted) isEvent()        {}
func (CallStartFailed) isEvent()    {}
func (CallStatusChanged) isEvent()  {}
func (CallMessage) isEvent()        {}
func (CallEndFinished) isEvent()    {}
func (EndCallRequested) isEvent()   {}
func (RetryRequested) isEvent()     {}
func (Shutdown) isEvent()           {}
