package detector

import "fmt"

// Phase is the coarse, user-visible phase of the controller.
type Phase string

const (
	// PhaseInitializing means microphone permission is being requested.
	PhaseInitializing Phase = "initializing"

	// PhaseListening means recognition is (re)armed and waiting for the wake
	// phrase.
	PhaseListening Phase = "listening"

	// PhaseDetected means the wake phrase was heard and the call handoff is
	// pending.
	PhaseDetected Phase = "detected"

	// PhaseCalling means an external call is starting, live, or settling.
	PhaseCalling Phase = "calling"

	// PhaseError means listening is impossible until a manual retry.
	PhaseError Phase = "error"
)

// IsValid reports whether p is one of the known phases.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseInitializing, PhaseListening, PhaseDetected, PhaseCalling, PhaseError:
		return true
	}
	return false
}

// Token identifies a recognition session. Tokens increase monotonically and
// zero means "no session".
type Token uint64

// CallID identifies one call handoff.
type CallID string

// Trigger is what caused a handoff.
type Trigger string

const (
	// TriggerWakePhrase means the wake phrase was recognised.
	TriggerWakePhrase Trigger = "wake-phrase"

	// TriggerManual means the host requested the call directly.
	TriggerManual Trigger = "manual"
)

// CallStage is the sub-state of [InCall].
type CallStage string

const (
	// StageStarting means the remote start is outstanding.
	StageStarting CallStage = "starting"

	// StageActive means the call is live.
	StageActive CallStage = "active"

	// StageEnding means the call is over and the controller is settling
	// before it listens again.
	StageEnding CallStage = "ending"

	// StageFailed means the start failed and the controller is cooling down.
	StageFailed CallStage = "failed"
)

// FailReason explains why the controller entered [PhaseError].
type FailReason string

const (
	// FailPermissionDenied means microphone or service access was refused.
	FailPermissionDenied FailReason = "permission-denied"

	// FailUnsupported means the platform cannot recognise speech at all.
	FailUnsupported FailReason = "unsupported"

	// FailPermissionTimeout means the permission request never settled.
	FailPermissionTimeout FailReason = "permission-timeout"
)

// State is the controller state. Exactly one of the variant types below is
// current at any time, each carrying only the data valid in its phase.
type State interface {
	Phase() Phase
	isState()
}

// Initializing is the state while permission is being requested.
type Initializing struct{}

// Listening is the state while waiting for the wake phrase. Session is the
// recognition session currently held (zero while a restart is pending) and
// Live is true once that session reported its start.
type Listening struct {
	Session Token
	Live    bool
}

// HandingOff is the state between detection and the call start.
type HandingOff struct {
	Reason Trigger
}

// InCall is the state from call start until listening resumes.
type InCall struct {
	Call   CallID
	Stage  CallStage
	Reason Trigger

	// Starting is true while the start request is outstanding. A status
	// report can make the call active before the request returns.
	Starting bool

	// Ending is true while an end-call request to the remote session is in
	// flight.
	Ending bool
}

// Failed is the absorbing error state. Only a retry leaves it.
type Failed struct {
	Reason FailReason
	Err    error
}

func (Initializing) Phase() Phase { return PhaseInitializing }
func (Listening) Phase() Phase    { return PhaseListening }
func (HandingOff) Phase() Phase   { return PhaseDetected }
func (InCall) Phase() Phase       { return PhaseCalling }
func (Failed) Phase() Phase       { return PhaseError }

func (Initializing) isState() {}
func (Listening) isState()    {}
func (HandingOff) isState()   {}
func (InCall) isState()       {}
func (Failed) isState()       {}

func (l Listening) String() string {
	return fmt.Sprintf("listening(session=%d live=%t)", l.Session, l.Live)
}

func (c InCall) String() string {
	return fmt.Sprintf("calling(call=%s stage=%s starting=%t ending=%t)", c.Call, c.Stage, c.Starting, c.Ending)
}

// Flags are the guard flags hosts traditionally render. They are derived from
// the state and never stored.
type Flags struct {
	Listening     bool `json:"isListening"`
	Transitioning bool `json:"isTransitioning"`
	CallEnding    bool `json:"isCallEnding"`
	APICalling    bool `json:"isApiCalling"`
}

// FlagsOf derives the guard flags for s.
func FlagsOf(s State) Flags {
	var f Flags
	switch v := s.(type) {
	case Listening:
		f.Listening = v.Live
	case HandingOff:
		f.Transitioning = true
	case InCall:
		f.Transitioning = true
		f.CallEnding = v.Ending
		f.APICalling = v.Starting
	}
	return f
}

// Snapshot is a point-in-time, read-only view of a [Machine].
type Snapshot struct {
	Phase            Phase      `json:"phase"`
	State            State      `json:"-"`
	Flags            Flags      `json:"flags"`
	PermissionCached bool       `json:"permissionCached"`
	Session          Token      `json:"session,omitempty"`
	Call             CallID     `json:"call,omitempty"`
	Stage            CallStage  `json:"stage,omitempty"`
	FailReason       FailReason `json:"failReason,omitempty"`
}
