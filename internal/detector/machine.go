// Package detector implements the wake-word session controller as a pure
// state machine.
//
// [Machine.Step] consumes one [Event] and returns the [Effect] values the
// runtime must carry out, in order. The machine performs no I/O and reads no
// clock, so every transition can be tested by feeding events and inspecting
// the returned effects.
//
// Events that originate from a recognition session carry the session's
// [Token] and events that originate from a call carry its [CallID]. Anything
// stamped with a token or id the machine no longer holds is discarded, which
// is how late callbacks from stopped sessions and abandoned calls are kept
// from corrupting the current state.
package detector

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/wakecall/internal/wakeword"
	"github.com/MrWong99/wakecall/pkg/callsession"
	"github.com/MrWong99/wakecall/pkg/recognition"
)

// ErrCallStartTimeout is reported when the remote call did not start within
// [Timing.CallStart].
var ErrCallStartTimeout = errors.New("detector: call start timed out")

// Option is a functional option for configuring a [Machine].
type Option func(*Machine)

// WithMatcher sets the wake-phrase predicate. Default: [wakeword.Match].
func WithMatcher(match func(transcript string) bool) Option {
	return func(m *Machine) {
		if match != nil {
			m.match = match
		}
	}
}

// WithCallIDs sets the call id generator. Default: random UUIDs.
func WithCallIDs(next func() CallID) Option {
	return func(m *Machine) {
		if next != nil {
			m.newCallID = next
		}
	}
}

// Machine is the controller state machine. It is not safe for concurrent use;
// the runtime serialises all calls onto one goroutine.
type Machine struct {
	timing    Timing
	match     func(string) bool
	newCallID func() CallID

	state            State
	permissionCached bool
	lastSession      Token
	closed           bool
}

// New returns a machine in [Initializing]. Zero fields of timing take their
// defaults.
func New(timing Timing, opts ...Option) *Machine {
	m := &Machine{
		timing:    timing.WithDefaults(),
		match:     wakeword.Match,
		newCallID: func() CallID { return CallID(uuid.NewString()) },
		state:     Initializing{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetMatcher replaces the wake-phrase predicate. A nil match is ignored.
func (m *Machine) SetMatcher(match func(transcript string) bool) {
	if match != nil {
		m.match = match
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Timing returns the effective timing.
func (m *Machine) Timing() Timing { return m.timing }

// Closed reports whether [Shutdown] has been processed.
func (m *Machine) Closed() bool { return m.closed }

// Snapshot returns a read-only view of the machine.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		Phase:            m.state.Phase(),
		State:            m.state,
		Flags:            FlagsOf(m.state),
		PermissionCached: m.permissionCached,
	}
	switch v := m.state.(type) {
	case Listening:
		s.Session = v.Session
	case InCall:
		s.Call = v.Call
		s.Stage = v.Stage
	case Failed:
		s.FailReason = v.Reason
	}
	return s
}

// Boot returns the effects that start the permission flow. Call it once
// before the first Step.
func (m *Machine) Boot() []Effect {
	if _, ok := m.state.(Initializing); !ok || m.closed {
		return nil
	}
	return []Effect{
		RequestPermission{},
		ScheduleTimer{Timer: TimerTryAgain, After: m.timing.PermissionTimeout},
	}
}

// Step applies ev and returns the resulting effects. Events that are stale,
// misplaced or otherwise not applicable return no effects.
func (m *Machine) Step(ev Event) []Effect {
	if m.closed {
		return nil
	}
	s := &step{m: m}
	switch e := ev.(type) {
	case PermissionGranted:
		s.permissionGranted()
	case PermissionDenied:
		s.permissionDenied(e)
	case RecognitionStarted:
		s.recognitionStarted(e.Session)
	case RecognitionResult:
		s.recognitionResult(e.Session, e.Transcripts)
	case RecognitionError:
		s.recognitionError(e.Session, e.Code)
	case RecognitionEnded:
		s.recognitionEnded(e.Session)
	case ManualTrigger:
		if _, ok := m.state.(Listening); ok {
			s.detect(TriggerManual, "")
		}
	case TimerFired:
		s.timerFired(e.Timer)
	case CallStarted:
		s.callStarted(e.Call)
	case CallStartFailed:
		if c, ok := s.currentCall(e.Call); ok {
			c.Starting = false
			s.m.state = c
			if c.Stage == StageStarting {
				s.callFailed(c, e.Err, false)
			}
		}
	case CallStatusChanged:
		s.callStatus(e.Call, e.Status)
	case CallMessage:
		if _, ok := s.currentCall(e.Call); ok {
			s.emit(NotifyMessage{Message: e.Message})
		}
	case CallEndFinished:
		s.callEndFinished(e.Call, e.Err)
	case EndCallRequested:
		s.endCallRequested()
	case RetryRequested:
		s.retry()
	case Shutdown:
		s.shutdown()
	}
	return s.fx
}

// step accumulates the effects of a single Step call.
type step struct {
	m  *Machine
	fx []Effect
}

func (s *step) emit(fx ...Effect) { s.fx = append(s.fx, fx...) }

// enter replaces the state and reports a phase change if there is one.
func (s *step) enter(next State) {
	from := s.m.state.Phase()
	s.m.state = next
	if to := next.Phase(); from != to {
		s.emit(NotifyPhase{From: from, To: to})
	}
}

// current returns the Listening state if tok is the session it holds.
func (s *step) current(tok Token) (Listening, bool) {
	l, ok := s.m.state.(Listening)
	if !ok || tok == 0 || l.Session != tok {
		return Listening{}, false
	}
	return l, true
}

// currentCall returns the InCall state if id is the call it holds.
func (s *step) currentCall(id CallID) (InCall, bool) {
	c, ok := s.m.state.(InCall)
	if !ok || id == "" || c.Call != id {
		return InCall{}, false
	}
	return c, true
}

func (s *step) permissionGranted() {
	if _, ok := s.m.state.(Initializing); !ok {
		return
	}
	s.emit(CancelTimer{Timer: TimerTryAgain})
	s.m.permissionCached = true
	s.enter(Listening{})
	s.startRecognition()
}

func (s *step) permissionDenied(e PermissionDenied) {
	if _, ok := s.m.state.(Initializing); !ok {
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = FailPermissionDenied
	}
	s.fail(reason, e.Err)
}

// fail moves to Failed and surfaces a permission notice.
func (s *step) fail(reason FailReason, err error) {
	s.emit(StopRecognition{}, CancelAllTimers{})
	s.enter(Failed{Reason: reason, Err: err})
	s.emit(NotifyNotice{Notice: Notice{
		Kind:      NoticePermission,
		Reason:    string(reason),
		Err:       err,
		Retryable: true,
	}})
}

// startRecognition tears down any held session and opens a new one.
func (s *step) startRecognition() {
	s.m.lastSession++
	tok := s.m.lastSession
	s.m.state = Listening{Session: tok}
	s.emit(StopRecognition{}, StartRecognition{Session: tok})
}

// restartLater drops the held session and schedules a relaunch.
func (s *step) restartLater(after time.Duration) {
	s.emit(CancelTimer{Timer: TimerNoSpeech}, StopRecognition{})
	s.m.state = Listening{}
	s.emit(ScheduleTimer{Timer: TimerRestart, After: after})
}

func (s *step) recognitionStarted(tok Token) {
	l, ok := s.current(tok)
	if !ok {
		return
	}
	l.Live = true
	s.m.state = l
	s.emit(ScheduleTimer{Timer: TimerNoSpeech, After: s.m.timing.NoSpeechTimeout()})
}

func (s *step) recognitionResult(tok Token, transcripts []string) {
	l, ok := s.current(tok)
	if !ok {
		return
	}
	s.emit(CancelTimer{Timer: TimerNoSpeech})
	text := strings.ToLower(strings.TrimSpace(strings.Join(transcripts, " ")))
	if text != "" && s.m.match(text) {
		s.detect(TriggerWakePhrase, text)
		return
	}
	if l.Live {
		s.emit(ScheduleTimer{Timer: TimerNoSpeech, After: s.m.timing.NoSpeechTimeout()})
	}
}

func (s *step) recognitionError(tok Token, code recognition.ErrorCode) {
	l, ok := s.current(tok)
	if !ok {
		return
	}
	switch {
	case code == recognition.CodeNoSpeech:
		s.restartLater(s.m.timing.Restart)
	case code == recognition.CodeAborted:
		l.Live = false
		s.m.state = l
	case code.IsPermission():
		reason := FailPermissionDenied
		if code == recognition.CodeUnsupported {
			reason = FailUnsupported
		}
		s.fail(reason, &recognition.Error{Code: code})
	default:
		s.restartLater(s.m.timing.ErrorRestart)
		s.emit(NotifyNotice{Notice: Notice{
			Kind:   NoticeTransient,
			Reason: "recognition-" + string(code),
			Err:    &recognition.Error{Code: code},
		}})
	}
}

func (s *step) recognitionEnded(tok Token) {
	if _, ok := s.current(tok); !ok {
		return
	}
	s.restartLater(s.m.timing.Restart)
}

// detect stops listening and schedules the handoff.
func (s *step) detect(trigger Trigger, transcript string) {
	s.emit(StopRecognition{}, CancelAllTimers{})
	s.enter(HandingOff{Reason: trigger})
	s.emit(
		NotifyDetection{Trigger: trigger, Transcript: transcript},
		ScheduleTimer{Timer: TimerHandoff, After: s.m.timing.Handoff},
	)
}

func (s *step) timerFired(kind TimerKind) {
	switch kind {
	case TimerTryAgain:
		if _, ok := s.m.state.(Initializing); ok {
			s.fail(FailPermissionTimeout, nil)
		}
	case TimerNoSpeech:
		if l, ok := s.m.state.(Listening); ok && l.Session != 0 {
			s.restartLater(s.m.timing.Restart)
		}
	case TimerRestart:
		// Only a pending relaunch leaves Listening without a session.
		if l, ok := s.m.state.(Listening); ok && l.Session == 0 {
			s.startRecognition()
		}
	case TimerHandoff:
		h, ok := s.m.state.(HandingOff)
		if !ok {
			return
		}
		id := s.m.newCallID()
		s.enter(InCall{Call: id, Stage: StageStarting, Reason: h.Reason, Starting: true})
		s.emit(
			StartCall{Call: id},
			ScheduleTimer{Timer: TimerCallStart, After: s.m.timing.CallStart},
		)
	case TimerCallStart:
		if c, ok := s.m.state.(InCall); ok && c.Stage == StageStarting {
			s.callFailed(c, ErrCallStartTimeout, true)
		}
	case TimerCooldown:
		if c, ok := s.m.state.(InCall); ok && c.Stage == StageFailed {
			s.resume()
		}
	case TimerSettle:
		if c, ok := s.m.state.(InCall); ok && c.Stage == StageEnding {
			s.resume()
		}
	}
}

// resume returns to listening and re-arms recognition after the resume
// delay, through the restart slot so a superseding transition cancels it.
func (s *step) resume() {
	s.enter(Listening{})
	s.emit(
		StopRecognition{},
		ScheduleTimer{Timer: TimerRestart, After: s.m.timing.Resume},
	)
}

// callFailed handles a start failure or timeout. When abort is set the
// remote is told to hang up in case the start still completes.
func (s *step) callFailed(c InCall, err error, abort bool) {
	s.emit(StopRecognition{}, CancelAllTimers{})
	c.Stage = StageFailed
	if abort {
		c.Ending = true
	}
	s.m.state = c
	if abort {
		s.emit(EndCall{Call: c.Call, Cause: err})
	}
	s.emit(
		NotifyStatus{Status: callsession.StatusError},
		NotifyNotice{Notice: Notice{
			Kind:      NoticeTransient,
			Reason:    "call-start-failed",
			Err:       err,
			Retryable: true,
		}},
		ScheduleTimer{Timer: TimerCooldown, After: s.m.timing.Cooldown},
	)
}

func (s *step) callStarted(id CallID) {
	if id == "" {
		return
	}
	c, ok := s.currentCall(id)
	if !ok {
		// A call we already gave up on came up after all. The remote holds a
		// single call, so hanging up while another call is current would end
		// that one instead.
		if _, busy := s.m.state.(InCall); !busy {
			s.emit(EndCall{Call: id})
		}
		return
	}
	c.Starting = false
	s.m.state = c
	switch c.Stage {
	case StageStarting:
		c.Stage = StageActive
		s.m.state = c
		s.emit(CancelTimer{Timer: TimerCallStart})
	case StageEnding, StageFailed:
		if !c.Ending {
			c.Ending = true
			s.m.state = c
			s.emit(EndCall{Call: id})
		}
	}
}

func (s *step) callStatus(id CallID, status callsession.Status) {
	c, ok := s.currentCall(id)
	if !ok {
		return
	}
	s.emit(NotifyStatus{Status: status})
	switch {
	case status == callsession.StatusOngoing && c.Stage == StageStarting:
		c.Stage = StageActive
		s.m.state = c
		s.emit(CancelTimer{Timer: TimerCallStart})
	case status.IsTerminal() && (c.Stage == StageStarting || c.Stage == StageActive):
		s.endPath(c)
	}
}

// endPath winds a call down and schedules the return to listening.
func (s *step) endPath(c InCall) {
	s.emit(StopRecognition{}, CancelAllTimers{})
	c.Stage = StageEnding
	s.m.state = c
	s.emit(
		NotifyCallEnded{},
		ScheduleTimer{Timer: TimerSettle, After: s.m.timing.Settle},
	)
}

func (s *step) endCallRequested() {
	switch v := s.m.state.(type) {
	case HandingOff:
		s.emit(CancelAllTimers{})
		s.resume()
	case InCall:
		if v.Stage != StageStarting && v.Stage != StageActive {
			return
		}
		v.Ending = true
		s.emit(EndCall{Call: v.Call})
		s.endPath(v)
	}
}

func (s *step) callEndFinished(id CallID, err error) {
	if c, ok := s.currentCall(id); ok && c.Ending {
		c.Ending = false
		s.m.state = c
	}
	if err != nil {
		s.emit(NotifyNotice{Notice: Notice{
			Kind:   NoticeTransient,
			Reason: "call-end-failed",
			Err:    err,
		}})
	}
}

func (s *step) retry() {
	if _, ok := s.m.state.(Failed); !ok {
		return
	}
	s.m.permissionCached = false
	s.enter(Initializing{})
	s.emit(
		RequestPermission{},
		ScheduleTimer{Timer: TimerTryAgain, After: s.m.timing.PermissionTimeout},
	)
}

func (s *step) shutdown() {
	s.emit(StopRecognition{}, CancelAllTimers{})
	if c, ok := s.m.state.(InCall); ok && !c.Ending &&
		(c.Stage == StageStarting || c.Stage == StageActive) {
		s.emit(EndCall{Call: c.Call})
	}
	s.m.closed = true
}
