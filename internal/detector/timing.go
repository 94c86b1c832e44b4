package detector

import "time"

// ClientClass selects the no-speech timeout.
type ClientClass string

const (
	ClientDesktop ClientClass = "desktop"
	ClientMobile  ClientClass = "mobile"
)

// TimerKind names one of the controller's timers. Each kind has at most one
// outstanding handle.
type TimerKind string

const (
	TimerNoSpeech  TimerKind = "no-speech"
	TimerRestart   TimerKind = "restart"
	TimerHandoff   TimerKind = "handoff"
	TimerCallStart TimerKind = "call-start"
	TimerCooldown  TimerKind = "cooldown"
	TimerSettle    TimerKind = "settle"
	TimerTryAgain  TimerKind = "try-again"
)

// Timing holds every delay the machine schedules.
type Timing struct {
	NoSpeech          time.Duration
	NoSpeechMobile    time.Duration
	Restart           time.Duration
	ErrorRestart      time.Duration
	Handoff           time.Duration
	CallStart         time.Duration
	Cooldown          time.Duration
	Settle            time.Duration
	Resume            time.Duration
	PermissionTimeout time.Duration
	Client            ClientClass
}

// DefaultTiming returns the production delays.
func DefaultTiming() Timing {
	return Timing{
		NoSpeech:          10 * time.Second,
		NoSpeechMobile:    6 * time.Second,
		Restart:           300 * time.Millisecond,
		ErrorRestart:      time.Second,
		Handoff:           500 * time.Millisecond,
		CallStart:         15 * time.Second,
		Cooldown:          2 * time.Second,
		Settle:            time.Second,
		Resume:            500 * time.Millisecond,
		PermissionTimeout: 5 * time.Second,
		Client:            ClientDesktop,
	}
}

// WithDefaults returns t with every zero field replaced by its default.
func (t Timing) WithDefaults() Timing {
	d := DefaultTiming()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.NoSpeech, d.NoSpeech)
	fill(&t.NoSpeechMobile, d.NoSpeechMobile)
	fill(&t.Restart, d.Restart)
	fill(&t.ErrorRestart, d.ErrorRestart)
	fill(&t.Handoff, d.Handoff)
	fill(&t.CallStart, d.CallStart)
	fill(&t.Cooldown, d.Cooldown)
	fill(&t.Settle, d.Settle)
	fill(&t.Resume, d.Resume)
	fill(&t.PermissionTimeout, d.PermissionTimeout)
	if t.Client == "" {
		t.Client = d.Client
	}
	return t
}

// NoSpeechTimeout returns the no-speech timeout for the configured client
// class.
func (t Timing) NoSpeechTimeout() time.Duration {
	if t.Client == ClientMobile {
		return t.NoSpeechMobile
	}
	return t.NoSpeech
}
