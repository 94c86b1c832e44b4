package controller

import (
	"github.com/MrWong99/wakecall/internal/detector"
	"github.com/MrWong99/wakecall/pkg/callsession"
)

// Host is the hosting application's view of the controller. All methods are
// called from the controller's event loop, in order, and must not block.
type Host interface {
	// PhaseChanged reports every phase change.
	PhaseChanged(from, to detector.Phase)

	// CallStatusChanged forwards each status the current call reports, plus
	// an [callsession.StatusError] when a start fails.
	CallStatusChanged(status callsession.Status)

	// Message forwards the current call's transcript and response log.
	Message(msg callsession.Message)

	// CallEnded reports that the call is over and listening will resume.
	CallEnded()

	// Notice surfaces a user-visible error.
	Notice(n detector.Notice)
}

// NopHost is a [Host] that ignores everything.
type NopHost struct{}

func (NopHost) PhaseChanged(detector.Phase, detector.Phase) {}
func (NopHost) CallStatusChanged(callsession.Status)        {}
func (NopHost) Message(callsession.Message)                 {}
func (NopHost) CallEnded()                                  {}
func (NopHost) Notice(detector.Notice)                      {}

// MultiHost fans every call out to each host in order.
type MultiHost []Host

func (m MultiHost) PhaseChanged(from, to detector.Phase) {
	for _, h := range m {
		h.PhaseChanged(from, to)
	}
}

func (m MultiHost) CallStatusChanged(status callsession.Status) {
	for _, h := range m {
		h.CallStatusChanged(status)
	}
}

func (m MultiHost) Message(msg callsession.Message) {
	for _, h := range m {
		h.Message(msg)
	}
}

func (m MultiHost) CallEnded() {
	for _, h := range m {
		h.CallEnded()
	}
}

func (m MultiHost) Notice(n detector.Notice) {
	for _, h := range m {
		h.Notice(n)
	}
}

var (
	_ Host = NopHost{}
	_ Host = MultiHost(nil)
)
