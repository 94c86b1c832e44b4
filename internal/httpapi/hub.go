package httpapi

import (
	"slices"
	"sync"

	"github.com/MrWong99/wakecall/internal/controller"
	"github.com/MrWong99/wakecall/internal/detector"
	"github.com/MrWong99/wakecall/pkg/callsession"
)

// DefaultMaxMessages is the transcript capacity of a [Hub] created with a
// non-positive limit.
const DefaultMaxMessages = 500

// Compile-time interface assertion.
var _ controller.Host = (*Hub)(nil)

// NoticeView is the JSON form of a [detector.Notice].
type NoticeView struct {
	Kind      detector.NoticeKind `json:"kind"`
	Reason    string              `json:"reason"`
	Error     string              `json:"error,omitempty"`
	Retryable bool                `json:"retryable"`
}

// Hub is a [controller.Host] that keeps what the HTTP surface reports: the
// transcript of the current (or last) call, its latest status and the latest
// notice. It is safe for concurrent use.
type Hub struct {
	max int

	mu       sync.Mutex
	messages []callsession.Message
	status   callsession.Status
	notice   *NoticeView
	calls    int
}

// NewHub creates a hub that keeps at most maxMessages transcript entries,
// dropping the oldest first.
func NewHub(maxMessages int) *Hub {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Hub{max: maxMessages}
}

// PhaseChanged starts a fresh transcript on every handoff and clears the
// notice once listening is back.
func (h *Hub) PhaseChanged(_, to detector.Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch to {
	case detector.PhaseDetected:
		h.messages = nil
		h.status = ""
		h.calls++
	case detector.PhaseListening:
		h.notice = nil
	}
}

func (h *Hub) CallStatusChanged(status callsession.Status) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

func (h *Hub) Message(msg callsession.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	if n := len(h.messages) - h.max; n > 0 {
		h.messages = slices.Delete(h.messages, 0, n)
	}
}

func (h *Hub) CallEnded() {}

func (h *Hub) Notice(n detector.Notice) {
	v := &NoticeView{Kind: n.Kind, Reason: n.Reason, Retryable: n.Retryable}
	if n.Err != nil {
		v.Error = n.Err.Error()
	}
	h.mu.Lock()
	h.notice = v
	h.mu.Unlock()
}

// Messages returns a copy of the transcript.
func (h *Hub) Messages() []callsession.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.messages)
}

// CallStatus returns the last status reported by the current or last call.
func (h *Hub) CallStatus() callsession.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// LastNotice returns the latest notice, or nil once it was cleared.
func (h *Hub) LastNotice() *NoticeView {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.notice == nil {
		return nil
	}
	n := *h.notice
	return &n
}

// Calls returns the number of handoffs seen so far.
func (h *Hub) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
