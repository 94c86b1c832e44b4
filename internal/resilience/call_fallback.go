package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/wakecall/pkg/callsession"
)

// CallFallback implements [callsession.Session] with failover across several
// call backends. Each backend has its own circuit breaker. A call stays on the
// backend that accepted it until it is ended.
type CallFallback struct {
	group *FallbackGroup[callsession.Session]

	mu     sync.Mutex
	active callsession.Session
}

// Compile-time interface assertion.
var _ callsession.Session = (*CallFallback)(nil)

// NewCallFallback creates a [CallFallback] with primary as the preferred backend.
func NewCallFallback(primary callsession.Session, primaryName string, cfg FallbackConfig) *CallFallback {
	return &CallFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional call backend. It must not be called
// once the session is in use.
func (f *CallFallback) AddFallback(name string, s callsession.Session) {
	f.group.AddFallback(name, s)
}

// SetObserver registers o with every backend. Only the backend carrying the
// current call reports anything. A terminal status releases the call.
func (f *CallFallback) SetObserver(o callsession.Observer) {
	for _, s := range f.group.Values() {
		if o == nil {
			s.SetObserver(nil)
			continue
		}
		s.SetObserver(backendObserver{f: f, s: s, next: o})
	}
}

// backendObserver forwards one backend's events.
type backendObserver struct {
	f    *CallFallback
	s    callsession.Session
	next callsession.Observer
}

func (b backendObserver) StatusChanged(status callsession.Status) {
	if status.IsTerminal() {
		b.f.mu.Lock()
		if b.f.active == b.s {
			b.f.active = nil
		}
		b.f.mu.Unlock()
	}
	b.next.StatusChanged(status)
}

func (b backendObserver) Message(msg callsession.Message) {
	b.next.Message(msg)
}

// StartCall places the call on the first healthy backend that accepts it.
func (f *CallFallback) StartCall(ctx context.Context) error {
	f.mu.Lock()
	busy := f.active != nil
	f.mu.Unlock()
	if busy {
		return callsession.ErrCallInProgress
	}

	s, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, s callsession.Session) (callsession.Session, error) {
		return s, s.StartCall(ctx)
	})
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.active = s
	f.mu.Unlock()
	return nil
}

// EndCall hangs up on the backend that accepted the call. Without a call it
// does nothing.
func (f *CallFallback) EndCall(ctx context.Context) error {
	f.mu.Lock()
	s := f.active
	f.active = nil
	f.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.EndCall(ctx)
}
