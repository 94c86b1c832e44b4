// Package mock provides a test double for the callsession.Session interface.
//
// Session records every StartCall and EndCall invocation and lets tests push
// status changes and messages to the registered observer as if they came
// from a remote backend.
//
// Example:
//
//	sess := &mock.Session{}
//	sess.SetObserver(obs)
//	_ = sess.StartCall(ctx)
//	sess.Emit(callsession.StatusEnded)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/wakecall/pkg/callsession"
)

// Session is a mock implementation of callsession.Session.
type Session struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from StartCall.
	StartErr error

	// EndErr, if non-nil, is returned from EndCall.
	EndErr error

	// StartBlock, if non-nil, makes StartCall wait until the channel is closed
	// or ctx is done. A cancelled wait returns ctx.Err().
	StartBlock chan struct{}

	// StartCalls counts calls to StartCall.
	StartCalls int

	// EndCalls counts calls to EndCall.
	EndCalls int

	observer callsession.Observer
}

// StartCall records the call, optionally blocks on StartBlock, and returns
// StartErr.
func (s *Session) StartCall(ctx context.Context) error {
	s.mu.Lock()
	s.StartCalls++
	block := s.StartBlock
	err := s.StartErr
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// EndCall records the call and returns EndErr.
func (s *Session) EndCall(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndCalls++
	return s.EndErr
}

// SetObserver stores o.
func (s *Session) SetObserver(o callsession.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Emit delivers status to the registered observer, if any.
func (s *Session) Emit(status callsession.Status) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.StatusChanged(status)
	}
}

// Say delivers msg to the registered observer, if any.
func (s *Session) Say(msg callsession.Message) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.Message(msg)
	}
}

// Starts returns the number of StartCall invocations. Thread-safe.
func (s *Session) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCalls
}

// Ends returns the number of EndCall invocations. Thread-safe.
func (s *Session) Ends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndCalls
}

// Ensure Session implements callsession.Session at compile time.
var _ callsession.Session = (*Session)(nil)
