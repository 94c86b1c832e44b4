// Package mock provides test doubles for the recognition package interfaces.
//
// Use Recognizer to verify that the caller opens sessions with the expected
// Config and to drive the registered handlers by hand. Every opened session is
// recorded together with its Handler so tests can emit start, result, error
// and end events for any session, including ones the caller already stopped.
//
// Example:
//
//	r := &mock.Recognizer{}
//	sess, _ := r.Open(ctx, cfg, handler)
//	r.Last().Handler.OnStart()
//	r.Last().Handler.OnResult([]string{"hey anna"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/wakecall/pkg/recognition"
)

// OpenCall records a single invocation of Recognizer.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg recognition.Config
	// Handler is the handler registered for the session.
	Handler recognition.Handler
	// Session is the session returned to the caller.
	Session *Session
}

// Recognizer is a mock implementation of recognition.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// PermissionErr, if non-nil, is returned from RequestPermission.
	PermissionErr error

	// OpenErr, if non-nil, is returned from Open. No session is recorded.
	OpenErr error

	// OnOpen, if set, is called with every successfully opened session after
	// it has been recorded. It runs on the caller's goroutine.
	OnOpen func(call OpenCall)

	// PermissionCalls counts calls to RequestPermission.
	PermissionCalls int

	// OpenCalls records every successful call to Open.
	OpenCalls []OpenCall

	// FailedOpens counts calls to Open that returned OpenErr.
	FailedOpens int
}

// RequestPermission records the call and returns PermissionErr.
func (r *Recognizer) RequestPermission(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PermissionCalls++
	return r.PermissionErr
}

// Open records the call and returns a new Session, or OpenErr.
func (r *Recognizer) Open(ctx context.Context, cfg recognition.Config, h recognition.Handler) (recognition.Session, error) {
	r.mu.Lock()
	if r.OpenErr != nil {
		r.FailedOpens++
		err := r.OpenErr
		r.mu.Unlock()
		return nil, err
	}
	call := OpenCall{Ctx: ctx, Cfg: cfg, Handler: h, Session: &Session{}}
	r.OpenCalls = append(r.OpenCalls, call)
	hook := r.OnOpen
	r.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return call.Session, nil
}

// SetOpenErr replaces OpenErr. Thread-safe.
func (r *Recognizer) SetOpenErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OpenErr = err
}

// SetPermissionErr replaces PermissionErr. Thread-safe.
func (r *Recognizer) SetPermissionErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PermissionErr = err
}

// Failures returns the number of Open calls that returned OpenErr.
// Thread-safe.
func (r *Recognizer) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.FailedOpens
}

// Permissions returns the number of RequestPermission calls. Thread-safe.
func (r *Recognizer) Permissions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PermissionCalls
}

// Opened returns a copy of the recorded Open calls. Thread-safe.
func (r *Recognizer) Opened() []OpenCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OpenCall, len(r.OpenCalls))
	copy(out, r.OpenCalls)
	return out
}

// Count returns the number of sessions opened so far. Thread-safe.
func (r *Recognizer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.OpenCalls)
}

// Last returns the most recently opened session. It panics when no session
// has been opened.
func (r *Recognizer) Last() OpenCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.OpenCalls[len(r.OpenCalls)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OpenCalls = nil
	r.PermissionCalls = 0
	r.FailedOpens = 0
}

// Ensure Recognizer implements recognition.Recognizer at compile time.
var _ recognition.Recognizer = (*Recognizer)(nil)

// Session is a mock implementation of recognition.Session.
type Session struct {
	mu sync.Mutex

	// StopCalls counts calls to Stop.
	StopCalls int
}

// Stop records the call.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
}

// Stopped reports whether Stop was called at least once. Thread-safe.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCalls > 0
}

// Ensure Session implements recognition.Session at compile time.
var _ recognition.Session = (*Session)(nil)
