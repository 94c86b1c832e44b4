package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/wakecall/pkg/callsession"
	callmock "github.com/MrWong99/wakecall/pkg/callsession/mock"
)

type statusLog struct {
	mu       sync.Mutex
	statuses []callsession.Status
	messages []string
}

func (l *statusLog) StatusChanged(s callsession.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) Message(m callsession.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, m.Text)
}

func newCallFallback() (*CallFallback, *callmock.Session, *callmock.Session) {
	primary, backup := &callmock.Session{}, &callmock.Session{}
	f := NewCallFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)
	return f, primary, backup
}

func TestCallFallback_FailsOverAndEndsOnAcceptingBackend(t *testing.T) {
	f, primary, backup := newCallFallback()
	primary.StartErr = errTest

	if err := f.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if primary.Starts() != 1 || backup.Starts() != 1 {
		t.Errorf("starts = %d/%d, want 1/1", primary.Starts(), backup.Starts())
	}

	if err := f.StartCall(context.Background()); !errors.Is(err, callsession.ErrCallInProgress) {
		t.Errorf("second StartCall = %v, want ErrCallInProgress", err)
	}

	if err := f.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if primary.Ends() != 0 || backup.Ends() != 1 {
		t.Errorf("ends = %d/%d, want 0/1", primary.Ends(), backup.Ends())
	}

	// Ending again is a no-op.
	if err := f.EndCall(context.Background()); err != nil {
		t.Errorf("repeated EndCall: %v", err)
	}
	if backup.Ends() != 1 {
		t.Errorf("backup ends = %d, want 1", backup.Ends())
	}
}

func TestCallFallback_AllFail(t *testing.T) {
	f, primary, backup := newCallFallback()
	primary.StartErr = errTest
	backup.StartErr = errTest

	if err := f.StartCall(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("StartCall = %v, want ErrAllFailed", err)
	}
	// No call is held after a failed start.
	backup.StartErr = nil
	if err := f.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall after recovery: %v", err)
	}
}

func TestCallFallback_CancelledStartDoesNotFailOver(t *testing.T) {
	f, primary, backup := newCallFallback()
	primary.StartBlock = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.StartCall(ctx) }()
	for primary.Starts() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("StartCall = %v, want context.Canceled", err)
	}
	if backup.Starts() != 0 {
		t.Errorf("backup tried after cancellation")
	}
}

func TestCallFallback_ObserverReleasesOnTerminalStatus(t *testing.T) {
	f, primary, backup := newCallFallback()
	log := &statusLog{}
	f.SetObserver(log)

	if err := f.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	primary.Emit(callsession.StatusOngoing)
	primary.Say(callsession.Message{Role: callsession.RoleAssistant, Text: "hi"})
	primary.Emit(callsession.StatusEnded)

	log.mu.Lock()
	if len(log.statuses) != 2 || log.statuses[1] != callsession.StatusEnded {
		t.Errorf("statuses = %v", log.statuses)
	}
	if len(log.messages) != 1 || log.messages[0] != "hi" {
		t.Errorf("messages = %v", log.messages)
	}
	log.mu.Unlock()

	// The remote hang-up released the call.
	if err := f.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall after remote end: %v", err)
	}
	if primary.Starts() != 2 || backup.Starts() != 0 {
		t.Errorf("starts = %d/%d, want 2/0", primary.Starts(), backup.Starts())
	}

	f.SetObserver(nil)
	primary.Emit(callsession.StatusEnded)
	if len(log.statuses) != 2 {
		t.Error("cleared observer still receives events")
	}
}
