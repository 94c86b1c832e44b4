package controller_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/wakecall/internal/controller"
	"github.com/MrWong99/wakecall/internal/detector"
	"github.com/MrWong99/wakecall/internal/observe"
	"github.com/MrWong99/wakecall/internal/resilience"
	"github.com/MrWong99/wakecall/pkg/callsession"
	callmock "github.com/MrWong99/wakecall/pkg/callsession/mock"
	"github.com/MrWong99/wakecall/pkg/recognition"
	recmock "github.com/MrWong99/wakecall/pkg/recognition/mock"
)

// ─── test host ────────────────────────────────────────────────────────────────

type recordingHost struct {
	mu       sync.Mutex
	phases   []detector.Phase
	statuses []callsession.Status
	messages []callsession.Message
	notices  []detector.Notice
	ended    int
}

func (h *recordingHost) PhaseChanged(_, to detector.Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phases = append(h.phases, to)
}

func (h *recordingHost) CallStatusChanged(s callsession.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, s)
}

func (h *recordingHost) Message(m callsession.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

func (h *recordingHost) CallEnded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended++
}

func (h *recordingHost) Notice(n detector.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, n)
}

func (h *recordingHost) endedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

func (h *recordingHost) noticeKinds() []detector.NoticeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]detector.NoticeKind, len(h.notices))
	for i, n := range h.notices {
		out[i] = n.Kind
	}
	return out
}

func (h *recordingHost) hasStatus(s callsession.Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, got := range h.statuses {
		if got == s {
			return true
		}
	}
	return false
}

// ─── harness ──────────────────────────────────────────────────────────────────

func fastTiming() detector.Timing {
	return detector.Timing{
		NoSpeech:          5 * time.Second,
		NoSpeechMobile:    5 * time.Second,
		Restart:           5 * time.Millisecond,
		ErrorRestart:      5 * time.Millisecond,
		Handoff:           5 * time.Millisecond,
		CallStart:         2 * time.Second,
		Cooldown:          5 * time.Millisecond,
		Settle:            5 * time.Millisecond,
		Resume:            5 * time.Millisecond,
		PermissionTimeout: 2 * time.Second,
	}
}

type harness struct {
	c    *controller.Controller
	rec  *recmock.Recognizer
	call *callmock.Session
	host *recordingHost

	// backend replaces call as the controller's session when set.
	backend callsession.Session
}

func newHarness(t *testing.T, timing detector.Timing, opts ...controller.Option) *harness {
	t.Helper()
	h := &harness{
		rec:  &recmock.Recognizer{},
		call: &callmock.Session{},
		host: &recordingHost{},
	}
	return h.start(t, timing, opts...)
}

func (h *harness) start(t *testing.T, timing detector.Timing, opts ...controller.Option) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	n := 0
	ids := func() detector.CallID {
		n++
		return detector.CallID(fmt.Sprintf("call-%d", n))
	}
	opts = append([]controller.Option{controller.WithMetrics(met), controller.WithCallIDs(ids)}, opts...)
	var backend callsession.Session = h.call
	if h.backend != nil {
		backend = h.backend
	}
	h.c = controller.New(controller.Config{
		Timing:          timing,
		Recognition:     recognition.Config{Language: "en-US", InterimResults: true},
		EndCallTimeout:  time.Second,
		ShutdownTimeout: time.Second,
	}, h.rec, backend, h.host, opts...)

	go func() { _ = h.c.Run(t.Context()) }()
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitPhase(t *testing.T, p detector.Phase) {
	t.Helper()
	waitFor(t, "phase "+string(p), func() bool { return h.c.Snapshot().Phase == p })
}

// listening waits for session n to be opened and marks it started.
func (h *harness) listening(t *testing.T, n int) recmock.OpenCall {
	t.Helper()
	waitFor(t, fmt.Sprintf("recognition session %d", n), func() bool { return h.rec.Count() >= n })
	s := h.rec.Opened()[n-1]
	s.Handler.OnStart()
	waitFor(t, "isListening", func() bool { return h.c.Snapshot().Flags.Listening })
	return s
}

// active drives the controller into an active call.
func (h *harness) active(t *testing.T) {
	t.Helper()
	s := h.listening(t, 1)
	s.Handler.OnResult([]string{"hey", "anna"})
	waitFor(t, "active call", func() bool {
		snap := h.c.Snapshot()
		return snap.Stage == detector.StageActive
	})
}

// settle gives the loop time to process anything still in flight.
func settle() { time.Sleep(40 * time.Millisecond) }

// ─── tests ────────────────────────────────────────────────────────────────────

func TestController_StartsListeningAfterPermission(t *testing.T) {
	h := newHarness(t, fastTiming())
	s := h.listening(t, 1)

	if s.Cfg.Language != "en-US" || !s.Cfg.InterimResults {
		t.Errorf("recognition config = %+v", s.Cfg)
	}
	if !h.c.Snapshot().PermissionCached {
		t.Error("permission should be cached")
	}
	if h.rec.Permissions() != 1 {
		t.Errorf("permission requested %d times, want 1", h.rec.Permissions())
	}
}

func TestController_WakePhraseStartsCallOnce(t *testing.T) {
	h := newHarness(t, fastTiming())
	s := h.listening(t, 1)

	s.Handler.OnResult([]string{"Hey Anna"})
	s.Handler.OnResult([]string{"Hey Anna"})
	waitFor(t, "active call", func() bool { return h.c.Snapshot().Stage == detector.StageActive })

	if !s.Session.Stopped() {
		t.Error("recognition should be stopped before the call")
	}
	settle()
	if got := h.call.Starts(); got != 1 {
		t.Errorf("StartCall invoked %d times, want 1", got)
	}
	if got := h.rec.Count(); got != 1 {
		t.Errorf("recognition reopened during call: %d sessions", got)
	}
	if snap := h.c.Snapshot(); !snap.Flags.Transitioning || snap.Call != "call-1" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestController_CallEndedResumesOnce(t *testing.T) {
	h := newHarness(t, fastTiming())
	h.active(t)

	h.call.Emit(callsession.StatusEnded)
	waitFor(t, "second recognition session", func() bool { return h.rec.Count() == 2 })
	h.waitPhase(t, detector.PhaseListening)

	settle()
	if got := h.rec.Count(); got != 2 {
		t.Errorf("recognition sessions = %d, want exactly 2", got)
	}
	if got := h.host.endedCount(); got != 1 {
		t.Errorf("CallEnded reported %d times, want 1", got)
	}
	if !h.host.hasStatus(callsession.StatusEnded) {
		t.Error("ended status not forwarded to host")
	}
}

func TestController_StaleSessionIgnored(t *testing.T) {
	h := newHarness(t, fastTiming())
	first := h.listening(t, 1)

	first.Handler.OnEnd()
	waitFor(t, "restart", func() bool { return h.rec.Count() == 2 })

	first.Handler.OnStart()
	first.Handler.OnResult([]string{"hey anna"})
	settle()

	snap := h.c.Snapshot()
	if snap.Phase != detector.PhaseListening || snap.Flags.Listening {
		t.Errorf("stale events changed state: %+v", snap)
	}
	if h.call.Starts() != 0 {
		t.Error("stale result started a call")
	}
	if snap.Session != 2 {
		t.Errorf("held session = %d, want 2", snap.Session)
	}
}

func TestController_DoubleEndCall(t *testing.T) {
	h := newHarness(t, fastTiming())
	h.active(t)

	for range 3 {
		if err := h.c.EndCall(); err != nil {
			t.Fatalf("EndCall: %v", err)
		}
	}
	waitFor(t, "end call", func() bool { return h.call.Ends() >= 1 })
	settle()
	if got := h.call.Ends(); got != 1 {
		t.Errorf("remote EndCall invoked %d times, want 1", got)
	}
	h.waitPhase(t, detector.PhaseListening)
}

func TestController_NotAllowedStopsListening(t *testing.T) {
	h := newHarness(t, fastTiming())
	s := h.listening(t, 1)

	s.Handler.OnError(recognition.CodeNotAllowed)
	h.waitPhase(t, detector.PhaseError)
	s.Handler.OnEnd()
	settle()

	if got := h.rec.Count(); got != 1 {
		t.Errorf("recognition restarted after not-allowed: %d sessions", got)
	}
	kinds := h.host.noticeKinds()
	if len(kinds) != 1 || kinds[0] != detector.NoticePermission {
		t.Errorf("notices = %v, want one permission notice", kinds)
	}

	if err := h.c.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.listening(t, 2)
	if h.rec.Permissions() != 2 {
		t.Errorf("permission requested %d times, want 2", h.rec.Permissions())
	}
}

func TestController_PermissionDenied(t *testing.T) {
	h := &harness{
		rec:  &recmock.Recognizer{PermissionErr: fmt.Errorf("mic: %w", recognition.ErrUnsupported)},
		call: &callmock.Session{},
		host: &recordingHost{},
	}
	h.start(t, fastTiming())

	h.waitPhase(t, detector.PhaseError)
	if got := h.c.Snapshot().FailReason; got != detector.FailUnsupported {
		t.Errorf("fail reason = %q, want unsupported", got)
	}
	if h.rec.Count() != 0 {
		t.Error("recognition opened without permission")
	}
}

func TestController_OpenErrorRetries(t *testing.T) {
	h := &harness{
		rec:  &recmock.Recognizer{OpenErr: &recognition.Error{Code: recognition.CodeNetwork}},
		call: &callmock.Session{},
		host: &recordingHost{},
	}
	h.start(t, fastTiming())

	waitFor(t, "repeated open attempts", func() bool { return h.rec.Failures() >= 3 })
	if h.c.Snapshot().Phase != detector.PhaseListening {
		t.Errorf("phase = %s, want listening while retrying", h.c.Snapshot().Phase)
	}

	h.rec.SetOpenErr(nil)
	h.listening(t, 1)
	for _, k := range h.host.noticeKinds() {
		if k != detector.NoticeTransient {
			t.Errorf("notice kind = %q, want transient", k)
		}
	}
}

func TestController_CallStartFailureCoolsDown(t *testing.T) {
	h := &harness{
		rec:  &recmock.Recognizer{},
		call: &callmock.Session{StartErr: errors.New("bridge refused")},
		host: &recordingHost{},
	}
	h.start(t, fastTiming())
	h.listening(t, 1)

	if err := h.c.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "listening resumed", func() bool { return h.rec.Count() == 2 })

	if !h.host.hasStatus(callsession.StatusError) {
		t.Error("error status not surfaced")
	}
	kinds := h.host.noticeKinds()
	if len(kinds) != 1 || kinds[0] != detector.NoticeTransient {
		t.Errorf("notices = %v, want one transient notice", kinds)
	}
	if h.call.Ends() != 0 {
		t.Error("failed start should not be hung up")
	}
}

func TestController_CallStartTimeoutAborts(t *testing.T) {
	timing := fastTiming()
	timing.CallStart = 30 * time.Millisecond
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	h := &harness{
		rec:  &recmock.Recognizer{},
		call: &callmock.Session{StartBlock: block},
		host: &recordingHost{},
	}
	h.start(t, timing)
	h.listening(t, 1)

	_ = h.c.Trigger()
	waitFor(t, "abort", func() bool { return h.call.Ends() == 1 })
	waitFor(t, "listening resumed", func() bool { return h.rec.Count() == 2 })
	if h.c.Snapshot().Phase != detector.PhaseListening {
		t.Errorf("phase = %s, want listening", h.c.Snapshot().Phase)
	}
}

// lateStarter is a bridge whose first start ignores cancellation and only
// returns once release is closed.
type lateStarter struct {
	*callmock.Session
	release chan struct{}
	first   sync.Once
}

func (s *lateStarter) StartCall(ctx context.Context) error {
	late := false
	s.first.Do(func() { late = true })
	if late {
		<-s.release
		return nil
	}
	return s.Session.StartCall(ctx)
}

func TestController_LateStartKeepsNewerCall(t *testing.T) {
	timing := fastTiming()
	timing.CallStart = 30 * time.Millisecond
	bridge := &lateStarter{Session: &callmock.Session{}, release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(bridge.release) }) }
	t.Cleanup(release)

	h := &harness{
		rec:     &recmock.Recognizer{},
		call:    bridge.Session,
		host:    &recordingHost{},
		backend: bridge,
	}
	h.start(t, timing)
	h.listening(t, 1)

	// call-1 hangs and is abandoned.
	_ = h.c.Trigger()
	waitFor(t, "abort of call-1", func() bool { return h.call.Ends() == 1 })
	h.listening(t, 2)

	// call-2 comes up normally.
	_ = h.c.Trigger()
	waitFor(t, "call-2 active", func() bool {
		snap := h.c.Snapshot()
		return snap.Call == "call-2" && snap.Stage == detector.StageActive
	})

	// call-1's start finally returns.
	release()
	settle()
	if got := h.call.Ends(); got != 1 {
		t.Fatalf("EndCall invoked %d times, the live call was hung up", got)
	}
	if snap := h.c.Snapshot(); snap.Call != "call-2" || snap.Stage != detector.StageActive {
		t.Fatalf("snapshot = %+v, want call-2 active", snap)
	}

	// The live call still ends normally.
	_ = h.c.EndCall()
	waitFor(t, "call-2 hung up", func() bool { return h.call.Ends() == 2 })
	waitFor(t, "listening resumed", func() bool { return h.rec.Count() == 3 })
}

func TestController_StartTimeoutTripsBreaker(t *testing.T) {
	timing := fastTiming()
	timing.CallStart = 20 * time.Millisecond
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "call",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	h := &harness{
		rec:  &recmock.Recognizer{},
		call: &callmock.Session{StartBlock: block},
		host: &recordingHost{},
	}
	h.start(t, timing, controller.WithCircuitBreaker(cb))
	h.listening(t, 1)

	_ = h.c.Trigger()
	waitFor(t, "breaker open", func() bool { return cb.State() == resilience.StateOpen })
	h.listening(t, 2)

	_ = h.c.Trigger()
	h.listening(t, 3)
	if got := h.call.Starts(); got != 1 {
		t.Errorf("StartCall invoked %d times, want 1 (second rejected)", got)
	}
}

func TestController_CircuitBreakerRejectsStarts(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "call",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	h := &harness{
		rec:  &recmock.Recognizer{},
		call: &callmock.Session{StartErr: errors.New("down")},
		host: &recordingHost{},
	}
	h.start(t, fastTiming(), controller.WithCircuitBreaker(cb))

	h.listening(t, 1)
	_ = h.c.Trigger()
	h.listening(t, 2)
	_ = h.c.Trigger()
	h.listening(t, 3)

	if got := h.call.Starts(); got != 1 {
		t.Errorf("StartCall invoked %d times, want 1 (second rejected)", got)
	}
	if cb.State() != resilience.StateOpen {
		t.Errorf("breaker state = %v, want open", cb.State())
	}
}

func TestController_EndCallDuringHandoff(t *testing.T) {
	timing := fastTiming()
	timing.Handoff = 200 * time.Millisecond
	h := newHarness(t, timing)
	h.listening(t, 1)

	_ = h.c.Trigger()
	h.waitPhase(t, detector.PhaseDetected)
	_ = h.c.EndCall()
	waitFor(t, "listening resumed", func() bool { return h.rec.Count() == 2 })

	time.Sleep(250 * time.Millisecond)
	if h.call.Starts() != 0 {
		t.Error("cancelled handoff still started a call")
	}
}

func TestController_ForwardsMessages(t *testing.T) {
	h := newHarness(t, fastTiming())
	h.active(t)

	h.call.Say(callsession.Message{Role: callsession.RoleAssistant, Text: "How can I help?", Final: true})
	waitFor(t, "message", func() bool {
		h.host.mu.Lock()
		defer h.host.mu.Unlock()
		return len(h.host.messages) == 1
	})
	h.host.mu.Lock()
	got := h.host.messages[0]
	h.host.mu.Unlock()
	if got.Text != "How can I help?" || got.Role != callsession.RoleAssistant {
		t.Errorf("message = %+v", got)
	}
}

func TestController_CloseEndsLiveCall(t *testing.T) {
	h := newHarness(t, fastTiming())
	h.active(t)

	if err := h.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-h.c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if got := h.call.Ends(); got != 1 {
		t.Errorf("EndCall invoked %d times on shutdown, want 1", got)
	}
	if err := h.c.Trigger(); !errors.Is(err, controller.ErrClosed) {
		t.Errorf("Trigger after Close = %v, want ErrClosed", err)
	}
}

func TestController_SetMatcher(t *testing.T) {
	h := newHarness(t, fastTiming())
	s := h.listening(t, 1)

	if err := h.c.SetMatcher(func(text string) bool { return text == "computer" }); err != nil {
		t.Fatalf("SetMatcher: %v", err)
	}
	s.Handler.OnResult([]string{"hey anna"})
	settle()
	if h.c.Snapshot().Phase != detector.PhaseListening {
		t.Fatal("old wake phrase still matched")
	}
	s.Handler.OnResult([]string{"Computer"})
	h.waitPhase(t, detector.PhaseCalling)
}

func TestController_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, fastTiming(), controller.WithMetrics(met))
	h.active(t)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := map[string]bool{
		"wakecall.wake.detections":      false,
		"wakecall.recognition.sessions": false,
		"wakecall.call.starts":          false,
		"wakecall.phase.transitions":    false,
		"wakecall.active_calls":         false,
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if _, ok := want[m.Name]; ok {
				want[m.Name] = true
			}
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %q not recorded", name)
		}
	}
}
