// Package controller runs the wake-word state machine against real
// recognition and call backends.
//
// A [Controller] owns a single event-loop goroutine ([Controller.Run]). Every
// mutation of the machine, the recognition handle, the timer handles and the
// call bookkeeping happens on that goroutine. Recognition handlers, timers,
// call goroutines and host requests never touch state directly; they post
// closures into the loop's inbox. Effects returned by the machine are carried
// out in order on the loop, and anything that may block (permission prompts,
// call start and end) runs in its own goroutine and reports back as an event.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/wakecall/internal/detector"
	"github.com/MrWong99/wakecall/internal/observe"
	"github.com/MrWong99/wakecall/internal/resilience"
	"github.com/MrWong99/wakecall/pkg/callsession"
	"github.com/MrWong99/wakecall/pkg/recognition"
)

var (
	// ErrClosed is returned by host operations after the controller shut down.
	ErrClosed = errors.New("controller: closed")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("controller: already running")
)

// Config configures a [Controller].
type Config struct {
	// Timing holds the machine's delays. Zero fields take their defaults.
	Timing detector.Timing

	// Recognition is passed to every [recognition.Recognizer.Open].
	Recognition recognition.Config

	// EndCallTimeout bounds each remote end-call request. Default: 10s.
	EndCallTimeout time.Duration

	// ShutdownTimeout bounds how long Close waits for in-flight call
	// operations. Default: 5s.
	ShutdownTimeout time.Duration
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithMatcher sets the wake-phrase predicate.
func WithMatcher(match func(string) bool) Option {
	return func(c *Controller) { c.machineOpts = append(c.machineOpts, detector.WithMatcher(match)) }
}

// WithCallIDs sets the call id generator.
func WithCallIDs(next func() detector.CallID) Option {
	return func(c *Controller) { c.machineOpts = append(c.machineOpts, detector.WithCallIDs(next)) }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithCircuitBreaker guards call starts with cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Controller) { c.breaker = cb }
}

// Controller is the runtime for a [detector.Machine].
type Controller struct {
	cfg         Config
	rec         recognition.Recognizer
	call        callsession.Session
	host        Host
	metrics     *observe.Metrics
	breaker     *resilience.CircuitBreaker
	machineOpts []detector.Option

	inbox     chan func()
	closing   chan struct{}
	stopped   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	wg        sync.WaitGroup

	mu           sync.Mutex
	snap         detector.Snapshot
	observedCall detector.CallID

	// Everything below is owned by the loop goroutine.
	ctx           context.Context
	machine       *detector.Machine
	session       recognition.Session
	timers        map[detector.TimerKind]*timerHandle
	timerGen      uint64
	deferred      []detector.Event
	startingCall  detector.CallID
	startCancel   context.CancelCauseFunc
	detectedAt    time.Time
	activeCall    detector.CallID
	callStartedAt time.Time
}

type timerHandle struct {
	t   *time.Timer
	gen uint64
}

// New creates a controller. It does nothing until [Controller.Run] is called.
// A nil host is replaced with [NopHost].
func New(cfg Config, rec recognition.Recognizer, call callsession.Session, host Host, opts ...Option) *Controller {
	if cfg.EndCallTimeout <= 0 {
		cfg.EndCallTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if host == nil {
		host = NopHost{}
	}
	c := &Controller{
		cfg:     cfg,
		rec:     rec,
		call:    call,
		host:    host,
		inbox:   make(chan func(), 64),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		timers:  make(map[detector.TimerKind]*timerHandle),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.machine = detector.New(cfg.Timing, c.machineOpts...)
	c.snap = c.machine.Snapshot()
	return c
}

// Run processes events until ctx is cancelled or [Controller.Close] is
// called. On return every timer is stopped, recognition is stopped and any
// live call has been asked to end.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	c.call.SetObserver(callObserver{c})
	slog.Info("controller started", "no_speech", c.machine.Timing().NoSpeechTimeout())
	c.apply(c.machine.Boot())
	c.drain()
	c.publish()

	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-ctx.Done():
			c.shutdown(cancel)
			return nil
		case <-c.closing:
			c.shutdown(cancel)
			return nil
		}
	}
}

// Close stops the controller and waits for Run to return. It is safe to call
// more than once and before Run.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	if c.running.Load() {
		<-c.done
	}
	return nil
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Trigger starts a call without the wake phrase. It is a no-op outside
// [detector.PhaseListening].
func (c *Controller) Trigger() error {
	return c.send(detector.ManualTrigger{})
}

// EndCall hangs up the current call, or cancels a pending handoff. Repeated
// requests are no-ops.
func (c *Controller) EndCall() error {
	return c.send(detector.EndCallRequested{})
}

// Retry leaves [detector.PhaseError] and requests permission again.
func (c *Controller) Retry() error {
	return c.send(detector.RetryRequested{})
}

// SetMatcher replaces the wake-phrase predicate.
func (c *Controller) SetMatcher(match func(string) bool) error {
	if !c.post(func() { c.machine.SetMatcher(match) }) {
		return ErrClosed
	}
	return nil
}

// Snapshot returns the state as of the last processed event.
func (c *Controller) Snapshot() detector.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *Controller) send(ev detector.Event) error {
	if !c.post(func() { c.dispatch(ev) }) {
		return ErrClosed
	}
	return nil
}

// post queues fn for the loop. It reports false once the controller stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// dispatch steps the machine with ev and any events its effects produce
// synchronously, then publishes the new snapshot.
func (c *Controller) dispatch(ev detector.Event) {
	c.apply(c.machine.Step(ev))
	c.drain()
	c.publish()
}

func (c *Controller) drain() {
	for len(c.deferred) > 0 {
		ev := c.deferred[0]
		c.deferred = c.deferred[1:]
		c.apply(c.machine.Step(ev))
	}
}

func (c *Controller) publish() {
	snap := c.machine.Snapshot()
	if snap.Stage == detector.StageActive && snap.Call != c.activeCall {
		c.callFinished()
		c.activeCall = snap.Call
		c.callStartedAt = time.Now()
		c.metrics.ActiveCalls.Add(c.ctx, 1)
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

func (c *Controller) callFinished() {
	if c.activeCall == "" {
		return
	}
	c.metrics.ActiveCalls.Add(c.ctx, -1)
	c.metrics.CallDuration.Record(c.ctx, time.Since(c.callStartedAt).Seconds())
	c.activeCall = ""
}

func (c *Controller) apply(effects []detector.Effect) {
	for _, fx := range effects {
		switch e := fx.(type) {
		case detector.RequestPermission:
			c.requestPermission()
		case detector.StartRecognition:
			c.startRecognition(e.Session)
		case detector.StopRecognition:
			c.stopRecognition()
		case detector.ScheduleTimer:
			c.schedule(e.Timer, e.After)
		case detector.CancelTimer:
			c.cancelTimer(e.Timer)
		case detector.CancelAllTimers:
			for kind := range c.timers {
				c.cancelTimer(kind)
			}
		case detector.StartCall:
			c.startCall(e.Call)
		case detector.EndCall:
			c.endCall(e.Call, e.Cause)
		case detector.NotifyPhase:
			slog.Info("phase changed", "from", e.From, "to", e.To)
			c.metrics.RecordPhaseTransition(c.ctx, string(e.From), string(e.To))
			c.host.PhaseChanged(e.From, e.To)
		case detector.NotifyStatus:
			slog.Debug("call status", "status", e.Status)
			c.host.CallStatusChanged(e.Status)
		case detector.NotifyMessage:
			c.host.Message(e.Message)
		case detector.NotifyCallEnded:
			c.callFinished()
			slog.Info("call ended")
			c.host.CallEnded()
		case detector.NotifyNotice:
			slog.Warn("controller notice",
				"kind", e.Notice.Kind,
				"reason", e.Notice.Reason,
				"retryable", e.Notice.Retryable,
				"err", e.Notice.Err)
			c.host.Notice(e.Notice)
		case detector.NotifyDetection:
			c.detectedAt = time.Now()
			c.metrics.RecordDetection(c.ctx, string(e.Trigger))
			slog.Info("wake detected", "trigger", e.Trigger, "transcript", e.Transcript)
		}
	}
}

// ─── permission ───────────────────────────────────────────────────────────────

func (c *Controller) requestPermission() {
	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.rec.RequestPermission(ctx)
		c.post(func() {
			if err == nil {
				c.dispatch(detector.PermissionGranted{})
				return
			}
			reason := detector.FailPermissionDenied
			if errors.Is(err, recognition.ErrUnsupported) {
				reason = detector.FailUnsupported
			}
			c.dispatch(detector.PermissionDenied{Reason: reason, Err: err})
		})
	}()
}

// ─── recognition ──────────────────────────────────────────────────────────────

// startRecognition replaces the held session with a new one stamped tok.
func (c *Controller) startRecognition(tok detector.Token) {
	c.stopRecognition()
	sess, err := c.rec.Open(c.ctx, c.cfg.Recognition, &sessionHandler{c: c, token: tok})
	if err != nil {
		code := recognition.CodeOf(err)
		slog.Warn("recognition open failed", "token", tok, "code", code, "err", err)
		c.metrics.RecordRecognitionError(c.ctx, string(code))
		c.deferred = append(c.deferred, detector.RecognitionError{Session: tok, Code: code})
		return
	}
	c.session = sess
	c.metrics.RecognitionSessions.Add(c.ctx, 1)
	slog.Debug("recognition session opened", "token", tok)
}

func (c *Controller) stopRecognition() {
	if c.session == nil {
		return
	}
	c.session.Stop()
	c.session = nil
}

// sessionHandler stamps every event of one recognition session with its
// token and posts it to the loop.
type sessionHandler struct {
	c     *Controller
	token detector.Token
}

func (h *sessionHandler) OnStart() {
	h.c.post(func() { h.c.dispatch(detector.RecognitionStarted{Session: h.token}) })
}

func (h *sessionHandler) OnResult(transcripts []string) {
	ts := append([]string(nil), transcripts...)
	h.c.post(func() { h.c.dispatch(detector.RecognitionResult{Session: h.token, Transcripts: ts}) })
}

func (h *sessionHandler) OnError(code recognition.ErrorCode) {
	h.c.post(func() {
		slog.Debug("recognition error", "token", h.token, "code", code)
		h.c.metrics.RecordRecognitionError(h.c.ctx, string(code))
		h.c.dispatch(detector.RecognitionError{Session: h.token, Code: code})
	})
}

func (h *sessionHandler) OnEnd() {
	h.c.post(func() { h.c.dispatch(detector.RecognitionEnded{Session: h.token}) })
}

// ─── timers ───────────────────────────────────────────────────────────────────

// schedule arms kind, replacing any previous handle. A handle that was
// replaced or cancelled after its callback was already queued is recognised
// by its generation and dropped.
func (c *Controller) schedule(kind detector.TimerKind, after time.Duration) {
	c.cancelTimer(kind)
	c.timerGen++
	gen := c.timerGen
	c.timers[kind] = &timerHandle{
		gen: gen,
		t: time.AfterFunc(after, func() {
			c.post(func() {
				if h, ok := c.timers[kind]; !ok || h.gen != gen {
					return
				}
				delete(c.timers, kind)
				c.dispatch(detector.TimerFired{Timer: kind})
			})
		}),
	}
}

func (c *Controller) cancelTimer(kind detector.TimerKind) {
	if h, ok := c.timers[kind]; ok {
		h.t.Stop()
		delete(c.timers, kind)
	}
}

// ─── calls ────────────────────────────────────────────────────────────────────

func (c *Controller) startCall(id detector.CallID) {
	if c.startCancel != nil {
		c.startCancel(nil)
	}
	ctx, cancel := context.WithCancelCause(c.ctx)
	c.startingCall, c.startCancel = id, cancel
	c.mu.Lock()
	c.observedCall = id
	c.mu.Unlock()

	detectedAt := c.detectedAt
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel(nil)
		ctx, span := observe.StartSpan(ctx, "call.start",
			trace.WithAttributes(attribute.String("call.id", string(id))))
		var err error
		if c.breaker != nil {
			err = c.breaker.Execute(ctx, c.call.StartCall)
		} else {
			err = c.call.StartCall(ctx)
		}
		observe.EndSpan(span, err)

		c.post(func() {
			if c.startingCall == id {
				c.startingCall, c.startCancel = "", nil
			}
			switch {
			case err == nil:
				c.metrics.RecordCallStart(c.ctx, "ok")
				if !detectedAt.IsZero() {
					c.metrics.HandoffDuration.Record(c.ctx, time.Since(detectedAt).Seconds())
				}
				slog.Info("call started", "call_id", id)
				c.dispatch(detector.CallStarted{Call: id})
			case errors.Is(context.Cause(ctx), detector.ErrCallStartTimeout):
				c.metrics.RecordCallStart(c.ctx, "timeout")
				slog.Warn("call start timed out", "call_id", id)
				c.dispatch(detector.CallStartFailed{Call: id, Err: err})
			case errors.Is(err, context.Canceled):
				c.metrics.RecordCallStart(c.ctx, "cancelled")
				slog.Debug("call start cancelled", "call_id", id)
				c.dispatch(detector.CallStartFailed{Call: id, Err: err})
			case errors.Is(err, resilience.ErrCircuitOpen):
				c.metrics.RecordCallStart(c.ctx, "rejected")
				slog.Warn("call start rejected", "call_id", id, "err", err)
				c.dispatch(detector.CallStartFailed{Call: id, Err: err})
			default:
				c.metrics.RecordCallStart(c.ctx, "error")
				slog.Warn("call start failed", "call_id", id, "err", err)
				c.dispatch(detector.CallStartFailed{Call: id, Err: err})
			}
		})
	}()
}

// endCall hangs up id. A start still in flight for id is cancelled with
// cause, so the breaker can tell an aborted start from a user hang-up.
func (c *Controller) endCall(id detector.CallID, cause error) {
	if c.startingCall == id && c.startCancel != nil {
		c.startCancel(cause)
		c.startingCall, c.startCancel = "", nil
	}

	base := context.WithoutCancel(c.ctx)
	timeout := c.cfg.EndCallTimeout
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		ctx, span := observe.StartSpan(ctx, "call.end",
			trace.WithAttributes(attribute.String("call.id", string(id))))
		err := c.call.EndCall(ctx)
		observe.EndSpan(span, err)
		if err != nil {
			slog.Warn("call end failed", "call_id", id, "err", err)
		}
		c.post(func() { c.dispatch(detector.CallEndFinished{Call: id, Err: err}) })
	}()
}

// callObserver stamps call events with the call the controller last started.
type callObserver struct{ c *Controller }

func (o callObserver) current() detector.CallID {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	return o.c.observedCall
}

func (o callObserver) StatusChanged(status callsession.Status) {
	id := o.current()
	o.c.post(func() { o.c.dispatch(detector.CallStatusChanged{Call: id, Status: status}) })
}

func (o callObserver) Message(msg callsession.Message) {
	id := o.current()
	o.c.post(func() { o.c.dispatch(detector.CallMessage{Call: id, Message: msg}) })
}

// ─── shutdown ─────────────────────────────────────────────────────────────────

func (c *Controller) shutdown(cancel context.CancelFunc) {
	c.dispatch(detector.Shutdown{})
	c.callFinished()
	close(c.stopped)
	cancel()
	c.call.SetObserver(nil)

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(c.cfg.ShutdownTimeout):
		slog.Warn("controller shutdown timed out waiting for call operations")
	}
	close(c.done)
	slog.Info("controller stopped")
}
