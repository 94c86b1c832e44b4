// Package wsbridge provides a [callsession.Session] that reaches a remote voice
// assistant over a WebSocket bridge.
//
// The wire protocol is JSON text frames. The client sends {"type":"start"} to
// place the call and {"type":"end"} to hang up. The bridge answers with
// status, message and error frames:
//
//	{"type":"status","status":"ongoing"}
//	{"type":"message","message":{"role":"assistant","text":"Hi!","final":true}}
//	{"type":"error","error":"agent unavailable"}
//
// StartCall returns once the bridge reports its first status.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/wakecall/pkg/callsession"
)

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithAPIKey sends key as a bearer token on the handshake.
func WithAPIKey(key string) Option {
	return func(s *Session) {
		if key != "" {
			s.header.Set("Authorization", "Bearer "+key)
		}
	}
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.client = c
	}
}

// frame is the envelope of every message on the bridge.
type frame struct {
	Type    string               `json:"type"`
	Status  callsession.Status   `json:"status,omitempty"`
	Message *callsession.Message `json:"message,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Session implements callsession.Session over a WebSocket bridge.
type Session struct {
	url    string
	header http.Header
	client *http.Client

	mu       sync.Mutex
	observer callsession.Observer
	call     *call
}

// call is one placed call. conn is nil while the handshake is in flight.
type call struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	ending  atomic.Bool
	started chan struct{}
}

// New creates a bridge session for the given ws:// or wss:// URL.
func New(url string, opts ...Option) (*Session, error) {
	if url == "" {
		return nil, errors.New("wsbridge: url must not be empty")
	}
	s := &Session{url: url, header: http.Header{}}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SetObserver registers o. Passing nil clears it.
func (s *Session) SetObserver(o callsession.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// StartCall dials the bridge, sends the start frame and waits for the first
// status. Cancelling ctx or calling EndCall aborts a pending start.
func (s *Session) StartCall(ctx context.Context) error {
	s.mu.Lock()
	if s.call != nil {
		s.mu.Unlock()
		return callsession.ErrCallInProgress
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &call{cancel: cancel, started: make(chan struct{})}
	s.call = c
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	conn, _, err := websocket.Dial(cctx, s.url, &websocket.DialOptions{
		HTTPHeader: s.header,
		HTTPClient: s.client,
	})
	if err != nil {
		s.release(c)
		if cctx.Err() != nil {
			return fmt.Errorf("wsbridge: start: %w", context.Canceled)
		}
		return fmt.Errorf("wsbridge: dial: %w", err)
	}

	s.mu.Lock()
	c.conn = conn
	s.mu.Unlock()

	if err := writeFrame(cctx, conn, frame{Type: "start"}); err != nil {
		conn.CloseNow()
		s.release(c)
		if cctx.Err() != nil {
			return fmt.Errorf("wsbridge: start: %w", context.Canceled)
		}
		return fmt.Errorf("wsbridge: send start: %w", err)
	}

	accepted := make(chan error, 1)
	go s.readLoop(cctx, c, accepted)

	select {
	case err := <-accepted:
		close(c.started)
		return err
	case <-cctx.Done():
		conn.CloseNow()
		return fmt.Errorf("wsbridge: start: %w", context.Canceled)
	}
}

// EndCall sends the end frame and closes the connection. A pending start is
// cancelled instead. Without a call it returns nil.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	c := s.call
	s.mu.Unlock()

	if c == nil || !c.ending.CompareAndSwap(false, true) {
		return nil
	}
	defer s.release(c)
	select {
	case <-c.started:
	default:
		c.cancel()
		return nil
	}

	s.mu.Lock()
	conn := c.conn
	s.mu.Unlock()
	err := writeFrame(ctx, conn, frame{Type: "end"})
	_ = conn.Close(websocket.StatusNormalClosure, "call ended")
	if err != nil {
		return fmt.Errorf("wsbridge: send end: %w", err)
	}
	return nil
}

// release forgets c if it is still the current call.
func (s *Session) release(c *call) {
	s.mu.Lock()
	if s.call == c {
		s.call = nil
	}
	s.mu.Unlock()
	c.cancel()
}

func (s *Session) notifyStatus(status callsession.Status) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.StatusChanged(status)
	}
}

func (s *Session) notifyMessage(msg callsession.Message) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.Message(msg)
	}
}

// readLoop forwards bridge frames until the call ends. The first status, or
// the first failure before it, is reported on accepted.
func (s *Session) readLoop(ctx context.Context, c *call, accepted chan<- error) {
	defer s.release(c)
	first := true
	fail := func(err error) {
		if first {
			accepted <- err
			return
		}
		if !c.ending.Load() {
			s.notifyStatus(callsession.StatusError)
		}
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if first {
				accepted <- fmt.Errorf("wsbridge: closed before answer: %w", err)
				return
			}
			if c.ending.Load() {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.notifyStatus(callsession.StatusEnded)
			} else {
				slog.Warn("wsbridge: connection lost", "err", err)
				s.notifyStatus(callsession.StatusError)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("wsbridge: ignoring malformed frame", "err", err)
			continue
		}

		switch f.Type {
		case "status":
			if !f.Status.IsValid() {
				slog.Debug("wsbridge: ignoring unknown status", "status", f.Status)
				continue
			}
			if first {
				if f.Status == callsession.StatusError {
					accepted <- errors.New("wsbridge: call rejected")
					c.conn.CloseNow()
					return
				}
				accepted <- nil
				first = false
			}
			if !c.ending.Load() {
				s.notifyStatus(f.Status)
			}
			if f.Status.IsTerminal() {
				_ = c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		case "message":
			if first || f.Message == nil {
				continue
			}
			msg := *f.Message
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			s.notifyMessage(msg)
		case "error":
			slog.Warn("wsbridge: bridge reported error", "error", f.Error)
			fail(fmt.Errorf("wsbridge: bridge error: %s", f.Error))
			c.conn.CloseNow()
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ensure Session implements callsession.Session at compile time.
var _ callsession.Session = (*Session)(nil)
