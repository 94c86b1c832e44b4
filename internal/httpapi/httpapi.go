// Package httpapi exposes the controller's host operations over HTTP:
//
//	POST /v1/trigger   start a call without the wake phrase
//	POST /v1/end-call  hang up, or cancel a pending handoff
//	POST /v1/retry     leave the error phase and ask for the microphone again
//	GET  /v1/state     phase, guard flags, call status and latest notice
//	GET  /v1/messages  transcript of the current or last call
//
// Commands are asynchronous: they are queued on the controller and answered
// with 202 Accepted. Whether they had an effect is visible in /v1/state.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/wakecall/internal/controller"
	"github.com/MrWong99/wakecall/internal/detector"
	"github.com/MrWong99/wakecall/internal/observe"
	"github.com/MrWong99/wakecall/pkg/callsession"
)

// Controller is the subset of [controller.Controller] the API drives.
type Controller interface {
	Trigger() error
	EndCall() error
	Retry() error
	Snapshot() detector.Snapshot
}

// Server serves the control routes.
type Server struct {
	ctrl Controller
	hub  *Hub
}

// New creates a server for ctrl. hub supplies the transcript and notices and
// must be registered as (part of) the controller's host.
func New(ctrl Controller, hub *Hub) *Server {
	return &Server{ctrl: ctrl, hub: hub}
}

// Register adds the control routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/trigger", s.command("trigger", s.ctrl.Trigger))
	mux.HandleFunc("POST /v1/end-call", s.command("end-call", s.ctrl.EndCall))
	mux.HandleFunc("POST /v1/retry", s.command("retry", s.ctrl.Retry))
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/messages", s.handleMessages)
}

// stateResponse is the JSON body of GET /v1/state and of every command.
type stateResponse struct {
	detector.Snapshot
	CallStatus callsession.Status `json:"callStatus,omitempty"`
	Notice     *NoticeView        `json:"notice,omitempty"`
}

type messagesResponse struct {
	Call     detector.CallID       `json:"call,omitempty"`
	Messages []callsession.Message `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) state() stateResponse {
	return stateResponse{
		Snapshot:   s.ctrl.Snapshot(),
		CallStatus: s.hub.CallStatus(),
		Notice:     s.hub.LastNotice(),
	}
}

func (s *Server) command(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, controller.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			observe.Logger(r.Context()).Warn("control command failed", "command", name, "err", err)
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
		observe.Logger(r.Context()).Debug("control command queued", "command", name)
		writeJSON(w, http.StatusAccepted, s.state())
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	msgs := s.hub.Messages()
	if msgs == nil {
		msgs = []callsession.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{
		Call:     s.ctrl.Snapshot().Call,
		Messages: msgs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
