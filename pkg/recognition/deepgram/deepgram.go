// Package deepgram provides a [recognition.Recognizer] backed by the Deepgram
// streaming WebSocket API.
//
// Audio is read from an [AudioSource] as raw little-endian 16-bit PCM and
// streamed to Deepgram as binary frames. Results arrive as JSON text frames
// and are delivered to the session's [recognition.Handler].
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/wakecall/pkg/recognition"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultUtterance  = 1000
	defaultDial       = 10 * time.Second
	readChunk         = 3200
)

// AudioSource opens a stream of little-endian 16-bit PCM audio. Closing the
// returned reader releases the device.
type AudioSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Option is a functional option for configuring the Deepgram Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) {
		r.endpoint = endpoint
	}
}

// WithUtteranceEnd sets the silence gap in milliseconds after which Deepgram
// reports the end of an utterance.
func WithUtteranceEnd(ms int) Option {
	return func(r *Recognizer) {
		r.utteranceEndMs = ms
	}
}

// WithDialTimeout bounds the WebSocket handshake. Default: 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(r *Recognizer) {
		if d > 0 {
			r.dialTimeout = d
		}
	}
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Recognizer) {
		r.httpClient = c
	}
}

// Recognizer implements recognition.Recognizer backed by the Deepgram
// streaming API.
type Recognizer struct {
	apiKey         string
	source         AudioSource
	model          string
	endpoint       string
	utteranceEndMs int
	dialTimeout    time.Duration
	httpClient     *http.Client
}

// New creates a new Deepgram Recognizer. apiKey must be non-empty and source
// non-nil.
func New(apiKey string, source AudioSource, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if source == nil {
		return nil, errors.New("deepgram: audio source must not be nil")
	}
	r := &Recognizer{
		apiKey:         apiKey,
		source:         source,
		model:          defaultModel,
		endpoint:       deepgramEndpoint,
		utteranceEndMs: defaultUtterance,
		dialTimeout:    defaultDial,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// RequestPermission opens and immediately closes the audio source.
func (r *Recognizer) RequestPermission(ctx context.Context) error {
	rc, err := r.source.Open(ctx)
	if err != nil {
		if errors.Is(err, recognition.ErrUnsupported) || errors.Is(err, recognition.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %w", recognition.ErrPermissionDenied, err)
	}
	return rc.Close()
}

// Open starts a streaming session. The connection is established in the
// background; the handler's OnStart fires once audio is flowing.
func (r *Recognizer) Open(ctx context.Context, cfg recognition.Config, h recognition.Handler) (recognition.Session, error) {
	if h == nil {
		return nil, errors.New("deepgram: handler must not be nil")
	}
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, &recognition.Error{Code: recognition.CodeUnknown, Err: fmt.Errorf("deepgram: build URL: %w", err)}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		r:       r,
		cfg:     cfg,
		h:       h,
		url:     wsURL,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go s.run(sctx)
	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (r *Recognizer) buildURL(cfg recognition.Config) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	q.Set("encoding", "linear16")
	q.Set("vad_events", "true")
	if r.utteranceEndMs > 0 && cfg.InterimResults {
		q.Set("utterance_end_ms", strconv.Itoa(r.utteranceEndMs))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "anna:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// response is the subset of Deepgram's streaming messages the recognizer
// consumes.
type response struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is one Deepgram stream. It implements recognition.Session.
type session struct {
	r   *Recognizer
	cfg recognition.Config
	h   recognition.Handler
	url string

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}
	endOnce  sync.Once
}

// Stop ends the session. The handler sees OnEnd and no error.
func (s *session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.cancel()
	})
}

func (s *session) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *session) end() {
	s.endOnce.Do(s.h.OnEnd)
}

// fail reports code unless the session was stopped, then ends the session.
func (s *session) fail(code recognition.ErrorCode, err error) {
	if !s.isStopped() {
		slog.Debug("deepgram: session failed", "code", code, "err", err)
		s.h.OnError(code)
	}
	s.end()
}

func (s *session) run(ctx context.Context) {
	defer s.cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.r.apiKey)
	dctx, dcancel := context.WithTimeout(ctx, s.r.dialTimeout)
	conn, resp, err := websocket.Dial(dctx, s.url, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: s.r.httpClient,
	})
	dcancel()
	if err != nil {
		code := recognition.CodeNetwork
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = recognition.CodeNotAllowed
		}
		s.fail(code, fmt.Errorf("deepgram: dial: %w", err))
		return
	}
	defer conn.CloseNow()

	audio, err := s.r.source.Open(ctx)
	if err != nil {
		code := recognition.CodeAudioCapture
		if errors.Is(err, recognition.ErrPermissionDenied) {
			code = recognition.CodeNotAllowed
		}
		s.fail(code, fmt.Errorf("deepgram: open audio: %w", err))
		return
	}
	defer func() {
		s.cancel()
		_ = audio.Close()
	}()

	if s.isStopped() {
		s.end()
		return
	}
	s.h.OnStart()

	go s.writeLoop(ctx, conn, audio)

	err = s.readLoop(ctx, conn)
	switch {
	case s.isStopped():
		_ = conn.Close(websocket.StatusNormalClosure, "session stopped")
		s.end()
	case err == nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.end()
	default:
		s.fail(recognition.CodeNetwork, err)
	}
}

// writeLoop copies audio to the connection until ctx ends or the source is
// exhausted, then asks Deepgram to flush.
func (s *session) writeLoop(ctx context.Context, conn *websocket.Conn, audio io.Reader) {
	buf := make([]byte, readChunk)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("deepgram: audio read failed", "err", err)
			}
			if ctx.Err() == nil {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			}
			return
		}
	}
}

// readLoop dispatches Deepgram messages until the connection closes. A
// non-continuous session returns after the first final result or utterance
// end.
func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		transcripts, final, ok := parseResponse(msg)
		if !ok {
			if !s.cfg.Continuous && isUtteranceEnd(msg) {
				return nil
			}
			continue
		}
		if !final && !s.cfg.InterimResults {
			continue
		}
		if s.isStopped() {
			return nil
		}
		s.h.OnResult(transcripts)
		if final && !s.cfg.Continuous {
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			return nil
		}
	}
}

// parseResponse extracts the non-empty alternatives of a Results message.
// It returns ok=false for anything that should not reach the handler.
func parseResponse(data []byte) (transcripts []string, final bool, ok bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, false
	}
	if resp.Type != "Results" {
		return nil, false, false
	}
	for _, alt := range resp.Channel.Alternatives {
		if alt.Transcript != "" {
			transcripts = append(transcripts, alt.Transcript)
		}
	}
	if len(transcripts) == 0 {
		return nil, false, false
	}
	return transcripts, resp.IsFinal || resp.SpeechFinal, true
}

// isUtteranceEnd reports whether data is Deepgram's end-of-utterance marker.
func isUtteranceEnd(data []byte) bool {
	var resp struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &resp) == nil && resp.Type == "UtteranceEnd"
}

// Ensure Recognizer implements recognition.Recognizer at compile time.
var _ recognition.Recognizer = (*Recognizer)(nil)
