// Package app wires the wakecall subsystems into a running daemon.
//
// New builds the controller from the config: the recognizer and call session
// come from the provider [config.Registry], the wake matcher from the wake
// vocabulary, and the circuit breaker from the resilience section. Run drives
// the controller, the HTTP surface and, when a config path is known, the
// config watcher under one errgroup. Cancelling the context passed to Run
// shuts everything down.
//
// For testing, inject doubles via functional options (WithRecognizer,
// WithCallSession, ...). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wakecall/internal/config"
	"github.com/MrWong99/wakecall/internal/controller"
	"github.com/MrWong99/wakecall/internal/health"
	"github.com/MrWong99/wakecall/internal/httpapi"
	"github.com/MrWong99/wakecall/internal/observe"
	"github.com/MrWong99/wakecall/internal/resilience"
	"github.com/MrWong99/wakecall/pkg/callsession"
	"github.com/MrWong99/wakecall/pkg/recognition"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// App owns the controller and the HTTP server.
type App struct {
	cfg        *config.Config
	registry   *config.Registry
	configPath string
	level      *slog.LevelVar

	rec            recognition.Recognizer
	call           callsession.Session
	extraHost      controller.Host
	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener

	ctrl    *controller.Controller
	hub     *httpapi.Hub
	handler http.Handler

	mu      sync.Mutex
	current *config.Config
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the provider registry. Default: [NewRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithRecognizer injects a recognizer instead of creating one from config.
func WithRecognizer(r recognition.Recognizer) Option {
	return func(a *App) { a.rec = r }
}

// WithCallSession injects a call session instead of creating one from config.
func WithCallSession(s callsession.Session) Option {
	return func(a *App) { a.call = s }
}

// WithHost adds a host that receives controller callbacks next to the
// HTTP surface.
func WithHost(h controller.Host) Option {
	return func(a *App) { a.extraHost = h }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads change the level of the installed logger.
func WithLogLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener serves HTTP on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App from cfg. cfg must have passed [config.Validate] and
// have its defaults applied.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, current: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = NewRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.rec == nil {
		rec, err := a.registry.CreateRecognition(cfg.Recognition)
		if err != nil {
			return nil, fmt.Errorf("app: create recognizer %q: %w", cfg.Recognition.Name, err)
		}
		a.rec = rec
		slog.Info("provider created", "kind", "recognition", "name", cfg.Recognition.Name)
	}
	if a.call == nil {
		call, err := a.registry.CreateCall(cfg.Call)
		if err != nil {
			return nil, fmt.Errorf("app: create call session %q: %w", cfg.Call.Name, err)
		}
		a.call = call
		slog.Info("provider created", "kind", "call", "name", cfg.Call.Name)
	}

	a.hub = httpapi.NewHub(0)
	host := controller.Host(a.hub)
	if a.extraHost != nil {
		host = controller.MultiHost{a.hub, a.extraHost}
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "call-start",
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", "call-start", "from", from, "to", to)
		},
	})

	a.ctrl = controller.New(controller.Config{
		Timing:      cfg.Timing.Timing(),
		Recognition: RecognitionConfig(cfg),
	}, a.rec, a.call, host,
		controller.WithMatcher(cfg.Wake.Matcher().Match),
		controller.WithMetrics(a.metrics),
		controller.WithCircuitBreaker(breaker),
	)

	a.handler = a.buildHandler()
	return a, nil
}

// RecognitionConfig derives the per-session recognition settings from cfg:
// interim results on, one utterance per session, the configured language and
// a keyword boost for every wake name.
func RecognitionConfig(cfg *config.Config) recognition.Config {
	boost := float64(cfg.Recognition.OptionInt("keyword_boost", 2))
	keywords := make([]recognition.KeywordBoost, 0, len(cfg.Wake.Names))
	for _, name := range cfg.Wake.Names {
		keywords = append(keywords, recognition.KeywordBoost{Keyword: name, Boost: boost})
	}
	return recognition.Config{
		Language:       cfg.Recognition.OptionString("language", "en-US"),
		InterimResults: true,
		Continuous:     false,
		SampleRate:     cfg.Recognition.OptionInt("sample_rate", 0),
		Keywords:       keywords,
	}
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.ctrl).Register(mux)
	httpapi.New(a.ctrl, a.hub).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Controller returns the wake-word controller.
func (a *App) Controller() *controller.Controller { return a.ctrl }

// Handler returns the HTTP surface: health, control API and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Run blocks until ctx is cancelled or a component fails. It returns nil
// after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var watcher *config.Watcher
	if a.configPath != "" {
		var err error
		watcher, err = config.NewWatcher(a.configPath, a.Reload)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: watch config: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// The watcher also stops when the controller ends on its own.
	wctx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()
	if watcher != nil {
		g.Go(func() error { return watcher.Run(wctx) })
	}

	g.Go(func() error { return a.ctrl.Run(gctx) })

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.ctrl.Done():
		}
		stopWatch()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return a.ctrl.Close()
	})

	slog.Info("app running",
		"recognition", a.cfg.Recognition.Name,
		"call", a.cfg.Call.Name,
		"wake_phrase", a.cfg.Wake.Phrase,
	)
	return g.Wait()
}

// Reload applies the hot-reloadable parts of ch: the wake vocabulary and the
// log level. Sections that need a restart are left as they are.
func (a *App) Reload(ch config.Change) {
	d, next := ch.Diff, ch.New

	if d.WakeChanged {
		if err := a.ctrl.SetMatcher(next.Wake.Matcher().Match); err != nil {
			slog.Warn("cannot apply wake vocabulary", "err", err)
		} else {
			slog.Info("wake vocabulary updated", "phrase", next.Wake.Phrase, "names", next.Wake.Names)
		}
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}

	a.mu.Lock()
	cur := *a.current
	cur.Wake = next.Wake
	cur.Server.LogLevel = next.Server.LogLevel
	a.current = &cur
	a.mu.Unlock()
}

// SlogLevel maps a config log level to its [slog.Level].
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
