// Package session wires the orchestrator together: one notification channel,
// one lifecycle controller, the router between them, the generation
// coordinator and the settings store. A UI shell talks only to Session.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"zstudio/internal/client"
	"zstudio/internal/config"
	"zstudio/internal/coordinator"
	"zstudio/internal/lifecycle"
	"zstudio/internal/metrics"
	"zstudio/internal/notify"
	"zstudio/internal/router"
	"zstudio/internal/settings"
	"zstudio/internal/ui"
	"zstudio/pkg/types"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("session closed")

// Options configures a Session. Config must already be resolved.
type Options struct {
	Config     config.Config
	Sink       ui.Sink
	Translator ui.Translator
	Hooks      coordinator.Hooks
	// KV persists generation settings when set.
	KV         settings.KV
	Registerer prometheus.Registerer
	Publisher  lifecycle.EventPublisher
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Session owns the orchestrator components for one connection to the service.
type Session struct {
	log zerolog.Logger

	api      *client.Client
	channel  *notify.Channel
	lc       *lifecycle.Controller
	router   *router.Router
	coord    *coordinator.Coordinator
	settings *settings.Store

	mu      sync.Mutex
	started bool
	closed  bool
	detach  func()
}

// New builds a session. Nothing touches the network until Start.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	m := metrics.New(opts.Registerer)

	classifier := router.MustClassifier()
	if len(cfg.ReadyPatterns) > 0 {
		c, err := router.NewClassifier(cfg.ReadyPatterns)
		if err != nil {
			return nil, err
		}
		classifier = c
	}

	initial := settings.Defaults()
	if cfg.Defaults != nil {
		initial = *cfg.Defaults
	}
	store := settings.NewStore(initial)
	if opts.KV != nil {
		if err := store.Bind(opts.KV); err != nil {
			return nil, err
		}
	}

	lc := lifecycle.NewController(
		lifecycle.WithPublisher(opts.Publisher),
		lifecycle.WithMetrics(m),
		lifecycle.WithLogger(log.With().Str("component", "lifecycle").Logger()),
	)
	api := client.New(client.Options{
		BaseURL:    cfg.BaseURL,
		HTTPClient: opts.HTTPClient,
		Logger:     log.With().Str("component", "client").Logger(),
	})
	ch := notify.New(notify.Config{
		URL: cfg.WSURL,
		Reconnect: notify.Reconnect{
			MaxAttempts: cfg.ReconnectAttempts,
			Backoff:     cfg.ReconnectBackoff.Std(),
		},
		Logger:  log.With().Str("component", "notify").Logger(),
		Metrics: m,
	})
	rt := router.New(lc, router.Config{
		Sink:       opts.Sink,
		Translator: opts.Translator,
		Classifier: classifier,
		Logger:     log.With().Str("component", "router").Logger(),
	})
	coord := coordinator.New(api, lc, coordinator.Config{
		LoadTimeout:    cfg.LoadTimeout.Std(),
		RequestTimeout: cfg.RequestTimeout.Std(),
		Sink:           opts.Sink,
		Translator:     opts.Translator,
		Hooks:          opts.Hooks,
		Metrics:        m,
		Logger:         log.With().Str("component", "coordinator").Logger(),
		ChannelUp:      ch.Listening,
	})

	return &Session{
		log:      log,
		api:      api,
		channel:  ch,
		lc:       lc,
		router:   rt,
		coord:    coord,
		settings: store,
	}, nil
}

// Start subscribes the router and opens the notification channel. It is a
// no-op once started.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	detach := s.router.Attach(s.channel)
	if err := s.channel.Connect(ctx); err != nil {
		detach()
		return err
	}
	s.detach = detach
	s.started = true
	s.log.Info().Str("base_url", s.api.BaseURL()).Msg("session started")
	return nil
}

// Close tears down the channel. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	err := s.channel.Close()
	if detach != nil {
		detach()
	}
	s.log.Info().Msg("session closed")
	return err
}

// Generate runs one generation with a snapshot of the current settings.
func (s *Session) Generate(ctx context.Context, prompt string) (coordinator.Result, error) {
	return s.coord.Generate(ctx, prompt, s.settings.Snapshot())
}

// LoadModel makes the model ready without generating.
func (s *Session) LoadModel(ctx context.Context) error {
	return s.coord.EnsureLoaded(ctx)
}

// Settings returns the generation settings store.
func (s *Session) Settings() *settings.Store { return s.settings }

// State returns the model lifecycle state.
func (s *Session) State() lifecycle.State { return s.lc.Current() }

// Changed returns a channel closed at the next lifecycle transition.
func (s *Session) Changed() <-chan struct{} { return s.lc.Changed() }

// ConnState returns the notification channel state.
func (s *Session) ConnState() notify.ConnState { return s.channel.State() }

// OnNotification subscribes h to raw channel notifications alongside the router.
func (s *Session) OnNotification(h notify.Handler) (unsubscribe func()) {
	return s.channel.OnNotification(h)
}

// RemoteSettings reads the service's model settings.
func (s *Session) RemoteSettings(ctx context.Context) (types.SettingsResponse, error) {
	return s.api.Settings(ctx)
}

// ApplyModelPath reconfigures the service's model cache. The service reloads
// the model on next use, so the local lifecycle returns to NotLoaded.
func (s *Session) ApplyModelPath(ctx context.Context, cacheDir string, cpuOffload bool) (types.AckResponse, error) {
	ack, err := s.api.SetModelPath(ctx, types.ModelPathRequest{CacheDir: cacheDir, CPUOffload: cpuOffload})
	if err != nil {
		return ack, err
	}
	s.lc.Reset()
	return ack, nil
}

// Status reads the service's generation progress.
func (s *Session) Status(ctx context.Context) (types.StatusResponse, error) {
	return s.api.Status(ctx)
}

// Health probes the service.
func (s *Session) Health(ctx context.Context) error {
	return s.api.Health(ctx)
}
