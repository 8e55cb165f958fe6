// Package coordinator sequences generation requests behind model readiness.
//
// Generate makes sure the remote model is loaded before issuing the call. The
// first caller to find the model unloaded triggers the remote load; every other
// caller waits on lifecycle transitions until the model leaves the loading
// phase. Failures come back as the typed errors in errors.go.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zstudio/internal/client"
	"zstudio/internal/lifecycle"
	"zstudio/internal/metrics"
	"zstudio/internal/settings"
	"zstudio/internal/ui"
	"zstudio/pkg/types"
)

const (
	DefaultLoadTimeout    = 5 * time.Minute
	DefaultRequestTimeout = 10 * time.Minute
)

// API is the remote service surface the coordinator calls.
type API interface {
	Generate(ctx context.Context, req types.GenerateRequest, requestID string) (types.GenerateResponse, error)
	LoadModel(ctx context.Context) error
}

// Lifecycle is the model state machine the coordinator consults.
type Lifecycle interface {
	Current() lifecycle.State
	RequestLoad() bool
	MarkFailed(reason string, cause error) bool
	Await(ctx context.Context) (lifecycle.State, error)
}

// Hooks are optional presentation callbacks.
type Hooks struct {
	// OnLoading is called with true before a remote generation call and with
	// false after it returns. It is scoped to one request.
	OnLoading func(requestID string, loading bool)
}

// Result is the outcome of a successful generation.
type Result struct {
	// Image is a data URL.
	Image     string
	RequestID string
	Duration  time.Duration
}

// Config configures a Coordinator. Zero values select defaults.
type Config struct {
	LoadTimeout    time.Duration
	RequestTimeout time.Duration
	Sink           ui.Sink
	Translator     ui.Translator
	Hooks          Hooks
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	// ChannelUp reports whether readiness notifications can still arrive.
	// When it returns false a load is not attempted. Nil means always up.
	ChannelUp func() bool
}

// Coordinator issues generation requests. It is safe for concurrent use.
type Coordinator struct {
	api   API
	lc    Lifecycle
	cfg   Config
	log   zerolog.Logger
	newID func() string
}

// New returns a coordinator calling api and consulting lc.
func New(api API, lc Lifecycle, cfg Config) *Coordinator {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = ui.Discard
	}
	if cfg.Translator == nil {
		cfg.Translator = ui.English
	}
	return &Coordinator{api: api, lc: lc, cfg: cfg, log: cfg.Logger, newID: uuid.NewString}
}

// Generate produces one image for prompt using the given settings snapshot.
func (c *Coordinator) Generate(ctx context.Context, prompt string, s settings.Settings) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		c.cfg.Metrics.Rejected("empty_prompt")
		return Result{}, ErrEmptyPrompt
	}
	rid := c.newID()
	log := c.log.With().Str("request_id", rid).Logger()

	if err := c.ensureLoaded(ctx, log); err != nil {
		c.cfg.Metrics.Rejected(outcome(err))
		return Result{RequestID: rid}, err
	}

	req := s.Request(prompt)
	c.setLoading(rid, true)
	defer c.setLoading(rid, false)

	done := c.cfg.Metrics.GenerateStarted()
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.api.Generate(rctx, req, rid)
	dur := time.Since(start)
	if err != nil {
		err = c.generationError(ctx, rctx, err)
		done(outcome(err))
		log.Warn().Err(err).Dur("dur", dur).Msg("generation failed")
		return Result{RequestID: rid, Duration: dur}, err
	}
	done("ok")
	log.Info().Dur("dur", dur).Int("width", req.Width).Int("height", req.Height).Int("steps", req.Steps).Msg("image generated")
	return Result{Image: resp.Image, RequestID: rid, Duration: dur}, nil
}

// EnsureLoaded makes the model ready without generating.
func (c *Coordinator) EnsureLoaded(ctx context.Context) error {
	log := c.log.With().Str("request_id", c.newID()).Logger()
	return c.ensureLoaded(ctx, log)
}

func (c *Coordinator) ensureLoaded(ctx context.Context, log zerolog.Logger) error {
	if c.lc.Current().Phase == lifecycle.Ready {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()

	waitStart := time.Now()
	defer func() { c.cfg.Metrics.ObserveLoadWait(time.Since(waitStart)) }()

	for {
		if c.cfg.ChannelUp != nil && !c.cfg.ChannelUp() && c.lc.Current().Phase != lifecycle.Loading {
			reason := c.cfg.Translator(ui.KeyChannelLost)
			log.Warn().Msg("notification channel is down; not loading model")
			c.show(ui.SeverityError, ui.KeyChannelLost, "")
			return &ModelLoadFailedError{Reason: reason, Cause: ErrChannelLost}
		}
		if c.lc.RequestLoad() {
			// Waiters share this load; the winner canceling must not abort it.
			go c.trigger(context.WithoutCancel(ctx), log)
		}
		st, err := c.lc.Await(wctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Dur("waited", time.Since(waitStart)).Msg("model still loading at deadline")
			c.show(ui.SeverityError, ui.KeyTimedOut, "")
			return ErrTimedOut
		}
		switch st.Phase {
		case lifecycle.Ready:
			return nil
		case lifecycle.Failed:
			return &ModelLoadFailedError{Reason: st.Reason, Cause: st.Cause}
		}
		// Reset while waiting; start over.
	}
}

// trigger asks the service to load the model. Only the caller that won
// RequestLoad starts it. A failed trigger fails the load for every waiter.
func (c *Coordinator) trigger(ctx context.Context, log zerolog.Logger) {
	c.cfg.Metrics.LoadTriggered()
	log.Info().Msg("requesting model load")
	tctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	err := c.api.LoadModel(tctx)
	if err == nil {
		return
	}
	reason := err.Error()
	var he *client.HTTPError
	if errors.As(err, &he) && he.Detail != "" {
		reason = he.Detail
	}
	log.Error().Err(err).Msg("model load trigger failed")
	c.show(ui.SeverityError, ui.KeyModelLoadFailed, reason)
	c.lc.MarkFailed(reason, err)
}

func (c *Coordinator) generationError(parent, rctx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || rctx.Err() != nil {
		c.show(ui.SeverityError, ui.KeyTimedOut, "")
		return ErrTimedOut
	}
	gf := &GenerationFailedError{Reason: err.Error(), Cause: err}
	var he *client.HTTPError
	switch {
	case errors.As(err, &he):
		gf.StatusCode = he.StatusCode()
		if he.Detail != "" {
			gf.Reason = he.Detail
		} else {
			gf.Reason = he.Status
		}
	case errors.Is(err, client.ErrMalformedResponse):
		gf.Reason = "no image in response"
	}
	c.show(ui.SeverityError, ui.KeyGenerationFailed, gf.Reason)
	return gf
}

func (c *Coordinator) setLoading(rid string, on bool) {
	if c.cfg.Hooks.OnLoading != nil {
		c.cfg.Hooks.OnLoading(rid, on)
	}
}

func (c *Coordinator) show(sev ui.Severity, key, detail string) {
	c.cfg.Sink.Show(ui.Message{Severity: sev, Text: ui.Format(c.cfg.Translator, key, detail)})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyPrompt):
		return "empty_prompt"
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	case IsModelLoadFailed(err):
		return "load_failed"
	case IsGenerationFailed(err):
		return "failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
