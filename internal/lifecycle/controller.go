// Package lifecycle tracks the remote model's readiness as seen by the client.
//
// The Controller is the only owner of the model State. Callers drive it through
// RequestLoad, MarkReady, MarkFailed and Reset; illegal transitions are no-ops
// so duplicate or late signals cannot corrupt the state.
package lifecycle

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"zstudio/internal/metrics"
)

// Event names published on transitions.
const (
	EventLoadRequested = "load_requested"
	EventReady         = "model_ready"
	EventFailed        = "model_failed"
	EventReset         = "reset"
)

// Controller is the model lifecycle state machine.
type Controller struct {
	mu    sync.Mutex
	state State
	// changed is closed and replaced on every transition.
	changed chan struct{}

	publisher EventPublisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithPublisher installs an event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithMetrics installs transition counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// NewController returns a controller in the NotLoaded phase.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		state:     State{Phase: NotLoaded},
		changed:   make(chan struct{}),
		publisher: noopPublisher{},
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Current returns the latest state.
func (c *Controller) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Changed returns a channel that is closed at the next transition.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// RequestLoad moves NotLoaded or Failed to Loading. It reports true only to
// the caller that performed the transition; that caller owns the remote load.
func (c *Controller) RequestLoad() bool {
	return c.transition(EventLoadRequested, State{Phase: Loading}, NotLoaded, Failed)
}

// MarkReady moves Loading to Ready.
func (c *Controller) MarkReady() bool {
	return c.transition(EventReady, State{Phase: Ready}, Loading)
}

// MarkFailed moves Loading to Failed with the given reason and optional local cause.
func (c *Controller) MarkFailed(reason string, cause error) bool {
	return c.transition(EventFailed, State{Phase: Failed, Reason: reason, Cause: cause}, Loading)
}

// Reset returns the controller to NotLoaded from any phase. It is used when the
// service is reconfigured and will load the model again on next use.
func (c *Controller) Reset() bool {
	return c.transition(EventReset, State{Phase: NotLoaded}, Loading, Ready, Failed)
}

// Await blocks while the model is Loading and returns the first non-Loading
// state it observes. The state is re-read after every wake so a caller never
// acts on a snapshot taken before it suspended.
func (c *Controller) Await(ctx context.Context) (State, error) {
	for {
		c.mu.Lock()
		s, ch := c.state, c.changed
		c.mu.Unlock()
		if s.Phase != Loading {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return c.Current(), ctx.Err()
		}
	}
}

func (c *Controller) transition(name string, next State, from ...Phase) bool {
	c.mu.Lock()
	prev := c.state
	allowed := false
	for _, p := range from {
		if prev.Phase == p {
			allowed = true
			break
		}
	}
	if !allowed {
		c.mu.Unlock()
		c.log.Debug().Str("event", name).Str("state", prev.String()).Msg("lifecycle transition ignored")
		return false
	}
	c.state = next
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	c.metrics.Transition(prev.Phase.String(), next.Phase.String())
	ev := c.log.Info().Str("event", name).Str("from", prev.Phase.String()).Str("to", next.Phase.String())
	fields := map[string]any{}
	if next.Phase == Failed {
		ev = ev.Str("reason", next.Reason)
		fields["reason"] = next.Reason
		if next.Cause != nil {
			ev = ev.AnErr("cause", next.Cause)
			fields["cause"] = next.Cause.Error()
		}
	}
	ev.Msg("lifecycle transition")
	c.publisher.Publish(Event{Name: name, From: prev.Phase, To: next.Phase, Fields: fields})
	return true
}
