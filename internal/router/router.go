// Package router turns channel notifications into transient UI messages and
// model lifecycle transitions.
package router

import (
	"strings"

	"github.com/rs/zerolog"

	"zstudio/internal/notify"
	"zstudio/internal/ui"
)

// Lifecycle is the part of the lifecycle controller the router drives.
// Both transitions are no-ops unless the model is loading.
type Lifecycle interface {
	MarkReady() bool
	MarkFailed(reason string, cause error) bool
}

// Source delivers notifications.
type Source interface {
	OnNotification(notify.Handler) (unsubscribe func())
}

// Router relays notifications. It holds no state of its own.
type Router struct {
	lc       Lifecycle
	sink     ui.Sink
	tr       ui.Translator
	classify *Classifier
	log      zerolog.Logger
}

// Config configures a Router. Nil fields select defaults.
type Config struct {
	Sink       ui.Sink
	Translator ui.Translator
	Classifier *Classifier
	Logger     zerolog.Logger
}

// New returns a router driving lc.
func New(lc Lifecycle, cfg Config) *Router {
	r := &Router{lc: lc, sink: cfg.Sink, tr: cfg.Translator, classify: cfg.Classifier, log: cfg.Logger}
	if r.sink == nil {
		r.sink = ui.Discard
	}
	if r.tr == nil {
		r.tr = ui.English
	}
	if r.classify == nil {
		r.classify = MustClassifier()
	}
	return r
}

// Attach subscribes the router to src and returns the unsubscribe func.
func (r *Router) Attach(src Source) (detach func()) {
	return src.OnNotification(r.Route)
}

// Route handles one notification.
func (r *Router) Route(n notify.Notification) {
	sig := r.classify.Classify(n)
	r.log.Debug().Str("kind", n.Kind.String()).Str("signal", sig.String()).Str("message", n.Message).Msg("notification")

	if sig == SignalChannelLost {
		r.sink.Show(ui.Message{Severity: ui.SeverityError, Text: r.tr(ui.KeyChannelLost)})
		if r.lc.MarkFailed(r.tr(ui.KeyChannelLost), notify.ErrChannelLost) {
			r.log.Warn().Msg("model load abandoned: notification channel lost")
		}
		return
	}

	text := strings.TrimSpace(n.Message)
	if text == "" && sig == SignalModelFailed {
		text = r.tr(ui.KeyModelLoadFailed)
	}
	if text != "" {
		r.sink.Show(ui.Message{Severity: severity(n.Kind), Text: text})
	}

	switch sig {
	case SignalModelReady:
		r.lc.MarkReady()
	case SignalModelFailed:
		// No-op unless a load is in progress.
		r.lc.MarkFailed(text, nil)
	}
}

func severity(k notify.Kind) ui.Severity {
	switch k {
	case notify.KindSuccess:
		return ui.SeveritySuccess
	case notify.KindWarning:
		return ui.SeverityWarning
	case notify.KindError, notify.KindChannelLost:
		return ui.SeverityError
	default:
		return ui.SeverityInfo
	}
}
