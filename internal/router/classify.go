package router

import (
	"fmt"
	"regexp"

	"zstudio/internal/notify"
)

// Signal is the lifecycle meaning the router derives from a notification.
type Signal int

const (
	SignalNone Signal = iota
	SignalModelReady
	SignalModelFailed
	SignalChannelLost
)

func (s Signal) String() string {
	switch s {
	case SignalModelReady:
		return "model_ready"
	case SignalModelFailed:
		return "model_failed"
	case SignalChannelLost:
		return "channel_lost"
	default:
		return "none"
	}
}

// DefaultReadyPatterns match the service's "model is ready" messages.
var DefaultReadyPatterns = []string{
	`(?i)\bmodel\s+(is\s+)?(loaded|ready)\b`,
	`(?i)\bloaded\s+successfully\b`,
}

// Classifier is the only place that interprets notification text. The service
// does not send a structured status code, so readiness is recognized by
// matching the message of a success notification.
type Classifier struct {
	ready []*regexp.Regexp
}

// NewClassifier compiles patterns; an empty list selects DefaultReadyPatterns.
func NewClassifier(patterns []string) (*Classifier, error) {
	if len(patterns) == 0 {
		patterns = DefaultReadyPatterns
	}
	c := &Classifier{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("ready pattern %q: %w", p, err)
		}
		c.ready = append(c.ready, re)
	}
	return c, nil
}

// MustClassifier is NewClassifier for known-good patterns.
func MustClassifier(patterns ...string) *Classifier {
	c, err := NewClassifier(patterns)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify maps a notification to its lifecycle signal.
func (c *Classifier) Classify(n notify.Notification) Signal {
	switch n.Kind {
	case notify.KindChannelLost:
		return SignalChannelLost
	case notify.KindError:
		return SignalModelFailed
	case notify.KindSuccess:
		for _, re := range c.ready {
			if re.MatchString(n.Message) {
				return SignalModelReady
			}
		}
	}
	return SignalNone
}
