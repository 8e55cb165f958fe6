// Package ui defines the presentation collaborators the orchestrator calls
// into: a transient message sink and a translation lookup.
package ui

import (
	"fmt"
	"sync"
)

// Severity selects how a transient message is presented.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Message is a transient user-facing message.
type Message struct {
	Severity Severity
	Text     string
}

// Sink displays transient messages.
type Sink interface {
	Show(Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message)

func (f SinkFunc) Show(m Message) { f(m) }

// Discard drops every message.
var Discard Sink = SinkFunc(func(Message) {})

// Translator looks up the display string for a message key. Implementations
// return the key itself when they have no entry.
type Translator func(key string) string

// Message keys used by the orchestrator.
const (
	KeyChannelLost      = "notify.channel_lost"
	KeyModelLoadFailed  = "model.load_failed"
	KeyGenerationFailed = "generate.failed"
	KeyTimedOut         = "generate.timed_out"
)

var english = map[string]string{
	KeyChannelLost:      "Connection to the image service was lost",
	KeyModelLoadFailed:  "Model failed to load",
	KeyGenerationFailed: "Image generation failed",
	KeyTimedOut:         "Timed out waiting for the image service",
}

// English is the built-in translator.
func English(key string) string {
	if s, ok := english[key]; ok {
		return s
	}
	return key
}

// Format renders key with an optional detail suffix.
func Format(tr Translator, key, detail string) string {
	if tr == nil {
		tr = English
	}
	if detail == "" {
		return tr(key)
	}
	return fmt.Sprintf("%s: %s", tr(key), detail)
}

// Recorder is a Sink that keeps every message, for tests and headless shells.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Show(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}
