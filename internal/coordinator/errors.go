package coordinator

import (
	"errors"
	"strconv"

	"zstudio/internal/notify"
)

var (
	// ErrEmptyPrompt is returned for an empty or whitespace-only prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrTimedOut is returned when the model stays loading past LoadTimeout
	// or a remote call exceeds RequestTimeout.
	ErrTimedOut = errors.New("timed out waiting for the image service")
	// ErrChannelLost matches load failures caused by losing the notification channel.
	ErrChannelLost = notify.ErrChannelLost
)

// ModelLoadFailedError reports that the model could not be made ready.
type ModelLoadFailedError struct {
	Reason string
	// Cause is the local error behind the failure, nil when the service announced it.
	Cause error
}

func (e *ModelLoadFailedError) Error() string {
	if e.Reason == "" {
		return "model load failed"
	}
	return "model load failed: " + e.Reason
}

func (e *ModelLoadFailedError) Unwrap() error { return e.Cause }

// IsModelLoadFailed reports whether err is a model load failure.
func IsModelLoadFailed(err error) bool {
	var e *ModelLoadFailedError
	return errors.As(err, &e)
}

// GenerationFailedError reports a failed or unusable generation response.
type GenerationFailedError struct {
	Reason string
	// StatusCode is the HTTP status when the service answered non-2xx, else 0.
	StatusCode int
	Cause      error
}

func (e *GenerationFailedError) Error() string {
	s := "generation failed"
	if e.StatusCode != 0 {
		s += " (" + strconv.Itoa(e.StatusCode) + ")"
	}
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

func (e *GenerationFailedError) Unwrap() error { return e.Cause }

// IsGenerationFailed reports whether err is a generation failure.
func IsGenerationFailed(err error) bool {
	var e *GenerationFailedError
	return errors.As(err, &e)
}

// IsTimedOut reports whether err is ErrTimedOut.
func IsTimedOut(err error) bool { return errors.Is(err, ErrTimedOut) }

// IsChannelLost reports whether err stems from a lost notification channel.
func IsChannelLost(err error) bool { return errors.Is(err, ErrChannelLost) }
