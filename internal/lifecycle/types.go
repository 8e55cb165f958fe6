package lifecycle

// Phase is the lifecycle phase of the remote model as tracked by the client.
type Phase int

const (
	NotLoaded Phase = iota
	Loading
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a read-only projection of the controller. Reason and Cause are set
// only in the Failed phase.
type State struct {
	Phase  Phase
	Reason string
	// Cause is the local error behind a failure, if any. Failures reported by the
	// service over the notification channel carry no cause.
	Cause error
}

func (s State) String() string {
	if s.Phase == Failed && s.Reason != "" {
		return s.Phase.String() + "(" + s.Reason + ")"
	}
	return s.Phase.String()
}
