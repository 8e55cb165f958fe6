package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"zstudio/pkg/types"
)

// Kind is the severity class of a notification.
type Kind int

const (
	KindInfo Kind = iota
	KindSuccess
	KindError
	KindWarning
	// KindChannelLost is synthesized locally when the connection drops; the
	// service never sends it.
	KindChannelLost
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindWarning:
		return "warning"
	case KindChannelLost:
		return "channel_lost"
	default:
		return "unknown"
	}
}

// Notification is one inbound event. It is handed to each subscriber once and
// is not retained by the channel.
type Notification struct {
	Kind    Kind
	Message string
	Raw     []byte
}

var errUnrecognizedFrame = errors.New("unrecognized frame")

// ParseFrame decodes a raw websocket frame. Anything other than a notification
// frame with a known notification_type is rejected.
func ParseFrame(b []byte) (Notification, error) {
	var f types.NotificationFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return Notification{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type != types.FrameTypeNotification {
		return Notification{}, fmt.Errorf("%w: type=%q", errUnrecognizedFrame, f.Type)
	}
	var k Kind
	switch f.NotificationType {
	case "info":
		k = KindInfo
	case "success":
		k = KindSuccess
	case "error":
		k = KindError
	case "warning":
		k = KindWarning
	default:
		return Notification{}, fmt.Errorf("%w: notification_type=%q", errUnrecognizedFrame, f.NotificationType)
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return Notification{Kind: k, Message: f.Message, Raw: raw}, nil
}
