package worker

import (
	"github.com/go-logr/logr"
)

// Notifier pushes events from entities to the controller. Events carry the
// id of the entity they originate from.
type Notifier struct {
	logger  logr.Logger
	channel *Channel
}

func NewNotifier(channel *Channel) *Notifier {
	return &Notifier{
		logger:  NewLogger("Notifier"),
		channel: channel,
	}
}

// Emit sends a JSON notification. data may be nil for bare events.
func (n *Notifier) Emit(targetId uint32, event string, data interface{}) {
	notification := H{
		"targetId": targetId,
		"event":    event,
	}
	if data != nil {
		notification["data"] = data
	}
	n.channel.send(notification)
}

// EmitBinary sends a raw binary notification, used for trace events where
// JSON framing would be wasteful.
func (n *Notifier) EmitBinary(payload []byte) {
	n.channel.sendBinary(payload)
}
