package coordinator

import "time"

// Bus topics published by the coordinator. The history recorder
// subscribes to these; tests and debug logging may too.
const (
	TopicQueued       = "delivery.queued"
	TopicSent         = "delivery.sent"
	TopicFailed       = "delivery.failed"
	TopicCreated      = "channel.created"
	TopicCreateFailed = "channel.create_failed"
	TopicDuplicate    = "event.duplicate"
)

// DeliveryEvent is the bus payload for all coordinator topics. Fields
// not relevant to a topic are left zero.
type DeliveryEvent struct {
	MessageID string    `json:"message_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	User      string    `json:"user,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
