package history

import (
	"mxrelay/internal/coordinator"
	"mxrelay/internal/eventbus"
)

// FromBusEvent translates a delivery lifecycle event into a history
// entry. It reports false for bus traffic the history does not record.
func FromBusEvent(e eventbus.Event) (Entry, bool) {
	switch e.Type {
	case coordinator.TopicQueued,
		coordinator.TopicSent,
		coordinator.TopicFailed,
		coordinator.TopicCreated,
		coordinator.TopicCreateFailed,
		coordinator.TopicDuplicate:
	default:
		return Entry{}, false
	}

	de, ok := e.Data.(coordinator.DeliveryEvent)
	if !ok {
		return Entry{}, false
	}
	at := de.At
	if at.IsZero() {
		at = e.Time
	}
	return Entry{
		At:        at,
		Topic:     e.Type,
		MessageID: de.MessageID,
		Kind:      de.Kind,
		User:      de.User,
		Channel:   de.Channel,
		EventID:   de.EventID,
		Dropped:   de.Dropped,
		Error:     de.Error,
	}, true
}
