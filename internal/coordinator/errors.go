package coordinator

import (
	"errors"
	"fmt"
)

// ErrUnknownRecipient fails fast when a message reaches the coordinator
// with neither a recipient user nor a channel resolved. Ingress
// validation makes this unreachable for submitted traffic; hitting it
// means a caller bug.
var ErrUnknownRecipient = errors.New("message has neither recipient user nor channel")

// ChannelCreationError reports a failed channel creation. Every message
// buffered for the recipient fails together with it; there is no retry
// here, a later submission for the same user starts a fresh attempt.
type ChannelCreationError struct {
	User    UserID
	Dropped int
	Err     error
}

func (e *ChannelCreationError) Error() string {
	return fmt.Sprintf("create channel for %s failed, dropping %d message(s): %v", e.User, e.Dropped, e.Err)
}

func (e *ChannelCreationError) Unwrap() error { return e.Err }

// SendError reports a transport failure delivering one message. Sibling
// messages in the same flush are still attempted.
type SendError struct {
	Channel   ChannelID
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message %s to %s failed: %v", e.MessageID, e.Channel, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
