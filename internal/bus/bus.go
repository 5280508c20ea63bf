// Package bus defines the consumption-side interface the Listener needs
// against the product-status event bus. The real broker client (Kafka or
// the HTTP long-poll variant) is an external collaborator outside this
// daemon's scope; this package only shapes what the Listener consumes
// from it, modeled after contenox-runtime/libbus's Messenger/Stream
// abstraction.
package bus

import (
	"context"
	"time"
)

// EventKind distinguishes the two wire shapes the product-status bus emits.
type EventKind string

const (
	KindResource  EventKind = "resource"
	KindHeartbeat EventKind = "heartbeat"
)

// ResourceKind names the kind of resource a resource event announces. Only
// "datainstance" is handled by the Listener; everything else is ignored.
const ResourceKindDataInstance = "datainstance"

// RawEvent is the decoded shape of one bus message.
type RawEvent struct {
	Kind             EventKind
	Resource         string
	ID               string
	MessageTimestamp time.Time
}

// Consumer is a fresh, already-connected subscription to the
// product-status bus. Implementations own their own reconnect/backoff
// policy internally: Events returns its channel at once, and the channel
// stays open until ctx is done or the consumer gives up permanently.
type Consumer interface {
	// Events streams every event observed on the bus. The channel is
	// closed when ctx is canceled or the consumer decides to give up
	// permanently (an unrecoverable error, logged by the implementation).
	Events(ctx context.Context) <-chan RawEvent

	// Close releases any resources held by the consumer.
	Close() error
}

// NewConsumerGroupID constructs a fresh consumer group identifier so a
// restart of the daemon never resumes from a stale committed offset. Real
// implementations call this once per connection attempt and pass the id
// to the broker client as the consumer group name.
var NewConsumerGroupID = newRandomGroupID
