package event

import (
	"errors"
	"slices"
)

// Publisher publishes events on one topic. Publish is synchronous fan-out to
// current subscribers; events are never replayed to later subscribers.
type Publisher interface {
	Topic() string
	Publish(e Event)
}

// Handler receives events delivered to a subscription.
type Handler func(Event)

// Subscription is a live registration on one or more topics.
type Subscription interface {
	Topics() []string
	Cancel()
}

// Subscriber registers handlers for a subscription request.
type Subscriber interface {
	Subscribe(req SubscriptionRequest, h Handler) (Subscription, error)
}

// Bus is the topic-addressed publish/subscribe broker used by the core.
type Bus interface {
	Subscriber
	// Publisher returns the publisher of topic. Repeated calls for the same
	// topic return publishers delivering to the same subscribers.
	Publisher(topic string) Publisher
	// NewSubscription starts building a subscription.
	NewSubscription() *SubscriptionBuilder
}

// SubscriptionRequest describes what a subscriber wants to receive.
type SubscriptionRequest struct {
	Topics     []string
	EventTypes []Type
	// QueueSize > 0 delivers events asynchronously through a bounded queue.
	// Events arriving on a full queue are dropped.
	QueueSize int
}

// Accepts reports whether an event of kind t passes the type predicate.
func (r SubscriptionRequest) Accepts(t Type) bool {
	return len(r.EventTypes) == 0 || slices.Contains(r.EventTypes, t)
}

// ErrNoTopic is returned when a subscription names no topic.
var ErrNoTopic = errors.New("subscription requires at least one topic")

// SubscriptionBuilder assembles a SubscriptionRequest fluently.
type SubscriptionBuilder struct {
	sub Subscriber
	req SubscriptionRequest
}

// NewSubscriptionBuilder returns a builder registering through sub.
func NewSubscriptionBuilder(sub Subscriber) *SubscriptionBuilder {
	return &SubscriptionBuilder{sub: sub}
}

func (b *SubscriptionBuilder) WithTopics(topics ...string) *SubscriptionBuilder {
	b.req.Topics = append(b.req.Topics, topics...)
	return b
}

func (b *SubscriptionBuilder) WithEventTypes(types ...Type) *SubscriptionBuilder {
	b.req.EventTypes = append(b.req.EventTypes, types...)
	return b
}

// Async delivers events on a dedicated goroutine through a queue of size n.
func (b *SubscriptionBuilder) Async(n int) *SubscriptionBuilder {
	b.req.QueueSize = n
	return b
}

// Subscribe registers h and returns the live subscription.
func (b *SubscriptionBuilder) Subscribe(h Handler) (Subscription, error) {
	if len(b.req.Topics) == 0 {
		return nil, ErrNoTopic
	}
	if h == nil {
		return nil, errors.New("subscription handler is nil")
	}
	req := b.req
	req.Topics = slices.Clone(req.Topics)
	req.EventTypes = slices.Clone(req.EventTypes)
	return b.sub.Subscribe(req, h)
}
