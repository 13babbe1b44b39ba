package msgbroker

// MessageBroker is the relay bus between connection read loops and the
// room fan-out workers. Delivery is fire-and-forget: per channel order
// is preserved, nothing is retried.
type MessageBroker interface {
	// Publish sends msg to a channel
	Publish(msg []byte, channel string) error
	// Subscribe registers cb for every message matching the channel pattern
	Subscribe(pattern string, cb MessageHandler) error
	// Unsubscribe from the given channel patterns
	Unsubscribe(patterns ...string) error
	// Close closes subscriptions
	Close() error
}

// MessageHandler is a callback function that processes messages delivered to subscribers.
type MessageHandler func(msg *Message)

// Message is the representation of transmitted data
type Message struct {
	Channel string
	Data    []byte
}
