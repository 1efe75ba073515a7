package bus

// Publisher is the publishing half of an EventBus.
type Publisher interface {
	Publish(key string, data any)
}

// Subscriber is the subscribing half of an EventBus.
type Subscriber interface {
	Subscribe(key string, handler Handler)
}

// Bus is satisfied by *EventBus. Collaborators that share a bus accept this.
type Bus interface {
	Publisher
	Subscriber
}

var _ Bus = (*EventBus)(nil)

// Typed wraps a handler that expects a concrete payload type. Payloads of any
// other type are ignored.
func Typed[T any](handler func(T)) Handler {
	return func(data any) {
		value, ok := data.(T)
		if !ok {
			return
		}
		handler(value)
	}
}
