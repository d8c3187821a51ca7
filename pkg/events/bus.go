package events

import "sync"

// Event is a single bus event: a topic, a type constant from types.go,
// and a typed payload from payloads.go.
type Event struct {
	Topic   string
	Type    string
	Payload any
}

// Handler receives events. Handlers run on the publishing goroutine and
// must return promptly.
type Handler func(Event)

// Bus is the in-process pub-sub registry. Each process has one Bus; every
// component that emits or observes events holds a reference to it.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

// subscription pairs a handler with its topic filter. An empty topic
// matches every event.
type subscription struct {
	topic string
	fn    Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers a handler for a single topic. The returned cancel
// func removes the subscription; it is safe to call more than once.
func (b *Bus) Subscribe(topic string, fn Handler) (cancel func()) {
	return b.add(&subscription{topic: topic, fn: fn})
}

// SubscribeAll registers a handler for every topic. The stream manager
// uses this to fan out without tracking the agent population.
func (b *Bus) SubscribeAll(fn Handler) (cancel func()) {
	return b.add(&subscription{fn: fn})
}

func (b *Bus) add(s *subscription) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers the event to every matching subscriber, synchronously,
// in registration order not guaranteed. Handlers are snapshotted under
// the read lock and invoked without it, so a handler may itself subscribe
// or publish.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == evt.Topic {
			handlers = append(handlers, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// subscriberCount returns the number of subscriptions matching a topic.
// Unexported; used by tests to poll instead of sleeping.
func (b *Bus) subscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.topic == "" || s.topic == topic {
			n++
		}
	}
	return n
}
