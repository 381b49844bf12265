package events

import (
	"sync"
)

// DefaultBufferSize is the number of events a subscription queues before
// further events are dropped for it.
const DefaultBufferSize = 64

// Publisher is implemented by anything events can be handed to.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) {
	f(e)
}

// Subscription is a single consumer of the broadcaster's events.
type Subscription struct {
	id      uint64
	updates chan Event
	b       *Broadcaster
	once    sync.Once
}

// Updates returns the channel events are delivered on. It is closed when the
// subscription is cancelled or the broadcaster stops.
func (s *Subscription) Updates() <-chan Event {
	return s.updates
}

// Cancel removes the subscription from the broadcaster.
func (s *Subscription) Cancel() {
	s.b.remove(s.id)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.updates) })
}

// Broadcaster fans published events out to every live subscription. Publish
// never blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mtx     sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	stopped bool
	bufSize int
}

// NewBroadcaster returns a broadcaster whose subscriptions buffer bufSize
// events. A non-positive size selects DefaultBufferSize.
func NewBroadcaster(bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broadcaster{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscription. Subscribing to a stopped
// broadcaster returns an already closed subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub := &Subscription{
		id:      b.nextID,
		updates: make(chan Event, b.bufSize),
		b:       b,
	}
	b.nextID++

	if b.stopped {
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers e to every subscription.
func (b *Broadcaster) Publish(e Event) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.stopped {
		return
	}

	log.Debugf("Publishing %s", e.EventName())
	for id, sub := range b.subs {
		select {
		case sub.updates <- e:
		default:
			log.Warnf("Subscriber %d is full, dropping %s", id,
				e.EventName())
		}
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	sub.close()
}

// Stop closes all subscriptions. Later publishes are discarded.
func (b *Broadcaster) Stop() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}
