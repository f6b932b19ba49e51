package registry

import (
	"sync"

	"github.com/nazq/tei-manager/pkg/types"
)

// Subscriber receives instance lifecycle events published by the registry.
type Subscriber chan types.InstanceEvent

// broker fans out instance lifecycle events to every subscriber, most
// notably the backend connection pool's eviction loop.
type broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan types.InstanceEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func newBroker() *broker {
	return &broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan types.InstanceEvent, 100),
		stopCh:      make(chan struct{}),
	}
}

func (b *broker) start() {
	go b.run()
}

func (b *broker) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a new channel that receives every future event until
// Unsubscribe is called.
func (b *broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe stops delivery to sub and closes it.
func (b *broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

func (b *broker) publish(event types.InstanceEvent) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *broker) broadcast(event types.InstanceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full; dropping is preferable to blocking
			// the registry's lifecycle path on a slow pool consumer.
		}
	}
}
