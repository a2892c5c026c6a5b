package identity

import (
	"context"
	"sync"
)

// emitter fan-outs auth events to all active subscribers.
type emitter struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[int]chan Event)}
}

// subscribe registers a subscriber channel which is closed when ctx ends.
func (e *emitter) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.subs, id)
		close(ch)
		e.mu.Unlock()
	}()

	return ch
}

// emit fan-outs the event to all subscribers.
func (e *emitter) emit(evt Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
