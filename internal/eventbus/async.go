package eventbus

import (
	"sync"
	"sync/atomic"
)

// AsyncBus wraps a Bus, buffering emitted events in a bounded queue that a
// single drain goroutine delivers to the underlying Bus. When the queue is
// saturated, the oldest buffered event is dropped to make room for the
// newest one; the drop count is itself reported via a KindOverflow event on
// the wrapped Bus.
type AsyncBus struct {
	inner    *Bus
	capacity int

	mu      sync.Mutex
	queue   []queuedEvent
	dropped uint64
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

type queuedEvent struct {
	kind      Kind
	sessionID string
	payload   map[string]any
}

// NewAsyncBus wraps inner with a bounded queue of the given capacity and
// starts its drain goroutine. Capacity must be at least 1.
func NewAsyncBus(inner *Bus, capacity int) *AsyncBus {
	if capacity < 1 {
		capacity = 1
	}
	b := &AsyncBus{
		inner:    inner,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.drain()
	return b
}

// Subscribe delegates to the wrapped Bus.
func (b *AsyncBus) Subscribe(kinds []Kind, handler Handler) Token {
	return b.inner.Subscribe(kinds, handler)
}

// Unsubscribe delegates to the wrapped Bus.
func (b *AsyncBus) Unsubscribe(token Token) {
	b.inner.Unsubscribe(token)
}

// Emit enqueues the event for asynchronous delivery and returns
// immediately, dropping the oldest queued event if the buffer is full.
func (b *AsyncBus) Emit(kind Kind, sessionID string, payload map[string]any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.queue) >= b.capacity {
		b.queue = b.queue[1:]
		atomic.AddUint64(&b.dropped, 1)
	}
	b.queue = append(b.queue, queuedEvent{kind: kind, sessionID: sessionID, payload: payload})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// DroppedCount returns the number of events dropped so far due to queue
// saturation.
func (b *AsyncBus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Close stops the drain goroutine once the queue is empty. Subsequent
// Emit calls are dropped silently.
func (b *AsyncBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *AsyncBus) drain() {
	defer close(b.done)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			<-b.notify
			continue
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.inner.Emit(ev.kind, ev.sessionID, ev.payload)

		if dropped := atomic.SwapUint64(&b.dropped, 0); dropped > 0 {
			b.inner.Emit(KindOverflow, "", map[string]any{"dropped": dropped})
		}
	}
}
