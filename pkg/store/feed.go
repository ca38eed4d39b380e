package store

import (
	"sync"
	"sync/atomic"
)

// Feed fans updates out to subscribers. Publishing never blocks; a
// subscriber whose buffer is full misses the update.
type Feed[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription[T]
	nextID uint64
}

type subscription[T any] struct {
	ch     chan T
	closed atomic.Bool
}

// Subscribe returns a channel of updates and a function that ends the
// subscription and closes the channel.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription[T]{ch: make(chan T, buffer)}

	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[uint64]*subscription[T])
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = sub
	f.mu.Unlock()

	return sub.ch, func() {
		if !sub.closed.CompareAndSwap(false, true) {
			return
		}
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		close(sub.ch)
	}
}

func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		select {
		case sub.ch <- v:
		default:
		}
	}
}
