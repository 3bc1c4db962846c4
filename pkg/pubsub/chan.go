package pubsub

import "sync"

const pubSubChanBufSize = 8

// pubSubChan is a PubSub[T] implementation based on go chans.
// Delivery to a subscriber whose buffer is full drops the payload for
// that subscriber rather than stalling the others.
type pubSubChan[T any] struct {
	mu     sync.RWMutex
	subs   []chan Result[T]
	closed bool
}

func NewPubSubChan[T any]() PubSub[T] {
	return &pubSubChan[T]{}
}

func (ps *pubSubChan[T]) Publish(payload T) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return ErrClosed
	}

	for _, sub := range ps.subs {
		select {
		case sub <- Result[T]{Ok: payload}:
		default: // slow subscriber: drop instead of blocking the hub
		}
	}
	return nil
}

func (ps *pubSubChan[T]) Subscribe() <-chan Result[T] {
	ch := make(chan Result[T], pubSubChanBufSize)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		close(ch)
		return ch
	}
	ps.subs = append(ps.subs, ch)
	return ch
}

func (ps *pubSubChan[T]) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	for _, sub := range ps.subs {
		close(sub)
	}
	ps.subs = nil
	return nil
}
