// Package pubsub provides a small generic publish/subscribe hub,
// backed by go chans for in-process fan-out or by redis for fan-out
// across processes.
package pubsub

import "errors"

// PubSub[T] is the pub/sub interface.
type PubSub[T any] interface {
	// Publish sends payload to every current subscriber.
	Publish(payload T) error
	// Subscribe returns a channel of results. The channel is closed
	// when the hub is closed.
	Subscribe() <-chan Result[T]
	// Close shuts the hub down and closes all subscriber channels.
	Close() error
}

// Result[T] is what a subscription channel carries: a payload or a
// delivery/decoding error.
type Result[T any] struct {
	Ok  T
	Err error
}

var ErrClosed = errors.New("pubsub: closed")
