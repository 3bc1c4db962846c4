package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// pubSubRedis is a PubSub[T] implementation based on redis pub/sub
// and json encoding. Subscribers in other processes see the same
// payloads as local ones.
type pubSubRedis[T any] struct {
	name   string
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPubSubRedis[T any](name string, rdb *redis.Client) PubSub[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &pubSubRedis[T]{
		name:   name,
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (ps *pubSubRedis[T]) Publish(payload T) error {
	if err := ps.ctx.Err(); err != nil {
		return ErrClosed
	}

	payloadEncoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	return ps.rdb.Publish(ps.ctx, ps.name, string(payloadEncoded)).Err()
}

func (ps *pubSubRedis[T]) Subscribe() <-chan Result[T] {
	sub := ps.rdb.Subscribe(ps.ctx, ps.name)
	ch := sub.Channel()

	out := make(chan Result[T], pubSubChanBufSize)

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				payload := new(T)
				err := json.Unmarshal([]byte(msg.Payload), payload)
				out <- Result[T]{Ok: *payload, Err: err}
			case <-ps.ctx.Done():
				return
			}
		}
	}()

	return out
}

// Close stops all subscriptions of this hub. The shared redis client
// is owned by the caller and stays open.
func (ps *pubSubRedis[T]) Close() error {
	ps.cancel()
	return nil
}
