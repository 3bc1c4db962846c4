package pool

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// prewarmSize is how many resources New tries to create up front
// (capped by capacity), so the first callers skip the dial cost.
const prewarmSize = 2

// minWait is the smallest wait slice the Acquire retry loop will use.
// Once halving drives the budget below it, Acquire gives up with
// ErrAcquireTimeout instead of spinning on a floor forever.
const minWait = time.Millisecond

// pool is the Pool implementation: a buffered channel as the idle
// store, atomic counters, and a mutex that only fences the shutdown
// transition so a drain cannot race a concurrent Release.
type pool[T Poolable] struct {
	idle    chan T
	factory Factory[T]

	capacity     int64
	created      atomic.Int64 // resources alive: idle + checked out
	acquisitions atomic.Int64
	releases     atomic.Int64

	mu   sync.Mutex
	down bool
	done chan struct{} // closed on Shutdown, wakes blocked acquirers
}

// New creates a pool that keeps at most capacity resources alive and
// pre-warms min(2, capacity) of them. A prewarm resource that fails to
// create or arrives invalid is skipped (and closed), not counted.
func New[T Poolable](capacity int, factory Factory[T]) (Pool[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidArgument, capacity)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: factory is nil", ErrInvalidArgument)
	}

	p := &pool[T]{
		idle:     make(chan T, capacity),
		factory:  factory,
		capacity: int64(capacity),
		done:     make(chan struct{}),
	}
	p.prewarm()

	return p, nil
}

func (p *pool[T]) prewarm() {
	n := prewarmSize
	if int(p.capacity) < n {
		n = int(p.capacity)
	}
	for i := 0; i < n; i++ {
		t, err := p.factory()
		if err != nil {
			continue
		}
		if !t.IsValid() {
			t.Close()
			continue
		}
		select {
		case p.idle <- t:
			p.created.Add(1)
		default: // cap(idle) == capacity, so this cannot fire; close rather than leak
			t.Close()
		}
	}
}

// Acquire takes a resource from the pool, blocking for at most timeout
// when the pool is empty and at capacity.
//
// A resource that turns out invalid is closed and the acquisition is
// retried with the budget halved, so a burst of dead resources cannot
// chain full-timeout waits. When the halved budget falls below a
// minimum slice the retry loop ends in ErrAcquireTimeout.
func (p *pool[T]) Acquire(timeout time.Duration) (T, error) {
	var zero T
	budget := timeout

	for {
		if p.closed() {
			return zero, ErrPoolClosed
		}

		// acquisitions counts attempts, retry cycles included.
		p.acquisitions.Add(1)

		var t T
		obtained := false
		counted := true // does t hold a slot in created?

		// fast path: an idle resource is ready.
		select {
		case t = <-p.idle:
			obtained = true
		default:
		}

		// under capacity: create eagerly instead of blocking.
		// The slot is reserved first so two racing acquirers cannot
		// both create the last resource.
		if !obtained && p.reserve() {
			fresh, err := p.factory()
			switch {
			case err != nil:
				p.created.Add(-1)
			case !fresh.IsValid():
				// dead on arrival: hold it, uncounted, so the
				// validation below closes it and retries.
				p.created.Add(-1)
				t, obtained, counted = fresh, true, false
			default:
				t, obtained = fresh, true
			}
		}

		// last resort: wait for another caller's Release.
		if !obtained {
			timer := time.NewTimer(budget)
			select {
			case t = <-p.idle:
				timer.Stop()
			case <-p.done:
				timer.Stop()
				return zero, ErrPoolClosed
			case <-timer.C:
				return zero, ErrAcquireTimeout
			}
		}

		// validity is racy: a resource can expire between leaving idle
		// and this check, so an invalid one costs half the budget and
		// another lap rather than an immediate failure.
		if !t.IsValid() {
			t.Close()
			if counted {
				p.created.Add(-1)
			}
			budget /= 2
			if budget < minWait {
				return zero, ErrAcquireTimeout
			}
			continue
		}

		t.Reset()
		return t, nil
	}
}

// Release returns t to the pool: back to idle when it is still valid
// and there is room, closed otherwise. It never blocks and never fails
// observably; a valid resource that does not fit is closed, which is an
// expected outcome, not an error.
//
// After Shutdown, a released resource is force-closed instead of
// silently dropped, so a straggling checkout cannot leak it.
func (p *pool[T]) Release(t T) {
	if absent(t) {
		return
	}

	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		t.Close()
		return
	}

	p.releases.Add(1)

	if !t.IsValid() {
		p.mu.Unlock()
		t.Close()
		p.created.Add(-1)
		return
	}

	select {
	case p.idle <- t:
		p.mu.Unlock()
	default: // idle store full
		p.mu.Unlock()
		t.Close()
		p.created.Add(-1)
	}
}

// Stats returns a point-in-time snapshot of the pool counters.
func (p *pool[T]) Stats() Stats {
	return Stats{
		Idle:         len(p.idle),
		Capacity:     int(p.capacity),
		Created:      int(p.created.Load()),
		Acquisitions: p.acquisitions.Load(),
		Releases:     p.releases.Load(),
	}
}

// Shutdown refuses further acquisitions, wakes blocked acquirers and
// closes every idle resource. Checked-out resources are not reclaimed;
// releasing them afterwards closes them (see Release). Idempotent.
func (p *pool[T]) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down {
		return
	}
	p.down = true
	close(p.done)

	// Release refuses to touch idle once down is set (it checks under
	// the same mutex we hold), so this drain sees everything.
	for {
		select {
		case t := <-p.idle:
			t.Close()
			p.created.Add(-1)
		default:
			return
		}
	}
}

// reserve claims a created slot if the pool is under capacity.
// Claim-then-check (Add then roll back) would let created overshoot
// capacity for a moment, so this loops on a CompareAndSwap instead.
func (p *pool[T]) reserve() bool {
	for {
		n := p.created.Load()
		if n >= p.capacity {
			return false
		}
		if p.created.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *pool[T]) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// absent reports whether t is a nil reference. Release treats those as
// a no-op: T is usually a pointer type, and a nil one has nothing to
// close or store.
func absent[T any](t T) bool {
	v := reflect.ValueOf(t)
	switch v.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return v.IsNil()
	}
	return false
}
