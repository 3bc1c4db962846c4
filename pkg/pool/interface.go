// Package pool provides a bounded pool of expensive, reusable resources.
package pool

import (
	"errors"
	"time"
)

// Poolable is the contract a pooled resource must satisfy.
//
// Reset clears transient usage markers before a checkout; cumulative
// counters on the resource survive it. IsValid reports whether the
// resource is still usable. Close permanently disables the resource
// and is a no-op when called again; after Close, IsValid must report
// false forever.
type Poolable interface {
	Reset()
	IsValid() bool
	Close() error
}

// Factory creates a new resource on demand.
type Factory[T Poolable] func() (T, error)

type Pool[T Poolable] interface {
	// Acquire takes a resource: an idle one, a freshly created one if
	// the pool is under capacity, or one released by another caller
	// within timeout. Errors: ErrPoolClosed, ErrAcquireTimeout.
	Acquire(timeout time.Duration) (T, error)

	// Release returns a checked-out resource. Never blocks, never fails.
	Release(t T)

	// Stats returns an advisory snapshot of the pool counters.
	Stats() Stats

	// Shutdown closes the pool and every idle resource. Idempotent.
	Shutdown()
}

// Stats is a snapshot of the pool counters for monitoring.
//
// The fields are read independently of each other, so a snapshot taken
// under load can be stale or internally inconsistent. It is advisory
// only and never used for pool correctness.
type Stats struct {
	Idle         int   `json:"idle"`
	Capacity     int   `json:"capacity"`
	Created      int   `json:"created"`
	Acquisitions int64 `json:"acquisitions"`
	Releases     int64 `json:"releases"`
}

// Active derives the number of resources currently checked out.
// Acquisitions counts attempts (including retry cycles and timed-out
// waits) while Releases counts successful returns, so Active can
// overcount after failed acquires.
func (s Stats) Active() int64 {
	return s.Acquisitions - s.Releases
}

// errors
var (
	ErrPoolClosed      = errors.New("the pool is closed")
	ErrAcquireTimeout  = errors.New("acquire timed out")
	ErrInvalidArgument = errors.New("invalid argument")
)
