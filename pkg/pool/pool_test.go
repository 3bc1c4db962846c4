package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is a minimal Poolable for the tests.
type fakeConn struct {
	valid  atomic.Bool
	closed atomic.Bool
	resets atomic.Int64
	inUse  atomic.Bool // set by tests to detect double checkout
}

func newFakeConn(valid bool) *fakeConn {
	c := &fakeConn{}
	c.valid.Store(valid)
	return c
}

func (c *fakeConn) Reset() { c.resets.Add(1) }

func (c *fakeConn) IsValid() bool { return c.valid.Load() && !c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.valid.Store(false)
	return nil
}

func validFactory() (*fakeConn, error) { return newFakeConn(true), nil }

func TestNewInvalidArgument(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		if _, err := New(capacity, validFactory); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("New(%d) error = %v, want ErrInvalidArgument", capacity, err)
		}
	}

	if _, err := New[*fakeConn](3, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("New with nil factory error = %v, want ErrInvalidArgument", err)
	}
}

func TestPrewarm(t *testing.T) {
	p, err := New(5, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	s := p.Stats()
	if s.Idle != 2 || s.Created != 2 {
		t.Fatalf("after New(5): idle=%d created=%d, want 2/2", s.Idle, s.Created)
	}

	small, err := New(1, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer small.Shutdown()

	if s := small.Stats(); s.Idle != 1 || s.Created != 1 {
		t.Fatalf("after New(1): idle=%d created=%d, want 1/1", s.Idle, s.Created)
	}
}

func TestPrewarmSkipsBadResources(t *testing.T) {
	calls := 0
	p, err := New(4, func() (*fakeConn, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("dial refused")
		}
		return newFakeConn(false), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	if s := p.Stats(); s.Idle != 0 || s.Created != 0 {
		t.Fatalf("prewarm counted bad resources: idle=%d created=%d", s.Idle, s.Created)
	}
}

func TestAcquireReleaseRoundtrip(t *testing.T) {
	p, err := New(2, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	c, err := p.Acquire(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if c.resets.Load() != 1 {
		t.Fatalf("resets=%d, want 1 (Acquire must Reset)", c.resets.Load())
	}

	s := p.Stats()
	if s.Acquisitions != 1 || s.Releases != 0 || s.Active() != 1 {
		t.Fatalf("stats after acquire: %+v", s)
	}

	p.Release(c)

	s = p.Stats()
	if s.Releases != 1 || s.Active() != 0 {
		t.Fatalf("stats after release: %+v", s)
	}
	if s.Idle+int(s.Active()) != s.Created {
		t.Fatalf("idle+active != created: %+v", s)
	}
	if c.closed.Load() {
		t.Fatal("valid released conn must not be closed")
	}
}

// Two concurrent acquires on a capacity-1 pool: one wins immediately,
// the other blocks until the first releases.
func TestCapacityOneHandoff(t *testing.T) {
	p, err := New(1, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	first, err := p.Acquire(100 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *fakeConn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := p.Acquire(time.Second)
		if err != nil {
			errCh <- err
			return
		}
		got <- c
	}()

	// the second acquirer must be blocked, not failed.
	select {
	case err := <-errCh:
		t.Fatalf("second acquire failed early: %v", err)
	case c := <-got:
		t.Fatalf("second acquire got %p while first holds the only conn", c)
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(first)

	select {
	case c := <-got:
		if c != first {
			t.Fatalf("handoff gave %p, want the released %p", c, first)
		}
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(time.Second):
		t.Fatal("second acquire never woke up after release")
	}
}

// A factory that only produces invalid resources: every cycle must
// close its product, halve the budget, and the loop must end in
// ErrAcquireTimeout instead of recursing forever.
func TestAlwaysInvalidFactoryTimesOut(t *testing.T) {
	var made []*fakeConn
	p, err := New(3, func() (*fakeConn, error) {
		c := newFakeConn(false)
		made = append(made, c)
		return c, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	start := time.Now()
	_, err = p.Acquire(time.Second)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire = %v, want ErrAcquireTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("retry loop waited %v, must stay within the original budget", elapsed)
	}

	if len(made) == 0 {
		t.Fatal("factory was never retried")
	}
	for i, c := range made {
		if !c.closed.Load() {
			t.Fatalf("invalid conn %d was not closed", i)
		}
	}
	if s := p.Stats(); s.Created != 0 {
		t.Fatalf("created=%d after invalid-only factory, want 0", s.Created)
	}
}

func TestAcquireAfterShutdownFailsFast(t *testing.T) {
	p, err := New(2, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	p.Shutdown()

	start := time.Now()
	_, err = p.Acquire(5 * time.Second)
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Acquire after Shutdown = %v, want ErrPoolClosed", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("Acquire after Shutdown took %v, want immediate", elapsed)
	}
}

func TestShutdownWakesBlockedAcquirer(t *testing.T) {
	p, err := New(1, validFactory)
	if err != nil {
		t.Fatal(err)
	}

	c, err := p.Acquire(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(5 * time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the goroutine block
	p.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolClosed) {
			t.Fatalf("blocked acquire after Shutdown = %v, want ErrPoolClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked acquirer not woken by Shutdown")
	}
}

func TestAcquireTimeoutWhenExhausted(t *testing.T) {
	p, err := New(1, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	c, err := p.Acquire(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(c)

	start := time.Now()
	_, err = p.Acquire(50 * time.Millisecond)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire = %v, want ErrAcquireTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("timed out after %v, before the budget expired", elapsed)
	}
}

// Releasing a valid resource into a full idle store closes it and
// gives its slot back.
func TestReleaseOverflowCloses(t *testing.T) {
	p, err := New(2, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	// prewarm filled idle to capacity: created=2, idle=2.
	extra := newFakeConn(true)
	before := p.Stats()

	p.Release(extra)

	if !extra.closed.Load() {
		t.Fatal("overflow release must close the resource")
	}
	after := p.Stats()
	if after.Created != before.Created-1 {
		t.Fatalf("created %d -> %d, want a decrement", before.Created, after.Created)
	}
	if after.Releases != before.Releases+1 {
		t.Fatal("releases must count the overflow release too")
	}
}

func TestReleaseInvalidCloses(t *testing.T) {
	p, err := New(2, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	c, err := p.Acquire(time.Second)
	if err != nil {
		t.Fatal(err)
	}

	c.valid.Store(false)
	p.Release(c)

	if !c.closed.Load() {
		t.Fatal("invalid released conn must be closed")
	}
	if s := p.Stats(); s.Created != 1 {
		t.Fatalf("created=%d, want 1 after closing the invalid conn", s.Created)
	}
}

func TestReleaseNilIsNoop(t *testing.T) {
	p, err := New(1, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	before := p.Stats()
	p.Release(nil)
	if after := p.Stats(); after != before {
		t.Fatalf("Release(nil) changed stats: %+v -> %+v", before, after)
	}
}

func TestReleaseAfterShutdownForceCloses(t *testing.T) {
	p, err := New(1, validFactory)
	if err != nil {
		t.Fatal(err)
	}

	c, err := p.Acquire(time.Second)
	if err != nil {
		t.Fatal(err)
	}

	p.Shutdown()
	p.Release(c)

	if !c.closed.Load() {
		t.Fatal("a conn released after Shutdown must be closed, not leaked")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	p, err := New(3, validFactory)
	if err != nil {
		t.Fatal(err)
	}

	held, err := p.Acquire(time.Second)
	if err != nil {
		t.Fatal(err)
	}

	p.Shutdown()
	first := p.Stats()
	p.Shutdown()
	second := p.Stats()

	if first != second {
		t.Fatalf("second Shutdown changed state: %+v -> %+v", first, second)
	}
	if first.Idle != 0 {
		t.Fatalf("idle=%d after Shutdown, want 0", first.Idle)
	}
	if first.Created != 1 {
		t.Fatalf("created=%d, want 1 (only the checked-out conn survives)", first.Created)
	}

	p.Release(held)
	if !held.closed.Load() {
		t.Fatal("straggler release after Shutdown must close the conn")
	}
}

// Hammer the pool and check the two core invariants: no resource is
// checked out twice at once, and created never exceeds capacity.
func TestConcurrentCheckoutExclusive(t *testing.T) {
	const capacity = 4
	const workers = 16
	const rounds = 200

	p, err := New(capacity, validFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	var wg sync.WaitGroup
	var doubles, overCap atomic.Int64

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				c, err := p.Acquire(time.Second)
				if err != nil {
					continue
				}
				if !c.inUse.CompareAndSwap(false, true) {
					doubles.Add(1)
				}
				if s := p.Stats(); s.Created > capacity {
					overCap.Add(1)
				}
				c.inUse.Store(false)
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	if n := doubles.Load(); n != 0 {
		t.Fatalf("%d double checkouts observed", n)
	}
	if n := overCap.Load(); n != 0 {
		t.Fatalf("created exceeded capacity %d times", overCap.Load())
	}

	s := p.Stats()
	if s.Active() != 0 {
		t.Fatalf("active=%d after all workers released", s.Active())
	}
	if s.Idle != s.Created {
		t.Fatalf("idle=%d created=%d, want equal when nothing is checked out", s.Idle, s.Created)
	}
}
