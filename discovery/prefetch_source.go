package discovery

import (
	"context"
	"sync"
)

// prefetchFuture is the in-flight result of a speculative derivation.
type prefetchFuture struct {
	done chan struct{}
	addr []Address
	err  error
}

func newPrefetchFuture() *prefetchFuture {
	return &prefetchFuture{done: make(chan struct{})}
}

func (f *prefetchFuture) resolve(addr []Address, err error) {
	f.addr, f.err = addr, err
	close(f.done)
}

func (f *prefetchFuture) wait(ctx context.Context) ([]Address, error) {
	select {
	case <-f.done:
		return f.addr, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prefetchSlot names the range a speculative derivation covers and
// carries its future (spec §3 PrefetchSlot).
type prefetchSlot struct {
	firstIndex, lastIndex AddressIndex
	future                *prefetchFuture
}

// PrefetchingSource decorates an AddressSource with a one-slot
// look-ahead: after satisfying a request for [f,l], it speculatively
// starts deriving the next contiguous range of the same size, so a
// caller that keeps requesting equal-size contiguous chunks starts no
// fresh inner derivation after the first request; it waits only for
// whatever remains of the already-running prefetch (spec §4.3).
//
// At most one prefetch is ever outstanding. A caller request that
// doesn't match the current slot's range falls through to a fresh
// inner derivation and the stale slot is discarded — its eventual
// completion (success or failure) is simply never observed.
type PrefetchingSource struct {
	inner AddressSource

	mu   sync.Mutex
	slot *prefetchSlot
}

// NewPrefetchingSource wraps inner with one-slot look-ahead.
func NewPrefetchingSource(inner AddressSource) *PrefetchingSource {
	return &PrefetchingSource{inner: inner}
}

func (s *PrefetchingSource) Derive(ctx context.Context, first, last AddressIndex) ([]Address, error) {
	if last < first {
		return nil, ErrEmptyRange
	}

	s.mu.Lock()
	var adopted *prefetchFuture
	if s.slot != nil && s.slot.firstIndex == first && s.slot.lastIndex == last {
		adopted = s.slot.future
	}
	// The slot is invalidated unconditionally, whether or not it was
	// adopted (spec §4.3 step 2): a stale, non-matching slot must not
	// linger and be mistakenly adopted by a later, different request.
	s.slot = nil
	s.mu.Unlock()

	var addr []Address
	var err error
	if adopted != nil {
		addr, err = adopted.wait(ctx)
	} else {
		addr, err = s.inner.Derive(ctx, first, last)
	}

	// Install the new slot before returning, so the very next matching
	// caller request benefits from it (spec §4.3 step 3). Prefetch
	// errors surface only if a subsequent caller adopts the slot; they
	// are never observed here.
	size := last - first + 1
	nextFirst := last + 1
	nextLast := nextFirst + size - 1
	nextFuture := newPrefetchFuture()
	s.mu.Lock()
	s.slot = &prefetchSlot{firstIndex: nextFirst, lastIndex: nextLast, future: nextFuture}
	s.mu.Unlock()

	go func() {
		nextAddr, nextErr := s.inner.Derive(context.Background(), nextFirst, nextLast)
		nextFuture.resolve(nextAddr, nextErr)
	}()

	return addr, err
}

// Prefetching reports whether a speculative range is currently
// outstanding, for tests.
func (s *PrefetchingSource) prefetching() (AddressIndex, AddressIndex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil {
		return 0, 0, false
	}
	return s.slot.firstIndex, s.slot.lastIndex, true
}
