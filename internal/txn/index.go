package txn

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimonWaldherr/persistkv/internal/mvv"
)

// ErrWWTimeout is returned when a write-write dependency wait exceeds its
// deadline.
var ErrWWTimeout = errors.New("txn: write-write dependency wait timed out")

const nBuckets = 64

// bucket shards the status table by ts. Each bucket keeps the active
// ("current") list and the settled-but-referenced ("longRunning") list;
// fully retired statuses go to the free list for reuse.
type bucket struct {
	mu          sync.Mutex
	current     *Status
	longRunning *Status
	free        *Status
}

// Index is the sharded transaction-status table. It implements
// mvv.Arbiter: version visibility and pruning consult it for the
// disposition of any writer timestamp.
type Index struct {
	alloc   *Allocator
	buckets [nBuckets]bucket

	// floor is the minimum start ts across all active transactions, or
	// the allocator's current ts + 1 when none are active. It advances
	// monotonically and never blocks readers on bucket locks.
	floor atomic.Uint64

	// cache is the most recent active-transaction snapshot.
	cache atomic.Pointer[ActiveCache]
}

// ActiveCache is an immutable snapshot of the active transaction set.
type ActiveCache struct {
	// Floor is the minimum active start ts at snapshot time.
	Floor uint64
	// Ts is the allocator value at snapshot time.
	Ts uint64
	// Active holds the start ts of every in-flight transaction.
	Active map[uint64]struct{}
}

// NewIndex creates a transaction index over the given clock.
func NewIndex(alloc *Allocator) *Index {
	ix := &Index{alloc: alloc}
	ix.floor.Store(1)
	ix.UpdateActiveTransactionCache()
	return ix
}

func (ix *Index) bucketFor(ts uint64) *bucket {
	return &ix.buckets[ts%nBuckets]
}

// Begin allocates a Status for a transaction starting at ts and links it
// on the current list.
func (ix *Index) Begin(ts uint64) *Status {
	b := ix.bucketFor(ts)
	b.mu.Lock()
	s := b.free
	if s != nil {
		b.free = s.next
		s.mvvCount.Store(0)
		s.notified.Store(false)
	} else {
		s = &Status{}
	}
	s.ts = ts
	s.tc.Store(tcUncommitted)
	s.done = make(chan struct{})
	s.next = b.current
	b.current = s
	b.mu.Unlock()
	return s
}

// Commit settles s at commit timestamp tc and wakes ww-waiters.
func (ix *Index) Commit(s *Status, tc uint64) {
	s.tc.Store(tc)
	close(s.done)
}

// Abort marks s aborted and wakes ww-waiters.
func (ix *Index) Abort(s *Status) {
	s.tc.Store(tcAborted)
	close(s.done)
}

// End retires s from the current list. A status still referenced by MVV
// versions moves to the long-running list; otherwise it stays reachable
// there until Cleanup frees it below the floor.
func (ix *Index) End(s *Status) {
	b := ix.bucketFor(s.ts)
	b.mu.Lock()
	unlink(&b.current, s)
	s.next = b.longRunning
	b.longRunning = s
	b.mu.Unlock()
	ix.advanceFloor()
}

func unlink(head **Status, s *Status) {
	for p := head; *p != nil; p = &(*p).next {
		if *p == s {
			*p = s.next
			return
		}
	}
}

// Disposition implements mvv.Arbiter. A timestamp absent from the table
// is older than the floor: it either committed (and its commit ts is at
// most its start ts plus the settled window, reported as ts itself) or was
// aborted and fully pruned, in which case no version carrying it survives
// to ask.
func (ix *Index) Disposition(ts uint64) (uint64, mvv.State) {
	if ts == 0 {
		return 0, mvv.StateCommitted
	}
	b := ix.bucketFor(ts)
	b.mu.Lock()
	s := find(b.current, ts)
	if s == nil {
		s = find(b.longRunning, ts)
	}
	b.mu.Unlock()
	if s == nil {
		return ts, mvv.StateCommitted
	}
	tc := s.tc.Load()
	switch tc {
	case tcUncommitted:
		return 0, mvv.StateActive
	case tcAborted:
		return 0, mvv.StateAborted
	default:
		return tc, mvv.StateCommitted
	}
}

// Get returns the live Status for ts, if the table still holds one.
func (ix *Index) Get(ts uint64) *Status {
	b := ix.bucketFor(ts)
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := find(b.current, ts); s != nil {
		return s
	}
	return find(b.longRunning, ts)
}

func find(head *Status, ts uint64) *Status {
	for s := head; s != nil; s = s.next {
		if s.ts == ts {
			return s
		}
	}
	return nil
}

// WWDependency blocks until the transaction that started at otherTs
// settles, or the timeout expires. It returns the other transaction's
// commit ts (0 if it aborted, in which case the caller's write proceeds).
func (ix *Index) WWDependency(otherTs uint64, self *Status, timeout time.Duration) (uint64, error) {
	other := ix.Get(otherTs)
	if other == nil {
		return otherTs, nil // settled long ago
	}
	if other == self {
		return 0, nil
	}
	select {
	case <-other.done:
	case <-time.After(timeout):
		return 0, ErrWWTimeout
	}
	if tc, ok := other.Tc(); ok {
		return tc, nil
	}
	return 0, nil
}

// ActiveFloor returns the current floor: the minimum active start ts, or
// one past the clock when nothing is active.
func (ix *Index) ActiveFloor() uint64 {
	return ix.floor.Load()
}

// advanceFloor recomputes the floor. It runs at transaction end and from
// the cleanup manager's periodic walk, so the floor keeps moving even when
// no new updates arrive and index-only readers never stall on it.
func (ix *Index) advanceFloor() {
	min := ix.alloc.Current() + 1
	for i := range ix.buckets {
		b := &ix.buckets[i]
		b.mu.Lock()
		for s := b.current; s != nil; s = s.next {
			if s.Active() && s.ts < min {
				min = s.ts
			}
		}
		b.mu.Unlock()
	}
	for {
		cur := ix.floor.Load()
		if min <= cur || ix.floor.CompareAndSwap(cur, min) {
			return
		}
	}
}

// UpdateActiveTransactionCache publishes a fresh snapshot of the active
// set and advances the floor.
func (ix *Index) UpdateActiveTransactionCache() *ActiveCache {
	active := make(map[uint64]struct{})
	for i := range ix.buckets {
		b := &ix.buckets[i]
		b.mu.Lock()
		for s := b.current; s != nil; s = s.next {
			if s.Active() {
				active[s.ts] = struct{}{}
			}
		}
		b.mu.Unlock()
	}
	ix.advanceFloor()
	c := &ActiveCache{Floor: ix.floor.Load(), Ts: ix.alloc.Current(), Active: active}
	ix.cache.Store(c)
	return c
}

// ActiveTransactionCache returns the most recent snapshot.
func (ix *Index) ActiveTransactionCache() *ActiveCache {
	if c := ix.cache.Load(); c != nil {
		return c
	}
	return ix.UpdateActiveTransactionCache()
}

// Cleanup reclaims settled statuses below the floor whose mvv-count has
// reached zero. Aborted statuses with no surviving versions are reclaimed
// regardless of journal activity, so an aborted transaction never pins
// resources indefinitely. It returns the number of statuses freed.
func (ix *Index) Cleanup() int {
	floor := ix.floor.Load()
	freed := 0
	for i := range ix.buckets {
		b := &ix.buckets[i]
		b.mu.Lock()
		p := &b.longRunning
		for *p != nil {
			s := *p
			settled := !s.Active()
			reclaimable := settled && s.mvvCount.Load() <= 0 && (s.ts < floor || s.Aborted())
			if reclaimable {
				*p = s.next
				s.next = b.free
				b.free = s
				freed++
				continue
			}
			p = &s.next
		}
		b.mu.Unlock()
	}
	return freed
}

// OldestLiveTs returns the smallest start ts the journal must retain: the
// minimum over active transactions and settled-but-referenced committed
// transactions. Aborted statuses with zero mvv-count are ignored.
func (ix *Index) OldestLiveTs() (uint64, bool) {
	var min uint64
	found := false
	for i := range ix.buckets {
		b := &ix.buckets[i]
		b.mu.Lock()
		for _, head := range []*Status{b.current, b.longRunning} {
			for s := head; s != nil; s = s.next {
				if s.Aborted() && s.mvvCount.Load() <= 0 {
					continue
				}
				if s.Active() || s.mvvCount.Load() > 0 {
					if !found || s.ts < min {
						min, found = s.ts, true
					}
				}
			}
		}
		b.mu.Unlock()
	}
	return min, found
}
