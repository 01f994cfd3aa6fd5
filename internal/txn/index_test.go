package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SimonWaldherr/persistkv/internal/mvv"
)

func TestAllocator_Monotonic(t *testing.T) {
	a := NewAllocator()
	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		ts := a.Next()
		require.Greater(t, ts, prev)
		prev = ts
	}
	a.Advance(5000)
	require.GreaterOrEqual(t, a.Current(), uint64(5000))
	a.Advance(10) // never retreats
	require.GreaterOrEqual(t, a.Current(), uint64(5000))
}

func TestIndex_Lifecycle(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)

	ts := alloc.Next()
	s := ix.Begin(ts)
	require.True(t, s.Active())

	_, st := ix.Disposition(ts)
	require.Equal(t, mvv.StateActive, st)

	tc := alloc.Next()
	ix.Commit(s, tc)
	gotTc, st := ix.Disposition(ts)
	require.Equal(t, mvv.StateCommitted, st)
	require.Equal(t, tc, gotTc)

	ix.End(s)
	require.NotNil(t, ix.Get(ts), "status stays on long-running list until cleaned")
}

func TestIndex_UnknownTsIsCommitted(t *testing.T) {
	ix := NewIndex(NewAllocator())
	tc, st := ix.Disposition(12345)
	require.Equal(t, mvv.StateCommitted, st)
	require.Equal(t, uint64(12345), tc)
}

func TestIndex_AbortDisposition(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)
	ts := alloc.Next()
	s := ix.Begin(ts)
	ix.Abort(s)
	_, st := ix.Disposition(ts)
	require.Equal(t, mvv.StateAborted, st)
}

func TestIndex_FloorAdvancesWithoutUpdateTraffic(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)

	ts1 := alloc.Next()
	s1 := ix.Begin(ts1)
	ix.UpdateActiveTransactionCache()
	require.Equal(t, ts1, ix.ActiveFloor())

	ix.Commit(s1, alloc.Next())
	ix.End(s1)

	// No new transactions: a cache refresh alone must move the floor.
	ix.UpdateActiveTransactionCache()
	require.Greater(t, ix.ActiveFloor(), ts1)
}

func TestIndex_CleanupReclaimsSettledStatuses(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)

	ts := alloc.Next()
	s := ix.Begin(ts)
	s.IncrementMvvCount()
	ix.Commit(s, alloc.Next())
	ix.End(s)
	ix.UpdateActiveTransactionCache()

	require.Zero(t, ix.Cleanup(), "referenced status must survive")
	s.DecrementMvvCount()
	require.Equal(t, 1, ix.Cleanup())
	require.Nil(t, ix.Get(ts))
}

func TestIndex_AbortedZeroCountAlwaysReclaimable(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)

	// Keep one old transaction active so the floor cannot pass it.
	hold := ix.Begin(alloc.Next())
	ts := alloc.Next()
	s := ix.Begin(ts)
	ix.Abort(s)
	ix.End(s)
	ix.UpdateActiveTransactionCache()

	require.Equal(t, 1, ix.Cleanup(), "aborted, unreferenced status must not pin the bucket")
	_, found := ix.OldestLiveTs()
	require.True(t, found)
	ix.Commit(hold, alloc.Next())
	ix.End(hold)
}

func TestIndex_OldestLiveTsIgnoresAbortedEmpty(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)

	aborted := ix.Begin(alloc.Next())
	ix.Abort(aborted)
	ix.End(aborted)

	live := ix.Begin(alloc.Next())
	min, found := ix.OldestLiveTs()
	require.True(t, found)
	require.Equal(t, live.Ts(), min, "aborted empty status must not hold the base back")
	ix.Commit(live, alloc.Next())
	ix.End(live)
}

func TestIndex_WWDependencyBlocksUntilCommit(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)

	other := ix.Begin(alloc.Next())
	self := ix.Begin(alloc.Next())

	var wg sync.WaitGroup
	wg.Add(1)
	var gotTc uint64
	var gotErr error
	go func() {
		defer wg.Done()
		gotTc, gotErr = ix.WWDependency(other.Ts(), self, 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	tc := alloc.Next()
	ix.Commit(other, tc)
	wg.Wait()

	require.NoError(t, gotErr)
	require.Equal(t, tc, gotTc)
}

func TestIndex_WWDependencyTimeout(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)
	other := ix.Begin(alloc.Next())
	self := ix.Begin(alloc.Next())
	_, err := ix.WWDependency(other.Ts(), self, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrWWTimeout)
}

func TestAccumulator_SumSnapshot(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)
	acc := NewAccumulator(AccumSum, 0, 0)

	ts1 := alloc.Next()
	s1 := ix.Begin(ts1)
	acc.Update(ts1, 10)
	tc1 := alloc.Next()
	ix.Commit(s1, tc1)

	ts2 := alloc.Next()
	s2 := ix.Begin(ts2)
	acc.Update(ts2, 5)

	// Snapshot after tc1 sees the committed 10, not the pending 5.
	require.EqualValues(t, 10, acc.SnapshotValue(alloc.Next(), 0, ix))
	// The pending writer sees its own delta.
	require.EqualValues(t, 15, acc.SnapshotValue(ts2, ts2, ix))

	ix.Abort(s2)
	acc.Rollback(ts2)
	require.EqualValues(t, 10, acc.SnapshotValue(alloc.Next(), 0, ix))
}

func TestAccumulator_MinMax(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)
	min := NewAccumulator(AccumMin, 0, 100)
	max := NewAccumulator(AccumMax, 1, 0)

	ts := alloc.Next()
	s := ix.Begin(ts)
	min.Update(ts, 7)
	max.Update(ts, 7)
	ix.Commit(s, alloc.Next())

	now := alloc.Next()
	require.EqualValues(t, 7, min.SnapshotValue(now, 0, ix))
	require.EqualValues(t, 7, max.SnapshotValue(now, 0, ix))
}

func TestAccumulator_CheckpointHarvest(t *testing.T) {
	alloc := NewAllocator()
	ix := NewIndex(alloc)
	acc := NewAccumulator(AccumSum, 0, 0)

	ts1 := alloc.Next()
	s1 := ix.Begin(ts1)
	acc.Update(ts1, 42)
	ix.Commit(s1, alloc.Next())

	// A writer that starts before the checkpoint ts but is uncommitted at
	// harvest time must keep its delta out of the base.
	ts2 := alloc.Next()
	s2 := ix.Begin(ts2)
	acc.Update(ts2, 100)

	cpTs := alloc.Next()
	base := acc.CheckpointHarvest(cpTs, ix)
	require.EqualValues(t, 42, base)

	ix.Commit(s2, alloc.Next())
	require.EqualValues(t, 142, acc.SnapshotValue(alloc.Next(), 0, ix))
}
