package txn

import (
	"fmt"
	"sync"

	"github.com/SimonWaldherr/persistkv/internal/mvv"
)

// AccumKind selects the aggregation behavior of an Accumulator.
type AccumKind uint8

const (
	AccumSum AccumKind = iota
	AccumMin
	AccumMax
	AccumSeq
)

func (k AccumKind) String() string {
	switch k {
	case AccumSum:
		return "SUM"
	case AccumMin:
		return "MIN"
	case AccumMax:
		return "MAX"
	case AccumSeq:
		return "SEQ"
	default:
		return fmt.Sprintf("AccumKind(%d)", uint8(k))
	}
}

// Accumulator is a per-(tree, index) snapshot-consistent aggregate. The
// checkpointed base absorbs deltas of transactions committed at or before
// each checkpoint; live per-transaction deltas stay keyed by start ts
// until then so any snapshot timestamp can be answered exactly.
type Accumulator struct {
	Kind  AccumKind
	Index int

	mu     sync.Mutex
	base   int64
	deltas map[uint64][]int64 // start ts -> updates, in order
}

// NewAccumulator creates an accumulator with the given base value.
func NewAccumulator(kind AccumKind, index int, base int64) *Accumulator {
	return &Accumulator{Kind: kind, Index: index, base: base, deltas: map[uint64][]int64{}}
}

// Base returns the checkpointed base value.
func (a *Accumulator) Base() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.base
}

// Update records one delta on behalf of the transaction that started at
// ts. For SUM and SEQ the delta is added; for MIN and MAX the delta is a
// candidate value.
func (a *Accumulator) Update(ts uint64, delta int64) {
	a.mu.Lock()
	a.deltas[ts] = append(a.deltas[ts], delta)
	a.mu.Unlock()
}

// Rollback discards every delta recorded by ts.
func (a *Accumulator) Rollback(ts uint64) {
	a.mu.Lock()
	delete(a.deltas, ts)
	a.mu.Unlock()
}

func (a *Accumulator) combine(acc int64, deltas []int64) int64 {
	for _, d := range deltas {
		switch a.Kind {
		case AccumSum, AccumSeq:
			acc += d
		case AccumMin:
			if d < acc {
				acc = d
			}
		case AccumMax:
			if d > acc {
				acc = d
			}
		}
	}
	return acc
}

// SnapshotValue returns the aggregate visible at readTs: the base combined
// with the deltas of every transaction committed at or before readTs, plus
// the reader's own pending deltas.
func (a *Accumulator) SnapshotValue(readTs uint64, selfTs uint64, arb mvv.Arbiter) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.base
	for ts, ds := range a.deltas {
		if ts == selfTs {
			acc = a.combine(acc, ds)
			continue
		}
		tc, st := arb.Disposition(ts)
		if st == mvv.StateCommitted && tc <= readTs {
			acc = a.combine(acc, ds)
		}
	}
	return acc
}

// LiveValue returns base combined with every committed delta, regardless
// of snapshot time.
func (a *Accumulator) LiveValue(arb mvv.Arbiter) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.base
	for ts, ds := range a.deltas {
		_, st := arb.Disposition(ts)
		if st == mvv.StateCommitted {
			acc = a.combine(acc, ds)
		}
	}
	return acc
}

// CheckpointHarvest folds the deltas of transactions committed at or
// before cpTs into the base and removes them, returning the new base.
// The checkpoint calls this inside its commit quiesce right after
// allocating cpTs, not before it; no commit lands between the two, so a
// writer that commits after cpTs keeps its update in the delta map rather
// than the base.
func (a *Accumulator) CheckpointHarvest(cpTs uint64, arb mvv.Arbiter) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ts, ds := range a.deltas {
		tc, st := arb.Disposition(ts)
		switch st {
		case mvv.StateCommitted:
			if tc <= cpTs {
				a.base = a.combine(a.base, ds)
				delete(a.deltas, ts)
			}
		case mvv.StateAborted:
			delete(a.deltas, ts)
		}
	}
	return a.base
}

// SetBase installs a recovered base value.
func (a *Accumulator) SetBase(v int64) {
	a.mu.Lock()
	a.base = v
	a.mu.Unlock()
}

// ApplyRecovered folds a replayed delta of an already-committed
// transaction straight into the base.
func (a *Accumulator) ApplyRecovered(delta int64) {
	a.mu.Lock()
	a.base = a.combine(a.base, []int64{delta})
	a.mu.Unlock()
}
