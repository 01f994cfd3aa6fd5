package mvv

// PruneResult describes the outcome of collapsing an MVV.
type PruneResult struct {
	// Raw is the new slot value. Empty means the slot should be deleted
	// (only a primordial AntiValue survived).
	Raw []byte
	// RemovedTs lists the start ts of every version that was discarded,
	// one entry per version, for mvv-count bookkeeping.
	RemovedTs []uint64
	// RemovedPayloads holds the discarded payloads so the caller can
	// release long-record chains they point at.
	RemovedPayloads [][]byte
	// Primordial is true when the value collapsed to a plain literal.
	Primordial bool
	// Changed is false when pruning found nothing to do.
	Changed bool
}

// Prune collapses an MVV:
//
//   - versions written by aborted transactions are removed;
//   - within one transaction's versions, only the highest step survives;
//   - a committed version is removed when a newer committed version is
//     already visible to every possible reader (both commit timestamps at
//     or below activeFloor, the minimum active read ts);
//   - if a single committed version at or below floor survives it is
//     inlined as a plain value; an inlined AntiValue deletes the slot.
//
// Versions belonging to still-active transactions are always retained.
func Prune(raw []byte, arb Arbiter, floor, activeFloor uint64) PruneResult {
	if !IsMVV(raw) {
		return PruneResult{Raw: raw}
	}
	versions, err := Decode(raw)
	if err != nil {
		// Structurally broken values are left for the integrity checker.
		return PruneResult{Raw: raw}
	}

	res := PruneResult{}
	drop := func(v Version) {
		if ts := v.Handle.Ts(); ts != 0 {
			res.RemovedTs = append(res.RemovedTs, ts)
		}
		res.RemovedPayloads = append(res.RemovedPayloads, v.Payload)
		res.Changed = true
	}

	// Pass 1: per-ts highest step wins; aborted writers go away entirely.
	type tsBest struct {
		idx  int
		step uint8
	}
	best := map[uint64]tsBest{}
	keepMask := make([]bool, len(versions))
	for i, v := range versions {
		ts := v.Handle.Ts()
		if ts == 0 {
			keepMask[i] = true
			continue
		}
		_, st := arb.Disposition(ts)
		if st == StateAborted {
			drop(v)
			continue
		}
		if b, ok := best[ts]; ok {
			if v.Handle.Step() >= b.step {
				keepMask[b.idx] = false
				drop(versions[b.idx])
				best[ts] = tsBest{idx: i, step: v.Handle.Step()}
				keepMask[i] = true
			} else {
				drop(v)
			}
		} else {
			best[ts] = tsBest{idx: i, step: v.Handle.Step()}
			keepMask[i] = true
		}
	}

	var kept []Version
	for i, v := range versions {
		if keepMask[i] {
			kept = append(kept, v)
		}
	}

	// Pass 2: drop committed versions hidden behind a newer committed
	// version that every active reader already sees.
	type resolved struct {
		v      Version
		tc     uint64
		active bool
	}
	rs := make([]resolved, len(kept))
	for i, v := range kept {
		ts := v.Handle.Ts()
		if ts == 0 {
			rs[i] = resolved{v: v, tc: 0}
			continue
		}
		tc, st := arb.Disposition(ts)
		rs[i] = resolved{v: v, tc: tc, active: st == StateActive}
	}
	// The newest committed version visible below activeFloor shadows all
	// older committed versions.
	shadowIdx := -1
	var shadowTc uint64
	for i, r := range rs {
		if r.active {
			continue
		}
		if r.tc <= activeFloor && (shadowIdx < 0 || r.tc >= shadowTc) {
			shadowIdx, shadowTc = i, r.tc
		}
	}
	var final []Version
	for i, r := range rs {
		if !r.active && shadowIdx >= 0 && i != shadowIdx && r.tc <= shadowTc {
			drop(r.v)
			continue
		}
		final = append(final, r.v)
	}

	// Collapse to primordial when a single settled version remains.
	if len(final) == 1 {
		v := final[0]
		ts := v.Handle.Ts()
		settled := ts == 0
		if !settled {
			tc, st := arb.Disposition(ts)
			settled = st == StateCommitted && tc <= floor
		}
		if settled {
			res.Changed = res.Changed || IsMVV(raw)
			res.Primordial = true
			if IsAnti(v.Payload) {
				if ts != 0 {
					res.RemovedTs = append(res.RemovedTs, ts)
				}
				res.Raw = nil // delete the slot
				return res
			}
			if ts != 0 {
				res.RemovedTs = append(res.RemovedTs, ts)
			}
			res.Raw = append([]byte(nil), v.Payload...)
			return res
		}
	}

	if !res.Changed {
		return PruneResult{Raw: raw}
	}
	if len(final) == 0 {
		res.Raw = nil
		return res
	}
	res.Raw = encode(final)
	return res
}
