package store

import (
	"context"
	"time"
)

// Checkpoint establishes a global consistent point: every transaction
// with commit ts at or below the checkpoint ts is fully in the journal's
// durable prefix, and every page dirty at that moment has a PA record.
//
// The commit quiesce is the write half of db.checkpointMu: commits take
// the read half around commit-ts allocation, so holding the write half
// drains in-flight commits and blocks new ones for the short window in
// which the checkpoint ts and the accumulator bases are captured.
func (db *DB) Checkpoint() error {
	if err := db.poisonCheck(); err != nil {
		return err
	}

	// 1. Quiesce commits and capture the checkpoint timestamp. The
	//    accumulator bases are harvested inside the same window: a
	//    writer holding start ts < cpTs that commits later keeps its
	//    delta in the per-txn map, never in the harvested base.
	db.checkpointMu.Lock()
	cpTs := db.alloc.Next()
	for _, v := range db.volumes() {
		if v.temporary {
			continue
		}
		v.treeMu.RLock()
		trees := make([]*Tree, 0, len(v.trees))
		for _, t := range v.trees {
			trees = append(trees, t)
		}
		v.treeMu.RUnlock()
		for _, t := range trees {
			for _, acc := range t.accumulatorSnapshot() {
				acc.CheckpointHarvest(cpTs, db.txnIndex)
			}
			if err := v.saveTreeDescriptor(t); err != nil {
				db.checkpointMu.Unlock()
				return err
			}
		}
	}
	db.checkpointMu.Unlock()

	// 2. Every page dirty at the checkpoint moment gets its PA record.
	for _, pool := range db.pools {
		if err := pool.flushAll(nil); err != nil {
			return err
		}
	}

	// 3. Force the journal and cut the CP record; the base advances and
	//    wholly-obsolete journal files disappear.
	if err := db.journal.Sync(); err != nil {
		return err
	}
	if err := db.journal.WriteCheckpoint(cpTs); err != nil {
		return err
	}

	// 4. Persist volume heads so allocation state survives a clean stop.
	for _, v := range db.volumes() {
		if !v.temporary {
			if err := v.writeHead(); err != nil {
				return err
			}
		}
	}
	db.log.Debug().Uint64("cpTs", cpTs).Uint64("base", db.journal.BaseAddress()).Msg("checkpoint complete")
	return nil
}

// checkpointLoop runs periodic checkpoints.
func (db *DB) checkpointLoop(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := db.Checkpoint(); err != nil {
				db.log.Error().Err(err).Msg("periodic checkpoint failed")
			}
		}
	}
}

// copierLoop tails the journal, copying checkpointed page images back to
// their volumes.
func (db *DB) copierLoop(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if n, err := db.journal.CopyBack(); err != nil {
				db.log.Error().Err(err).Msg("copyback failed")
			} else if n > 0 {
				db.log.Debug().Int("pages", n).Msg("copyback advanced")
			}
		}
	}
}
