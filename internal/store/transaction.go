package store

import (
	"encoding/binary"
	"fmt"

	"github.com/SimonWaldherr/persistkv/internal/txn"
)

// CommitPolicy controls commit durability.
type CommitPolicy int

const (
	// CommitSoft returns without forcing the journal to disk; a crash
	// may lose the most recent commits but never corrupts.
	CommitSoft CommitPolicy = iota
	// CommitHard fsyncs the journal before Commit returns.
	CommitHard
	// CommitGroup batches concurrent commits into shared fsyncs.
	CommitGroup
)

func (p CommitPolicy) String() string {
	switch p {
	case CommitSoft:
		return "SOFT"
	case CommitHard:
		return "HARD"
	case CommitGroup:
		return "GROUP"
	default:
		return fmt.Sprintf("CommitPolicy(%d)", int(p))
	}
}

// redoFlushThreshold flushes a transaction's private write buffer to the
// journal as a chained TX record once it grows past this size.
const redoFlushThreshold = 64 * 1024

// Transaction is a per-session unit of atomic work. Writes are tagged
// with (start ts, step) version handles; the commit record in the journal
// is the linearization point. Begin calls nest: only the outermost
// commit or rollback changes state.
type Transaction struct {
	db      *DB
	nesting int
	startTs uint64
	step    uint8
	status  *txn.Status

	redo         []byte
	chained      bool // an earlier chunk of redo is already in the journal
	touched      map[*Tree]struct{}
	accTouched   map[*txn.Accumulator]struct{}
	rollbackOnly bool
	ended        bool
}

// Begin nests the transaction one level deeper.
func (t *Transaction) Begin() *Transaction {
	t.nesting++
	return t
}

// Active reports whether the transaction can still accept work.
func (t *Transaction) Active() bool {
	return !t.ended && t.status != nil && t.status.Active()
}

// StartTs returns the transaction's snapshot timestamp.
func (t *Transaction) StartTs() uint64 { return t.startTs }

// Step returns the current intra-transaction step number.
func (t *Transaction) Step() uint8 { return t.step }

// SetStep assigns the step for subsequent writes, enabling ordered
// read-after-write visibility within the transaction.
func (t *Transaction) SetStep(n uint8) { t.step = n }

// SetRollbackOnly forces the transaction to fail at commit.
func (t *Transaction) SetRollbackOnly() { t.rollbackOnly = true }

// Redo op encoding (TX record payload):
//
//	[0]    op        (1 = store, 2 = remove)
//	[1:5]  treeHandle (int32 LE)
//	[5:7]  keyLen    (uint16 LE)
//	[7:..] key
//	store only: valLen (uint32 LE) + value (full value, long records
//	included, so replay never depends on page write ordering)

const (
	redoOpStore  byte = 1
	redoOpRemove byte = 2
	redoOpAccum  byte = 3 // treeHandle + index u32 + kind u8 + delta i64
)

func (t *Transaction) recordStore(tree *Tree, key, value []byte) {
	if tree.handle == 0 {
		return // temporary-volume trees are never journalled
	}
	t.touch(tree)
	var hdr [11]byte
	hdr[0] = redoOpStore
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(tree.handle))
	binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(key)))
	t.redo = append(t.redo, hdr[:7]...)
	t.redo = append(t.redo, key...)
	var vl [4]byte
	binary.LittleEndian.PutUint32(vl[:], uint32(len(value)))
	t.redo = append(t.redo, vl[:]...)
	t.redo = append(t.redo, value...)
	t.maybeFlushRedo()
}

func (t *Transaction) recordRemove(tree *Tree, key []byte) {
	if tree.handle == 0 {
		return
	}
	t.touch(tree)
	var hdr [7]byte
	hdr[0] = redoOpRemove
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(tree.handle))
	binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(key)))
	t.redo = append(t.redo, hdr[:]...)
	t.redo = append(t.redo, key...)
	t.maybeFlushRedo()
}

func (t *Transaction) touch(tree *Tree) {
	if t.touched == nil {
		t.touched = map[*Tree]struct{}{}
	}
	t.touched[tree] = struct{}{}
}

func (t *Transaction) maybeFlushRedo() {
	if len(t.redo) < redoFlushThreshold {
		return
	}
	if err := t.db.journal.WriteTxRecord(t.startTs, 0, t.redo, false); err != nil {
		t.db.log.Error().Err(err).Uint64("ts", t.startTs).Msg("redo chain flush failed")
		t.rollbackOnly = true
		return
	}
	t.chained = true
	t.redo = t.redo[:0]
}

// UpdateAccumulator posts a delta to the tree's accumulator at index on
// behalf of this transaction. The delta rides the redo chain so a crash
// after commit replays it into the recovered base.
func (t *Transaction) UpdateAccumulator(tree *Tree, kind txn.AccumKind, index int, delta int64) error {
	if !t.Active() {
		return ErrNotInTransaction
	}
	acc := tree.Accumulator(kind, index)
	acc.Update(t.startTs, delta)
	if t.accTouched == nil {
		t.accTouched = map[*txn.Accumulator]struct{}{}
	}
	t.accTouched[acc] = struct{}{}
	if tree.handle != 0 {
		t.touch(tree)
		var rec [18]byte
		rec[0] = redoOpAccum
		binary.LittleEndian.PutUint32(rec[1:5], uint32(tree.handle))
		binary.LittleEndian.PutUint32(rec[5:9], uint32(index))
		rec[9] = byte(kind)
		binary.LittleEndian.PutUint64(rec[10:18], uint64(delta))
		t.redo = append(t.redo, rec[:]...)
		t.maybeFlushRedo()
	}
	return nil
}

// Commit settles the transaction. The commit timestamp is allocated under
// the checkpoint quiesce so a checkpoint sees either none or all of the
// transaction. Durability follows the policy.
func (t *Transaction) Commit(policy CommitPolicy) error {
	if t.nesting > 0 {
		t.nesting--
		return nil
	}
	if !t.Active() {
		return ErrNotInTransaction
	}
	if t.rollbackOnly {
		t.Rollback()
		return ErrRollback
	}
	db := t.db

	// Quiesce point: checkpoints block new commit-ts allocation here.
	db.checkpointMu.RLock()
	commitTs := db.alloc.Next()
	err := db.journal.WriteTxRecord(t.startTs, commitTs, t.redo, true)
	db.checkpointMu.RUnlock()
	if err != nil {
		db.txnIndex.Abort(t.status)
		db.txnIndex.End(t.status)
		t.ended = true
		return fmt.Errorf("write commit record: %w", err)
	}
	if err := db.journal.SyncCommit(policy); err != nil {
		db.txnIndex.Abort(t.status)
		db.txnIndex.End(t.status)
		t.ended = true
		return fmt.Errorf("commit fsync: %w", err)
	}

	db.txnIndex.Commit(t.status, commitTs)
	db.txnIndex.End(t.status)
	t.ended = true
	t.redo = nil
	db.metrics.commits.Inc()
	return nil
}

// Rollback aborts the transaction: its MVV versions become permanently
// invisible and pruning reclaims them; accumulator deltas are withdrawn.
func (t *Transaction) Rollback() {
	if t.nesting > 0 {
		t.nesting--
		t.rollbackOnly = true
		return
	}
	if !t.Active() {
		return
	}
	db := t.db
	if t.chained || len(t.redo) > 0 {
		// A rollback record closes any chained redo already durable.
		if err := db.journal.WriteTxRecordAborted(t.startTs); err != nil {
			db.log.Warn().Err(err).Uint64("ts", t.startTs).Msg("rollback record not written")
		}
	}
	db.txnIndex.Abort(t.status)
	db.txnIndex.End(t.status)
	t.ended = true
	for acc := range t.accTouched {
		acc.Rollback(t.startTs)
	}
	for tree := range t.touched {
		db.cleanup.Enqueue(CleanupAction{Kind: CleanupPruneTree, Volume: tree.vol, Tree: tree})
	}
	t.redo = nil
	db.metrics.rollbacks.Inc()
}

// End releases the transaction without committing; an active transaction
// is rolled back.
func (t *Transaction) End() {
	if t.nesting > 0 {
		t.nesting--
		return
	}
	if t.Active() {
		t.Rollback()
	}
}
