package store

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/SimonWaldherr/persistkv/internal/keys"
	"github.com/SimonWaldherr/persistkv/internal/mvv"
)

// Direction selects the sense of a traverse step.
type Direction int

const (
	DirGT Direction = iota
	DirGTEQ
	DirLT
	DirLTEQ
)

func (d Direction) forward() bool   { return d == DirGT || d == DirGTEQ }
func (d Direction) inclusive() bool { return d == DirGTEQ || d == DirLTEQ }

func (d Direction) String() string {
	switch d {
	case DirGT:
		return "GT"
	case DirGTEQ:
		return "GTEQ"
	case DirLT:
		return "LT"
	case DirLTEQ:
		return "LTEQ"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Exchange is a logical cursor over one tree: a current key, the last
// fetched value, and the owning transaction (nil for primordial access).
// An Exchange is not safe for concurrent use; sessions each hold their
// own. The Exchange itself is the claim-owner identity for deadlock
// diagnostics.
type Exchange struct {
	db      *DB
	tree    *Tree
	key     *keys.Key
	value   []byte
	txn     *Transaction
	timeout time.Duration

	// split-policy sequence detector
	seqLeaf uint64
	seqRun  int
}

func newExchange(db *DB, tree *Tree, tx *Transaction) *Exchange {
	return &Exchange{
		db:      db,
		tree:    tree,
		key:     keys.New(),
		txn:     tx,
		timeout: DefaultClaimTimeout,
	}
}

// Key returns the cursor key for in-place manipulation.
func (ex *Exchange) Key() *keys.Key { return ex.key }

// Value returns the value produced by the last Fetch or Traverse.
func (ex *Exchange) Value() []byte { return ex.value }

// Tree returns the tree this Exchange addresses.
func (ex *Exchange) Tree() *Tree { return ex.tree }

// SetTransaction binds (or unbinds, with nil) the owning transaction.
func (ex *Exchange) SetTransaction(tx *Transaction) { ex.txn = tx }

// SetTimeout overrides the claim deadline for subsequent operations.
func (ex *Exchange) SetTimeout(d time.Duration) { ex.timeout = d }

// ToBefore positions the cursor below every key.
func (ex *Exchange) ToBefore() *Exchange {
	keys.Before().CopyTo(ex.key)
	return ex
}

// ToAfter positions the cursor above every key.
func (ex *Exchange) ToAfter() *Exchange {
	keys.After().CopyTo(ex.key)
	return ex
}

// Close detaches the Exchange. Claims are never held between operations,
// so there is nothing further to release.
func (ex *Exchange) Close() {
	ex.tree = nil
	ex.txn = nil
	ex.value = nil
}

func (ex *Exchange) activeTxn() *Transaction {
	if ex.txn != nil && ex.txn.Active() {
		return ex.txn
	}
	return nil
}

func (ex *Exchange) checkKey() ([]byte, error) {
	if ex.key.IsBefore() || ex.key.IsAfter() {
		return nil, fmt.Errorf("cannot store or fetch at an edge key")
	}
	kb := ex.key.Encoded()
	if len(kb) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	if len(kb) > keys.MaxEncodedSize(ex.tree.vol.pageSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(kb))
	}
	return kb, nil
}

// Raw slot access (primordial; used by the volume directory and by
// recovery replay) ---------------------------------------------------------

// fetchRaw reads the slot value for the cursor key without MVCC
// resolution. The returned bytes are unescaped plain values only when the
// slot is plain; MVVs come back verbatim.
func (ex *Exchange) fetchRaw() ([]byte, bool, error) {
	kb, err := ex.checkKey()
	if err != nil {
		return nil, false, err
	}
	d, err := ex.descendToLeaf(kb, false)
	if err != nil {
		return nil, false, err
	}
	defer d.release(ex)
	entries, err := d.leaf.entries()
	if err != nil {
		return nil, false, err
	}
	i, found := searchEntries(entries, kb)
	if !found {
		return nil, false, nil
	}
	return mvv.DecodePlain(entries[i].value), true, nil
}

// storeRaw writes a plain slot value for the cursor key.
func (ex *Exchange) storeRaw(value []byte) error {
	kb, err := ex.checkKey()
	if err != nil {
		return err
	}
	return ex.retryStore(func() error {
		d, err := ex.descendToLeaf(kb, true)
		if err != nil {
			return err
		}
		defer d.release(ex)
		return ex.storeInLeaf(d, kb, mvv.EncodePlain(value))
	})
}

// removeRaw deletes the cursor key's slot outright.
func (ex *Exchange) removeRaw() error {
	kb, err := ex.checkKey()
	if err != nil {
		return err
	}
	d, err := ex.descendToLeaf(kb, true)
	if err != nil {
		return err
	}
	defer d.release(ex)
	_, _, err = ex.removeFromLeaf(d, kb)
	return err
}

// traverseRaw steps to the next physical key in the directory tree.
// Only forward traversal is needed there.
func (ex *Exchange) traverseRaw(dir Direction, deep bool) (bool, error) {
	if dir != DirGT {
		return false, fmt.Errorf("traverseRaw supports GT only, got %s", dir)
	}
	start, strict := ex.startBytes()
	d, idx, err := ex.seekLeaf(start)
	if err != nil {
		return false, err
	}
	defer d.release(ex)
	for {
		d2, i, ok, serr := ex.stepForward(d, idx)
		d = d2
		if serr != nil || !ok {
			return false, serr
		}
		entries, err := d.leaf.entries()
		if err != nil {
			return false, err
		}
		e := entries[i]
		if strict && bytes.Equal(e.key, start) {
			idx = i + 1
			continue
		}
		ex.key.SetEncoded(e.key)
		ex.value = mvv.DecodePlain(e.value)
		return true, nil
	}
}

func (ex *Exchange) startBytes() (start []byte, strict bool) {
	if ex.key.IsBefore() {
		return nil, false
	}
	return ex.key.Encoded(), true
}

// retryStore drives a mutation closure through concurrent-restructure
// restarts.
func (ex *Exchange) retryStore(fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, errRestartDescent) {
			return err
		}
		if attempt > 16 {
			return fmt.Errorf("%w: restructure retries exhausted", ErrInUse)
		}
	}
}

// removeFromLeaf deletes kb from the claimed leaf, returning the removed
// raw value. Empty pages are offered to the cleanup manager for merging.
func (ex *Exchange) removeFromLeaf(d *descent, kb []byte) ([]byte, bool, error) {
	entries, err := d.leaf.entries()
	if err != nil {
		return nil, false, err
	}
	i, found := searchEntries(entries, kb)
	if !found {
		return nil, false, nil
	}
	old := entries[i].value
	rest := make([]pageEntry, 0, len(entries)-1)
	rest = append(rest, entries[:i]...)
	rest = append(rest, entries[i+1:]...)
	if err := d.leaf.setEntries(rest); err != nil {
		return nil, false, err
	}
	d.leaf.touch(ex.db.alloc.Next())
	if i == 0 && len(rest) > 0 {
		// The leaf's first key changed; its parent separator is stale.
		ex.db.cleanup.Enqueue(CleanupAction{
			Kind: CleanupIndexHole, Volume: ex.tree.vol, Tree: ex.tree, PageAddr: d.leaf.addr,
		})
	}
	if len(rest) == 0 || pageUnderfull(d.leaf.data, ex.tree.vol.pageSize) {
		ex.db.cleanup.Enqueue(CleanupAction{
			Kind: CleanupMergePage, Volume: ex.tree.vol, Tree: ex.tree, PageAddr: d.leaf.addr,
		})
	}
	return old, true, nil
}

// pageUnderfull reports whether a page's payload dropped below the join
// threshold.
func pageUnderfull(buf []byte, pageSize int) bool {
	used := pageSize - pageFreeSpaceEnd(buf) + slotDirOff + pageKeyCount(buf)*slotEntrySize
	return used < pageSize/3
}

// MVCC operations -----------------------------------------------------------

// readView returns the (ts, step) this Exchange reads at.
func (ex *Exchange) readView() (uint64, uint8) {
	if tx := ex.activeTxn(); tx != nil {
		return tx.startTs, tx.step
	}
	return ex.db.alloc.Current(), 255
}

// Fetch resolves the cursor key to its visible value. It returns false
// when the key is absent (or invisible) for this reader.
func (ex *Exchange) Fetch() (bool, error) {
	if err := ex.db.poisonCheck(); err != nil {
		return false, err
	}
	ex.tree.stats.Fetches.Add(1)
	kb, err := ex.checkKey()
	if err != nil {
		return false, err
	}
	d, err := ex.descendToLeaf(kb, false)
	if err != nil {
		return false, err
	}
	entries, err := d.leaf.entries()
	if err != nil {
		d.release(ex)
		return false, err
	}
	i, found := searchEntries(entries, kb)
	var raw []byte
	if found {
		raw = append([]byte(nil), entries[i].value...)
	}
	d.release(ex)
	if !found {
		ex.value = nil
		return false, nil
	}
	return ex.resolveValue(raw)
}

// resolveValue applies visibility and long-record assembly to a raw slot
// value, leaving the result in ex.value.
func (ex *Exchange) resolveValue(raw []byte) (bool, error) {
	readTs, step := ex.readView()
	payload, ok := mvv.Visible(raw, readTs, step, ex.db.txnIndex)
	if !ok {
		ex.value = nil
		return false, nil
	}
	if mvv.IsLongStub(payload) {
		full, err := ex.readLongRecord(payload)
		if err != nil {
			return false, err
		}
		ex.value = full
		return true, nil
	}
	ex.value = payload
	return true, nil
}

// preparePayload builds the version payload for value, spilling to a
// long-record chain past the inline budget.
func (ex *Exchange) preparePayload(value []byte) ([]byte, error) {
	if len(value) > longThreshold(ex.tree.vol.pageSize) {
		return ex.writeLongRecord(value)
	}
	return mvv.EncodePlain(value), nil
}

// Store writes value at the cursor key. In a transaction the write lands
// as a new MVV version tagged (start ts, step) after a write-write
// conflict check; primordially it replaces the slot in place.
func (ex *Exchange) Store(value []byte) error {
	if err := ex.db.poisonCheck(); err != nil {
		return err
	}
	ex.tree.stats.Stores.Add(1)
	kb, err := ex.checkKey()
	if err != nil {
		return err
	}
	payload, err := ex.preparePayload(value)
	if err != nil {
		return err
	}
	if tx := ex.activeTxn(); tx != nil {
		if err := ex.storeVersion(kb, payload); err != nil {
			if mvv.IsLongStub(payload) {
				// The chain was written ahead of the conflict check.
				if ferr := ex.freeLongRecord(payload); ferr != nil {
					ex.db.log.Warn().Err(ferr).Msg("orphan long-record chain not freed")
				}
			}
			return err
		}
		tx.recordStore(ex.tree, kb, value)
		return nil
	}
	return ex.retryStore(func() error {
		d, err := ex.descendToLeaf(kb, true)
		if err != nil {
			return err
		}
		defer d.release(ex)
		entries, err := d.leaf.entries()
		if err != nil {
			return err
		}
		if i, found := searchEntries(entries, kb); found {
			ex.freeReplacedChains(entries[i].value, payload)
		}
		return ex.storeInLeaf(d, kb, payload)
	})
}

// storeVersion merges one MVV version for the active transaction,
// blocking on write-write dependencies.
func (ex *Exchange) storeVersion(kb, payload []byte) error {
	tx := ex.txn
	h := mvv.MakeHandle(tx.startTs, tx.step)
	if !tx.chained && ex.tree.handle != 0 {
		// Open the TX chain before the first version can reach a
		// journalled page image: recovery then knows this ts and treats
		// it as aborted unless a commit record follows.
		if err := ex.db.journal.WriteTxRecord(tx.startTs, 0, nil, false); err != nil {
			return err
		}
		tx.chained = true
	}
	for {
		var conflictTs uint64
		err := ex.retryStore(func() error {
			d, err := ex.descendToLeaf(kb, true)
			if err != nil {
				return err
			}
			defer d.release(ex)
			entries, err := d.leaf.entries()
			if err != nil {
				return err
			}
			var raw []byte
			if i, found := searchEntries(entries, kb); found {
				raw = entries[i].value
			}
			merged, conflict, added, err := mvv.Append(raw, h, payload, ex.db.txnIndex, tx.startTs)
			if err != nil {
				return err
			}
			if conflict != 0 {
				conflictTs = conflict
				return nil
			}
			if err := ex.storeInLeaf(d, kb, merged); err != nil {
				return err
			}
			if added {
				tx.status.IncrementMvvCount()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if conflictTs == 0 {
			return nil
		}
		// Wait for the conflicting writer without holding any claim.
		tc, werr := ex.db.txnIndex.WWDependency(conflictTs, tx.status, ex.timeout)
		if werr != nil {
			return fmt.Errorf("%w: blocked on ts %d: %v", ErrWWConflict, conflictTs, werr)
		}
		if tc != 0 {
			return fmt.Errorf("%w: ts %d committed at %d", ErrWWConflict, conflictTs, tc)
		}
		// The other transaction aborted; retry the merge.
	}
}

// Remove deletes the cursor key. Transactionally this stores an AntiValue
// version; primordially the slot is deleted and any long-record chains
// released. It reports whether a visible value was present.
func (ex *Exchange) Remove() (bool, error) {
	if err := ex.db.poisonCheck(); err != nil {
		return false, err
	}
	ex.tree.stats.Removes.Add(1)
	kb, err := ex.checkKey()
	if err != nil {
		return false, err
	}
	present, err := ex.Fetch()
	if err != nil {
		return false, err
	}
	if tx := ex.activeTxn(); tx != nil {
		if !present {
			return false, nil
		}
		if err := ex.storeVersion(kb, mvv.Anti()); err != nil {
			return false, err
		}
		tx.recordRemove(ex.tree, kb)
		return true, nil
	}
	var removed bool
	err = ex.retryStore(func() error {
		d, err := ex.descendToLeaf(kb, true)
		if err != nil {
			return err
		}
		defer d.release(ex)
		old, found, err := ex.removeFromLeaf(d, kb)
		if err != nil {
			return err
		}
		if found {
			ex.freeSlotChains(old)
		}
		removed = found
		return nil
	})
	return removed, err
}

// FetchAndRemove removes the cursor key and returns the value it held
// immediately before this operation. Under rollback the pre-transaction
// value reappears because the removal is only an AntiValue version.
func (ex *Exchange) FetchAndRemove() ([]byte, bool, error) {
	present, err := ex.Fetch()
	if err != nil {
		return nil, false, err
	}
	if !present {
		return nil, false, nil
	}
	prior := append([]byte(nil), ex.value...)
	if _, err := ex.Remove(); err != nil {
		return nil, false, err
	}
	ex.value = prior
	return prior, true, nil
}

// freeReplacedChains releases the long-record chain of a replaced plain
// slot when the replacement does not reference it.
func (ex *Exchange) freeReplacedChains(oldRaw, newPayload []byte) {
	if mvv.IsMVV(oldRaw) {
		ex.freeSlotChains(oldRaw)
		return
	}
	if mvv.IsLongStub(oldRaw) && !bytes.Equal(oldRaw, newPayload) {
		if err := ex.freeLongRecord(oldRaw); err != nil {
			ex.db.log.Warn().Err(err).Msg("stale long-record chain not freed")
		}
	}
}

// freeSlotChains releases every long-record chain referenced by a slot
// value that is being discarded outright.
func (ex *Exchange) freeSlotChains(raw []byte) {
	versions, err := mvv.Decode(raw)
	if err != nil {
		return
	}
	for _, v := range versions {
		if mvv.IsLongStub(v.Payload) {
			if err := ex.freeLongRecord(v.Payload); err != nil {
				ex.db.log.Warn().Err(err).Msg("stale long-record chain not freed")
			}
		}
	}
}

// RemoveKeyRange removes every key in [from, to). Transactionally each
// visible key gets an AntiValue; primordially whole slots are deleted
// page by page and emptied pages are queued for merging.
func (ex *Exchange) RemoveKeyRange(from, to *keys.Key) error {
	if err := ex.db.poisonCheck(); err != nil {
		return err
	}
	if from.Compare(to) >= 0 {
		return nil
	}
	if tx := ex.activeTxn(); tx != nil {
		cur := from.Copy()
		cur.CopyTo(ex.key)
		first := true
		for {
			dir := DirGT
			if first {
				dir = DirGTEQ
				first = false
			}
			ok, err := ex.Traverse(dir, true)
			if err != nil {
				return err
			}
			if !ok || ex.key.Compare(to) >= 0 {
				return nil
			}
			if _, err := ex.Remove(); err != nil {
				return err
			}
		}
	}
	return ex.removeRangePrimordial(from.Encoded(), to.Encoded())
}

func (ex *Exchange) removeRangePrimordial(fromB, toB []byte) error {
	pool := ex.db.poolFor(ex.tree.vol.pageSize)
	return ex.retryStore(func() error {
		d, err := ex.descendToLeaf(fromB, true)
		if err != nil {
			return err
		}
		for {
			entries, err := d.leaf.entries()
			if err != nil {
				d.release(ex)
				return err
			}
			kept := entries[:0:0]
			done := false
			for _, e := range entries {
				if bytes.Compare(e.key, fromB) >= 0 && bytes.Compare(e.key, toB) < 0 {
					ex.freeSlotChains(e.value)
					continue
				}
				if bytes.Compare(e.key, toB) >= 0 {
					done = true
				}
				kept = append(kept, e)
			}
			if len(kept) != len(entries) {
				firstChanged := len(kept) > 0 && !bytes.Equal(kept[0].key, entries[0].key)
				if err := d.leaf.setEntries(kept); err != nil {
					d.release(ex)
					return err
				}
				d.leaf.touch(ex.db.alloc.Next())
				if firstChanged {
					ex.db.cleanup.Enqueue(CleanupAction{
						Kind: CleanupIndexHole, Volume: ex.tree.vol, Tree: ex.tree, PageAddr: d.leaf.addr,
					})
				}
				if len(kept) == 0 || pageUnderfull(d.leaf.data, ex.tree.vol.pageSize) {
					ex.db.cleanup.Enqueue(CleanupAction{
						Kind: CleanupMergePage, Volume: ex.tree.vol, Tree: ex.tree, PageAddr: d.leaf.addr,
					})
				}
			}
			if done {
				d.release(ex)
				return nil
			}
			next := d.leaf.RightSibling()
			if next == InvalidPageAddr {
				d.release(ex)
				return nil
			}
			nb, err := pool.get(ex.tree.vol, next, ex, true, true, ex.timeout)
			if err != nil {
				d.release(ex)
				return err
			}
			pool.release(d.leaf, ex)
			d.leaf = nb
		}
	})
}

// Traverse steps the cursor to the neighbouring key in the given
// direction. With deep false, keys are truncated to the cursor's depth so
// sibling subtrees surface as single keys; the EQ variants return the
// current position itself when it matches.
func (ex *Exchange) Traverse(dir Direction, deep bool) (bool, error) {
	if err := ex.db.poisonCheck(); err != nil {
		return false, err
	}
	ex.tree.stats.Traverses.Add(1)
	cursor := ex.key.Copy()
	effDepth := cursor.Depth()
	if effDepth == 0 || cursor.IsBefore() || cursor.IsAfter() {
		effDepth = 1
	}

	if dir.forward() {
		return ex.traverseForward(dir, deep, cursor, effDepth)
	}
	return ex.traverseBackward(dir, deep, cursor, effDepth)
}

func (ex *Exchange) traverseForward(dir Direction, deep bool, cursor *keys.Key, effDepth int) (bool, error) {
	if cursor.IsAfter() {
		return false, nil
	}
	var start []byte
	if !cursor.IsBefore() {
		start = cursor.Encoded()
	}
	d, idx, err := ex.seekLeaf(start)
	if err != nil {
		return false, err
	}
	defer func() {
		if d != nil {
			d.release(ex)
		}
	}()
	for {
		var ok bool
		d, idx, ok, err = ex.stepForward(d, idx)
		if err != nil || !ok {
			return false, err
		}
		entries, err := d.leaf.entries()
		if err != nil {
			return false, err
		}
		e := entries[idx]
		key := append([]byte(nil), e.key...)
		raw := append([]byte(nil), e.value...)
		idx++

		accepted, err := ex.evaluateCandidate(dir, deep, cursor, effDepth, key, raw)
		if err != nil {
			return false, err
		}
		if accepted {
			return true, nil
		}
	}
}

func (ex *Exchange) traverseBackward(dir Direction, deep bool, cursor *keys.Key, effDepth int) (bool, error) {
	if cursor.IsBefore() {
		return false, nil
	}
	bound := cursor.Encoded()
	if cursor.IsAfter() {
		bound = []byte{0xFE} // above every real key encoding
	}

	// An inclusive step first considers the cursor's own position: either
	// the exact key or, shallow, any physical key extending it.
	if dir.inclusive() && !cursor.IsAfter() {
		d, idx, err := ex.seekLeaf(bound)
		if err != nil {
			return false, err
		}
		var cand *pageEntry
		if entries, eerr := d.leaf.entries(); eerr == nil {
			d2, i, ok, serr := ex.stepForward(d, idx)
			d = d2
			if serr == nil && ok {
				entries, _ = d.leaf.entries()
				e := entries[i]
				if bytes.Equal(e.key, bound) || (!deep && bytes.HasPrefix(e.key, bound)) {
					cand = &pageEntry{
						key:   append([]byte(nil), e.key...),
						value: append([]byte(nil), e.value...),
					}
				}
			}
		}
		d.release(ex)
		if cand != nil {
			accepted, err := ex.evaluateCandidate(dir, deep, cursor, effDepth, cand.key, cand.value)
			if err != nil {
				return false, err
			}
			if accepted {
				return true, nil
			}
		}
	}

	for {
		d, idx, ok, err := ex.seekBefore(bound)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		entries, err := d.leaf.entries()
		if err != nil {
			d.release(ex)
			return false, err
		}
		e := entries[idx]
		key := append([]byte(nil), e.key...)
		raw := append([]byte(nil), e.value...)
		d.release(ex)

		accepted, err := ex.evaluateCandidate(dir, deep, cursor, effDepth, key, raw)
		if err != nil {
			return false, err
		}
		if accepted {
			return true, nil
		}
		bound = key
	}
}

// evaluateCandidate applies visibility, depth truncation and the
// direction comparison to one physical entry. On acceptance the cursor
// and value are updated.
func (ex *Exchange) evaluateCandidate(dir Direction, deep bool, cursor *keys.Key, effDepth int, key, raw []byte) (bool, error) {
	readTs, step := ex.readView()
	payload, visible := mvv.Visible(raw, readTs, step, ex.db.txnIndex)
	if !visible {
		return false, nil
	}

	result := keys.New().SetEncoded(key)
	truncated := false
	if !deep {
		before := result.EncodedSize()
		result.TruncateTo(effDepth)
		truncated = result.EncodedSize() != before
	}

	cmp := bytes.Compare(result.Encoded(), cursor.Encoded())
	if cursor.IsBefore() {
		cmp = 1
	} else if cursor.IsAfter() {
		cmp = -1
	}
	switch dir {
	case DirGT:
		if cmp <= 0 {
			return false, nil
		}
	case DirGTEQ:
		if cmp < 0 {
			return false, nil
		}
	case DirLT:
		if cmp >= 0 {
			return false, nil
		}
	case DirLTEQ:
		if cmp > 0 {
			return false, nil
		}
	}

	result.CopyTo(ex.key)
	if truncated {
		ex.value = nil
		return true, nil
	}
	if mvv.IsLongStub(payload) {
		full, err := ex.readLongRecord(payload)
		if err != nil {
			return false, err
		}
		ex.value = full
		return true, nil
	}
	ex.value = payload
	return true, nil
}

// TraverseFiltered steps like Traverse but honours a key filter's term
// ranges symmetrically in both directions, repositioning across excluded
// regions instead of visiting them.
func (ex *Exchange) TraverseFiltered(dir Direction, filter *keys.Filter, deep bool) (bool, error) {
	forward := dir.forward()
	if !filter.Next(ex.key, forward) {
		return false, nil
	}
	step := dir
	for {
		ok, err := ex.Traverse(step, deep)
		if err != nil || !ok {
			return false, err
		}
		if filter.Selected(ex.key) {
			return true, nil
		}
		before := append([]byte(nil), ex.key.Encoded()...)
		if !filter.Next(ex.key, forward) {
			return false, nil
		}
		if bytes.Equal(before, ex.key.Encoded()) {
			// No reposition happened; step strictly so the loop makes
			// progress past an in-range but unselected key.
			if forward {
				step = DirGT
			} else {
				step = DirLT
			}
			continue
		}
		// After a reposition the boundary key itself is a candidate.
		if forward {
			step = DirGTEQ
		} else {
			step = DirLTEQ
		}
	}
}
