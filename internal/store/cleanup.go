package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/SimonWaldherr/persistkv/internal/mvv"
)

// CleanupKind selects the work a CleanupAction performs.
type CleanupKind int

const (
	// CleanupPrunePage collapses obsolete MVV versions on one page.
	CleanupPrunePage CleanupKind = iota
	// CleanupPruneTree sweeps every leaf of a tree.
	CleanupPruneTree
	// CleanupMergePage joins or rebalances an underfull leaf with its
	// right sibling.
	CleanupMergePage
	// CleanupDeallocateTree returns a removed tree's pages to the
	// garbage chain.
	CleanupDeallocateTree
	// CleanupIndexHole re-derives a parent separator that no longer
	// matches its child.
	CleanupIndexHole
	// CleanupDropStatus reclaims settled transaction statuses.
	CleanupDropStatus
)

// CleanupAction is one queued maintenance task.
type CleanupAction struct {
	Kind     CleanupKind
	Volume   *Volume
	Tree     *Tree
	PageAddr uint64
}

// cleanupQueueCap bounds the queue; excess actions are dropped (the work
// is re-discoverable) and counted.
const cleanupQueueCap = 4096

// CleanupManager runs background pruning, page merging and status
// reclamation. It also drives the periodic floor advance so index-only
// readers never stall behind an idle bucket.
type CleanupManager struct {
	db *DB

	mu     sync.Mutex
	queue  []CleanupAction
	notify chan struct{}
}

func newCleanupManager(db *DB) *CleanupManager {
	return &CleanupManager{db: db, notify: make(chan struct{}, 1)}
}

// Enqueue adds an action, dropping it when the queue is saturated.
func (cm *CleanupManager) Enqueue(a CleanupAction) {
	cm.mu.Lock()
	if len(cm.queue) >= cleanupQueueCap {
		cm.mu.Unlock()
		cm.db.metrics.cleanupDropped.Inc()
		return
	}
	cm.queue = append(cm.queue, a)
	cm.mu.Unlock()
	select {
	case cm.notify <- struct{}{}:
	default:
	}
}

func (cm *CleanupManager) poll() (CleanupAction, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if len(cm.queue) == 0 {
		return CleanupAction{}, false
	}
	a := cm.queue[0]
	cm.queue = cm.queue[1:]
	return a, true
}

// run is the worker loop.
func (cm *CleanupManager) run(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cm.notify:
		case <-tick.C:
			// Periodic duties independent of queued work: the floor
			// advances even with no update traffic, and settled
			// statuses drain.
			cm.db.txnIndex.UpdateActiveTransactionCache()
			cm.db.txnIndex.Cleanup()
		}
		for {
			a, ok := cm.poll()
			if !ok {
				break
			}
			if err := cm.dispatch(a); err != nil {
				cm.db.log.Warn().Err(err).Int("kind", int(a.Kind)).
					Uint64("page", a.PageAddr).Msg("cleanup action failed")
			}
		}
	}
}

// Drain processes every queued action synchronously (tests, shutdown).
func (cm *CleanupManager) Drain() {
	for {
		a, ok := cm.poll()
		if !ok {
			return
		}
		if err := cm.dispatch(a); err != nil {
			cm.db.log.Warn().Err(err).Msg("cleanup drain action failed")
		}
	}
}

func (cm *CleanupManager) dispatch(a CleanupAction) error {
	switch a.Kind {
	case CleanupPrunePage:
		return cm.prunePage(a.Tree, a.PageAddr)
	case CleanupPruneTree:
		return cm.pruneTree(a.Tree)
	case CleanupMergePage:
		return cm.mergePage(a.Tree, a.PageAddr)
	case CleanupDeallocateTree:
		return cm.deallocateTree(a.Volume, a.PageAddr)
	case CleanupIndexHole:
		return cm.fixIndexHole(a.Tree, a.PageAddr)
	case CleanupDropStatus:
		cm.db.txnIndex.Cleanup()
		return nil
	default:
		return nil
	}
}

// prunePage collapses every MVV on one leaf. Idempotent; concurrent
// readers revalidate version timestamps against the index, so a collapsed
// slot never changes what any of them can see.
func (cm *CleanupManager) prunePage(tree *Tree, addr uint64) error {
	if tree == nil || tree.gone {
		return nil
	}
	db := cm.db
	pool := db.poolFor(tree.vol.pageSize)
	owner := new(int)
	b, err := pool.get(tree.vol, addr, owner, true, true, DefaultClaimTimeout)
	if err != nil {
		return err
	}
	defer pool.release(b, owner)
	if b.Type() != PageTypeData {
		return nil
	}
	entries, err := b.entries()
	if err != nil {
		return err
	}
	cache := db.txnIndex.ActiveTransactionCache()
	floor := cache.Floor
	changed := false
	kept := make([]pageEntry, 0, len(entries))
	ex := newExchange(db, tree, nil)
	defer ex.Close()
	for _, e := range entries {
		res := mvv.Prune(e.value, db.txnIndex, floor, floor)
		if !res.Changed {
			kept = append(kept, e)
			continue
		}
		changed = true
		for _, ts := range res.RemovedTs {
			if s := db.txnIndex.Get(ts); s != nil {
				s.DecrementMvvCount()
			}
			db.metrics.prunedVersions.Inc()
		}
		for _, p := range res.RemovedPayloads {
			if mvv.IsLongStub(p) {
				if err := ex.freeLongRecord(p); err != nil {
					db.log.Warn().Err(err).Msg("pruned long-record chain not freed")
				}
			}
		}
		if len(res.Raw) == 0 {
			continue // slot deleted outright
		}
		kept = append(kept, pageEntry{key: e.key, value: res.Raw})
	}
	if !changed {
		return nil
	}
	firstChanged := len(kept) > 0 && len(entries) > 0 && !bytes.Equal(kept[0].key, entries[0].key)
	if err := b.setEntries(kept); err != nil {
		return err
	}
	b.touch(db.alloc.Next())
	if firstChanged {
		cm.Enqueue(CleanupAction{Kind: CleanupIndexHole, Volume: tree.vol, Tree: tree, PageAddr: addr})
	}
	if len(kept) == 0 || pageUnderfull(b.data, tree.vol.pageSize) {
		cm.Enqueue(CleanupAction{Kind: CleanupMergePage, Volume: tree.vol, Tree: tree, PageAddr: addr})
	}
	return nil
}


// pruneTree sweeps the whole leaf chain.
func (cm *CleanupManager) pruneTree(tree *Tree) error {
	if tree == nil || tree.gone {
		return nil
	}
	addrs, err := cm.leafChain(tree)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := cm.prunePage(tree, addr); err != nil {
			return err
		}
	}
	return nil
}

// leafChain lists leaf addresses left to right.
func (cm *CleanupManager) leafChain(tree *Tree) ([]uint64, error) {
	db := cm.db
	pool := db.poolFor(tree.vol.pageSize)
	owner := new(int)
	addr, _ := tree.Root()
	// Descend leftmost.
	for {
		b, err := pool.get(tree.vol, addr, owner, false, true, DefaultClaimTimeout)
		if err != nil {
			return nil, err
		}
		if b.Type() == PageTypeData {
			pool.release(b, owner)
			break
		}
		entries, err := b.entries()
		if err != nil || len(entries) == 0 {
			pool.release(b, owner)
			if err == nil {
				err = corruptPage(tree.vol.name, addr, "empty index page")
			}
			return nil, err
		}
		next := childAddr(entries[0].value)
		pool.release(b, owner)
		addr = next
	}
	var out []uint64
	for addr != InvalidPageAddr && len(out) <= 1<<22 {
		out = append(out, addr)
		b, err := pool.get(tree.vol, addr, owner, false, true, DefaultClaimTimeout)
		if err != nil {
			return out, err
		}
		addr = b.RightSibling()
		pool.release(b, owner)
	}
	return out, nil
}

// mergePage joins an underfull leaf with its right sibling, or
// rebalances when the combined contents do not fit. The parent separator
// is always recomputed from the surviving pages' actual first keys, never
// reused from an intermediate state.
func (cm *CleanupManager) mergePage(tree *Tree, addr uint64) error {
	if tree == nil || tree.gone {
		return nil
	}
	db := cm.db
	vol := tree.vol
	pool := db.poolFor(vol.pageSize)
	owner := new(int)

	left, err := pool.get(vol, addr, owner, true, true, DefaultClaimTimeout)
	if err != nil {
		return err
	}
	defer pool.release(left, owner)
	if left.Type() != PageTypeData {
		return nil
	}
	rightAddr := left.RightSibling()
	if rightAddr == InvalidPageAddr {
		return nil
	}
	if !pageUnderfull(left.data, vol.pageSize) {
		return nil
	}
	right, err := pool.get(vol, rightAddr, owner, true, true, DefaultClaimTimeout)
	if err != nil {
		return err
	}
	defer pool.release(right, owner)
	if right.Type() != PageTypeData {
		return nil
	}

	leftEntries, err := left.entries()
	if err != nil {
		return err
	}
	rightEntries, err := right.entries()
	if err != nil {
		return err
	}
	if len(rightEntries) == 0 {
		return nil // an empty right sibling carries nothing worth moving
	}
	// Joins stay within one parent: a cross-boundary merge would leave
	// the right page's entry dangling in a parent this walk never visits.
	probe := rightEntries[0].key
	if !cm.sameParent(tree, probe, addr, rightAddr) {
		return nil
	}
	combined := make([]pageEntry, 0, len(leftEntries)+len(rightEntries))
	combined = append(combined, leftEntries...)
	combined = append(combined, rightEntries...)

	if entriesFit(combined, vol.pageSize) && len(combined) <= maxKeysForPage(vol.pageSize) {
		// Merge: right's contents move left, right goes to garbage.
		leftWasEmpty := len(leftEntries) == 0
		if err := left.setEntries(combined); err != nil {
			return err
		}
		setPageRightSibling(left.data, pageRightSibling(right.data))
		left.touch(db.alloc.Next())
		if err := cm.removeParentEntry(tree, rightAddr, probe); err != nil {
			return err
		}
		if leftWasEmpty && len(combined) > 0 {
			// The survivor now starts at the old right page's first key.
			cm.Enqueue(CleanupAction{Kind: CleanupIndexHole, Volume: vol, Tree: tree, PageAddr: addr})
		}
		initPage(right.data, PageTypeGarbage, rightAddr)
		right.touch(db.alloc.Next())
		return vol.deallocMergedPage(right)
	}

	// Rebalance: split the combined entries at the midpoint by count; each
	// side must fit the page's key and byte budgets. Neither side is
	// checked against the join threshold.
	half := len(combined) / 2
	if half == 0 || half >= len(combined) {
		return nil
	}
	newLeft := combined[:half]
	newRight := combined[half:]
	if !entriesFit(newLeft, vol.pageSize) || !entriesFit(newRight, vol.pageSize) {
		return nil
	}
	if err := left.setEntries(newLeft); err != nil {
		return err
	}
	left.touch(db.alloc.Next())
	if err := right.setEntries(newRight); err != nil {
		return err
	}
	right.touch(db.alloc.Next())
	// The separator for the right page is its new first key, derived
	// from scratch.
	return cm.rewriteParentSeparator(tree, rightAddr, newRight[0].key)
}

// sameParent reports whether one index page routes to both children.
// probe must fall inside the right child's key range.
func (cm *CleanupManager) sameParent(tree *Tree, probe []byte, leftChild, rightChild uint64) bool {
	db := cm.db
	pool := db.poolFor(tree.vol.pageSize)
	owner := new(int)
	addr, depth := tree.Root()
	for level := 0; level < depth+2; level++ {
		b, err := pool.get(tree.vol, addr, owner, false, true, DefaultClaimTimeout)
		if err != nil {
			return false
		}
		if b.Type() == PageTypeData {
			pool.release(b, owner)
			return false
		}
		entries, err := b.entries()
		if err != nil || len(entries) == 0 {
			pool.release(b, owner)
			return false
		}
		if hasChild(entries, rightChild) {
			both := hasChild(entries, leftChild)
			pool.release(b, owner)
			return both
		}
		next := childAddr(entries[routeIndex(entries, probe)].value)
		pool.release(b, owner)
		addr = next
	}
	return false
}

// removeParentEntry deletes the index entry routing to a merged-away
// child, locating it by child address; probe falls inside the gone
// child's old key range.
func (cm *CleanupManager) removeParentEntry(tree *Tree, childAddrGone uint64, probe []byte) error {
	db := cm.db
	vol := tree.vol
	pool := db.poolFor(vol.pageSize)
	owner := new(int)

	addr, depth := tree.Root()
	for level := 0; level < depth+2; level++ {
		b, err := pool.get(vol, addr, owner, true, true, DefaultClaimTimeout)
		if err != nil {
			return err
		}
		if b.Type() == PageTypeData {
			pool.release(b, owner)
			return nil
		}
		entries, err := b.entries()
		if err != nil {
			pool.release(b, owner)
			return err
		}
		for i, e := range entries {
			if childAddr(e.value) == childAddrGone {
				rest := make([]pageEntry, 0, len(entries)-1)
				rest = append(rest, entries[:i]...)
				rest = append(rest, entries[i+1:]...)
				if err := b.setEntries(rest); err != nil {
					pool.release(b, owner)
					return err
				}
				b.touch(db.alloc.Next())
				pool.release(b, owner)
				return nil
			}
		}
		next := childAddr(entries[routeIndex(entries, probe)].value)
		pool.release(b, owner)
		addr = next
	}
	return nil
}

// rewriteParentSeparator replaces the separator for child with its actual
// first key.
func (cm *CleanupManager) rewriteParentSeparator(tree *Tree, child uint64, firstKey []byte) error {
	db := cm.db
	vol := tree.vol
	pool := db.poolFor(vol.pageSize)
	owner := new(int)

	addr, depth := tree.Root()
	for level := 0; level < depth+2; level++ {
		b, err := pool.get(vol, addr, owner, true, true, DefaultClaimTimeout)
		if err != nil {
			return err
		}
		if b.Type() == PageTypeData {
			pool.release(b, owner)
			return nil
		}
		entries, err := b.entries()
		if err != nil {
			pool.release(b, owner)
			return err
		}
		for i, e := range entries {
			if childAddr(e.value) == child {
				if i == 0 {
					// The leftmost slot keeps its empty separator.
					pool.release(b, owner)
					return nil
				}
				rest := make([]pageEntry, len(entries))
				copy(rest, entries)
				rest[i] = pageEntry{key: append([]byte(nil), firstKey...), value: e.value}
				if err := b.setEntries(rest); err != nil {
					pool.release(b, owner)
					return err
				}
				b.touch(db.alloc.Next())
				pool.release(b, owner)
				return nil
			}
		}
		next := childAddr(entries[routeIndex(entries, firstKey)].value)
		pool.release(b, owner)
		addr = next
	}
	return nil
}

// fixIndexHole re-derives the separator for a leaf whose parent entry
// drifted (for example after a crash between sibling writes).
func (cm *CleanupManager) fixIndexHole(tree *Tree, leafAddr uint64) error {
	if tree == nil || tree.gone {
		return nil
	}
	db := cm.db
	pool := db.poolFor(tree.vol.pageSize)
	owner := new(int)
	b, err := pool.get(tree.vol, leafAddr, owner, false, true, DefaultClaimTimeout)
	if err != nil {
		return err
	}
	entries, err := b.entries()
	if err != nil || len(entries) == 0 {
		pool.release(b, owner)
		return err
	}
	first := append([]byte(nil), entries[0].key...)
	pool.release(b, owner)
	return cm.rewriteParentSeparator(tree, leafAddr, first)
}

// deallocateTree walks a removed tree and garbage-chains every page.
func (cm *CleanupManager) deallocateTree(vol *Volume, root uint64) error {
	db := cm.db
	pool := db.poolFor(vol.pageSize)
	owner := new(int)
	var walk func(addr uint64, depth int) error
	walk = func(addr uint64, depth int) error {
		if addr == InvalidPageAddr || depth > maxTreeDepth {
			return nil
		}
		b, err := pool.get(vol, addr, owner, false, true, DefaultClaimTimeout)
		if err != nil {
			return err
		}
		pt := b.Type()
		entries, eerr := b.entries()
		pool.release(b, owner)
		if eerr != nil {
			return eerr
		}
		if pt == PageTypeIndex || pt == PageTypeIndexHead {
			for _, e := range entries {
				if err := walk(childAddr(e.value), depth+1); err != nil {
					return err
				}
			}
		}
		if pt == PageTypeData {
			ex := newExchange(db, &Tree{vol: vol, root: root, depth: 1}, nil)
			for _, e := range entries {
				ex.freeSlotChains(e.value)
			}
			ex.Close()
		}
		return vol.deallocPage(owner, addr)
	}
	if err := walk(root, 0); err != nil {
		return err
	}
	if !vol.temporary {
		var note [8]byte
		binary.LittleEndian.PutUint64(note[:], root)
		if err := db.journal.WriteCleanupNote(db.alloc.Current(), note[:]); err != nil {
			db.log.Warn().Err(err).Msg("cleanup note not journalled")
		}
	}
	return nil
}

// deallocMergedPage chains an already-garbage page without re-reading it.
func (v *Volume) deallocMergedPage(b *Buffer) error {
	v.allocMu.Lock()
	v.mu.Lock()
	root := v.garbageRoot
	v.garbageRoot = b.addr
	v.stats.Deallocated++
	v.mu.Unlock()
	v.allocMu.Unlock()
	setPageRightSibling(b.data, root)
	b.touch(v.db.alloc.Next())
	return nil
}
