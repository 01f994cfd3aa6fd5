package store

import (
	"bytes"
	"fmt"
)

// B+tree structure operations: descent, split, join, and positional seek.
// All functions here operate on raw slot values; MVCC layering lives in
// exchange.go.
//
// Claim discipline: descent takes reader claims level by level from root
// to leaf, dropping each level's claim before claiming the next; only the
// leaf claim is retained. Structural changes climb back
// up acquiring writer claims by remembered address, validating that each
// parent still routes to the expected child; a failed validation restarts
// the whole operation from the root.

// maxTreeDepth guards descent against corrupted sibling/child loops.
const maxTreeDepth = 20

// descent captures the root-to-leaf path of one traversal.
type descent struct {
	path []uint64 // page addresses, root first, leaf last
	leaf *Buffer  // claimed by the owner; reader or writer per request
	idx  int      // slot index within the leaf, for positional seeks
}

// descendToLeaf walks from the root to the leaf covering keyBytes. Each
// level's claim is dropped before the next level is claimed, so no claim
// is ever held across another buffer's load I/O and a reader blocked on
// a climbing writer never forms a cycle. A concurrent split can move the
// target keys to a fresh right sibling between the release and the next
// claim; the leaf-level rightward walk below absorbs that, and a leaf
// that turned into a non-data page forces a restart from the root.
func (ex *Exchange) descendToLeaf(keyBytes []byte, writer bool) (*descent, error) {
	pool := ex.db.poolFor(ex.tree.vol.pageSize)
restart:
	root, depth := ex.tree.Root()
	d := &descent{path: make([]uint64, 0, 8)}
	addr := root
	for level := 0; ; level++ {
		if level > maxTreeDepth {
			return nil, corruptPage(ex.tree.vol.name, addr, "descent exceeded %d levels", maxTreeDepth)
		}
		// Only the expected leaf level is claimed for writing; interior
		// pages stay shared.
		wantWriter := writer && level >= depth-1
		b, err := pool.get(ex.tree.vol, addr, ex, wantWriter, true, ex.timeout)
		if err != nil {
			return nil, err
		}
		d.path = append(d.path, addr)

		pt := b.Type()
		if pt == PageTypeData {
			if writer && !wantWriter {
				// The tree deepened mid-descent; promote the claim.
				if !b.upgrade(ex) {
					pool.release(b, ex)
					b, err = pool.get(ex.tree.vol, addr, ex, true, true, ex.timeout)
					if err != nil {
						return nil, err
					}
					if b.Type() != PageTypeData {
						pool.release(b, ex)
						goto restart
					}
				}
			}
			leaf, err := ex.walkRight(b, keyBytes, writer)
			if err != nil {
				return nil, err
			}
			if leaf == nil {
				goto restart
			}
			if leaf.addr != addr {
				d.path[len(d.path)-1] = leaf.addr
			}
			d.leaf = leaf
			return d, nil
		}
		if pt != PageTypeIndex && pt != PageTypeIndexHead {
			pool.release(b, ex)
			if level > 0 {
				goto restart // stale routing from a concurrent restructure
			}
			return nil, corruptPage(ex.tree.vol.name, addr, "unexpected %s page in descent", pt)
		}
		entries, err := b.entries()
		if err != nil {
			pool.release(b, ex)
			return nil, err
		}
		if len(entries) == 0 {
			pool.release(b, ex)
			return nil, corruptPage(ex.tree.vol.name, addr, "empty index page")
		}
		i := routeIndex(entries, keyBytes)
		next := childAddr(entries[i].value)
		pool.release(b, ex)
		if next == InvalidPageAddr {
			return nil, corruptPage(ex.tree.vol.name, addr, "null child pointer at slot %d", i)
		}
		addr = next
	}
}

// walkRight follows right-sibling links while the target key lies beyond
// the claimed leaf's last entry, absorbing splits that raced the
// descent. It takes ownership of b's claim and returns the final claimed
// leaf; a right sibling that is no longer a data page ends the walk at the
// current leaf.
func (ex *Exchange) walkRight(b *Buffer, keyBytes []byte, writer bool) (*Buffer, error) {
	pool := ex.db.poolFor(ex.tree.vol.pageSize)
	for hops := 0; ; hops++ {
		if hops > maxSiblingHops {
			addr := b.addr
			pool.release(b, ex)
			return nil, corruptPage(ex.tree.vol.name, addr, "sibling walk did not terminate")
		}
		entries, err := b.entries()
		if err != nil {
			pool.release(b, ex)
			return nil, err
		}
		next := b.RightSibling()
		if next == InvalidPageAddr {
			return b, nil
		}
		if len(entries) > 0 && bytes.Compare(keyBytes, entries[len(entries)-1].key) <= 0 {
			return b, nil
		}
		// The key may live in the next leaf: peek at its first entry.
		nb, err := pool.get(ex.tree.vol, next, ex, writer, true, ex.timeout)
		if err != nil {
			pool.release(b, ex)
			return nil, err
		}
		if nb.Type() != PageTypeData {
			pool.release(nb, ex)
			return b, nil // right edge of a restructure; current leaf stands
		}
		nbEntries, err := nb.entries()
		if err != nil {
			pool.release(nb, ex)
			pool.release(b, ex)
			return nil, err
		}
		if len(nbEntries) > 0 && bytes.Compare(nbEntries[0].key, keyBytes) > 0 {
			pool.release(nb, ex)
			return b, nil
		}
		pool.release(b, ex)
		b = nb
	}
}

// maxSiblingHops bounds the leaf-level rightward walk.
const maxSiblingHops = 1 << 16

// routeIndex picks the child slot covering keyBytes: the largest entry
// whose separator is <= the key. Entry 0 carries the empty separator.
func routeIndex(entries []pageEntry, keyBytes []byte) int {
	i, found := searchEntries(entries, keyBytes)
	if found {
		return i
	}
	if i == 0 {
		return 0
	}
	return i - 1
}

// release drops the descent's leaf claim.
func (d *descent) release(ex *Exchange) {
	if d.leaf != nil {
		ex.db.poolFor(ex.tree.vol.pageSize).release(d.leaf, ex)
		d.leaf = nil
	}
}

// storeInLeaf inserts or replaces (keyBytes, value) in the claimed leaf,
// splitting as needed. The leaf must be writer-claimed; the claim is
// retained on success.
func (ex *Exchange) storeInLeaf(d *descent, keyBytes, value []byte) error {
	entries, err := d.leaf.entries()
	if err != nil {
		return err
	}
	i, found := searchEntries(entries, keyBytes)
	merged := make([]pageEntry, 0, len(entries)+1)
	merged = append(merged, entries[:i]...)
	merged = append(merged, pageEntry{key: append([]byte(nil), keyBytes...), value: value})
	if found {
		merged = append(merged, entries[i+1:]...)
	} else {
		merged = append(merged, entries[i:]...)
	}

	if entriesFit(merged, ex.tree.vol.pageSize) {
		if err := d.leaf.setEntries(merged); err != nil {
			return err
		}
		d.leaf.touch(ex.db.alloc.Next())
		ex.noteInsert(d.leaf.addr, i, len(merged))
		return nil
	}
	return ex.splitAndStore(d, merged, i)
}

// splitAndStore distributes merged entries over the existing leaf and a
// fresh right sibling, then propagates the separator upward.
func (ex *Exchange) splitAndStore(d *descent, merged []pageEntry, insertIdx int) error {
	vol := ex.tree.vol
	pool := ex.db.poolFor(vol.pageSize)

	splitAt := ex.chooseSplit(merged, insertIdx, vol.pageSize)
	left := merged[:splitAt]
	right := merged[splitAt:]
	if len(left) == 0 || len(right) == 0 {
		return corruptPage(vol.name, d.leaf.addr, "degenerate split %d/%d", len(left), len(right))
	}

	rightAddr, err := vol.allocPage(ex)
	if err != nil {
		return err
	}
	rb, err := pool.get(vol, rightAddr, ex, true, false, ex.timeout)
	if err != nil {
		return err
	}
	initPage(rb.data, PageTypeData, rightAddr)
	setPageRightSibling(rb.data, pageRightSibling(d.leaf.data))
	if err := rb.setEntries(right); err != nil {
		pool.release(rb, ex)
		return err
	}
	rb.touch(ex.db.alloc.Next())

	if err := d.leaf.setEntries(left); err != nil {
		pool.release(rb, ex)
		return err
	}
	setPageRightSibling(d.leaf.data, rightAddr)
	d.leaf.touch(ex.db.alloc.Next())

	sep := append([]byte(nil), right[0].key...)
	pool.release(rb, ex)

	return ex.insertSeparator(d.path[:len(d.path)-1], d.leaf.addr, sep, rightAddr)
}

// insertSeparator adds (sep -> rightAddr) to the parent level, splitting
// index pages upward as required. path holds the ancestor addresses,
// deepest last. An empty path grows a new root.
func (ex *Exchange) insertSeparator(path []uint64, leftAddr uint64, sep []byte, rightAddr uint64) error {
	vol := ex.tree.vol
	pool := ex.db.poolFor(vol.pageSize)

	if len(path) == 0 {
		return ex.growRoot(leftAddr, sep, rightAddr)
	}

	parentAddr := path[len(path)-1]
	pb, err := pool.get(vol, parentAddr, ex, true, true, ex.timeout)
	if err != nil {
		return err
	}
	defer pool.release(pb, ex)

	if pt := pb.Type(); pt != PageTypeIndex && pt != PageTypeIndexHead {
		return ex.restartSeparator(leftAddr, sep, rightAddr)
	}
	entries, err := pb.entries()
	if err != nil {
		return err
	}
	// Validate that this parent still routes to the split child; a
	// concurrent restructure moves the child and forces a re-descent.
	if !hasChild(entries, leftAddr) {
		return ex.restartSeparator(leftAddr, sep, rightAddr)
	}

	i, found := searchEntries(entries, sep)
	merged := make([]pageEntry, 0, len(entries)+1)
	merged = append(merged, entries[:i]...)
	merged = append(merged, pageEntry{key: sep, value: childValue(rightAddr)})
	if found {
		merged = append(merged, entries[i+1:]...)
	} else {
		merged = append(merged, entries[i:]...)
	}

	if entriesFit(merged, vol.pageSize) {
		if err := pb.setEntries(merged); err != nil {
			return err
		}
		pb.touch(ex.db.alloc.Next())
		return nil
	}

	// Index page split: push the middle separator up.
	mid := len(merged) / 2
	if mid == 0 {
		mid = 1
	}
	pushKey := append([]byte(nil), merged[mid].key...)
	leftEntries := merged[:mid]
	rightEntries := make([]pageEntry, len(merged[mid:]))
	copy(rightEntries, merged[mid:])
	// The right page's first entry becomes its empty-separator slot.
	rightEntries[0] = pageEntry{key: nil, value: rightEntries[0].value}

	newRightAddr, err := vol.allocPage(ex)
	if err != nil {
		return err
	}
	rb, err := pool.get(vol, newRightAddr, ex, true, false, ex.timeout)
	if err != nil {
		return err
	}
	initPage(rb.data, pb.Type(), newRightAddr)
	setPageRightSibling(rb.data, pageRightSibling(pb.data))
	if err := rb.setEntries(rightEntries); err != nil {
		pool.release(rb, ex)
		return err
	}
	rb.touch(ex.db.alloc.Next())
	pool.release(rb, ex)

	if err := pb.setEntries(leftEntries); err != nil {
		return err
	}
	setPageRightSibling(pb.data, newRightAddr)
	pb.touch(ex.db.alloc.Next())

	return ex.insertSeparator(path[:len(path)-1], parentAddr, pushKey, newRightAddr)
}

// restartSeparator surfaces a concurrent restructure during the climb.
// The caller's operation restarts from the root on this error.
func (ex *Exchange) restartSeparator(leftAddr uint64, sep []byte, rightAddr uint64) error {
	ex.db.log.Debug().
		Uint64("left", leftAddr).
		Uint64("right", rightAddr).
		Msg("separator climb invalidated by concurrent restructure")
	return errRestartDescent
}

// errRestartDescent asks the mutation driver to retry from the root.
var errRestartDescent = fmt.Errorf("restart descent")

func hasChild(entries []pageEntry, addr uint64) bool {
	for _, e := range entries {
		if childAddr(e.value) == addr {
			return true
		}
	}
	return false
}

// growRoot installs a new root above a split of the old root.
func (ex *Exchange) growRoot(leftAddr uint64, sep []byte, rightAddr uint64) error {
	vol := ex.tree.vol
	pool := ex.db.poolFor(vol.pageSize)
	rootAddr, err := vol.allocPage(ex)
	if err != nil {
		return err
	}
	rb, err := pool.get(vol, rootAddr, ex, true, false, ex.timeout)
	if err != nil {
		return err
	}
	initPage(rb.data, PageTypeIndexHead, rootAddr)
	err = rb.setEntries([]pageEntry{
		{key: nil, value: childValue(leftAddr)},
		{key: sep, value: childValue(rightAddr)},
	})
	if err != nil {
		pool.release(rb, ex)
		return err
	}
	rb.touch(ex.db.alloc.Next())
	pool.release(rb, ex)

	_, depth := ex.tree.Root()
	ex.tree.setRoot(rootAddr, depth+1)
	if ex.tree.name != "" {
		return vol.saveTreeDescriptor(ex.tree)
	}
	// Directory tree root moves live in the head page.
	vol.mu.Lock()
	vol.dirRoot = rootAddr
	vol.mu.Unlock()
	return vol.writeHead()
}

// chooseSplit picks the split index, biased by the observed insertion
// sequence: a strictly ascending run at the page tail leaves the right
// page nearly empty for locality, a descending run at the head mirrors
// that; otherwise the split balances bytes.
func (ex *Exchange) chooseSplit(merged []pageEntry, insertIdx, pageSize int) int {
	if ex.seqRun >= 3 && insertIdx == len(merged)-1 {
		return len(merged) - 1
	}
	if ex.seqRun <= -3 && insertIdx == 0 {
		return 1
	}
	// Balance by encoded bytes.
	sizes := make([]int, len(merged))
	total := 0
	var prev []byte
	for i, e := range merged {
		ebc := commonPrefix(prev, e.key)
		sizes[i] = slotEntrySize + len(e.key) - ebc + len(e.value)
		total += sizes[i]
		prev = e.key
	}
	half := total / 2
	acc := 0
	for i, s := range sizes {
		acc += s
		if acc >= half && i+1 < len(merged) {
			return i + 1
		}
	}
	return len(merged) / 2
}

// noteInsert feeds the split policy's sequence detector.
func (ex *Exchange) noteInsert(leafAddr uint64, idx, count int) {
	if leafAddr == ex.seqLeaf {
		switch {
		case idx >= count-1:
			if ex.seqRun < 0 {
				ex.seqRun = 0
			}
			ex.seqRun++
		case idx == 0:
			if ex.seqRun > 0 {
				ex.seqRun = 0
			}
			ex.seqRun--
		default:
			ex.seqRun = 0
		}
	} else {
		ex.seqRun = 0
	}
	ex.seqLeaf = leafAddr
}

// seekLeaf positions at the leaf covering keyBytes and returns the slot
// index of the first entry >= keyBytes within it (possibly == len).
func (ex *Exchange) seekLeaf(keyBytes []byte) (*descent, int, error) {
	d, err := ex.descendToLeaf(keyBytes, false)
	if err != nil {
		return nil, 0, err
	}
	entries, err := d.leaf.entries()
	if err != nil {
		d.release(ex)
		return nil, 0, err
	}
	i, _ := searchEntries(entries, keyBytes)
	return d, i, nil
}

// stepForward advances (d, idx) to the next physical slot, following the
// right-sibling chain across page boundaries. Returns false at the end of
// the tree.
func (ex *Exchange) stepForward(d *descent, idx int) (*descent, int, bool, error) {
	pool := ex.db.poolFor(ex.tree.vol.pageSize)
	for {
		entries, err := d.leaf.entries()
		if err != nil {
			return d, idx, false, err
		}
		if idx < len(entries) {
			return d, idx, true, nil
		}
		next := d.leaf.RightSibling()
		if next == InvalidPageAddr {
			return d, idx, false, nil
		}
		nb, err := pool.get(ex.tree.vol, next, ex, false, true, ex.timeout)
		if err != nil {
			return d, idx, false, err
		}
		pool.release(d.leaf, ex)
		d.leaf = nb
		d.path = append(d.path[:0], next)
		idx = 0
	}
}

// seekBackward finds the last physical entry strictly below keyBytes,
// re-descending because leaves carry no left-sibling links. Returns
// ok=false when no such entry exists.
func (ex *Exchange) seekBackward(keyBytes []byte) (*descent, int, bool, error) {
	d, idx, err := ex.seekLeaf(keyBytes)
	if err != nil {
		return nil, 0, false, err
	}
	if idx > 0 {
		return d, idx - 1, true, nil
	}
	// The predecessor lives in the left neighbour. Leaves are only
	// right-linked, so re-descend with a nudged-down target derived from
	// this leaf's lower bound.
	entries, err := d.leaf.entries()
	if err != nil {
		d.release(ex)
		return nil, 0, false, err
	}
	var bound []byte
	if len(entries) > 0 {
		bound = entries[0].key
	} else {
		bound = keyBytes
	}
	d.release(ex)
	return ex.seekBefore(bound)
}

// seekBefore descends to the rightmost entry strictly below bound. When
// the chosen subtree turns out to hold nothing below the bound (its keys
// all sit at or above it, or the leaf is empty), the search retries with
// the subtree's own separator as a strictly tighter bound, which
// terminates at the leftmost edge.
func (ex *Exchange) seekBefore(bound []byte) (*descent, int, bool, error) {
	vol := ex.tree.vol
	for {
		d, chosenSep, ok, err := ex.seekBeforeOnce(bound)
		if err != nil || ok {
			return d, d1idx(d), ok, err
		}
		if len(chosenSep) == 0 {
			return nil, 0, false, nil // already at the leftmost edge
		}
		if bytes.Compare(chosenSep, bound) >= 0 {
			return nil, 0, false, corruptPage(vol.name, 0, "separator does not tighten below bound")
		}
		bound = chosenSep
	}
}

// d1idx recovers the slot index stashed by seekBeforeOnce.
func d1idx(d *descent) int {
	if d == nil {
		return 0
	}
	return d.idx
}

// seekBeforeOnce performs one descent. On a miss it returns the separator
// of the subtree it entered so the caller can tighten the bound.
func (ex *Exchange) seekBeforeOnce(bound []byte) (*descent, []byte, bool, error) {
	vol := ex.tree.vol
	pool := ex.db.poolFor(vol.pageSize)
	root, _ := ex.tree.Root()
	addr := root
	d := &descent{path: make([]uint64, 0, 8)}
	var chosenSep []byte
	for level := 0; ; level++ {
		if level > maxTreeDepth {
			return nil, nil, false, corruptPage(vol.name, addr, "descent exceeded %d levels", maxTreeDepth)
		}
		b, err := pool.get(vol, addr, ex, false, true, ex.timeout)
		if err != nil {
			return nil, nil, false, err
		}
		d.path = append(d.path, addr)
		entries, err := b.entries()
		if err != nil {
			pool.release(b, ex)
			return nil, nil, false, err
		}
		if b.Type() == PageTypeData {
			i, _ := searchEntries(entries, bound)
			if i == 0 {
				pool.release(b, ex)
				return nil, chosenSep, false, nil
			}
			d.leaf = b
			d.idx = i - 1
			return d, nil, true, nil
		}
		// Choose the rightmost child whose separator is strictly below
		// the bound.
		i, found := searchEntries(entries, bound)
		if found || i > 0 {
			i--
		}
		if i < 0 {
			pool.release(b, ex)
			return nil, nil, false, nil
		}
		if i == 0 && len(entries[0].key) == 0 {
			chosenSep = nil // leftmost child: no tighter retreat possible
		} else {
			chosenSep = append([]byte(nil), entries[i].key...)
		}
		next := childAddr(entries[i].value)
		pool.release(b, ex)
		addr = next
	}
}
