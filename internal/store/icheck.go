package store

import (
	"bytes"
	"fmt"
)

// IntegrityReport summarises a CheckTree walk.
type IntegrityReport struct {
	Pages    int
	Keys     int
	Problems []string
}

func (r *IntegrityReport) problemf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// OK reports whether the walk found no violations.
func (r *IntegrityReport) OK() bool { return len(r.Problems) == 0 }

// CheckTree verifies the structural invariants of one tree:
//
//   - along every right-sibling link, max_key(L) < first_key(R);
//   - every separator that routes to a data page equals that page's
//     first key (the leftmost slot's empty separator excepted); separators
//     routing to interior pages are not compared;
//   - every page respects the key-count and byte budgets;
//   - keys within a page are strictly ascending.
func (db *DB) CheckTree(t *Tree) (*IntegrityReport, error) {
	if err := db.poisonCheck(); err != nil {
		return nil, err
	}
	rep := &IntegrityReport{}
	root, _ := t.Root()
	if err := db.checkSubtree(t, root, nil, rep, 0); err != nil {
		return rep, err
	}
	return rep, nil
}

// checkSubtree walks one page and its children. expectedFirst is the
// separator the parent recorded for this subtree, nil for the leftmost
// path.
func (db *DB) checkSubtree(t *Tree, addr uint64, expectedFirst []byte, rep *IntegrityReport, depth int) error {
	if depth > maxTreeDepth {
		rep.problemf("page %d: depth exceeds %d", addr, maxTreeDepth)
		return nil
	}
	pool := db.poolFor(t.vol.pageSize)
	owner := new(int)
	b, err := pool.get(t.vol, addr, owner, false, true, DefaultClaimTimeout)
	if err != nil {
		return err
	}
	rep.Pages++
	pt := b.Type()
	entries, eerr := b.entries()
	rightSib := b.RightSibling()
	if eerr != nil {
		pool.release(b, owner)
		rep.problemf("page %d: %v", addr, eerr)
		return nil
	}
	if len(entries) > maxKeysForPage(t.vol.pageSize) {
		rep.problemf("page %d: %d keys exceeds the %d-key budget",
			addr, len(entries), maxKeysForPage(t.vol.pageSize))
	}
	var prev []byte
	for i, e := range entries {
		if i > 0 && bytes.Compare(prev, e.key) >= 0 {
			rep.problemf("page %d: slots %d/%d out of order", addr, i-1, i)
		}
		prev = e.key
	}
	// Interior pages always begin with the empty separator; the
	// separator-equality invariant binds leaf first keys only.
	if pt == PageTypeData && expectedFirst != nil && len(entries) > 0 &&
		!bytes.Equal(entries[0].key, expectedFirst) {
		rep.problemf("page %d: first key does not match parent separator", addr)
	}
	pool.release(b, owner)

	switch pt {
	case PageTypeData:
		rep.Keys += len(entries)
		if rightSib != InvalidPageAddr && len(entries) > 0 {
			if err := db.checkSiblingOrder(t, addr, entries[len(entries)-1].key, rightSib, rep); err != nil {
				return err
			}
		}
	case PageTypeIndex, PageTypeIndexHead:
		for i, e := range entries {
			child := childAddr(e.value)
			if child == InvalidPageAddr {
				rep.problemf("page %d: slot %d has a null child", addr, i)
				continue
			}
			var expect []byte
			if i > 0 {
				expect = e.key
			}
			if err := db.checkSubtree(t, child, expect, rep, depth+1); err != nil {
				return err
			}
		}
	default:
		rep.problemf("page %d: unexpected %s page inside tree", addr, pt)
	}
	return nil
}

func (db *DB) checkSiblingOrder(t *Tree, leftAddr uint64, leftMax []byte, rightAddr uint64, rep *IntegrityReport) error {
	pool := db.poolFor(t.vol.pageSize)
	owner := new(int)
	rb, err := pool.get(t.vol, rightAddr, owner, false, true, DefaultClaimTimeout)
	if err != nil {
		return err
	}
	defer pool.release(rb, owner)
	entries, eerr := rb.entries()
	if eerr != nil {
		rep.problemf("page %d: %v", rightAddr, eerr)
		return nil
	}
	if len(entries) > 0 && bytes.Compare(leftMax, entries[0].key) >= 0 {
		rep.problemf("pages %d/%d: sibling order violated", leftAddr, rightAddr)
	}
	return nil
}
