package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SimonWaldherr/persistkv/internal/keys"
	"github.com/SimonWaldherr/persistkv/internal/txn"
)

// TreeStats counts per-tree operations.
type TreeStats struct {
	Fetches   atomic.Uint64
	Stores    atomic.Uint64
	Removes   atomic.Uint64
	Traverses atomic.Uint64
}

// Tree is a named B+tree rooted in its volume's directory. The directory
// tree itself is a Tree with an empty name whose root lives in the head
// page.
type Tree struct {
	vol    *Volume
	name   string
	handle int32 // journal tree handle; 0 for temporary-volume trees

	mu    sync.Mutex
	root  uint64
	depth int

	stats TreeStats

	accMu        sync.Mutex
	accumulators map[int]*txn.Accumulator

	gone bool // set when the tree is removed
}

// Name returns the tree name.
func (t *Tree) Name() string { return t.name }

// Volume returns the owning volume.
func (t *Tree) Volume() *Volume { return t.vol }

// Handle returns the journal handle, 0 when unjournalled.
func (t *Tree) Handle() int32 { return t.handle }

// Stats exposes the tree's operation counters.
func (t *Tree) Stats() *TreeStats { return &t.stats }

// Root returns the current root page address and depth.
func (t *Tree) Root() (uint64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root, t.depth
}

func (t *Tree) setRoot(root uint64, depth int) {
	t.mu.Lock()
	t.root = root
	t.depth = depth
	t.mu.Unlock()
}

// Accumulator returns the tree's accumulator at index, creating it with
// the given kind when absent.
func (t *Tree) Accumulator(kind txn.AccumKind, index int) *txn.Accumulator {
	t.accMu.Lock()
	defer t.accMu.Unlock()
	if t.accumulators == nil {
		t.accumulators = map[int]*txn.Accumulator{}
	}
	if a, ok := t.accumulators[index]; ok {
		return a
	}
	a := txn.NewAccumulator(kind, index, 0)
	t.accumulators[index] = a
	return a
}

func (t *Tree) accumulatorSnapshot() map[int]*txn.Accumulator {
	t.accMu.Lock()
	defer t.accMu.Unlock()
	out := make(map[int]*txn.Accumulator, len(t.accumulators))
	for i, a := range t.accumulators {
		out[i] = a
	}
	return out
}

// Tree descriptor codec (directory tree values) ----------------------------
//
//	[0:8]   root        (uint64 LE)
//	[8:10]  depth       (uint16 LE)
//	[10:12] accCount    (uint16 LE)
//	then per accumulator: index u32, kind u8, base i64

func encodeTreeDescriptor(root uint64, depth int, accs map[int]*txn.Accumulator) []byte {
	buf := make([]byte, 12, 12+13*len(accs))
	binary.LittleEndian.PutUint64(buf[0:8], root)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(depth))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(accs)))
	for idx, a := range accs {
		var e [13]byte
		binary.LittleEndian.PutUint32(e[0:4], uint32(idx))
		e[4] = byte(a.Kind)
		binary.LittleEndian.PutUint64(e[5:13], uint64(a.Base()))
		buf = append(buf, e[:]...)
	}
	return buf
}

func decodeTreeDescriptor(raw []byte) (root uint64, depth int, accs map[int]*txn.Accumulator, err error) {
	if len(raw) < 12 {
		return 0, 0, nil, fmt.Errorf("tree descriptor too short (%d bytes)", len(raw))
	}
	root = binary.LittleEndian.Uint64(raw[0:8])
	depth = int(binary.LittleEndian.Uint16(raw[8:10]))
	n := int(binary.LittleEndian.Uint16(raw[10:12]))
	accs = map[int]*txn.Accumulator{}
	p := raw[12:]
	for i := 0; i < n; i++ {
		if len(p) < 13 {
			return 0, 0, nil, fmt.Errorf("tree descriptor truncated at accumulator %d", i)
		}
		idx := int(binary.LittleEndian.Uint32(p[0:4]))
		kind := txn.AccumKind(p[4])
		base := int64(binary.LittleEndian.Uint64(p[5:13]))
		accs[idx] = txn.NewAccumulator(kind, idx, base)
		p = p[13:]
	}
	return root, depth, accs, nil
}

// Volume tree directory -----------------------------------------------------

// directoryTree returns the volume's directory tree, creating its root
// page on first use.
func (v *Volume) directoryTree(owner any) (*Tree, error) {
	v.mu.Lock()
	root := v.dirRoot
	v.mu.Unlock()
	if root == InvalidPageAddr {
		addr, err := v.allocPage(owner)
		if err != nil {
			return nil, err
		}
		pool := v.db.poolFor(v.pageSize)
		b, err := pool.get(v, addr, owner, true, false, DefaultClaimTimeout)
		if err != nil {
			return nil, err
		}
		initPage(b.data, PageTypeData, addr)
		b.touch(v.db.alloc.Next())
		pool.release(b, owner)
		v.mu.Lock()
		if v.dirRoot == InvalidPageAddr {
			v.dirRoot = addr
		}
		root = v.dirRoot
		v.mu.Unlock()
		// The directory root pointer lives in the head page and must be
		// durable before any tree descriptor references it.
		if err := v.writeHead(); err != nil {
			return nil, err
		}
	}
	return &Tree{vol: v, name: "", root: root, depth: 1}, nil
}

// dirKey builds the directory key for a tree name.
func dirKey(name string) *keys.Key {
	return keys.New().AppendString(name)
}

// GetTree resolves name in the directory, creating the tree when asked.
func (v *Volume) GetTree(name string, create bool) (*Tree, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty tree name", ErrInvalidVolumeSpecification)
	}
	v.treeMu.RLock()
	if t, ok := v.trees[name]; ok && !t.gone {
		v.treeMu.RUnlock()
		return t, nil
	}
	v.treeMu.RUnlock()

	v.treeMu.Lock()
	defer v.treeMu.Unlock()
	if t, ok := v.trees[name]; ok && !t.gone {
		return t, nil
	}

	owner := new(int) // private claim identity for directory access
	dir, err := v.directoryTree(owner)
	if err != nil {
		return nil, err
	}
	ex := newExchange(v.db, dir, nil)
	defer ex.Close()
	dirKey(name).CopyTo(ex.Key())

	raw, found, err := ex.fetchRaw()
	if err != nil {
		return nil, err
	}
	t := &Tree{vol: v, name: name}
	if found {
		root, depth, accs, err := decodeTreeDescriptor(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: volume %s tree %s: %v", ErrCorruptVolume, v.name, name, err)
		}
		t.root, t.depth, t.accumulators = root, depth, accs
	} else {
		if !create {
			return nil, fmt.Errorf("%w: %s in volume %s", ErrTreeNotFound, name, v.name)
		}
		addr, err := v.allocPage(owner)
		if err != nil {
			return nil, err
		}
		pool := v.db.poolFor(v.pageSize)
		b, err := pool.get(v, addr, owner, true, false, DefaultClaimTimeout)
		if err != nil {
			return nil, err
		}
		initPage(b.data, PageTypeData, addr)
		b.touch(v.db.alloc.Next())
		pool.release(b, owner)
		t.root, t.depth = addr, 1
		if err := v.saveTreeDescriptor(t); err != nil {
			return nil, err
		}
	}
	if !v.temporary {
		t.handle = v.db.journal.AssignTreeHandle(v, name)
	}
	v.trees[name] = t
	return t, nil
}

// saveTreeDescriptor writes the tree's descriptor into the directory.
func (v *Volume) saveTreeDescriptor(t *Tree) error {
	owner := new(int)
	dir, err := v.directoryTree(owner)
	if err != nil {
		return err
	}
	ex := newExchange(v.db, dir, nil)
	defer ex.Close()
	dirKey(t.name).CopyTo(ex.Key())
	t.mu.Lock()
	desc := encodeTreeDescriptor(t.root, t.depth, t.accumulatorSnapshot())
	t.mu.Unlock()
	return ex.storeRaw(desc)
}

// RemoveTree deletes a tree: its directory entry (and with it every
// accumulator) goes at once; page reclamation is queued on the cleanup
// manager.
func (v *Volume) RemoveTree(t *Tree) error {
	v.treeMu.Lock()
	defer v.treeMu.Unlock()
	if t.gone {
		return nil
	}
	owner := new(int)
	dir, err := v.directoryTree(owner)
	if err != nil {
		return err
	}
	ex := newExchange(v.db, dir, nil)
	defer ex.Close()
	dirKey(t.name).CopyTo(ex.Key())
	if err := ex.removeRaw(); err != nil {
		return err
	}
	t.gone = true
	delete(v.trees, t.name)
	root, _ := t.Root()
	v.db.cleanup.Enqueue(CleanupAction{Kind: CleanupDeallocateTree, Volume: v, PageAddr: root})
	return nil
}

// TreeNames lists the trees recorded in the directory.
func (v *Volume) TreeNames() ([]string, error) {
	owner := new(int)
	v.mu.Lock()
	root := v.dirRoot
	v.mu.Unlock()
	if root == InvalidPageAddr {
		return nil, nil // empty directory: nothing to descend into
	}
	dir, err := v.directoryTree(owner)
	if err != nil {
		return nil, err
	}
	ex := newExchange(v.db, dir, nil)
	defer ex.Close()
	var names []string
	ex.ToBefore()
	for {
		ok, err := ex.traverseRaw(DirGT, true)
		if err != nil {
			return nil, err
		}
		if !ok {
			return names, nil
		}
		segs, err := ex.Key().Decode()
		if err == nil && len(segs) == 1 && segs[0].Type == keys.SegString {
			names = append(names, segs[0].String)
		}
	}
}
