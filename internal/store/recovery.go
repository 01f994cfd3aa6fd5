package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	txnpkg "github.com/SimonWaldherr/persistkv/internal/txn"
)

// Recovery scans the journal forward from the earliest retained block,
// rebuilding the handle tables, the page map and the transaction set.
// The scan stops at the first record whose checksum or length fails — the
// valid prefix is the recoverable state; a truncated tail is normal after
// a crash. A second pass replays committed transactions not yet reflected
// in page images and registers unfinished ones as aborted so pruning can
// purge their versions.

type recoveredTx struct {
	ts       uint64
	commitTs uint64
	aborted  bool
	final    bool
	ops      []byte
	addr     uint64
}

type recoveredState struct {
	maxBlock  uint64
	anyBlocks bool
	maxTs     uint64
	lastCpTs  uint64
	baseAddr  uint64

	volByHandle  map[int32]volBinding
	treeByHandle map[int32]treeKey
	pageMap      map[pageKey]pageMapEntry
	txs          map[uint64]*recoveredTx
	nextHandle   int32
}

// scanJournal parses every journal block present in dir.
func scanJournal(dir, prefix string) (*recoveredState, error) {
	st := &recoveredState{
		volByHandle:  map[int32]volBinding{},
		treeByHandle: map[int32]treeKey{},
		pageMap:      map[pageKey]pageMapEntry{},
		txs:          map[uint64]*recoveredTx{},
		nextHandle:   1,
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, err
	}
	var blocks []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix+".") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(name, prefix+"."), 10, 64)
		if err != nil {
			continue
		}
		blocks = append(blocks, n)
	}
	if len(blocks) == 0 {
		return st, nil
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	st.anyBlocks = true
	st.maxBlock = blocks[len(blocks)-1]

	for _, block := range blocks {
		if err := st.scanBlock(dir, prefix, block); err != nil {
			return nil, err
		}
	}
	// Images below the final base address were copied back into their
	// volumes before the checkpoint that recorded it; the volume file is
	// authoritative for them.
	for k, e := range st.pageMap {
		if e.journalAddr < st.baseAddr {
			delete(st.pageMap, k)
		}
	}
	return st, nil
}

func (st *recoveredState) scanBlock(dir, prefix string, block uint64) error {
	path := filepath.Join(dir, journalFileName(prefix, block))
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [journalHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil // shorter than a header: crash during creation
	}
	if string(hdr[0:8]) != journalMagic {
		return fmt.Errorf("%w: block %d: bad magic", ErrCorruptJournal, block)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != journalVersion {
		return fmt.Errorf("%w: block %d: version %d", ErrCorruptJournal, block, v)
	}
	if c := crc32.Checksum(hdr[:36], crcTable); c != binary.LittleEndian.Uint32(hdr[36:40]) {
		return fmt.Errorf("%w: block %d: header checksum", ErrCorruptJournal, block)
	}
	blockSize := binary.LittleEndian.Uint64(hdr[12:20])

	pos := uint64(journalHeaderSize)
	for {
		var rh [recHeaderSize]byte
		if _, err := f.ReadAt(rh[:], int64(pos)); err != nil {
			return nil // end of valid prefix
		}
		plen := binary.LittleEndian.Uint32(rh[2:6])
		ts := binary.LittleEndian.Uint64(rh[6:14])
		if uint64(plen) > blockSize {
			return nil
		}
		payload := make([]byte, plen)
		if plen > 0 {
			if _, err := io.ReadFull(io.NewSectionReader(f, int64(pos)+recHeaderSize, int64(plen)), payload); err != nil {
				return nil
			}
		}
		h := crc32.New(crcTable)
		h.Write(rh[:14])
		h.Write([]byte{0, 0, 0, 0})
		h.Write(payload)
		if h.Sum32() != binary.LittleEndian.Uint32(rh[14:18]) {
			return nil // corrupt tail: prefix accepted
		}
		addr := block*blockSize + pos
		if ts > st.maxTs {
			st.maxTs = ts
		}
		done := st.applyRecord(rh[0], rh[1], ts, addr, payload)
		if done {
			return nil
		}
		pos += recHeaderSize + uint64(plen)
	}
}

// applyRecord folds one record into the recovered state. Returns true at
// a JE record, which ends the block.
func (st *recoveredState) applyRecord(rt, flags byte, ts, addr uint64, payload []byte) bool {
	switch rt {
	case recJE:
		return true
	case recSR, recCU:
		// informational
	case recIV:
		if len(payload) < 16 {
			return true
		}
		h := int32(binary.LittleEndian.Uint32(payload[0:4]))
		st.volByHandle[h] = volBinding{
			handle:   h,
			volID:    binary.LittleEndian.Uint64(payload[4:12]),
			pageSize: int(binary.LittleEndian.Uint32(payload[12:16])),
			name:     string(payload[16:]),
		}
		if h >= st.nextHandle {
			st.nextHandle = h + 1
		}
	case recIT:
		if len(payload) < 8 {
			return true
		}
		h := int32(binary.LittleEndian.Uint32(payload[0:4]))
		st.treeByHandle[h] = treeKey{
			volHandle: int32(binary.LittleEndian.Uint32(payload[4:8])),
			name:      string(payload[8:]),
		}
		if h >= st.nextHandle {
			st.nextHandle = h + 1
		}
	case recPA:
		if len(payload) < 12 {
			return true
		}
		k := pageKey{
			volHandle: int32(binary.LittleEndian.Uint32(payload[0:4])),
			addr:      binary.LittleEndian.Uint64(payload[4:12]),
		}
		// Duplicate entries supersede older ones.
		st.pageMap[k] = pageMapEntry{journalAddr: addr, ts: ts}
	case recPM:
		if flags&pmFlagLive == 0 {
			return false // branch snapshots are not needed for recovery
		}
		for off := 0; off+28 <= len(payload); off += 28 {
			k := pageKey{
				volHandle: int32(binary.LittleEndian.Uint32(payload[off : off+4])),
				addr:      binary.LittleEndian.Uint64(payload[off+4 : off+12]),
			}
			e := pageMapEntry{
				journalAddr: binary.LittleEndian.Uint64(payload[off+12 : off+20]),
				ts:          binary.LittleEndian.Uint64(payload[off+20 : off+28]),
			}
			if cur, ok := st.pageMap[k]; !ok || e.ts > cur.ts {
				st.pageMap[k] = e
			}
		}
	case recTM:
		// Transaction starts are re-derived from the TX records present
		// in the retained blocks; the snapshot is advisory.
	case recTX:
		if len(payload) < 9 {
			return true
		}
		tx := st.txs[ts]
		if tx == nil {
			tx = &recoveredTx{ts: ts, addr: addr}
			st.txs[ts] = tx
		}
		commitTs := binary.LittleEndian.Uint64(payload[0:8])
		tx.ops = append(tx.ops, payload[9:]...)
		if flags&txFlagFinal != 0 {
			tx.final = true
			if flags&txFlagAborted != 0 {
				tx.aborted = true
			} else if commitTs != 0 {
				tx.commitTs = commitTs
			}
		}
	case recCP:
		if len(payload) >= 16 {
			st.lastCpTs = binary.LittleEndian.Uint64(payload[0:8])
			st.baseAddr = binary.LittleEndian.Uint64(payload[8:16])
		}
	default:
		// Unknown record type: treat as corruption; keep the prefix.
		return true
	}
	return false
}

// replay applies recovered committed transactions and quarantines the
// rest. Called by Open after volumes are available.
func (db *DB) replayRecovered(st *recoveredState) error {
	// Advance the clock past everything the journal saw.
	db.alloc.Advance(st.maxTs + 1)

	// Un-copied page images mean the previous run did not close cleanly:
	// the head page's garbage chain may name pages that were reallocated
	// since it was written. Dropping the chain leaks those pages but can
	// never hand out a live one.
	if len(st.pageMap) > 0 {
		for _, v := range db.volumes() {
			v.mu.Lock()
			if v.garbageRoot != InvalidPageAddr {
				db.log.Warn().Str("volume", v.name).Msg("discarding garbage chain after unclean shutdown")
				v.garbageRoot = InvalidPageAddr
			}
			v.mu.Unlock()
		}
	}

	// Fix volume allocation high-water marks from recovered images.
	for k := range st.pageMap {
		b, ok := st.volByHandle[k.volHandle]
		if !ok {
			continue
		}
		if v := db.volumeByID(b.volID); v != nil {
			v.mu.Lock()
			if k.addr >= v.nextAvail {
				v.nextAvail = k.addr + 1
			}
			v.mu.Unlock()
		}
	}

	// Committed transactions replay in commit order.
	var committed []*recoveredTx
	hadUnfinished := false
	for _, tx := range st.txs {
		switch {
		case tx.commitTs != 0 && tx.commitTs > st.lastCpTs:
			committed = append(committed, tx)
		case tx.commitTs != 0:
			// Fully reflected before the checkpoint.
		default:
			// Aborted or never finished: register as aborted so MVV
			// versions carrying this ts stay invisible until pruned.
			s := db.txnIndex.Begin(tx.ts)
			s.IncrementMvvCount()
			db.txnIndex.Abort(s)
			db.txnIndex.End(s)
			hadUnfinished = true
		}
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].commitTs < committed[j].commitTs })

	for _, tx := range committed {
		if err := db.replayOps(st, tx); err != nil {
			return fmt.Errorf("replay ts %d: %w", tx.ts, err)
		}
	}
	if hadUnfinished || len(committed) > 0 {
		db.txnIndex.UpdateActiveTransactionCache()
	}
	if hadUnfinished {
		// Queue a pruning sweep so rolled-back versions disappear.
		for _, v := range db.volumes() {
			names, err := v.TreeNames()
			if err != nil {
				continue
			}
			for _, name := range names {
				if t, err := v.GetTree(name, false); err == nil {
					db.cleanup.Enqueue(CleanupAction{Kind: CleanupPruneTree, Volume: v, Tree: t})
				}
			}
		}
	}
	return nil
}

// treeForHandle resolves a recovered tree handle to a live tree. A nil
// tree with nil error means the owning volume is not configured.
func (db *DB) treeForHandle(st *recoveredState, handle int32) (*Tree, error) {
	tk, ok := st.treeByHandle[handle]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tree handle %d", ErrCorruptJournal, handle)
	}
	vb, ok := st.volByHandle[tk.volHandle]
	if !ok {
		return nil, fmt.Errorf("%w: unknown volume handle %d", ErrCorruptJournal, tk.volHandle)
	}
	vol := db.volumeByID(vb.volID)
	if vol == nil {
		return nil, nil
	}
	return vol.GetTree(tk.name, true)
}

// replayOps applies one committed transaction's redo chain through
// primordial stores: values are complete in the log (long records
// included), so replay is independent of page write ordering.
func (db *DB) replayOps(st *recoveredState, tx *recoveredTx) error {
	ops := tx.ops
	for len(ops) > 0 {
		if len(ops) < 5 {
			return fmt.Errorf("%w: truncated redo op", ErrCorruptJournal)
		}
		op := ops[0]
		handle := int32(binary.LittleEndian.Uint32(ops[1:5]))

		if op == redoOpAccum {
			if len(ops) < 18 {
				return fmt.Errorf("%w: truncated accumulator op", ErrCorruptJournal)
			}
			index := int(binary.LittleEndian.Uint32(ops[5:9]))
			kind := txnpkg.AccumKind(ops[9])
			delta := int64(binary.LittleEndian.Uint64(ops[10:18]))
			ops = ops[18:]
			if tree, err := db.treeForHandle(st, handle); err == nil && tree != nil {
				tree.Accumulator(kind, index).ApplyRecovered(delta)
			}
			continue
		}

		if len(ops) < 7 {
			return fmt.Errorf("%w: truncated redo op", ErrCorruptJournal)
		}
		klen := int(binary.LittleEndian.Uint16(ops[5:7]))
		ops = ops[7:]
		if len(ops) < klen {
			return fmt.Errorf("%w: truncated redo key", ErrCorruptJournal)
		}
		key := ops[:klen]
		ops = ops[klen:]

		tk, ok := st.treeByHandle[handle]
		if !ok {
			return fmt.Errorf("%w: unknown tree handle %d", ErrCorruptJournal, handle)
		}
		vb, ok := st.volByHandle[tk.volHandle]
		if !ok {
			return fmt.Errorf("%w: unknown volume handle %d", ErrCorruptJournal, tk.volHandle)
		}
		vol := db.volumeByID(vb.volID)
		if vol == nil {
			// The volume is not configured in this run; skip its ops.
			if op == redoOpStore {
				if len(ops) < 4 {
					return fmt.Errorf("%w: truncated redo value", ErrCorruptJournal)
				}
				vlen := int(binary.LittleEndian.Uint32(ops[0:4]))
				ops = ops[4+vlen:]
			}
			continue
		}
		tree, err := vol.GetTree(tk.name, true)
		if err != nil {
			return err
		}
		ex := newExchange(db, tree, nil)
		ex.Key().SetEncoded(key)

		switch op {
		case redoOpStore:
			if len(ops) < 4 {
				return fmt.Errorf("%w: truncated redo value", ErrCorruptJournal)
			}
			vlen := int(binary.LittleEndian.Uint32(ops[0:4]))
			if len(ops) < 4+vlen {
				return fmt.Errorf("%w: truncated redo value body", ErrCorruptJournal)
			}
			value := ops[4 : 4+vlen]
			ops = ops[4+vlen:]
			if err := ex.Store(value); err != nil {
				ex.Close()
				return err
			}
		case redoOpRemove:
			if _, err := ex.Remove(); err != nil {
				ex.Close()
				return err
			}
		default:
			ex.Close()
			return fmt.Errorf("%w: unknown redo op %d", ErrCorruptJournal, op)
		}
		ex.Close()
	}
	return nil
}
