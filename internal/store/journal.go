package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Write-ahead journal: an append-only sequence of fixed-size block files
// holding TLV records. Every dirty page eviction appends a PA record
// before its frame is reused; commits append TX records and fsync per
// policy; checkpoints append CP records that advance the base address.
//
// Record layout:
//
//	[0]     type
//	[1]     flags
//	[2:6]   payload length (uint32 LE)
//	[6:14]  timestamp (uint64 LE)
//	[14:18] CRC32-C of header (with CRC zeroed) + payload
//	[18:..] payload
//
// File header (64 bytes): magic, version, block size, block number, base
// address at creation, header CRC.

const (
	journalMagic      = "PKVJRNL\x00"
	journalVersion    = uint32(1)
	journalHeaderSize = 64
	recHeaderSize     = 18

	// DefaultJournalBlockSize is the size threshold that triggers
	// rollover into a new journal file.
	DefaultJournalBlockSize = uint64(64 << 20)

	// MinJournalBlockSize keeps tests honest without multi-MB files.
	MinJournalBlockSize = uint64(64 << 10)
)

// Journal record types.
const (
	recSR byte = 'S' // start of file
	recJE byte = 'E' // end of file (rollover)
	recIV byte = 'V' // volume handle binding
	recIT byte = 'T' // tree handle binding
	recPA byte = 'P' // page image
	recTX byte = 'X' // transaction record (chained)
	recCP byte = 'C' // checkpoint
	recPM byte = 'M' // page map (rollover snapshot)
	recTM byte = 'N' // transaction map (rollover snapshot)
	recCU byte = 'U' // cleanup/prune note
)

// TX record flags.
const (
	txFlagFinal   byte = 0x01
	txFlagAborted byte = 0x02
)

// PM record flags distinguish the two rollover snapshots.
const (
	pmFlagBranch byte = 0x01 // overwritten-since-base entries
	pmFlagLive   byte = 0x02 // live page map entries
)

type pageKey struct {
	volHandle int32
	addr      uint64
}

type pageMapEntry struct {
	journalAddr uint64
	ts          uint64
}

type volBinding struct {
	handle   int32
	volID    uint64
	pageSize int
	name     string
}

type treeKey struct {
	volHandle int32
	name      string
}

// JournalManager owns the journal files, the handle tables, the live page
// map and the copyback cursor.
type JournalManager struct {
	db *DB

	mu        sync.Mutex
	dir       string
	prefix    string
	blockSize uint64
	file      *os.File
	blockNum  uint64
	writePos  uint64
	files     map[uint64]*os.File // open block files, for page-map reads

	baseAddress uint64
	lastCpTs    uint64
	copyCursor  uint64

	nextHandle   int32
	volHandles   map[uint64]int32
	volByHandle  map[int32]volBinding
	treeHandles  map[treeKey]int32
	treeByHandle map[int32]treeKey

	pageMap   map[pageKey]pageMapEntry
	branchMap map[pageKey]pageMapEntry
	txStarts  map[uint64]uint64 // ts -> journal addr of first TX record

	// group-commit batching
	syncMu    sync.Mutex
	syncedPos uint64 // journal address fully fsynced
}

func journalFileName(prefix string, block uint64) string {
	return fmt.Sprintf("%s.%012d", prefix, block)
}

// openJournal creates the manager and its first (or next) block file.
func openJournal(db *DB, dir, prefix string, blockSize uint64, startBlock uint64) (*JournalManager, error) {
	if blockSize == 0 {
		blockSize = DefaultJournalBlockSize
	}
	if blockSize < MinJournalBlockSize {
		blockSize = MinJournalBlockSize
	}
	j := &JournalManager{
		db:           db,
		dir:          dir,
		prefix:       prefix,
		blockSize:    blockSize,
		blockNum:     startBlock,
		files:        map[uint64]*os.File{},
		volHandles:   map[uint64]int32{},
		volByHandle:  map[int32]volBinding{},
		treeHandles:  map[treeKey]int32{},
		treeByHandle: map[int32]treeKey{},
		pageMap:      map[pageKey]pageMapEntry{},
		branchMap:    map[pageKey]pageMapEntry{},
		txStarts:     map[uint64]uint64{},
		nextHandle:   1,
	}
	if err := j.openBlock(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *JournalManager) openBlock() error {
	path := filepath.Join(j.dir, journalFileName(j.prefix, j.blockNum))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create journal block %d: %w", j.blockNum, err)
	}
	var hdr [journalHeaderSize]byte
	copy(hdr[0:8], journalMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], journalVersion)
	binary.LittleEndian.PutUint64(hdr[12:20], j.blockSize)
	binary.LittleEndian.PutUint64(hdr[20:28], j.blockNum)
	binary.LittleEndian.PutUint64(hdr[28:36], j.baseAddress)
	binary.LittleEndian.PutUint32(hdr[36:40], crc32.Checksum(hdr[:36], crcTable))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		f.Close()
		return fmt.Errorf("write journal header: %w", err)
	}
	j.file = f
	j.files[j.blockNum] = f
	j.writePos = journalHeaderSize
	return nil
}

// CurrentAddress returns the next journal address to be written.
func (j *JournalManager) CurrentAddress() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.addrLocked()
}

func (j *JournalManager) addrLocked() uint64 {
	return j.blockNum*j.blockSize + j.writePos
}

// BaseAddress returns the earliest journal address still referenced.
func (j *JournalManager) BaseAddress() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.baseAddress
}

// CopybackCursor returns the copyback progress address.
func (j *JournalManager) CopybackCursor() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.copyCursor
}

func marshalRecord(rt, flags byte, ts uint64, payload []byte) []byte {
	buf := make([]byte, recHeaderSize+len(payload))
	buf[0] = rt
	buf[1] = flags
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[6:14], ts)
	copy(buf[recHeaderSize:], payload)
	h := crc32.New(crcTable)
	h.Write(buf[:14])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[recHeaderSize:])
	binary.LittleEndian.PutUint32(buf[14:18], h.Sum32())
	return buf
}

// appendLocked writes one record, rolling the file over when it would
// cross the block boundary. Returns the record's journal address.
func (j *JournalManager) appendLocked(rt, flags byte, ts uint64, payload []byte) (uint64, error) {
	rec := marshalRecord(rt, flags, ts, payload)
	if j.writePos+uint64(len(rec)) > j.blockSize && rt != recJE {
		if err := j.rolloverLocked(); err != nil {
			return 0, err
		}
	}
	addr := j.addrLocked()
	if _, err := j.file.WriteAt(rec, int64(j.writePos)); err != nil {
		return 0, fmt.Errorf("journal append: %w", err)
	}
	j.writePos += uint64(len(rec))
	j.db.metrics.journalWrites.Inc()
	return addr, nil
}

// rolloverLocked closes the current block with a JE record and opens the
// next one, seeding it with SR, both PM snapshots and the TM snapshot.
// A page present in both PM snapshots always carries the larger ts in the
// live map: the branch map holds only images that were superseded.
func (j *JournalManager) rolloverLocked() error {
	if _, err := j.appendLocked(recJE, 0, j.db.alloc.Current(), nil); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.blockNum++
	if err := j.openBlock(); err != nil {
		return err
	}
	if _, err := j.appendLocked(recSR, 0, j.db.alloc.Current(), nil); err != nil {
		return err
	}
	// Handle bindings are re-emitted per file so recovery never depends
	// on a block the base has already passed.
	if err := j.writeHandleTablesLocked(); err != nil {
		return err
	}
	if err := j.writePageMapLocked(pmFlagBranch, j.branchMap); err != nil {
		return err
	}
	if err := j.writePageMapLocked(pmFlagLive, j.pageMap); err != nil {
		return err
	}
	return j.writeTxMapLocked()
}

func (j *JournalManager) writeHandleTablesLocked() error {
	ts := j.db.alloc.Current()
	for _, b := range j.volByHandle {
		payload := make([]byte, 16+len(b.name))
		binary.LittleEndian.PutUint32(payload[0:4], uint32(b.handle))
		binary.LittleEndian.PutUint64(payload[4:12], b.volID)
		binary.LittleEndian.PutUint32(payload[12:16], uint32(b.pageSize))
		copy(payload[16:], b.name)
		if _, err := j.appendLocked(recIV, 0, ts, payload); err != nil {
			return err
		}
	}
	for h, tk := range j.treeByHandle {
		payload := make([]byte, 8+len(tk.name))
		binary.LittleEndian.PutUint32(payload[0:4], uint32(h))
		binary.LittleEndian.PutUint32(payload[4:8], uint32(tk.volHandle))
		copy(payload[8:], tk.name)
		if _, err := j.appendLocked(recIT, 0, ts, payload); err != nil {
			return err
		}
	}
	return nil
}

func (j *JournalManager) writePageMapLocked(flag byte, m map[pageKey]pageMapEntry) error {
	if len(m) == 0 {
		return nil
	}
	payload := make([]byte, 0, len(m)*28)
	for k, e := range m {
		var b [28]byte
		binary.LittleEndian.PutUint32(b[0:4], uint32(k.volHandle))
		binary.LittleEndian.PutUint64(b[4:12], k.addr)
		binary.LittleEndian.PutUint64(b[12:20], e.journalAddr)
		binary.LittleEndian.PutUint64(b[20:28], e.ts)
		payload = append(payload, b[:]...)
	}
	_, err := j.appendLocked(recPM, flag, j.db.alloc.Current(), payload)
	return err
}

func (j *JournalManager) writeTxMapLocked() error {
	if len(j.txStarts) == 0 {
		return nil
	}
	payload := make([]byte, 0, len(j.txStarts)*16)
	for ts, addr := range j.txStarts {
		var b [16]byte
		binary.LittleEndian.PutUint64(b[0:8], ts)
		binary.LittleEndian.PutUint64(b[8:16], addr)
		payload = append(payload, b[:]...)
	}
	_, err := j.appendLocked(recTM, 0, j.db.alloc.Current(), payload)
	return err
}

// Handle assignment ---------------------------------------------------------

// AssignVolumeHandle binds a volume to a journal handle, emitting an IV
// record on first sight. Temporary volumes never receive handles.
func (j *JournalManager) AssignVolumeHandle(v *Volume) int32 {
	if v.temporary {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.assignVolumeHandleLocked(v)
}

func (j *JournalManager) assignVolumeHandleLocked(v *Volume) int32 {
	if h, ok := j.volHandles[v.id]; ok {
		return h
	}
	h := j.nextHandle
	j.nextHandle++
	j.volHandles[v.id] = h
	j.volByHandle[h] = volBinding{handle: h, volID: v.id, pageSize: v.pageSize, name: v.name}
	payload := make([]byte, 16+len(v.name))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(h))
	binary.LittleEndian.PutUint64(payload[4:12], v.id)
	binary.LittleEndian.PutUint32(payload[12:16], uint32(v.pageSize))
	copy(payload[16:], v.name)
	if _, err := j.appendLocked(recIV, 0, j.db.alloc.Current(), payload); err != nil {
		j.db.log.Error().Err(err).Str("volume", v.name).Msg("IV record write failed")
	}
	return h
}

// AssignTreeHandle binds (volume, tree name) to a handle via an IT
// record. Temporary-volume trees are never journalled and get handle 0.
func (j *JournalManager) AssignTreeHandle(v *Volume, name string) int32 {
	if v.temporary {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	vh := j.assignVolumeHandleLocked(v)
	k := treeKey{volHandle: vh, name: name}
	if h, ok := j.treeHandles[k]; ok {
		return h
	}
	h := j.nextHandle
	j.nextHandle++
	j.treeHandles[k] = h
	j.treeByHandle[h] = k
	payload := make([]byte, 8+len(name))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(h))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(vh))
	copy(payload[8:], name)
	if _, err := j.appendLocked(recIT, 0, j.db.alloc.Current(), payload); err != nil {
		j.db.log.Error().Err(err).Str("tree", name).Msg("IT record write failed")
	}
	return h
}

// Page images ---------------------------------------------------------------

// WritePageImage appends a PA record for a dirty page and updates the
// live page map; a superseded image moves to the branch map.
func (j *JournalManager) WritePageImage(v *Volume, addr uint64, data []byte, ts uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	vh := j.assignVolumeHandleLocked(v)
	payload := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(vh))
	binary.LittleEndian.PutUint64(payload[4:12], addr)
	copy(payload[12:], data)
	jaddr, err := j.appendLocked(recPA, 0, ts, payload)
	if err != nil {
		return err
	}
	k := pageKey{volHandle: vh, addr: addr}
	if old, ok := j.pageMap[k]; ok {
		j.branchMap[k] = old
	}
	j.pageMap[k] = pageMapEntry{journalAddr: jaddr, ts: ts}
	return nil
}

// ReadPageImage fills dst with the most recent journalled image of the
// page, if one exists ahead of the volume file.
func (j *JournalManager) ReadPageImage(v *Volume, addr uint64, dst []byte) (bool, error) {
	j.mu.Lock()
	vh, ok := j.volHandles[v.id]
	if !ok {
		j.mu.Unlock()
		return false, nil
	}
	e, ok := j.pageMap[pageKey{volHandle: vh, addr: addr}]
	if !ok {
		j.mu.Unlock()
		return false, nil
	}
	f, err := j.blockFileLocked(e.journalAddr / j.blockSize)
	if err != nil {
		j.mu.Unlock()
		return false, err
	}
	off := int64(e.journalAddr % j.blockSize)
	j.mu.Unlock()

	var hdr [recHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], off); err != nil {
		return false, fmt.Errorf("%w: PA record read at %d: %v", ErrCorruptJournal, e.journalAddr, err)
	}
	if hdr[0] != recPA {
		return false, fmt.Errorf("%w: expected PA at %d, found %q", ErrCorruptJournal, e.journalAddr, hdr[0])
	}
	plen := int(binary.LittleEndian.Uint32(hdr[2:6]))
	if plen != 12+len(dst) {
		return false, fmt.Errorf("%w: PA payload %d bytes, page size %d", ErrCorruptJournal, plen, len(dst))
	}
	if _, err := f.ReadAt(dst, off+recHeaderSize+12); err != nil {
		return false, fmt.Errorf("%w: PA image read: %v", ErrCorruptJournal, err)
	}
	return true, nil
}

func (j *JournalManager) blockFileLocked(block uint64) (*os.File, error) {
	if f, ok := j.files[block]; ok {
		return f, nil
	}
	path := filepath.Join(j.dir, journalFileName(j.prefix, block))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal block %d: %w", block, err)
	}
	j.files[block] = f
	return f, nil
}

// Transactions --------------------------------------------------------------

// WriteTxRecord appends one chunk of a transaction's redo chain. final
// with a non-zero commitTs is the commit record — the transaction's
// linearization point in the log.
func (j *JournalManager) WriteTxRecord(ts, commitTs uint64, ops []byte, final bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	payload := make([]byte, 9+len(ops))
	binary.LittleEndian.PutUint64(payload[0:8], commitTs)
	var flags byte
	if final {
		flags |= txFlagFinal
	}
	copy(payload[9:], ops)
	addr, err := j.appendLocked(recTX, flags, ts, payload)
	if err != nil {
		return err
	}
	if _, ok := j.txStarts[ts]; !ok {
		j.txStarts[ts] = addr
	}
	return nil
}

// WriteCleanupNote records a completed background reclamation (CU).
func (j *JournalManager) WriteCleanupNote(ts uint64, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.appendLocked(recCU, 0, ts, payload)
	return err
}

// WriteTxRecordAborted closes a chained transaction with a rollback mark.
func (j *JournalManager) WriteTxRecordAborted(ts uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	payload := make([]byte, 9)
	_, err := j.appendLocked(recTX, txFlagFinal|txFlagAborted, ts, payload)
	return err
}

// SyncCommit enforces the commit policy's durability. GROUP commits ride
// any fsync that covers their record; HARD always forces one.
func (j *JournalManager) SyncCommit(policy CommitPolicy) error {
	switch policy {
	case CommitSoft:
		return nil
	case CommitHard:
		return j.Sync()
	case CommitGroup:
		j.mu.Lock()
		want := j.addrLocked()
		j.mu.Unlock()
		j.syncMu.Lock()
		defer j.syncMu.Unlock()
		if j.syncedPos >= want {
			return nil // an overlapping group fsync already covered us
		}
		return j.syncLockedGroup()
	default:
		return fmt.Errorf("unknown commit policy %d", policy)
	}
}

// Sync fsyncs the current journal file.
func (j *JournalManager) Sync() error {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()
	return j.syncLockedGroup()
}

func (j *JournalManager) syncLockedGroup() error {
	j.mu.Lock()
	f := j.file
	pos := j.addrLocked()
	j.mu.Unlock()
	if err := f.Sync(); err != nil {
		return err
	}
	if pos > j.syncedPos {
		j.syncedPos = pos
	}
	j.db.metrics.journalSyncs.Inc()
	return nil
}

// Checkpoint ----------------------------------------------------------------

// WriteCheckpoint appends a CP record and advances the base address. The
// base is the earliest address still referenced by the live page map or a
// live transaction; aborted transactions with no surviving MVV versions
// are ignored so they never pin a journal file.
func (j *JournalManager) WriteCheckpoint(cpTs uint64) error {
	j.mu.Lock()
	base := j.computeBaseLocked()
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], cpTs)
	binary.LittleEndian.PutUint64(payload[8:16], base)
	_, err := j.appendLocked(recCP, 0, cpTs, payload)
	if err != nil {
		j.mu.Unlock()
		return err
	}
	j.lastCpTs = cpTs
	j.baseAddress = base
	j.mu.Unlock()

	if err := j.Sync(); err != nil {
		return err
	}
	j.pruneObsoleteFiles()
	j.db.metrics.checkpoints.Inc()
	return nil
}

func (j *JournalManager) computeBaseLocked() uint64 {
	base := j.addrLocked()
	for _, e := range j.pageMap {
		if e.journalAddr < base {
			base = e.journalAddr
		}
	}
	ix := j.db.txnIndex
	for ts, addr := range j.txStarts {
		s := ix.Get(ts)
		if s == nil {
			// Settled and fully pruned; the chain is no longer needed.
			delete(j.txStarts, ts)
			continue
		}
		if s.Aborted() && s.MvvCount() <= 0 {
			delete(j.txStarts, ts)
			continue
		}
		if !s.Active() && s.MvvCount() <= 0 && ts < ix.ActiveFloor() {
			delete(j.txStarts, ts)
			continue
		}
		if addr < base {
			base = addr
		}
	}
	return base
}

// LastCheckpointTs returns the ts of the most recent checkpoint.
func (j *JournalManager) LastCheckpointTs() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastCpTs
}

// pruneObsoleteFiles deletes journal blocks wholly below the base,
// including blocks left behind by earlier runs that were never opened in
// this process.
func (j *JournalManager) pruneObsoleteFiles() {
	j.mu.Lock()
	base := j.baseAddress
	current := j.blockNum
	victims := map[uint64]bool{}
	for block := range j.files {
		if block != current && (block+1)*j.blockSize <= base {
			victims[block] = true
		}
	}
	if entries, err := os.ReadDir(j.dir); err == nil {
		for _, e := range entries {
			name := e.Name()
			if !strings.HasPrefix(name, j.prefix+".") {
				continue
			}
			block, perr := strconv.ParseUint(strings.TrimPrefix(name, j.prefix+"."), 10, 64)
			if perr != nil {
				continue
			}
			if block != current && (block+1)*j.blockSize <= base {
				victims[block] = true
			}
		}
	}
	for block := range victims {
		if f, ok := j.files[block]; ok {
			delete(j.files, block)
			f.Close()
		}
		path := filepath.Join(j.dir, journalFileName(j.prefix, block))
		if err := os.Remove(path); err != nil {
			j.db.log.Warn().Err(err).Uint64("block", block).Msg("journal file not removed")
		} else {
			j.db.log.Debug().Uint64("block", block).Msg("obsolete journal file removed")
		}
	}
	j.mu.Unlock()
}

// Copier --------------------------------------------------------------------

// CopyBack writes journalled page images whose ts is at or below the last
// checkpoint into their home volume positions and drops them from the
// page map. It returns the number of pages copied.
func (j *JournalManager) CopyBack() (int, error) {
	j.mu.Lock()
	cpTs := j.lastCpTs
	type job struct {
		k pageKey
		e pageMapEntry
	}
	var jobs []job
	for k, e := range j.pageMap {
		if e.ts <= cpTs {
			jobs = append(jobs, job{k, e})
		}
	}
	j.mu.Unlock()
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].e.journalAddr < jobs[b].e.journalAddr })

	copied := 0
	for _, jb := range jobs {
		j.mu.Lock()
		binding, ok := j.volByHandle[jb.k.volHandle]
		j.mu.Unlock()
		if !ok {
			continue
		}
		vol := j.db.volumeByID(binding.volID)
		if vol == nil {
			continue
		}
		img := make([]byte, vol.pageSize)
		okImg, err := j.ReadPageImage(vol, jb.k.addr, img)
		if err != nil {
			return copied, err
		}
		if !okImg {
			continue
		}
		if err := vol.writePage(jb.k.addr, img); err != nil {
			return copied, err
		}
		copied++
		j.db.metrics.copybacks.Inc()
		j.mu.Lock()
		if cur, ok := j.pageMap[jb.k]; ok && cur.journalAddr == jb.e.journalAddr {
			delete(j.pageMap, jb.k)
			delete(j.branchMap, jb.k)
		}
		if jb.e.journalAddr > j.copyCursor {
			j.copyCursor = jb.e.journalAddr
		}
		j.mu.Unlock()
	}
	if copied > 0 {
		// Push the images to disk before the next checkpoint can shrink
		// the journal under them.
		for _, v := range j.db.volumes() {
			if !v.temporary {
				if err := v.sync(); err != nil {
					return copied, err
				}
			}
		}
	}
	return copied, nil
}

// Close syncs and closes every journal file.
func (j *JournalManager) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	if j.file != nil {
		if err := j.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range j.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.files = map[uint64]*os.File{}
	j.file = nil
	return firstErr
}
