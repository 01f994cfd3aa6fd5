package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/SimonWaldherr/persistkv/internal/txn"
)

// journalFilePrefix names the journal block files inside journalpath.
const journalFilePrefix = "pkv_journal"

// DB is the engine root: configuration, the timestamp allocator, the
// transaction index, the buffer pools, the journal, the volumes and the
// background workers. It is an explicit context value passed into every
// operation; there are no package-level singletons.
//
// Init order: timestamp allocator, buffer pools, journal scan/recovery,
// volumes, recovery replay, background workers.
type DB struct {
	cfg Config
	log zerolog.Logger

	alloc    *txn.Allocator
	txnIndex *txn.Index
	pools    map[int]*BufferPool
	journal  *JournalManager
	cleanup  *CleanupManager
	metrics  *storeMetrics

	volMu sync.RWMutex
	vols  map[string]*Volume

	// checkpointMu quiesces commits: Commit holds the read half around
	// commit-ts allocation, Checkpoint the write half.
	checkpointMu sync.RWMutex

	poisoned atomic.Pointer[FatalError]

	bg       *errgroup.Group
	bgCancel context.CancelFunc
	closed   atomic.Bool
}

// Open builds an engine from cfg, recovering any existing journal.
func Open(cfg Config) (*DB, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	db := &DB{
		cfg:   cfg,
		log:   logger.With().Str("component", "store").Logger(),
		alloc: txn.NewAllocator(),
		pools: map[int]*BufferPool{},
		vols:  map[string]*Volume{},
	}
	db.txnIndex = txn.NewIndex(db.alloc)
	db.metrics = newStoreMetrics(cfg.Metrics)
	db.cleanup = newCleanupManager(db)

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create datapath: %w", err)
	}
	journalDir := cfg.JournalPath
	if !filepath.IsAbs(journalDir) && journalDir != cfg.DataPath {
		journalDir = filepath.Join(cfg.DataPath, journalDir)
	}
	if err := os.MkdirAll(journalDir, 0o755); err != nil {
		return nil, fmt.Errorf("create journalpath: %w", err)
	}

	// Buffer pools, one per configured page size.
	sizes := map[int]bool{}
	for ps := range cfg.Buffers.Count {
		sizes[ps] = true
	}
	for ps := range cfg.Buffers.Memory {
		sizes[ps] = true
	}
	if len(sizes) == 0 {
		sizes[DefaultPageSize] = true
		cfg.Buffers.Count = map[int]int{DefaultPageSize: 512}
		db.cfg.Buffers = cfg.Buffers
	}
	for ps := range sizes {
		count, err := db.cfg.bufferCountFor(ps)
		if err != nil {
			return nil, err
		}
		db.pools[ps] = newBufferPool(db, ps, count)
	}

	// Journal scan precedes volume opens so page reads can see recovered
	// images; replay follows once volumes exist.
	st, err := scanJournal(journalDir, journalFilePrefix)
	if err != nil {
		return nil, err
	}
	startBlock := uint64(0)
	if st.anyBlocks {
		startBlock = st.maxBlock + 1
	}
	j, err := openJournal(db, journalDir, journalFilePrefix, cfg.JournalBlockSize, startBlock)
	if err != nil {
		return nil, err
	}
	db.journal = j
	db.seedJournalFromRecovery(st)

	for _, spec := range cfg.Volumes {
		v, err := openVolume(db, spec)
		if err != nil {
			db.closeVolumes()
			db.journal.Close()
			return nil, err
		}
		if !v.temporary {
			v.handle = db.journal.AssignVolumeHandle(v)
		}
		db.vols[spec.Name] = v
	}

	if err := db.replayRecovered(st); err != nil {
		db.closeVolumes()
		db.journal.Close()
		return nil, err
	}

	// Background duties.
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	db.bg = g
	db.bgCancel = cancel
	g.Go(func() error { return db.cleanup.run(gctx, cfg.CleanupInterval) })
	g.Go(func() error { return db.checkpointLoop(gctx, cfg.CheckpointInterval) })
	g.Go(func() error { return db.copierLoop(gctx, cfg.CopierInterval) })

	db.log.Info().
		Int("volumes", len(db.vols)).
		Int("pools", len(db.pools)).
		Uint64("recoveredTs", st.maxTs).
		Msg("engine open")
	return db, nil
}

// seedJournalFromRecovery installs the recovered handle tables and page
// map into the fresh journal manager.
func (db *DB) seedJournalFromRecovery(st *recoveredState) {
	j := db.journal
	j.mu.Lock()
	defer j.mu.Unlock()
	for h, b := range st.volByHandle {
		j.volByHandle[h] = b
		j.volHandles[b.volID] = h
	}
	for h, tk := range st.treeByHandle {
		j.treeByHandle[h] = tk
		j.treeHandles[tk] = h
	}
	if st.nextHandle > j.nextHandle {
		j.nextHandle = st.nextHandle
	}
	for k, e := range st.pageMap {
		j.pageMap[k] = e
	}
	j.lastCpTs = st.lastCpTs
	j.baseAddress = st.baseAddr
	// Re-emit the recovered bindings into the fresh block so it is
	// self-contained once older blocks are pruned.
	if err := j.writeHandleTablesLocked(); err != nil {
		db.log.Error().Err(err).Msg("handle table re-emit failed")
	}
}

// poolFor returns the buffer pool for a page size, nil if unconfigured.
func (db *DB) poolFor(pageSize int) *BufferPool {
	return db.pools[pageSize]
}

// Volume returns an open volume by name.
func (db *DB) Volume(name string) (*Volume, error) {
	db.volMu.RLock()
	defer db.volMu.RUnlock()
	v, ok := db.vols[name]
	if !ok {
		return nil, fmt.Errorf("%w: volume %s is not open", ErrInvalidVolumeSpecification, name)
	}
	return v, nil
}

// volumes snapshots the open volume set.
func (db *DB) volumes() []*Volume {
	db.volMu.RLock()
	defer db.volMu.RUnlock()
	out := make([]*Volume, 0, len(db.vols))
	for _, v := range db.vols {
		out = append(out, v)
	}
	return out
}

func (db *DB) volumeByID(id uint64) *Volume {
	db.volMu.RLock()
	defer db.volMu.RUnlock()
	for _, v := range db.vols {
		if v.id == id {
			return v
		}
	}
	return nil
}

// OpenVolume opens an additional volume after startup.
func (db *DB) OpenVolume(spec VolumeSpec) (*Volume, error) {
	if err := db.poisonCheck(); err != nil {
		return nil, err
	}
	db.volMu.Lock()
	defer db.volMu.Unlock()
	if v, ok := db.vols[spec.Name]; ok {
		return v, nil
	}
	v, err := openVolume(db, spec)
	if err != nil {
		return nil, err
	}
	if !v.temporary {
		v.handle = db.journal.AssignVolumeHandle(v)
	}
	db.vols[spec.Name] = v
	return v, nil
}

// CloseVolume flushes, invalidates and closes one volume.
func (db *DB) CloseVolume(name string) error {
	db.volMu.Lock()
	v, ok := db.vols[name]
	if ok {
		delete(db.vols, name)
	}
	db.volMu.Unlock()
	if !ok {
		return nil
	}
	if err := db.poolFor(v.pageSize).invalidate(v, DefaultClaimTimeout); err != nil {
		return err
	}
	return v.close()
}

// Begin starts a transaction.
func (db *DB) Begin() (*Transaction, error) {
	if err := db.poisonCheck(); err != nil {
		return nil, err
	}
	ts := db.alloc.Next()
	return &Transaction{
		db:      db,
		startTs: ts,
		status:  db.txnIndex.Begin(ts),
	}, nil
}

// NewExchange builds a cursor over (volume, tree), creating the tree on
// request.
func (db *DB) NewExchange(volName, treeName string, create bool, tx *Transaction) (*Exchange, error) {
	if err := db.poisonCheck(); err != nil {
		return nil, err
	}
	v, err := db.Volume(volName)
	if err != nil {
		return nil, err
	}
	t, err := v.GetTree(treeName, create)
	if err != nil {
		return nil, err
	}
	return newExchange(db, t, tx), nil
}

// TxnIndex exposes the transaction index (accumulator snapshots need it).
func (db *DB) TxnIndex() *txn.Index { return db.txnIndex }

// Alloc exposes the timestamp allocator.
func (db *DB) Alloc() *txn.Allocator { return db.alloc }

// Journal exposes the journal manager.
func (db *DB) Journal() *JournalManager { return db.journal }

// Cleanup exposes the cleanup manager.
func (db *DB) Cleanup() *CleanupManager { return db.cleanup }

// CommitPolicy returns the configured default commit policy.
func (db *DB) CommitPolicy() CommitPolicy { return db.cfg.commitPolicy() }

// poisonCheck fails fast once a fatal error latched.
func (db *DB) poisonCheck() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if fe := db.poisoned.Load(); fe != nil {
		return fe
	}
	return nil
}

// Poison latches the first fatal error; all later calls return it.
func (db *DB) Poison(cause error) error {
	fe := &FatalError{Cause: cause}
	if db.poisoned.CompareAndSwap(nil, fe) {
		db.log.Error().Err(cause).Msg("engine poisoned; restart required")
	}
	return db.poisoned.Load()
}

func (db *DB) closeVolumes() {
	db.volMu.Lock()
	defer db.volMu.Unlock()
	for name, v := range db.vols {
		v.close()
		delete(db.vols, name)
	}
}

// Close checkpoints, stops the background workers and closes every file.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if db.bgCancel != nil {
		db.bgCancel()
		db.bg.Wait()
	}
	db.cleanup.Drain()

	var firstErr error
	if db.poisoned.Load() == nil {
		db.closed.Store(false) // reopen the gate for the final checkpoint
		if err := db.Checkpoint(); err != nil && firstErr == nil {
			firstErr = err
		}
		if _, err := db.journal.CopyBack(); err != nil && firstErr == nil {
			firstErr = err
		}
		// A second checkpoint records the post-copyback base, so the
		// next open starts from a clean page map.
		if err := db.Checkpoint(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.closed.Store(true)
	}
	for _, v := range db.volumes() {
		if err := db.poolFor(v.pageSize).invalidate(v, DefaultClaimTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.closeVolumes()
	if err := db.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.log.Info().Msg("engine closed")
	return firstErr
}
