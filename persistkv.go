// Package persistkv is an embedded, transactional, ordered key-value
// storage engine: on-disk B+tree pages behind a shared buffer pool, a
// write-ahead journal with copyback, multi-version concurrency control,
// and background checkpoint and cleanup workers.
//
// Typical use:
//
//	cfg := persistkv.Config{
//		DataPath: dir,
//		Buffers:  persistkv.BufferConfig{Count: map[int]int{16384: 512}},
//		Volumes:  []persistkv.VolumeSpec{{Name: "main", Path: "main.v", Create: true}},
//	}
//	db, err := persistkv.Open(cfg)
//	...
//	ex, _ := db.Exchange("main", "people", true)
//	ex.Key().Clear().AppendString("alice")
//	_ = ex.Store([]byte("engineer"))
package persistkv

import (
	"sync"

	"github.com/SimonWaldherr/persistkv/internal/keys"
	"github.com/SimonWaldherr/persistkv/internal/store"
	"github.com/SimonWaldherr/persistkv/internal/txn"
)

// Re-exported configuration and engine types.
type (
	Config          = store.Config
	BufferConfig    = store.BufferConfig
	VolumeSpec      = store.VolumeSpec
	Exchange        = store.Exchange
	Transaction     = store.Transaction
	Volume          = store.Volume
	Tree            = store.Tree
	Direction       = store.Direction
	CommitPolicy    = store.CommitPolicy
	IntegrityReport = store.IntegrityReport
	Key             = keys.Key
	KeyFilter       = keys.Filter
	AccumKind       = txn.AccumKind
	Accumulator     = txn.Accumulator
)

// Traverse directions.
const (
	GT   = store.DirGT
	GTEQ = store.DirGTEQ
	LT   = store.DirLT
	LTEQ = store.DirLTEQ
)

// Commit policies.
const (
	CommitSoft  = store.CommitSoft
	CommitHard  = store.CommitHard
	CommitGroup = store.CommitGroup
)

// Accumulator kinds.
const (
	AccumSum = txn.AccumSum
	AccumMin = txn.AccumMin
	AccumMax = txn.AccumMax
	AccumSeq = txn.AccumSeq
)

// Error kinds callers match with errors.Is.
var (
	ErrInUse        = store.ErrInUse
	ErrWWConflict   = store.ErrWWConflict
	ErrRollback     = store.ErrRollback
	ErrVolumeFull   = store.ErrVolumeFull
	ErrTreeNotFound = store.ErrTreeNotFound
	ErrCorruptPage  = store.ErrCorruptPage
)

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) { return store.LoadConfig(path) }

// NewKey returns an empty composite key.
func NewKey() *Key { return keys.New() }

// KeyBefore and KeyAfter return the reserved edge keys.
func KeyBefore() *Key { return keys.Before() }
func KeyAfter() *Key  { return keys.After() }

// NewFilter builds a key filter from per-depth terms.
func NewFilter(terms ...keys.Term) *KeyFilter { return keys.NewFilter(terms...) }

// SimpleTerm, RangeTerm and AllTerm build filter terms.
func SimpleTerm(k *Key) keys.Term { return keys.SimpleTerm(k) }
func RangeTerm(min, max *Key, minInc, maxInc bool) keys.Term {
	return keys.RangeTerm(min, max, minInc, maxInc)
}
func AllTerm() keys.Term { return keys.AllTerm() }

type exchangeKey struct {
	volume string
	tree   string
}

// DB wraps the storage engine with a small per-tree Exchange free pool.
type DB struct {
	s *store.DB

	poolMu sync.Mutex
	exPool map[exchangeKey][]*Exchange
}

// Open starts the engine, recovering any prior state.
func Open(cfg Config) (*DB, error) {
	s, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &DB{s: s, exPool: map[exchangeKey][]*Exchange{}}, nil
}

// Exchange returns a cursor for (volume, tree), reusing a pooled one when
// available. Return it with ReleaseExchange.
func (db *DB) Exchange(volume, tree string, create bool) (*Exchange, error) {
	k := exchangeKey{volume: volume, tree: tree}
	db.poolMu.Lock()
	if pool := db.exPool[k]; len(pool) > 0 {
		ex := pool[len(pool)-1]
		db.exPool[k] = pool[:len(pool)-1]
		db.poolMu.Unlock()
		ex.Key().Clear()
		ex.SetTransaction(nil)
		return ex, nil
	}
	db.poolMu.Unlock()
	return db.s.NewExchange(volume, tree, create, nil)
}

// ReleaseExchange returns a cursor to the free pool.
func (db *DB) ReleaseExchange(ex *Exchange) {
	if ex == nil || ex.Tree() == nil {
		return
	}
	k := exchangeKey{volume: ex.Tree().Volume().Name(), tree: ex.Tree().Name()}
	db.poolMu.Lock()
	if len(db.exPool[k]) < 8 {
		db.exPool[k] = append(db.exPool[k], ex)
	}
	db.poolMu.Unlock()
}

// Begin starts a transaction.
func (db *DB) Begin() (*Transaction, error) { return db.s.Begin() }

// Volume returns an open volume by name.
func (db *DB) Volume(name string) (*Volume, error) { return db.s.Volume(name) }

// OpenVolume opens an additional volume after startup.
func (db *DB) OpenVolume(spec VolumeSpec) (*Volume, error) { return db.s.OpenVolume(spec) }

// CloseVolume flushes and closes one volume.
func (db *DB) CloseVolume(name string) error { return db.s.CloseVolume(name) }

// Checkpoint forces a global consistent point.
func (db *DB) Checkpoint() error { return db.s.Checkpoint() }

// CheckTree verifies one tree's structural invariants.
func (db *DB) CheckTree(t *Tree) (*IntegrityReport, error) { return db.s.CheckTree(t) }

// CommitPolicy returns the configured default commit policy.
func (db *DB) CommitPolicy() CommitPolicy { return db.s.CommitPolicy() }

// Store exposes the underlying engine for management tooling.
func (db *DB) Store() *store.DB { return db.s }

// Close stops the engine: final checkpoint, copyback, file close.
func (db *DB) Close() error { return db.s.Close() }
