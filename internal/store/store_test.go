package store

import (
	"testing"
	"time"
)

// testDB opens an engine on a temp directory with one 1 KiB-page volume
// and background workers effectively disabled, so tests drive
// checkpoints, cleanup and copyback explicitly.
func testDB(t *testing.T) *DB {
	t.Helper()
	return testDBAt(t, t.TempDir())
}

func testDBAt(t *testing.T, dir string) *DB {
	t.Helper()
	cfg := Config{
		DataPath: dir,
		Buffers:  BufferConfig{Count: map[int]int{1024: 256}},
		Volumes: []VolumeSpec{
			{Name: "v", Path: "v.v", PageSize: 1024, Create: true},
		},
		JournalBlockSize:   MinJournalBlockSize,
		CheckpointInterval: time.Hour,
		CleanupInterval:    time.Hour,
		CopierInterval:     time.Hour,
	}
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() {
		if !db.closed.Load() {
			db.Close()
		}
	})
	return db
}

// crash abandons the engine without checkpoint or head-page flush,
// leaving only what the journal made durable.
func crash(t *testing.T, db *DB) {
	t.Helper()
	db.bgCancel()
	db.bg.Wait()
	if err := db.journal.Sync(); err != nil {
		t.Fatalf("journal sync before crash: %v", err)
	}
	db.journal.Close()
	db.volMu.Lock()
	for name, v := range db.vols {
		v.file.Close() // no head rewrite: the crash point
		delete(db.vols, name)
	}
	db.volMu.Unlock()
	db.closed.Store(true)
}

func mustExchange(t *testing.T, db *DB, tree string) *Exchange {
	t.Helper()
	ex, err := db.NewExchange("v", tree, true, nil)
	if err != nil {
		t.Fatalf("exchange for %s: %v", tree, err)
	}
	return ex
}
