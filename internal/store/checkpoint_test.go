package store

import (
	"sync"
	"testing"

	"github.com/SimonWaldherr/persistkv/internal/keys"
	"github.com/SimonWaldherr/persistkv/internal/txn"
)

func TestCheckpoint_DirtyPagesDurable(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "cp")
	for i := 0; i < 50; i++ {
		keys.New().AppendInt(int64(i)).CopyTo(ex.Key())
		if err := ex.Store([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	// After a checkpoint no frame may remain dirty.
	pool := db.poolFor(1024)
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for _, b := range pool.frames {
		if b.vol != nil && b.dirty {
			t.Fatalf("dirty frame %d survived the checkpoint", b.addr)
		}
	}
}

// A transaction that updates an accumulator while a checkpoint runs must
// not lose the update: the harvested base and the per-txn delta map
// together always account for it, across a crash-restart.
func TestCheckpoint_AccumulatorRaceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db := testDBAt(t, dir)
	ex := mustExchange(t, db, "acc")
	tree := ex.Tree()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = db.Checkpoint()
	}()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	ex.SetTransaction(tx)
	keys.New().AppendInt(1).CopyTo(ex.Key())
	if err := ex.Store([]byte("tick")); err != nil {
		t.Fatal(err)
	}
	if err := tx.UpdateAccumulator(tree, txn.AccumSum, 0, 42); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(CommitHard); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	crash(t, db)

	db2 := testDBAt(t, dir)
	defer db2.Close()
	v2, _ := db2.Volume("v")
	tree2, err := v2.GetTree("acc", false)
	if err != nil {
		t.Fatal(err)
	}
	acc2 := tree2.Accumulator(txn.AccumSum, 0)
	got := acc2.SnapshotValue(db2.alloc.Current(), 0, db2.txnIndex)
	if got != 42 {
		t.Fatalf("accumulator snapshot %d after restart, want 42", got)
	}
}

func TestCheckpoint_AccumulatorBasePersisted(t *testing.T) {
	dir := t.TempDir()
	db := testDBAt(t, dir)
	ex := mustExchange(t, db, "acc2")

	for i := 0; i < 5; i++ {
		tx, _ := db.Begin()
		ex.SetTransaction(tx)
		keys.New().AppendInt(int64(i)).CopyTo(ex.Key())
		if err := ex.Store([]byte("n")); err != nil {
			t.Fatal(err)
		}
		if err := tx.UpdateAccumulator(ex.Tree(), txn.AccumSeq, 1, 1); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(CommitSoft); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2 := testDBAt(t, dir)
	defer db2.Close()
	v, _ := db2.Volume("v")
	tree, err := v.GetTree("acc2", false)
	if err != nil {
		t.Fatal(err)
	}
	acc2 := tree.Accumulator(txn.AccumSeq, 1)
	if got := acc2.Base(); got != 5 {
		t.Fatalf("sequence base %d after reopen, want 5", got)
	}
}

func TestConfig_InvalidPageSizeFailsFast(t *testing.T) {
	cfg := Config{
		DataPath: t.TempDir(),
		Buffers:  BufferConfig{Count: map[int]int{3000: 64}},
	}
	if _, err := Open(cfg); err == nil {
		t.Fatal("invalid buffer page size accepted")
	}

	cfg2 := Config{
		DataPath: t.TempDir(),
		Buffers:  BufferConfig{Count: map[int]int{1024: 64}},
		Volumes: []VolumeSpec{
			{Name: "bad", Path: "bad.v", PageSize: 8192, Create: true},
		},
	}
	if _, err := Open(cfg2); err == nil {
		t.Fatal("volume page size without a pool accepted")
	}
}

func TestConfig_BufferMemorySpec(t *testing.T) {
	n, err := BufferMemorySpec("1M,64M,8M,0.5").resolveCount(16384)
	if err != nil {
		t.Fatal(err)
	}
	if n < 4 {
		t.Fatalf("count %d", n)
	}
	if _, err := BufferMemorySpec("garbage").resolveCount(16384); err == nil {
		t.Fatal("malformed memory spec accepted")
	}
}

func TestDB_PoisonLatches(t *testing.T) {
	db := testDB(t)
	cause := corruptPage("v", 9, "synthetic")
	db.Poison(cause)
	if _, err := db.Begin(); err == nil {
		t.Fatal("poisoned engine accepted a transaction")
	}
	ex, err := db.NewExchange("v", "x", true, nil)
	if err == nil || ex != nil {
		t.Fatal("poisoned engine built an exchange")
	}
}
