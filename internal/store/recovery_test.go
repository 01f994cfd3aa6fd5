package store

import (
	"fmt"
	"testing"

	"github.com/SimonWaldherr/persistkv/internal/keys"
)

func TestRecovery_CommittedSurvivesCrash(t *testing.T) {
	dir := t.TempDir()
	db := testDBAt(t, dir)
	ex := mustExchange(t, db, "people")

	tx, _ := db.Begin()
	ex.SetTransaction(tx)
	keys.New().AppendString("alice").CopyTo(ex.Key())
	if err := ex.Store([]byte("engineer")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(CommitHard); err != nil {
		t.Fatal(err)
	}
	crash(t, db)

	db2 := testDBAt(t, dir)
	defer db2.Close()
	ex2 := mustExchange(t, db2, "people")
	keys.New().AppendString("alice").CopyTo(ex2.Key())
	ok, err := ex2.Fetch()
	if err != nil || !ok {
		t.Fatalf("committed write lost in crash: %v %v", ok, err)
	}
	if string(ex2.Value()) != "engineer" {
		t.Fatalf("recovered %q", ex2.Value())
	}
}

func TestRecovery_UncommittedInvisibleAfterCrash(t *testing.T) {
	dir := t.TempDir()
	db := testDBAt(t, dir)
	ex := mustExchange(t, db, "people")

	// Committed marker first so the tree itself survives.
	keys.New().AppendString("base").CopyTo(ex.Key())
	tx0, _ := db.Begin()
	ex.SetTransaction(tx0)
	if err := ex.Store([]byte("yes")); err != nil {
		t.Fatal(err)
	}
	if err := tx0.Commit(CommitHard); err != nil {
		t.Fatal(err)
	}

	tx, _ := db.Begin()
	ex.SetTransaction(tx)
	keys.New().AppendString("ghost").CopyTo(ex.Key())
	if err := ex.Store([]byte("uncommitted")); err != nil {
		t.Fatal(err)
	}
	// Force the dirty page (with the uncommitted MVV) into the journal,
	// then crash without committing.
	if err := db.poolFor(1024).flushAll(nil); err != nil {
		t.Fatal(err)
	}
	crash(t, db)

	db2 := testDBAt(t, dir)
	defer db2.Close()
	ex2 := mustExchange(t, db2, "people")

	keys.New().AppendString("base").CopyTo(ex2.Key())
	if ok, _ := ex2.Fetch(); !ok {
		t.Fatal("committed base lost")
	}
	keys.New().AppendString("ghost").CopyTo(ex2.Key())
	if ok, _ := ex2.Fetch(); ok {
		t.Fatalf("uncommitted write visible after recovery: %q", ex2.Value())
	}
}

func TestRecovery_LongRecordInTransaction(t *testing.T) {
	dir := t.TempDir()
	db := testDBAt(t, dir)
	ex := mustExchange(t, db, "blobs")

	long := make([]byte, 8000)
	for i := range long {
		long[i] = byte(i)
	}
	tx, _ := db.Begin()
	ex.SetTransaction(tx)
	keys.New().AppendString("big").CopyTo(ex.Key())
	if err := ex.Store(long); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(CommitHard); err != nil {
		t.Fatal(err)
	}
	crash(t, db)

	// The full payload is in the TX record, so replay rebuilds the
	// chain no matter which chain pages reached the journal.
	db2 := testDBAt(t, dir)
	defer db2.Close()
	ex2 := mustExchange(t, db2, "blobs")
	keys.New().AppendString("big").CopyTo(ex2.Key())
	ok, err := ex2.Fetch()
	if err != nil || !ok {
		t.Fatalf("long record lost: %v %v", ok, err)
	}
	if len(ex2.Value()) != len(long) {
		t.Fatalf("recovered %d bytes, want %d", len(ex2.Value()), len(long))
	}
	for i, b := range ex2.Value() {
		if b != byte(i) {
			t.Fatalf("byte %d corrupt", i)
		}
	}
}

func TestRecovery_CleanReopenPreservesEverything(t *testing.T) {
	dir := t.TempDir()
	db := testDBAt(t, dir)
	ex := mustExchange(t, db, "kept")
	for i := 0; i < 200; i++ {
		keys.New().AppendInt(int64(i)).CopyTo(ex.Key())
		if err := ex.Store([]byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	v, _ := db.Volume("v")
	created := v.CreateTime()
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2 := testDBAt(t, dir)
	defer db2.Close()
	v2, _ := db2.Volume("v")
	if v2.CreateTime() != created {
		t.Fatalf("create time not preserved across reopen: %d != %d", v2.CreateTime(), created)
	}
	ex2 := mustExchange(t, db2, "kept")
	ex2.ToBefore()
	count := 0
	for {
		ok, err := ex2.Traverse(DirGT, true)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 200 {
		t.Fatalf("reopened tree has %d keys, want 200", count)
	}
}

func TestRecovery_EmptyDirectoryTolerated(t *testing.T) {
	dir := t.TempDir()
	db := testDBAt(t, dir)
	// No trees ever created: the directory root stays unallocated.
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db2 := testDBAt(t, dir)
	defer db2.Close()
	v, _ := db2.Volume("v")
	names, err := v.TreeNames()
	if err != nil {
		t.Fatalf("empty directory listing: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("phantom trees: %v", names)
	}
}

func TestRecovery_RepeatedCrashLoops(t *testing.T) {
	dir := t.TempDir()
	for round := 0; round < 3; round++ {
		db := testDBAt(t, dir)
		ex := mustExchange(t, db, "loop")
		tx, _ := db.Begin()
		ex.SetTransaction(tx)
		keys.New().AppendInt(int64(round)).CopyTo(ex.Key())
		if err := ex.Store([]byte{byte(round)}); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(CommitHard); err != nil {
			t.Fatal(err)
		}
		crash(t, db)
	}

	db := testDBAt(t, dir)
	defer db.Close()
	ex := mustExchange(t, db, "loop")
	for round := 0; round < 3; round++ {
		keys.New().AppendInt(int64(round)).CopyTo(ex.Key())
		ok, err := ex.Fetch()
		if err != nil || !ok {
			t.Fatalf("round %d lost: %v %v", round, ok, err)
		}
	}
}
