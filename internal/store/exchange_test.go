package store

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/SimonWaldherr/persistkv/internal/keys"
)

func intKey(v int64) *keys.Key { return keys.New().AppendInt(v) }

func TestExchange_StoreFetchRoundTrip(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "basic")

	intKey(1).CopyTo(ex.Key())
	if err := ex.Store([]byte("one")); err != nil {
		t.Fatal(err)
	}
	ok, err := ex.Fetch()
	if err != nil || !ok {
		t.Fatalf("fetch: %v %v", ok, err)
	}
	if string(ex.Value()) != "one" {
		t.Fatalf("value %q", ex.Value())
	}

	intKey(2).CopyTo(ex.Key())
	if ok, _ := ex.Fetch(); ok {
		t.Fatal("absent key fetched")
	}
}

func TestExchange_OverwriteAndRemove(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "basic")

	intKey(7).CopyTo(ex.Key())
	if err := ex.Store([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := ex.Store([]byte("b")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := ex.Fetch(); !ok || string(ex.Value()) != "b" {
		t.Fatalf("overwrite lost: %q", ex.Value())
	}
	removed, err := ex.Remove()
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if ok, _ := ex.Fetch(); ok {
		t.Fatal("removed key still present")
	}
}

func TestExchange_SplitsAndOrderedScan(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "many")

	const n = 500
	for i := 0; i < n; i++ {
		intKey(int64(i)).CopyTo(ex.Key())
		if err := ex.Store([]byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	tree := ex.Tree()
	if _, depth := tree.Root(); depth < 2 {
		t.Fatalf("expected splits to deepen the tree, depth=%d", depth)
	}

	ex.ToBefore()
	for i := 0; i < n; i++ {
		ok, err := ex.Traverse(DirGT, true)
		if err != nil || !ok {
			t.Fatalf("traverse at %d: %v %v", i, ok, err)
		}
		segs, err := ex.Key().Decode()
		if err != nil || len(segs) != 1 || segs[0].Int != int64(i) {
			t.Fatalf("expected key %d, got %s", i, ex.Key())
		}
		want := fmt.Sprintf("value-%d", i)
		if string(ex.Value()) != want {
			t.Fatalf("value at %d: %q", i, ex.Value())
		}
	}
	if ok, _ := ex.Traverse(DirGT, true); ok {
		t.Fatal("scan overran the last key")
	}

	rep, err := db.CheckTree(tree)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() {
		t.Fatalf("integrity problems after splits: %v", rep.Problems)
	}
	if rep.Keys != n {
		t.Fatalf("icheck counted %d keys, want %d", rep.Keys, n)
	}
}

func TestExchange_BackwardScan(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "back")
	for i := 0; i < 100; i++ {
		intKey(int64(i)).CopyTo(ex.Key())
		if err := ex.Store([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	ex.ToAfter()
	for i := 99; i >= 0; i-- {
		ok, err := ex.Traverse(DirLT, true)
		if err != nil || !ok {
			t.Fatalf("backward traverse at %d: %v %v", i, ok, err)
		}
		segs, _ := ex.Key().Decode()
		if segs[0].Int != int64(i) {
			t.Fatalf("expected %d, got %s", i, ex.Key())
		}
	}
	if ok, _ := ex.Traverse(DirLT, true); ok {
		t.Fatal("backward scan overran the first key")
	}
}

// Page rebalance after a range delete across several pages: the survivors
// around the hole must be exactly adjacent (teacher scenario for
// three-page joins).
func TestExchange_RangeDeleteAcrossPages(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "range")

	big := bytes.Repeat([]byte{'p'}, 2000)
	for i := 3444; i <= 3599; i++ {
		intKey(int64(i)).CopyTo(ex.Key())
		if err := ex.Store(big); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	if err := ex.RemoveKeyRange(intKey(3445), intKey(3557)); err != nil {
		t.Fatal(err)
	}
	db.cleanup.Drain() // run the queued page merges

	ex.ToBefore()
	ok, err := ex.Traverse(DirGT, true)
	if err != nil || !ok {
		t.Fatalf("first traverse: %v %v", ok, err)
	}
	segs, _ := ex.Key().Decode()
	if segs[0].Int != 3444 {
		t.Fatalf("first surviving key %s, want 3444", ex.Key())
	}
	ok, err = ex.Traverse(DirGT, true)
	if err != nil || !ok {
		t.Fatalf("second traverse: %v %v", ok, err)
	}
	segs, _ = ex.Key().Decode()
	if segs[0].Int != 3557 {
		t.Fatalf("second surviving key %s, want 3557", ex.Key())
	}

	rep, err := db.CheckTree(ex.Tree())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() {
		t.Fatalf("integrity problems after range delete: %v", rep.Problems)
	}
}

// GTEQ at a composite prefix must not skip over the prefix's own subtree.
func TestExchange_TraverseGTEQAtCompositePrefix(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "composite")

	put := func(a, b int64) {
		keys.New().AppendInt(a).AppendInt(b).CopyTo(ex.Key())
		if err := ex.Store([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	put(1, 10)
	put(1, 20)
	put(2, 30)

	intKey(1).CopyTo(ex.Key())
	ok, err := ex.Traverse(DirGTEQ, false)
	if err != nil || !ok {
		t.Fatalf("traverse: %v %v", ok, err)
	}
	segs, err := ex.Key().Decode()
	if err != nil || len(segs) == 0 {
		t.Fatalf("decode: %v", err)
	}
	if segs[0].Int != 1 {
		t.Fatalf("GTEQ skipped the prefix subtree: first segment %d, want 1", segs[0].Int)
	}
}

// A backward filtered traverse from AFTER with range [BEFORE, x] must
// find x itself.
func TestExchange_TraverseFilteredLTEQFromAfter(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "filtered")

	for _, s := range []string{"arigatou", "konnichiha"} {
		keys.New().AppendString(s).CopyTo(ex.Key())
		if err := ex.Store([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	filter := keys.NewFilter(keys.RangeTerm(nil, keys.New().AppendString("arigatou"), true, true)).
		Limit(1, keys.MaxDepth)

	ex.ToAfter()
	ok, err := ex.TraverseFiltered(DirLTEQ, filter, true)
	if err != nil || !ok {
		t.Fatalf("filtered traverse: %v %v", ok, err)
	}
	segs, _ := ex.Key().Decode()
	if segs[0].String != "arigatou" {
		t.Fatalf("got %q, want arigatou", segs[0].String)
	}
}

func TestExchange_LongRecordRoundTrip(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "long")

	value := make([]byte, 10*1024)
	for i := range value {
		value[i] = byte(i * 31)
	}
	intKey(1).CopyTo(ex.Key())
	if err := ex.Store(value); err != nil {
		t.Fatal(err)
	}
	ok, err := ex.Fetch()
	if err != nil || !ok {
		t.Fatalf("fetch: %v %v", ok, err)
	}
	if !bytes.Equal(ex.Value(), value) {
		t.Fatalf("long record mismatch: %d bytes vs %d", len(ex.Value()), len(value))
	}

	// Replacement must free the old chain back to the garbage pool.
	v, _ := db.Volume("v")
	before := v.Stats().Deallocated
	if err := ex.Store([]byte("short now")); err != nil {
		t.Fatal(err)
	}
	if v.Stats().Deallocated <= before {
		t.Fatal("old long-record chain was not deallocated")
	}
	if ok, _ := ex.Fetch(); !ok || string(ex.Value()) != "short now" {
		t.Fatalf("replacement lost: %q", ex.Value())
	}
}

func TestExchange_TxnRoundTripLaws(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "laws")

	// store(K,V); fetch(K) == V in the same transaction at the same step.
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	ex.SetTransaction(tx)
	intKey(100).CopyTo(ex.Key())
	if err := ex.Store([]byte("mine")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := ex.Fetch(); !ok || string(ex.Value()) != "mine" {
		t.Fatalf("own write invisible: %q", ex.Value())
	}
	if err := tx.Commit(CommitSoft); err != nil {
		t.Fatal(err)
	}

	// store; commit; fresh txn sees it.
	tx2, _ := db.Begin()
	ex.SetTransaction(tx2)
	if ok, _ := ex.Fetch(); !ok || string(ex.Value()) != "mine" {
		t.Fatalf("committed write invisible to later txn: %q", ex.Value())
	}

	// remove; commit; fresh txn sees absence.
	if _, err := ex.Remove(); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(CommitSoft); err != nil {
		t.Fatal(err)
	}
	tx3, _ := db.Begin()
	ex.SetTransaction(tx3)
	if ok, _ := ex.Fetch(); ok {
		t.Fatal("removed key visible after commit")
	}
	tx3.Rollback()
}

func TestExchange_SnapshotIsolation(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "iso")

	intKey(5).CopyTo(ex.Key())
	if err := ex.Store([]byte("base")); err != nil {
		t.Fatal(err)
	}

	reader, _ := db.Begin()
	writer, _ := db.Begin()

	wex := mustExchange(t, db, "iso")
	wex.SetTransaction(writer)
	intKey(5).CopyTo(wex.Key())
	if err := wex.Store([]byte("new")); err != nil {
		t.Fatal(err)
	}
	if err := writer.Commit(CommitSoft); err != nil {
		t.Fatal(err)
	}

	// The reader began before the writer committed: it sees the base.
	ex.SetTransaction(reader)
	if ok, _ := ex.Fetch(); !ok || string(ex.Value()) != "base" {
		t.Fatalf("snapshot read broken: %q", ex.Value())
	}
	reader.Rollback()

	// A fresh reader sees the new version.
	ex.SetTransaction(nil)
	if ok, _ := ex.Fetch(); !ok || string(ex.Value()) != "new" {
		t.Fatalf("latest read broken: %q", ex.Value())
	}
}

func TestExchange_WWConflict(t *testing.T) {
	db := testDB(t)
	ex1 := mustExchange(t, db, "ww")
	ex2 := mustExchange(t, db, "ww")

	tx1, _ := db.Begin()
	tx2, _ := db.Begin()
	ex1.SetTransaction(tx1)
	ex2.SetTransaction(tx2)
	ex2.SetTimeout(100 * time.Millisecond) // fail fast instead of waiting out tx1

	intKey(9).CopyTo(ex1.Key())
	if err := ex1.Store([]byte("first")); err != nil {
		t.Fatal(err)
	}
	intKey(9).CopyTo(ex2.Key())
	err := ex2.Store([]byte("second"))
	if !errors.Is(err, ErrWWConflict) {
		t.Fatalf("expected ErrWWConflict, got %v", err)
	}
	tx2.Rollback()
	if err := tx1.Commit(CommitSoft); err != nil {
		t.Fatal(err)
	}
}

func TestExchange_RollbackHidesWrites(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "rb")

	tx, _ := db.Begin()
	ex.SetTransaction(tx)
	intKey(1).CopyTo(ex.Key())
	if err := ex.Store([]byte("phantom")); err != nil {
		t.Fatal(err)
	}
	tx.Rollback()

	ex.SetTransaction(nil)
	if ok, _ := ex.Fetch(); ok {
		t.Fatal("rolled-back write visible")
	}
	db.cleanup.Drain()
	if ok, _ := ex.Fetch(); ok {
		t.Fatal("rolled-back write visible after pruning")
	}
}

// MVV steps written out of order: a later transaction must still be able
// to remove the key, and the step-2 store is what it removes.
func TestExchange_StepOutOfOrder(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "steps")

	tx, _ := db.Begin()
	ex.SetTransaction(tx)
	tx.SetStep(2)
	intKey(2).CopyTo(ex.Key())
	if err := ex.Store([]byte{200}); err != nil {
		t.Fatal(err)
	}
	tx.SetStep(1)
	if _, err := ex.Remove(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(CommitSoft); err != nil {
		t.Fatal(err)
	}

	// The highest step wins: the value must be visible after commit.
	ex.SetTransaction(nil)
	if ok, _ := ex.Fetch(); !ok || !bytes.Equal(ex.Value(), []byte{200}) {
		t.Fatalf("step-2 store lost: present=%v value=%v", ok, ex.Value())
	}

	db.txnIndex.UpdateActiveTransactionCache()
	db.cleanup.Enqueue(CleanupAction{Kind: CleanupPruneTree, Volume: ex.Tree().Volume(), Tree: ex.Tree()})
	db.cleanup.Drain()
	db.txnIndex.Cleanup()

	// After pruning and index cleanup the later remove must succeed.
	tx2, _ := db.Begin()
	ex.SetTransaction(tx2)
	removed, err := ex.Remove()
	if err != nil || !removed {
		t.Fatalf("later remove failed: %v %v", removed, err)
	}
	if err := tx2.Commit(CommitSoft); err != nil {
		t.Fatal(err)
	}
}

func TestExchange_FetchAndRemoveReturnsPriorValue(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "far")

	intKey(1).CopyTo(ex.Key())
	if err := ex.Store([]byte("before")); err != nil {
		t.Fatal(err)
	}

	tx, _ := db.Begin()
	ex.SetTransaction(tx)
	if err := ex.Store([]byte("during")); err != nil {
		t.Fatal(err)
	}
	prior, ok, err := ex.FetchAndRemove()
	if err != nil || !ok {
		t.Fatalf("fetchAndRemove: %v %v", ok, err)
	}
	if string(prior) != "during" {
		t.Fatalf("prior value %q, want the value before the remove", prior)
	}
	tx.Rollback()

	// Under rollback the pre-transaction value reappears.
	ex.SetTransaction(nil)
	if ok, _ := ex.Fetch(); !ok || string(ex.Value()) != "before" {
		t.Fatalf("pre-transaction value not restored: %q", ex.Value())
	}
}

func TestExchange_SequentialInsertSplitBias(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "seq")

	// A strictly ascending load should produce densely packed left
	// pages; the tree must stay valid either way.
	for i := 0; i < 300; i++ {
		intKey(int64(i)).CopyTo(ex.Key())
		if err := ex.Store(bytes.Repeat([]byte{'s'}, 20)); err != nil {
			t.Fatal(err)
		}
	}
	rep, err := db.CheckTree(ex.Tree())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() {
		t.Fatalf("sequential load broke invariants: %v", rep.Problems)
	}
}

func TestVolume_TreeDirectory(t *testing.T) {
	db := testDB(t)
	v, _ := db.Volume("v")

	for _, name := range []string{"alpha", "beta", "gamma"} {
		ex := mustExchange(t, db, name)
		intKey(1).CopyTo(ex.Key())
		if err := ex.Store([]byte(name)); err != nil {
			t.Fatal(err)
		}
	}
	names, err := v.TreeNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 {
		t.Fatalf("directory lists %v", names)
	}

	tree, err := v.GetTree("beta", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.RemoveTree(tree); err != nil {
		t.Fatal(err)
	}
	db.cleanup.Drain()
	if _, err := v.GetTree("beta", false); !errors.Is(err, ErrTreeNotFound) {
		t.Fatalf("removed tree still resolvable: %v", err)
	}
	names, _ = v.TreeNames()
	if len(names) != 2 {
		t.Fatalf("directory after removal: %v", names)
	}
}
