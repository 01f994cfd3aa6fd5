package store

import (
	"fmt"
	"testing"

	"github.com/SimonWaldherr/persistkv/internal/keys"
)

func TestJournal_RecordMarshalVerifies(t *testing.T) {
	rec := marshalRecord(recPA, 0, 42, []byte("payload"))
	if rec[0] != recPA {
		t.Fatal("type lost")
	}
	if len(rec) != recHeaderSize+7 {
		t.Fatalf("record length %d", len(rec))
	}
}

func TestJournal_PageImageRoundTrip(t *testing.T) {
	db := testDB(t)
	v, _ := db.Volume("v")

	img := make([]byte, 1024)
	initPage(img, PageTypeData, 55)
	setPageRightSibling(img, 7)
	setPageCRC(img)
	if err := db.journal.WritePageImage(v, 55, img, db.alloc.Next()); err != nil {
		t.Fatal(err)
	}

	dst := make([]byte, 1024)
	ok, err := db.journal.ReadPageImage(v, 55, dst)
	if err != nil || !ok {
		t.Fatalf("read image: %v %v", ok, err)
	}
	if pageRightSibling(dst) != 7 || pageAddrOf(dst) != 55 {
		t.Fatal("image roundtrip mismatch")
	}

	// An address never journalled reports a miss, not an error.
	ok, err = db.journal.ReadPageImage(v, 9999, dst)
	if err != nil || ok {
		t.Fatalf("phantom image: %v %v", ok, err)
	}
}

func TestJournal_RolloverWritesMaps(t *testing.T) {
	db := testDB(t)
	v, _ := db.Volume("v")

	startBlock := db.journal.CurrentAddress() / db.journal.blockSize
	img := make([]byte, 1024)
	// Page images are ~1KiB each; the 64KiB minimum block must roll.
	for i := uint64(0); i < 100; i++ {
		initPage(img, PageTypeData, 100+i)
		setPageCRC(img)
		if err := db.journal.WritePageImage(v, 100+i, img, db.alloc.Next()); err != nil {
			t.Fatal(err)
		}
	}
	endBlock := db.journal.CurrentAddress() / db.journal.blockSize
	if endBlock == startBlock {
		t.Fatal("journal did not roll over")
	}

	// Images written before the rollover stay readable through it.
	dst := make([]byte, 1024)
	ok, err := db.journal.ReadPageImage(v, 100, dst)
	if err != nil || !ok {
		t.Fatalf("pre-rollover image unreadable: %v %v", ok, err)
	}
}

func TestJournal_BaseAdvancesPastCheckpoint(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "base")

	for i := 0; i < 50; i++ {
		keys.New().AppendInt(int64(i)).CopyTo(ex.Key())
		if err := ex.Store([]byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.journal.CopyBack(); err != nil {
		t.Fatal(err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	j := db.journal
	base, cursor, cur := j.BaseAddress(), j.CopybackCursor(), j.CurrentAddress()
	if base > cur {
		t.Fatalf("base %d beyond current %d", base, cur)
	}
	if cursor > cur {
		t.Fatalf("copyback cursor %d beyond current %d", cursor, cur)
	}
	if base == 0 {
		t.Fatal("base never advanced")
	}
}

// An aborted transaction that never dirtied a durable page must not pin
// journal files: the base advances past its start within one checkpoint
// after pruning.
func TestJournal_AbortedTxnDoesNotPinBase(t *testing.T) {
	db := testDB(t)
	ex := mustExchange(t, db, "pin")

	// Committed traffic first.
	for i := 0; i < 20; i++ {
		keys.New().AppendInt(int64(i)).CopyTo(ex.Key())
		tx, _ := db.Begin()
		ex.SetTransaction(tx)
		if err := ex.Store([]byte("committed")); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(CommitSoft); err != nil {
			t.Fatal(err)
		}
	}

	// One large transaction, rolled back.
	tx, _ := db.Begin()
	ex.SetTransaction(tx)
	big := make([]byte, 4096)
	for i := 100; i < 120; i++ {
		keys.New().AppendInt(int64(i)).CopyTo(ex.Key())
		if err := ex.Store(big); err != nil {
			t.Fatal(err)
		}
	}
	abortedTs := tx.StartTs()
	tx.Rollback()
	ex.SetTransaction(nil)

	db.txnIndex.UpdateActiveTransactionCache()
	db.cleanup.Drain() // prune the aborted versions
	db.txnIndex.Cleanup()

	if err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.journal.CopyBack(); err != nil {
		t.Fatal(err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}

	db.journal.mu.Lock()
	_, stillTracked := db.journal.txStarts[abortedTs]
	db.journal.mu.Unlock()
	if stillTracked {
		t.Fatal("aborted transaction still pins the journal base")
	}
}

func TestJournal_TempVolumeNeverJournalled(t *testing.T) {
	db := testDB(t)
	v, err := db.OpenVolume(VolumeSpec{Name: "scratch", Temporary: true, PageSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Temporary() {
		t.Fatal("volume not temporary")
	}
	if h := db.journal.AssignVolumeHandle(v); h != 0 {
		t.Fatalf("temporary volume received handle %d", h)
	}

	before := db.journal.CurrentAddress()
	tree, err := v.GetTree("scratchtree", true)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Handle() != 0 {
		t.Fatalf("temporary tree received handle %d", tree.Handle())
	}
	ex := newExchange(db, tree, nil)
	for i := 0; i < 200; i++ {
		keys.New().AppendInt(int64(i)).CopyTo(ex.Key())
		if err := ex.Store(make([]byte, 100)); err != nil {
			t.Fatal(err)
		}
	}
	// Only pool pressure could journal temp pages; flushBuffer routes
	// them to the scratch file instead.
	if err := db.poolFor(1024).flushAll(v); err != nil {
		t.Fatal(err)
	}
	if got := db.journal.CurrentAddress(); got != before {
		t.Fatalf("temporary volume wrote %d journal bytes", got-before)
	}
}
