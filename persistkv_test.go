package persistkv

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, dir string) *DB {
	t.Helper()
	cfg := Config{
		DataPath: dir,
		Buffers:  BufferConfig{Count: map[int]int{4096: 128}},
		Volumes: []VolumeSpec{
			{Name: "main", Path: "main.v", PageSize: 4096, Create: true},
		},
		CheckpointInterval: time.Hour,
		CleanupInterval:    time.Hour,
		CopierInterval:     time.Hour,
	}
	db, err := Open(cfg)
	require.NoError(t, err)
	return db
}

func TestDB_BasicUsage(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	ex, err := db.Exchange("main", "people", true)
	require.NoError(t, err)

	ex.Key().Clear().AppendString("alice")
	require.NoError(t, ex.Store([]byte("engineer")))
	ex.Key().Clear().AppendString("bob")
	require.NoError(t, ex.Store([]byte("builder")))

	ex.Key().Clear().AppendString("alice")
	ok, err := ex.Fetch()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "engineer", string(ex.Value()))

	// Ordered iteration over both keys.
	ex.ToBefore()
	var names []string
	for {
		ok, err := ex.Traverse(GT, true)
		require.NoError(t, err)
		if !ok {
			break
		}
		segs, err := ex.Key().Decode()
		require.NoError(t, err)
		names = append(names, segs[0].String)
	}
	require.Equal(t, []string{"alice", "bob"}, names)
	db.ReleaseExchange(ex)
}

func TestDB_TransactionsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)

	tx, err := db.Begin()
	require.NoError(t, err)
	ex, err := db.Exchange("main", "ledger", true)
	require.NoError(t, err)
	ex.SetTransaction(tx)
	for i := 0; i < 50; i++ {
		ex.Key().Clear().AppendInt(int64(i))
		require.NoError(t, ex.Store([]byte(fmt.Sprintf("row-%d", i))))
	}
	require.NoError(t, tx.Commit(CommitHard))
	require.NoError(t, db.Close())

	db2 := openTest(t, dir)
	defer db2.Close()
	ex2, err := db2.Exchange("main", "ledger", false)
	require.NoError(t, err)
	ex2.Key().Clear().AppendInt(25)
	ok, err := ex2.Fetch()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "row-25", string(ex2.Value()))
}

func TestDB_FilteredTraverse(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	ex, err := db.Exchange("main", "words", true)
	require.NoError(t, err)
	for _, w := range []string{"ant", "bee", "cat", "dog", "eel"} {
		ex.Key().Clear().AppendString(w)
		require.NoError(t, ex.Store([]byte(w)))
	}

	filter := NewFilter(RangeTerm(
		NewKey().AppendString("bee"),
		NewKey().AppendString("dog"),
		true, true,
	))
	ex.ToBefore()
	var got []string
	for {
		ok, err := ex.TraverseFiltered(GT, filter, true)
		require.NoError(t, err)
		if !ok {
			break
		}
		segs, _ := ex.Key().Decode()
		got = append(got, segs[0].String)
	}
	require.Equal(t, []string{"bee", "cat", "dog"}, got)
}

func TestDB_AccumulatorThroughFacade(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	ex, err := db.Exchange("main", "counted", true)
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	ex.SetTransaction(tx)
	ex.Key().Clear().AppendString("row")
	require.NoError(t, ex.Store([]byte("x")))
	require.NoError(t, tx.UpdateAccumulator(ex.Tree(), AccumSum, 0, 7))
	require.NoError(t, tx.Commit(CommitSoft))

	acc := ex.Tree().Accumulator(AccumSum, 0)
	got := acc.SnapshotValue(db.Store().Alloc().Current(), 0, db.Store().TxnIndex())
	require.EqualValues(t, 7, got)
}

func TestDB_IntegrityCheckSurface(t *testing.T) {
	db := openTest(t, t.TempDir())
	defer db.Close()

	ex, err := db.Exchange("main", "checked", true)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		ex.Key().Clear().AppendInt(int64(i))
		require.NoError(t, ex.Store([]byte("v")))
	}
	rep, err := db.CheckTree(ex.Tree())
	require.NoError(t, err)
	require.True(t, rep.OK(), "problems: %v", rep.Problems)
	require.Equal(t, 1000, rep.Keys)
}
