package storage

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type sampleRecord struct {
	Balance uint256.Int
	Version uint64
}

func TestLevelDBPersistsBatchedWrites(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)

	batch := db1.NewBatch()
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	require.Equal(t, 2, batch.Len())
	require.NoError(t, batch.Write())
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)

	_, err = db2.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestKVStoreRoundTrip(t *testing.T) {
	kv := NewKVStore(NewMemDB())
	in := sampleRecord{Balance: *uint256.NewInt(42), Version: 3}
	require.NoError(t, kv.KVPut([]byte("rec"), in))

	var out sampleRecord
	ok, err := kv.KVGet([]byte("rec"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	ok, err = kv.KVGet([]byte("nope"), &out)
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, kv.KVPut(nil, in))
}

func TestJournalCommitsOnlyOnSuccess(t *testing.T) {
	kv := NewKVStore(NewMemDB())
	j := NewJournal(kv)

	var err error
	j.Begin()
	require.NoError(t, j.KVPut([]byte("x"), uint64(7)))
	var v uint64
	ok, _ := j.KVGet([]byte("x"), &v)
	require.True(t, ok)
	require.Equal(t, uint64(7), v)
	ok, _ = kv.KVGet([]byte("x"), nil)
	require.False(t, ok, "write must stay buffered inside a scope")
	j.End(&err)
	require.NoError(t, err)

	ok, _ = kv.KVGet([]byte("x"), &v)
	require.True(t, ok)
	require.Equal(t, 0, j.Pending())

	failure := errors.New("boom")
	func() (err error) {
		j.Begin()
		defer j.End(&err)
		_ = j.KVPut([]byte("y"), uint64(1))
		return failure
	}()
	ok, _ = kv.KVGet([]byte("y"), nil)
	require.False(t, ok)
	require.Equal(t, 0, j.Pending())
}

func TestJournalNestedFailureDiscardsOuterScope(t *testing.T) {
	kv := NewKVStore(NewMemDB())
	j := NewJournal(kv)

	outer := func() (err error) {
		j.Begin()
		defer j.End(&err)
		_ = j.KVPut([]byte("outer"), uint64(1))
		inner := func() (err error) {
			j.Begin()
			defer j.End(&err)
			_ = j.KVPut([]byte("inner"), uint64(2))
			return errors.New("inner failed")
		}
		return inner()
	}
	require.Error(t, outer())
	ok, _ := kv.KVGet([]byte("outer"), nil)
	require.False(t, ok)
	ok, _ = kv.KVGet([]byte("inner"), nil)
	require.False(t, ok)
}

func TestJournalWritesThroughOutsideScope(t *testing.T) {
	kv := NewKVStore(NewMemDB())
	j := NewJournal(kv)
	require.NoError(t, j.KVPut([]byte("direct"), uint64(5)))
	ok, _ := kv.KVGet([]byte("direct"), nil)
	require.True(t, ok)
}

func TestJournalAfterCommitRunsOnlyOnCommit(t *testing.T) {
	j := NewJournal(NewKVStore(NewMemDB()))
	var ran []string

	func() (err error) {
		j.Begin()
		defer j.End(&err)
		j.AfterCommit(func() { ran = append(ran, "committed") })
		return j.KVPut([]byte("k"), uint64(1))
	}()
	func() (err error) {
		j.Begin()
		defer j.End(&err)
		j.AfterCommit(func() { ran = append(ran, "discarded") })
		return errors.New("fail")
	}()
	j.AfterCommit(func() { ran = append(ran, "immediate") })

	require.Equal(t, []string{"committed", "immediate"}, ran)
}
