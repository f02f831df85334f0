package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBGetMissingKey(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	_, err := db.Get([]byte("absent"))
	require.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestMemDBPutReturnsCopies(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte("value")
	require.NoError(t, db.Put([]byte("key"), value))
	value[0] = 'X'

	got, err := db.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	got[0] = 'Y'
	again, err := db.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), again)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("key"), []byte("value")))
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	_, err = db2.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrKeyNotFound))
}
