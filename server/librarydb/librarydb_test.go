package librarydb

import (
	"os"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *LibraryDB {
	os.Remove("test-librarydb.sqlite")
	db, err := NewLibraryDB(logs.NewTestingLog(t), "test-librarydb.sqlite")
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		os.Remove("test-librarydb.sqlite")
	})
	return db
}

func TestAddListDelete(t *testing.T) {
	db := createTestDB(t)

	a := NewTrainingSet("pets", []string{"cat", "dog"}, 6, 1000)
	require.NoError(t, db.Add(a))
	require.NotEqual(t, int64(0), a.ID)
	require.Equal(t, BlobName(a.ID), a.BlobName)

	b := NewTrainingSet("fruit", []string{"apple"}, 2, 500)
	require.NoError(t, db.Add(b))

	list, err := db.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "fruit", list[0].Name)
	require.Equal(t, "pets", list[1].Name)
	require.Equal(t, []string{"cat", "dog"}, list[1].Labels.Data)
	require.Equal(t, 2, list[1].NumGroups)

	got, err := db.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, a.BlobName, got.BlobName)
	require.Equal(t, a.CreatedAt.Get().UnixMilli(), got.CreatedAt.Get().UnixMilli())

	require.NoError(t, db.Delete(a.ID))
	_, err = db.Get(a.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, db.Delete(a.ID), ErrNotFound)
}
