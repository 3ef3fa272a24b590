package database

import (
	"path/filepath"
	"strings"
	"testing"

	"go-civitai-models/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundTripCompressed(t *testing.T) {
	db := openTestDB(t)

	value := []byte(`{"hello":"world","hello2":"world","hello3":"world"}`)
	require.NoError(t, db.Put([]byte("k"), value))
	assert.True(t, db.Has([]byte("k")))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, value, got)

	_, err = db.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.Delete([]byte("missing")), ErrNotFound)
	require.NoError(t, db.Delete([]byte("k")))
	assert.False(t, db.Has([]byte("k")))
	assert.ErrorIs(t, db.Delete([]byte("k")), ErrNotFound)
}

func TestDecompressPassesRawValues(t *testing.T) {
	got, err := decompressIfGzipped([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), got)

	compressed, err := compressGzip([]byte("data"), 9)
	require.NoError(t, err)
	got, err = decompressIfGzipped(compressed)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestEntries(t *testing.T) {
	db := openTestDB(t)

	entries := []models.DatabaseEntry{
		{ModelID: 2, ModelName: "Zeta", VersionID: 20, SHA256: "ab12", Path: "/m/zeta.safetensors", Status: models.StatusDownloaded},
		{ModelID: 1, ModelName: "Alpha", VersionID: 11, Status: models.StatusReconciled},
		{ModelID: 1, ModelName: "Alpha", VersionID: 10, Status: models.StatusDownloaded},
	}
	for _, e := range entries {
		require.NoError(t, db.PutEntry(e))
	}
	require.NoError(t, db.Put([]byte("unrelated"), []byte("x")))

	got, err := db.Entries()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 10, got[0].VersionID)
	assert.Equal(t, 11, got[1].VersionID)
	assert.Equal(t, "Zeta", got[2].ModelName)

	path, err := db.PathForHash("AB12")
	require.NoError(t, err)
	assert.Equal(t, "/m/zeta.safetensors", path)

	entry, err := db.GetEntry(20)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloaded, entry.Status)

	require.NoError(t, db.DeleteEntry(20))
	_, err = db.GetEntry(20)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.PathForHash("ab12")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHashIndexAcceptsFullSHA256(t *testing.T) {
	db := openTestDB(t)
	sum := strings.Repeat("7658DF", 10) + "ABCD"
	require.Len(t, sum, 64)

	require.NoError(t, db.PutEntry(models.DatabaseEntry{
		ModelName: "Papercut", VersionID: 7, SHA256: sum, Path: "/m/papercut.safetensors",
	}))
	path, err := db.PathForHash(strings.ToLower(sum))
	require.NoError(t, err)
	assert.Equal(t, "/m/papercut.safetensors", path)

	require.NoError(t, db.DeleteEntry(7))
	_, err = db.PathForHash(sum)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteEntry(7), ErrNotFound)
}

func TestPutEntryRequiresVersion(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.PutEntry(models.DatabaseEntry{ModelName: "x"}))
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.PutEntry(models.DatabaseEntry{ModelName: "M", VersionID: 5}))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	entry, err := db.GetEntry(5)
	require.NoError(t, err)
	assert.Equal(t, "M", entry.ModelName)
}
