package objectstore

import (
	"bytes"
	"database/sql"
	"math/rand"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "objects.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE files (
			file_hash TEXT PRIMARY KEY,
			file_name TEXT,
			mime_type TEXT,
			size_bytes INTEGER,
			is_complete INTEGER
		);
		CREATE TABLE file_chunks (
			file_hash TEXT,
			chunk_order INTEGER,
			chunk_hash TEXT,
			chunk_size INTEGER,
			PRIMARY KEY (file_hash, chunk_order)
		);
	`)
	require.NoError(t, err)

	s, err := New(db, filepath.Join(t.TempDir(), "chunks"))
	require.NoError(t, err)
	return s
}

func TestCreateLoadRoundTrip(t *testing.T) {
	s := openTest(t)
	data := bytes.Repeat([]byte("rchat-object-store-test-data "), 4000) // large enough to span several chunks

	hash, err := s.Create(data, "blob.bin", "application/octet-stream")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	loaded, err := s.Load(hash)
	require.NoError(t, err)
	require.Equal(t, data, loaded)
}

func TestCreateDedupsSharedChunks(t *testing.T) {
	s := openTest(t)
	// Seeded pseudo-random content, so the gear hash finds content-defined
	// cuts inside the shared run (a short repeating pattern finds none and
	// each file would be stored as one whole-file chunk).
	shared := make([]byte, 100000)
	rand.New(rand.NewSource(1)).Read(shared)
	a := append(append([]byte{}, shared...), []byte("-suffix-a")...)
	b := append(append([]byte{}, shared...), []byte("-suffix-b")...)

	hashA, err := s.Create(a, "a.bin", "application/octet-stream")
	require.NoError(t, err)
	hashB, err := s.Create(b, "b.bin", "application/octet-stream")
	require.NoError(t, err)
	require.NotEqual(t, hashA, hashB)

	var chunksA, chunksB []string
	rowsA, err := s.db.Query(`SELECT chunk_hash FROM file_chunks WHERE file_hash = ? ORDER BY chunk_order`, hashA)
	require.NoError(t, err)
	for rowsA.Next() {
		var h string
		require.NoError(t, rowsA.Scan(&h))
		chunksA = append(chunksA, h)
	}
	rowsA.Close()

	rowsB, err := s.db.Query(`SELECT chunk_hash FROM file_chunks WHERE file_hash = ? ORDER BY chunk_order`, hashB)
	require.NoError(t, err)
	for rowsB.Next() {
		var h string
		require.NoError(t, rowsB.Scan(&h))
		chunksB = append(chunksB, h)
	}
	rowsB.Close()

	shared_count := 0
	seen := make(map[string]bool)
	for _, h := range chunksA {
		seen[h] = true
	}
	for _, h := range chunksB {
		if seen[h] {
			shared_count++
		}
	}
	require.Greater(t, shared_count, 0, "identical leading content should dedup to shared chunk hashes")
}

func TestReadChunkAndHasChunk(t *testing.T) {
	s := openTest(t)
	data := bytes.Repeat([]byte("x"), 10000)
	hash, err := s.Create(data, "f.bin", "application/octet-stream")
	require.NoError(t, err)

	rows, err := s.db.Query(`SELECT chunk_hash FROM file_chunks WHERE file_hash = ? ORDER BY chunk_order`, hash)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var chunkHash string
	require.NoError(t, rows.Scan(&chunkHash))

	require.True(t, s.HasChunk(chunkHash))
	chunkData, err := s.ReadChunk(chunkHash)
	require.NoError(t, err)
	require.NotEmpty(t, chunkData)

	require.False(t, s.HasChunk("not-a-real-hash"))
	_, err = s.ReadChunk("not-a-real-hash")
	require.Error(t, err)
}

func TestDeleteRemovesFileRow(t *testing.T) {
	s := openTest(t)
	hash, err := s.Create([]byte("small file"), "small.bin", "text/plain")
	require.NoError(t, err)

	require.NoError(t, s.Delete(hash))

	_, err = s.Load(hash)
	require.ErrorIs(t, err, ErrNotFound)
}
