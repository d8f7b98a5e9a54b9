// Package objectstore implements content-addressed chunked storage:
// content-defined chunking with dedup, backed by a flat chunk
// directory and the local store's files/file_chunks tables.
package objectstore

import (
	"bufio"
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rchat-p2p/node/internal/crypto"
)

// Chunk size parameters, matching the spec's FastCDC parameters
// exactly (see DESIGN.md for why this is hand-rolled rather than
// pulled from a library).
const (
	minChunkSize = 2 * 1024
	avgChunkSize = 8 * 1024
	maxChunkSize = 64 * 1024
)

var (
	ErrNotFound      = errors.New("objectstore: file not found")
	ErrChunkMissing  = errors.New("objectstore: chunk missing on disk")
)

// Store is the content-addressed object store: a chunk directory plus
// a *sql.DB shared with the rest of the local store.
type Store struct {
	db        *sql.DB
	chunkDir  string
}

// New builds a Store over an already-open database handle (schema
// assumed already migrated by internal/store) and a chunk directory
// that is created if absent.
func New(db *sql.DB, chunkDir string) (*Store, error) {
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create chunk dir: %w", err)
	}
	return &Store{db: db, chunkDir: chunkDir}, nil
}

type chunkRecord struct {
	order int
	hash  string
	size  int
}

// Create chunks data with content-defined boundaries, writes any new
// chunk files (skipping ones that already exist, for dedup), and
// records the file plus its ordered chunk list in a single
// transaction. Re-creating identical bytes is a no-op with respect to
// chunk files and produces the identical file hash. Returns the
// SHA-256 hex of the whole plaintext.
func (s *Store) Create(data []byte, fileName, mimeType string) (string, error) {
	fileHash := crypto.Sha256Hex(data)

	chunks, err := s.splitAndWrite(data)
	if err != nil {
		return "", err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("objectstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO files (file_hash, file_name, mime_type, size_bytes, is_complete)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(file_hash) DO UPDATE SET is_complete=1`,
		fileHash, fileName, mimeType, len(data),
	)
	if err != nil {
		return "", fmt.Errorf("objectstore: insert file: %w", err)
	}

	for _, c := range chunks {
		_, err = tx.Exec(
			`INSERT INTO file_chunks (file_hash, chunk_order, chunk_hash, chunk_size)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(file_hash, chunk_order) DO UPDATE SET chunk_hash=excluded.chunk_hash, chunk_size=excluded.chunk_size`,
			fileHash, c.order, c.hash, c.size,
		)
		if err != nil {
			return "", fmt.Errorf("objectstore: insert chunk %d: %w", c.order, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("objectstore: commit: %w", err)
	}
	return fileHash, nil
}

// splitAndWrite runs the content-defined chunker over data and writes
// any chunk not already present on disk, keyed by its SHA-256 hex.
func (s *Store) splitAndWrite(data []byte) ([]chunkRecord, error) {
	boundaries := fastCDCBoundaries(data, minChunkSize, avgChunkSize, maxChunkSize)

	var records []chunkRecord
	start := 0
	for order, end := range boundaries {
		chunk := data[start:end]
		hash := crypto.Sha256Hex(chunk)
		if err := s.writeChunkIfAbsent(hash, chunk); err != nil {
			return nil, err
		}
		records = append(records, chunkRecord{order: order, hash: hash, size: len(chunk)})
		start = end
	}

	if len(data) == 0 {
		hash := crypto.Sha256Hex(nil)
		if err := s.writeChunkIfAbsent(hash, nil); err != nil {
			return nil, err
		}
		records = append(records, chunkRecord{order: 0, hash: hash, size: 0})
	}
	return records, nil
}

// fastCDCBoundaries implements the FastCDC content-defined chunking
// algorithm (Xia et al.): a rolling gear hash whose low bits, masked
// against a size-dependent cut mask, decide chunk boundaries. Returns
// the end offset (exclusive) of each chunk in order.
func fastCDCBoundaries(data []byte, min, avg, max int) []int {
	n := len(data)
	if n == 0 {
		return nil
	}

	maskSmall := cutMask(avg, true)
	maskLarge := cutMask(avg, false)

	var ends []int
	start := 0
	for start < n {
		remaining := n - start
		if remaining <= min {
			ends = append(ends, n)
			break
		}
		limit := remaining
		if limit > max {
			limit = max
		}

		var hash uint64
		cut := -1
		i := min
		for ; i < limit; i++ {
			hash = (hash << 1) + gearTable[data[start+i]]
			mask := maskLarge
			// Once the chunk reaches avg bytes, use the looser mask so
			// boundaries past the average size are found more readily
			// (standard FastCDC "normalized chunking" heuristic).
			if i >= avg {
				mask = maskSmall
			}
			if hash&mask == 0 {
				cut = i + 1
				break
			}
		}
		if cut < 0 {
			cut = limit
		}
		end := start + cut
		ends = append(ends, end)
		start = end
	}
	return ends
}

// cutMask returns a bitmask whose popcount is tuned so that, under a
// uniform random gear-hash stream, a zero match occurs on average once
// every `avg` bytes. small=true drops one bit, giving the looser mask
// used once the target average is reached; small=false adds one bit,
// giving the tighter mask used before it.
func cutMask(avg int, small bool) uint64 {
	bits := uint(0)
	for (1 << bits) < avg {
		bits++
	}
	if small {
		if bits > 1 {
			bits--
		}
	} else {
		bits++
	}
	if bits > 63 {
		bits = 63
	}
	return (uint64(1) << bits) - 1
}

// gearTable is the fixed per-byte-value table driving the rolling gear
// hash. It must be identical on every node: two peers chunking the
// same bytes need to land on the same boundaries so their chunk
// hashes (and therefore dedup) agree. Generated once via splitmix64
// seeded with a fixed constant — not math/rand or crypto/rand, since
// both would vary across processes or require shipping a seed.
var gearTable = func() [256]uint64 {
	var t [256]uint64
	state := uint64(0x9E3779B97F4A7C15)
	next := func() uint64 {
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		return z ^ (z >> 31)
	}
	for i := range t {
		t[i] = next()
	}
	return t
}()

func (s *Store) writeChunkIfAbsent(hash string, data []byte) error {
	path := s.chunkPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil // dedup: already on disk
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("objectstore: create chunk file: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("objectstore: write chunk file: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("objectstore: flush chunk file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("objectstore: close chunk file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) chunkPath(hash string) string {
	return filepath.Join(s.chunkDir, hash)
}

// Load queries a file's chunks in order and concatenates their bytes.
func (s *Store) Load(fileHash string) ([]byte, error) {
	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM files WHERE file_hash=?)`, fileHash).Scan(&exists); err != nil {
		return nil, fmt.Errorf("objectstore: lookup file: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(
		`SELECT chunk_hash, chunk_size FROM file_chunks WHERE file_hash=? ORDER BY chunk_order ASC`,
		fileHash,
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: query chunks: %w", err)
	}
	defer rows.Close()

	var out bytes.Buffer
	for rows.Next() {
		var hash string
		var size int
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, fmt.Errorf("objectstore: scan chunk row: %w", err)
		}
		data, err := os.ReadFile(s.chunkPath(hash))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrChunkMissing, hash)
		}
		out.Write(data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("objectstore: iterate chunks: %w", err)
	}
	return out.Bytes(), nil
}

// Delete removes a file's rows only; physical chunk files are
// retained because other files may still reference them (dedup).
func (s *Store) Delete(fileHash string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("objectstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM file_chunks WHERE file_hash=?`, fileHash); err != nil {
		return fmt.Errorf("objectstore: delete chunks: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM files WHERE file_hash=?`, fileHash)
	if err != nil {
		return fmt.Errorf("objectstore: delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("objectstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// HasChunk reports whether a chunk file already exists on disk.
func (s *Store) HasChunk(hash string) bool {
	_, err := os.Stat(s.chunkPath(hash))
	return err == nil
}

// ReadChunk reads a single chunk's bytes by hash, used to answer a
// chunk_request DM.
func (s *Store) ReadChunk(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrChunkMissing, hash)
	}
	return data, nil
}

// WriteChunk writes a single chunk received over the wire (used by
// the DM protocol's chunk_response handler), verifying its hash.
func (s *Store) WriteChunk(hash string, data []byte) error {
	if got := crypto.Sha256Hex(data); got != hash {
		return fmt.Errorf("objectstore: chunk hash mismatch: want %s got %s", hash, got)
	}
	return s.writeChunkIfAbsent(hash, data)
}
