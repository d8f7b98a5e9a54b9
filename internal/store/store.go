// Package store implements the local SQLite-backed store: schema,
// additive migrations, and the peer/chat/message/envelope queries the
// rest of the node runs against.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rchat-p2p/node/internal/message"
)

// ErrNotFound is returned when a lookup by primary key misses.
var ErrNotFound = errors.New("store: not found")

// MePeerID and SelfChatID are the identities seeded into every fresh
// database on open.
const (
	MePeerID   = "Me"
	SelfChatID = "self"
)

// Store wraps a *sql.DB with the schema this node needs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path, applies
// pragmas and migrations, and seeds the "Me" peer and "self" chat.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer, short critical sections

	s := &Store{db: db}
	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedSelf(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for packages (objectstore) that share it.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) applyPragmas() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	base := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			id TEXT NOT NULL PRIMARY KEY,
			alias TEXT NOT NULL,
			last_seen INTEGER,
			public_key BLOB NOT NULL,
			method TEXT NOT NULL DEFAULT 'manual'
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			is_group INTEGER NOT NULL DEFAULT 0,
			encryption_key BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			file_hash TEXT PRIMARY KEY,
			file_name TEXT,
			mime_type TEXT,
			size_bytes INTEGER,
			is_complete BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS file_chunks (
			file_hash TEXT NOT NULL,
			chunk_order INTEGER NOT NULL,
			chunk_hash TEXT NOT NULL,
			chunk_size INTEGER NOT NULL,
			PRIMARY KEY (file_hash, chunk_order),
			FOREIGN KEY (file_hash) REFERENCES files(file_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL PRIMARY KEY,
			chat_id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			text_content TEXT,
			file_hash TEXT,
			FOREIGN KEY (chat_id) REFERENCES chats(id),
			FOREIGN KEY (peer_id) REFERENCES peers(id),
			FOREIGN KEY (file_hash) REFERENCES files(file_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_file_chunks_file_hash ON file_chunks(file_hash)`,
	}
	for _, stmt := range base {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: base schema: %w", err)
		}
	}

	// Additive columns the distilled base schema never had. Each probe
	// tolerates "duplicate column name" so re-running migrate on an
	// already-migrated database is a no-op.
	alters := []string{
		`ALTER TABLE messages ADD COLUMN status TEXT NOT NULL DEFAULT 'pending'`,
		`ALTER TABLE messages ADD COLUMN content_metadata TEXT`,
		`ALTER TABLE messages ADD COLUMN sender_alias TEXT`,
	}
	for _, stmt := range alters {
		if _, err := s.db.Exec(stmt); err != nil {
			if !isDuplicateColumn(err) {
				return fmt.Errorf("store: migration %q: %w", stmt, err)
			}
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "duplicate column name")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (s *Store) seedSelf() error {
	now := time.Now().Unix()
	if _, err := s.db.Exec(
		`INSERT INTO peers (id, alias, last_seen, public_key, method)
		 VALUES (?, ?, ?, ?, 'self')
		 ON CONFLICT(id) DO NOTHING`,
		MePeerID, MePeerID, now, []byte{},
	); err != nil {
		return fmt.Errorf("store: seed peer: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO chats (id, name, is_group, encryption_key)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(id) DO NOTHING`,
		SelfChatID, SelfChatID, []byte{},
	); err != nil {
		return fmt.Errorf("store: seed chat: %w", err)
	}
	return nil
}

// Peer is a row from the peers table.
type Peer struct {
	ID        string
	Alias     string
	LastSeen  int64
	PublicKey []byte
	Method    string
}

// UpsertPeer inserts or updates a peer by id.
func (s *Store) UpsertPeer(p Peer) error {
	if p.PublicKey == nil {
		p.PublicKey = []byte{} // public_key is NOT NULL; nil would bind as NULL
	}
	_, err := s.db.Exec(
		`INSERT INTO peers (id, alias, last_seen, public_key, method)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET alias=excluded.alias, last_seen=excluded.last_seen,
			public_key=excluded.public_key, method=excluded.method`,
		p.ID, p.Alias, p.LastSeen, p.PublicKey, p.Method,
	)
	if err != nil {
		return fmt.Errorf("store: upsert peer: %w", err)
	}
	return nil
}

// PeerExists reports whether a peer with this id has been seen.
func (s *Store) PeerExists(id string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM peers WHERE id=?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: peer exists: %w", err)
	}
	return exists, nil
}

// ListPeers returns every known peer ordered by most recently seen,
// used by the debug API's /peers route.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT id, alias, last_seen, public_key, method FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.ID, &p.Alias, &p.LastSeen, &p.PublicKey, &p.Method); err != nil {
			return nil, fmt.Errorf("store: scan peer: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	return out, nil
}

// GetPeer loads a single peer by id.
func (s *Store) GetPeer(id string) (Peer, error) {
	var p Peer
	err := s.db.QueryRow(
		`SELECT id, alias, last_seen, public_key, method FROM peers WHERE id=?`, id,
	).Scan(&p.ID, &p.Alias, &p.LastSeen, &p.PublicKey, &p.Method)
	if errors.Is(err, sql.ErrNoRows) {
		return Peer{}, ErrNotFound
	}
	if err != nil {
		return Peer{}, fmt.Errorf("store: get peer: %w", err)
	}
	return p, nil
}

// EnsureChat creates a chat row if it does not already exist.
func (s *Store) EnsureChat(id, name string, isGroup bool, encryptionKey []byte) error {
	if encryptionKey == nil {
		encryptionKey = []byte{} // encryption_key is NOT NULL; nil would bind as NULL
	}
	_, err := s.db.Exec(
		`INSERT INTO chats (id, name, is_group, encryption_key) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, name, boolToInt(isGroup), encryptionKey,
	)
	if err != nil {
		return fmt.Errorf("store: ensure chat: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertMessage persists a new message row, translating its domain
// Content into the flat columns via message.Row.
func (s *Store) InsertMessage(m message.Message) error {
	row, err := m.ToRow()
	if err != nil {
		return fmt.Errorf("store: project message: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO messages (id, chat_id, peer_id, timestamp, content_type, text_content,
			file_hash, status, content_metadata, sender_alias)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		row.ID, row.ChatID, row.PeerID, row.Timestamp, row.ContentType, row.TextContent,
		row.FileHash, row.Status, row.ContentMetadata, row.SenderAlias,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// MessagesByChat loads a chat's messages ordered by (timestamp, id),
// matching the UI ordering rule for tied timestamps.
func (s *Store) MessagesByChat(chatID string) ([]message.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, peer_id, timestamp, content_type, text_content, file_hash,
			status, content_metadata, sender_alias
		 FROM messages WHERE chat_id=? ORDER BY timestamp ASC, id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: messages by chat: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var row message.Row
		if err := rows.Scan(&row.ID, &row.ChatID, &row.PeerID, &row.Timestamp, &row.ContentType,
			&row.TextContent, &row.FileHash, &row.Status, &row.ContentMetadata, &row.SenderAlias); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m, err := message.FromRow(row)
		if err != nil {
			return nil, fmt.Errorf("store: project row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageStatus applies the monotonic status transition rule:
// reading the current status, advancing it, and writing back only if
// it changed.
func (s *Store) UpdateMessageStatus(id string, incoming message.Status) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM messages WHERE id=?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: read status: %w", err)
	}

	next := message.StatusFromString(current).Advance(incoming)
	if string(next) == current {
		return tx.Commit()
	}
	if _, err := tx.Exec(`UPDATE messages SET status=? WHERE id=?`, string(next), id); err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return tx.Commit()
}

// MarkMessagesRead updates every non-read message in chatID from
// senderID to read and returns the ids that were changed.
func (s *Store) MarkMessagesRead(chatID, senderID string) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id FROM messages WHERE chat_id=? AND peer_id=? AND status != 'read'`,
		chatID, senderID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: select unread: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan unread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := tx.Exec(
			`UPDATE messages SET status='read' WHERE chat_id=? AND peer_id=? AND status != 'read'`,
			chatID, senderID,
		); err != nil {
			return nil, fmt.Errorf("store: mark read: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return ids, nil
}

// UnreadCount returns the number of unread messages in a chat,
// excluding the local "Me" peer's own sent messages.
func (s *Store) UnreadCount(chatID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE chat_id=? AND peer_id != ? AND status != 'read'`,
		chatID, MePeerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: unread count: %w", err)
	}
	return n, nil
}

// LastMessageTimestamp returns the timestamp of a chat's most recent
// message, or (0, false) if the chat has none.
func (s *Store) LastMessageTimestamp(chatID string) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(timestamp) FROM messages WHERE chat_id=?`, chatID,
	).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("store: last message timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// EnsureFilePlaceholder inserts a files row with is_complete=0 if one
// does not already exist, used when a message referencing a file_hash
// arrives before any chunk data.
func (s *Store) EnsureFilePlaceholder(fileHash, fileName, mimeType string) error {
	_, err := s.db.Exec(
		`INSERT INTO files (file_hash, file_name, mime_type, size_bytes, is_complete)
		 VALUES (?, ?, ?, 0, 0)
		 ON CONFLICT(file_hash) DO NOTHING`,
		fileHash, fileName, mimeType,
	)
	if err != nil {
		return fmt.Errorf("store: ensure file placeholder: %w", err)
	}
	return nil
}

// SetFileComplete marks a file row as fully received.
func (s *Store) SetFileComplete(fileHash string) error {
	if _, err := s.db.Exec(`UPDATE files SET is_complete=1 WHERE file_hash=?`, fileHash); err != nil {
		return fmt.Errorf("store: set file complete: %w", err)
	}
	return nil
}

// InsertChunkRecord records one (file_hash, chunk_order) -> chunk_hash
// mapping, used when a file_metadata_response arrives with a chunk
// list before the chunk bytes themselves.
func (s *Store) InsertChunkRecord(fileHash string, order int, chunkHash string, size int) error {
	_, err := s.db.Exec(
		`INSERT INTO file_chunks (file_hash, chunk_order, chunk_hash, chunk_size)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(file_hash, chunk_order) DO UPDATE SET chunk_hash=excluded.chunk_hash, chunk_size=excluded.chunk_size`,
		fileHash, order, chunkHash, size,
	)
	if err != nil {
		return fmt.Errorf("store: insert chunk record: %w", err)
	}
	return nil
}

// FileChunkHashes returns the ordered list of chunk hashes recorded
// for a file, used to drive per-chunk requests during a transfer.
func (s *Store) FileChunkHashes(fileHash string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT chunk_hash FROM file_chunks WHERE file_hash=? ORDER BY chunk_order ASC`, fileHash,
	)
	if err != nil {
		return nil, fmt.Errorf("store: file chunk hashes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("store: scan chunk hash: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// FileChunk is one (order, hash, size) record from file_chunks.
type FileChunk struct {
	Order int
	Hash  string
	Size  int
}

// FileChunks returns the full ordered chunk record list for a file,
// used to answer a file_metadata_request DM.
func (s *Store) FileChunks(fileHash string) ([]FileChunk, error) {
	rows, err := s.db.Query(
		`SELECT chunk_order, chunk_hash, chunk_size FROM file_chunks WHERE file_hash=? ORDER BY chunk_order ASC`,
		fileHash,
	)
	if err != nil {
		return nil, fmt.Errorf("store: file chunks: %w", err)
	}
	defer rows.Close()
	var out []FileChunk
	for rows.Next() {
		var c FileChunk
		if err := rows.Scan(&c.Order, &c.Hash, &c.Size); err != nil {
			return nil, fmt.Errorf("store: scan file chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FileHashForChunk finds which file a chunk hash belongs to and
// returns that file's complete ordered chunk-hash list, used to check
// whether a transfer just completed after writing one chunk.
func (s *Store) FileHashForChunk(chunkHash string) (string, []string, error) {
	var fileHash string
	err := s.db.QueryRow(`SELECT file_hash FROM file_chunks WHERE chunk_hash=? LIMIT 1`, chunkHash).Scan(&fileHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("store: file hash for chunk: %w", err)
	}
	hashes, err := s.FileChunkHashes(fileHash)
	if err != nil {
		return "", nil, err
	}
	return fileHash, hashes, nil
}

// LogOpenNotice logs a one-line "[store] opened <path>" notice for the
// resolved database path. Nothing in this repository calls it.
func LogOpenNotice(path string) {
	log.Printf("[store] opened %s", path)
}
