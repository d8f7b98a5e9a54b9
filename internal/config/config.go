// Package config implements the encrypted rchat.config file: an
// Argon2id-derived key sealing the user's alias, theme, and
// directory-name-to-peer-id friend mapping, written atomically.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rchat-p2p/node/internal/crypto"
)

// ErrWrongPassword is returned when the supplied password fails the
// stored master hash check.
var ErrWrongPassword = errors.New("config: wrong password")

// FriendIdentity is one roster entry for the HKS tree: enough to add
// the friend as an export target and verify their published blobs.
type FriendIdentity struct {
	Username      string `json:"username"`
	Ed25519PubKey string `json:"ed25519_pubkey"`
	X25519PubKey  string `json:"x25519_pubkey"`
}

// Data is the plaintext sealed inside rchat.config, mirroring the
// original source's config.user shape.
type Data struct {
	Alias            string            `json:"alias"`
	Theme            string            `json:"theme"`
	DirectoryPeers   map[string]string `json:"directory_peers"` // "gh:<name>" -> peer id
	Friends          []FriendIdentity  `json:"friends"`
	IdentityPrivKey  string            `json:"identity_private_key,omitempty"`   // base64 ed25519 private key (64 bytes)
	EncryptionPrivKey string           `json:"encryption_private_key,omitempty"` // base64 x25519 secret

	// TreeNodes holds every HKS tree node key, base64-encoded, in index
	// order; TreeRoster is opaque JSON owned by the hks package (a
	// map[string]hks.FriendEntry) so config never imports hks.
	TreeNodes  []string        `json:"tree_nodes,omitempty"`
	TreeRoster json.RawMessage `json:"tree_roster,omitempty"`
}

// envelope is the on-disk JSON shape: {master_hash, ciphertext, nonce, salt}.
type envelope struct {
	MasterHash string `json:"master_hash"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Salt       string `json:"salt"`
}

func defaultData() Data {
	return Data{Theme: "default", DirectoryPeers: make(map[string]string)}
}

// Store guards a Data value behind an in-process mutex; saves are
// atomic (write-temp, fsync, rename) and reads never touch disk again
// once loaded.
type Store struct {
	mu       sync.Mutex
	path     string
	password []byte
	data     Data
}

// Open loads path, decrypting with password. If path does not exist, a
// fresh Store is returned holding defaults; the first Save creates the
// file.
func Open(path string, password []byte) (*Store, error) {
	s := &Store{path: path, password: password, data: defaultData()}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("config: parse envelope: %w", err)
	}
	ok, err := crypto.VerifyPassword(password, crypto.HashString(env.MasterHash))
	if err != nil {
		return nil, fmt.Errorf("config: verify password: %w", err)
	}
	if !ok {
		return nil, ErrWrongPassword
	}

	salt, err := decodeSalt(env.Salt)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("config: derive key: %w", err)
	}
	plaintext, err := crypto.DecryptWithKey(key, env.Ciphertext, env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("config: decrypt: %w", err)
	}
	var data Data
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("config: parse data: %w", err)
	}
	if data.DirectoryPeers == nil {
		data.DirectoryPeers = make(map[string]string)
	}
	s.data = data
	return s, nil
}

// Alias, Theme, and DirectoryPeer are read-only queries that never
// fail. Defaults are served only when the config file does not exist;
// when the file cannot be read, parsed or decrypted, Open returns no
// Store at all, so there is nothing to query.
func (s *Store) Alias() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Alias
}

func (s *Store) Theme() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Theme
}

// DirectoryPeer resolves a "gh:<name>" directory mapping to a peer id.
func (s *Store) DirectoryPeer(directoryName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.data.DirectoryPeers[directoryName]
	return id, ok
}

// Friends returns a snapshot of the HKS friend roster.
func (s *Store) Friends() []FriendIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FriendIdentity, len(s.data.Friends))
	copy(out, s.data.Friends)
	return out
}

// Identity returns the persisted base64 ed25519 private key and x25519
// secret, if any have been saved yet.
func (s *Store) Identity() (identityPrivB64, encryptionPrivB64 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.IdentityPrivKey, s.data.EncryptionPrivKey
}

// SetAlias updates the alias and persists the change.
func (s *Store) SetAlias(alias string) error {
	s.mu.Lock()
	s.data.Alias = alias
	data := s.data
	s.mu.Unlock()
	return s.save(data)
}

// SetDirectoryPeer records a directory-name-to-peer-id mapping and
// persists the change (used when an invite_handshake DM lets us build
// the reverse gh:<name> -> peer_id mapping).
func (s *Store) SetDirectoryPeer(directoryName, peerID string) error {
	s.mu.Lock()
	if s.data.DirectoryPeers == nil {
		s.data.DirectoryPeers = make(map[string]string)
	}
	s.data.DirectoryPeers[directoryName] = peerID
	data := s.data
	s.mu.Unlock()
	return s.save(data)
}

// AddFriend appends a friend identity to the HKS roster and persists
// the change.
func (s *Store) AddFriend(f FriendIdentity) error {
	s.mu.Lock()
	s.data.Friends = append(s.data.Friends, f)
	data := s.data
	s.mu.Unlock()
	return s.save(data)
}

// SetIdentity persists the node's long-lived signing and encryption
// secrets, generated once on first run.
func (s *Store) SetIdentity(identityPrivB64, encryptionPrivB64 string) error {
	s.mu.Lock()
	s.data.IdentityPrivKey = identityPrivB64
	s.data.EncryptionPrivKey = encryptionPrivB64
	data := s.data
	s.mu.Unlock()
	return s.save(data)
}

// TreeSnapshot returns the persisted HKS tree node keys (base64) and
// the raw JSON roster, if a tree has ever been saved.
func (s *Store) TreeSnapshot() (nodes []string, rosterJSON json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.data.TreeNodes))
	copy(out, s.data.TreeNodes)
	return out, s.data.TreeRoster
}

// SaveTreeSnapshot persists the HKS tree's node keys and roster so the
// next run can Restore instead of generating a fresh tree.
func (s *Store) SaveTreeSnapshot(nodes []string, rosterJSON json.RawMessage) error {
	s.mu.Lock()
	s.data.TreeNodes = nodes
	s.data.TreeRoster = rosterJSON
	data := s.data
	s.mu.Unlock()
	return s.save(data)
}

// save re-derives the AEAD key, seals data, and writes the envelope
// atomically (temp file + fsync + rename), matching the teacher's
// env_encrypt.go idiom.
func (s *Store) save(data Data) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("config: marshal data: %w", err)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	key, err := crypto.DeriveKey(s.password, salt)
	if err != nil {
		return fmt.Errorf("config: derive key: %w", err)
	}
	ciphertext, nonce, err := crypto.EncryptWithKey(key, plaintext)
	if err != nil {
		return fmt.Errorf("config: encrypt: %w", err)
	}
	masterHash, err := crypto.HashData(s.password)
	if err != nil {
		return fmt.Errorf("config: hash password: %w", err)
	}

	env := envelope{
		MasterHash: string(masterHash),
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Salt:       encodeSalt(salt),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("config: marshal envelope: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".rchat.config.tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

func encodeSalt(salt []byte) string {
	return hex.EncodeToString(salt)
}

func decodeSalt(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: decode salt: %w", err)
	}
	return out, nil
}
