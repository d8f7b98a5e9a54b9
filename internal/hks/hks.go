// Package hks implements the Hierarchical Key Set: a complete binary
// tree of depth 12 that lets a sender publish one ciphertext blob
// readable only by a set of friends, each friend recovering the same
// payload via its own leaf-to-root key path.
package hks

import (
	"bytes"
	"compress/zlib"
	cryptorand "crypto/rand"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rchat-p2p/node/internal/crypto"
)

const (
	treeDepth   = 12
	maxNodes    = (1 << (treeDepth + 1)) - 1 // 8191
	leafStart   = (1 << treeDepth) - 1       // 4095
	maxFriends  = 15000
	friendsPerLeaf = 4
)

var (
	ErrCapacity     = errors.New("hks: friend limit reached (15000)")
	ErrTreeFull     = errors.New("hks: tree capacity exceeded")
	ErrNotInRoster  = errors.New("hks: not in roster")
	ErrBadSignature = errors.New("hks: bad signature")
)

// BrokenLinkError reports a missing up-link at a given tree index.
type BrokenLinkError struct{ Index int }

func (e *BrokenLinkError) Error() string { return fmt.Sprintf("hks: broken link at %d", e.Index) }

// BadAuthError reports an AEAD authentication failure while decrypting
// the up-link at a given tree index.
type BadAuthError struct{ Index int }

func (e *BadAuthError) Error() string { return fmt.Sprintf("hks: bad auth at up-link %d", e.Index) }

// FriendEntry is a roster entry: enough for a friend to recover its
// leaf key given its own X25519 secret and the blob's sender key.
type FriendEntry struct {
	Name              string `json:"name"`
	X25519Pubkey      string `json:"x25519_pubkey"`
	EncryptedLeafKey  string `json:"encrypted_leaf_key"`
	Nonce             string `json:"nonce"`
	LeafIndex         int    `json:"leaf_index"`
}

// TrackedInvite mirrors the invite envelope format with an explicit
// creation timestamp for TTL tracking inside a published blob.
// TargetUsername rides alongside in the clear purely as a lookup key
// for publish_shadow's insert-or-replace rule; it never substitutes
// for the sealed target_username field inside the envelope itself,
// which process_invites still checks after decryption.
type TrackedInvite struct {
	Salt           string `json:"salt"`
	Nonce          string `json:"nonce"`
	Ciphertext     string `json:"ciphertext"`
	CreatedAt      int64  `json:"created_at"`
	TargetUsername string `json:"target_username,omitempty"`
}

// Tree is the owner-side state: every node's raw key, plus the roster
// of friends added so far.
type Tree struct {
	Nodes         [][32]byte
	Roster        map[string]FriendEntry // keyed by friend's X25519 pubkey (base64)
	nextFriendIdx int
}

// New builds a fresh tree with random keys at every node.
func New() (*Tree, error) {
	nodes := make([][32]byte, maxNodes)
	for i := range nodes {
		var k [32]byte
		if err := fillRandom(k[:]); err != nil {
			return nil, err
		}
		nodes[i] = k
	}
	return &Tree{Nodes: nodes, Roster: make(map[string]FriendEntry)}, nil
}

// Restore rebuilds a Tree from persisted node keys and roster.
func Restore(nodes [][32]byte, roster map[string]FriendEntry) *Tree {
	return &Tree{Nodes: nodes, Roster: roster, nextFriendIdx: len(roster)}
}

// RootKey returns the key at index 0.
func (t *Tree) RootKey() [32]byte { return t.Nodes[0] }

// AddFriend seals this friend's leaf key under the ECDH shared secret
// between mySecret and the friend's X25519 public key, and records a
// roster entry keyed by the friend's public key.
func (t *Tree) AddFriend(name, friendPubkeyB64 string, mySecret [32]byte) error {
	if t.nextFriendIdx >= maxFriends {
		return ErrCapacity
	}

	leafOffset := t.nextFriendIdx / friendsPerLeaf
	leafIndex := leafStart + leafOffset
	if leafIndex >= len(t.Nodes) {
		return ErrTreeFull
	}
	leafKey := t.Nodes[leafIndex]

	friendPubBytes, err := base64.StdEncoding.DecodeString(friendPubkeyB64)
	if err != nil || len(friendPubBytes) != 32 {
		return fmt.Errorf("hks: invalid friend public key: %w", err)
	}
	var friendPub [32]byte
	copy(friendPub[:], friendPubBytes)

	shared, err := crypto.DiffieHellman(mySecret, friendPub)
	if err != nil {
		return err
	}

	leafKeyB64 := base64.StdEncoding.EncodeToString(leafKey[:])
	ciphertext, nonce, err := crypto.EncryptWithKey(shared[:], []byte(leafKeyB64))
	if err != nil {
		return fmt.Errorf("hks: encrypt leaf key: %w", err)
	}

	t.Roster[friendPubkeyB64] = FriendEntry{
		Name:             name,
		X25519Pubkey:     friendPubkeyB64,
		EncryptedLeafKey: ciphertext,
		Nonce:            nonce,
		LeafIndex:        leafIndex,
	}
	t.nextFriendIdx++
	return nil
}

// PublishedBlob is the wire form exported by Export and consumed by
// Import: payload sealed under the root key, an up-link chain from
// every non-root node to its parent, the roster, a signature over the
// whole structure, and optional invitations/shadow invites riding
// along with the same publish.
type PublishedBlob struct {
	Payload             string                   `json:"payload"`
	PayloadNonce        string                   `json:"payload_nonce"`
	TreeLinks           map[string][2]string     `json:"tree_links"` // index -> (nonce, ciphertext)
	Roster              map[string]FriendEntry   `json:"roster"`
	Signature           string                   `json:"signature"`
	SenderX25519Pubkey  string                   `json:"sender_x25519_pubkey"`
	Invitations         []TrackedInvite          `json:"invitations,omitempty"`
	ShadowInvites        []TrackedInvite          `json:"shadow_invites,omitempty"`
}

// Export seals payload under the root key, builds the up-link chain
// for every node, signs the JSON, and returns a
// base64(zlib(JSON)) blob. invitations/shadowInvites ride along inside
// the signed structure itself (unlike a naive append-after-sign, which
// would leave the signature unverifiable against the final bytes).
func (t *Tree) Export(payload string, signingKey ed25519.PrivateKey, encryptionPub [32]byte, invitations, shadowInvites []TrackedInvite) (string, error) {
	payloadCipher, payloadNonce, err := crypto.EncryptWithKey(t.Nodes[0][:], []byte(payload))
	if err != nil {
		return "", fmt.Errorf("hks: encrypt payload: %w", err)
	}

	treeLinks := make(map[string][2]string, len(t.Nodes)-1)
	for i := 1; i < len(t.Nodes); i++ {
		parentIdx := (i - 1) / 2
		childKey := t.Nodes[i]
		parentKey := t.Nodes[parentIdx]
		parentKeyB64 := base64.StdEncoding.EncodeToString(parentKey[:])
		cipher, nonce, err := crypto.EncryptWithKey(childKey[:], []byte(parentKeyB64))
		if err != nil {
			continue
		}
		treeLinks[fmt.Sprint(i)] = [2]string{nonce, cipher}
	}

	blob := PublishedBlob{
		Payload:            payloadCipher,
		PayloadNonce:       payloadNonce,
		TreeLinks:          treeLinks,
		Roster:             t.Roster,
		Signature:          "",
		SenderX25519Pubkey: base64.StdEncoding.EncodeToString(encryptionPub[:]),
		Invitations:        invitations,
		ShadowInvites:      shadowInvites,
	}

	unsignedJSON, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("hks: marshal blob: %w", err)
	}
	sig := crypto.Sign(signingKey, unsignedJSON)
	blob.Signature = base64.StdEncoding.EncodeToString(sig)

	finalJSON, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("hks: marshal signed blob: %w", err)
	}

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(finalJSON); err != nil {
		return "", fmt.Errorf("hks: compress blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("hks: compress blob: %w", err)
	}
	return base64.StdEncoding.EncodeToString(compressed.Bytes()), nil
}

// Import decodes a published blob, verifies its signature, finds our
// roster entry, and walks the leaf-to-root up-link chain to recover
// the plaintext payload.
func Import(blobB64, myPubkeyB64 string, mySecret [32]byte, friendVerifyKey ed25519.PublicKey) (string, error) {
	compressed, err := base64.StdEncoding.DecodeString(blobB64)
	if err != nil {
		return "", fmt.Errorf("hks: decode blob: %w", err)
	}
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("hks: decompress blob: %w", err)
	}
	defer r.Close()
	jsonBytes, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("hks: decompress blob: %w", err)
	}

	var blob PublishedBlob
	if err := json.Unmarshal(jsonBytes, &blob); err != nil {
		return "", fmt.Errorf("hks: parse blob: %w", err)
	}

	sigB64 := blob.Signature
	unsigned := blob
	unsigned.Signature = ""
	unsignedJSON, err := json.Marshal(unsigned)
	if err != nil {
		return "", fmt.Errorf("hks: marshal for verify: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !crypto.Verify(friendVerifyKey, unsignedJSON, sig) {
		return "", ErrBadSignature
	}

	entry, ok := blob.Roster[myPubkeyB64]
	if !ok {
		return "", ErrNotInRoster
	}

	senderPubBytes, err := base64.StdEncoding.DecodeString(blob.SenderX25519Pubkey)
	if err != nil || len(senderPubBytes) != 32 {
		return "", fmt.Errorf("hks: bad sender key: %w", err)
	}
	var senderPub [32]byte
	copy(senderPub[:], senderPubBytes)

	shared, err := crypto.DiffieHellman(mySecret, senderPub)
	if err != nil {
		return "", err
	}

	leafKeyB64Bytes, err := crypto.DecryptWithKey(shared[:], entry.EncryptedLeafKey, entry.Nonce)
	if err != nil {
		return "", &BadAuthError{Index: entry.LeafIndex}
	}
	currentKeyBytes, err := base64.StdEncoding.DecodeString(string(leafKeyB64Bytes))
	if err != nil || len(currentKeyBytes) != 32 {
		return "", fmt.Errorf("hks: bad leaf key: %w", err)
	}
	var currentKey [32]byte
	copy(currentKey[:], currentKeyBytes)

	currentIdx := entry.LeafIndex
	for currentIdx > 0 {
		link, ok := blob.TreeLinks[fmt.Sprint(currentIdx)]
		if !ok {
			return "", &BrokenLinkError{Index: currentIdx}
		}
		nonce, cipher := link[0], link[1]
		parentKeyB64Bytes, err := crypto.DecryptWithKey(currentKey[:], cipher, nonce)
		if err != nil {
			return "", &BadAuthError{Index: currentIdx}
		}
		parentKeyBytes, err := base64.StdEncoding.DecodeString(string(parentKeyB64Bytes))
		if err != nil || len(parentKeyBytes) != 32 {
			return "", fmt.Errorf("hks: bad parent key at %d: %w", currentIdx, err)
		}
		copy(currentKey[:], parentKeyBytes)
		currentIdx = (currentIdx - 1) / 2
	}

	payload, err := crypto.DecryptWithKey(currentKey[:], blob.Payload, blob.PayloadNonce)
	if err != nil {
		return "", fmt.Errorf("hks: decrypt payload: %w", err)
	}
	return string(payload), nil
}

// fillRandom draws raw random bytes for a tree node key, matching the
// original source's generate_raw_key (an OS-RNG fill, not a KDF —
// tree nodes need uniform random keys, not password-derived ones).
func fillRandom(b []byte) error {
	_, err := cryptorand.Read(b)
	return err
}
