// Package crypto implements the primitives every other component builds
// on: Argon2 key derivation, XChaCha20-Poly1305 AEAD, Ed25519 signing,
// and X25519 key agreement. All byte-valued outputs that cross storage
// or wire are base64-standard encoded, matching the convention used
// throughout the rest of the node.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Error kinds used across the system, per the error handling design.
var (
	ErrBadKey   = errors.New("crypto: bad key")
	ErrBadNonce = errors.New("crypto: bad nonce")
	ErrAuth     = errors.New("crypto: authentication failed")
	ErrKdfParam = errors.New("crypto: bad kdf parameters")
)

const (
	saltLen = 16
	keyLen  = 32

	// Argon2id defaults, matching the teacher's env_encrypt.go kdf().
	argonTime    = 2
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1
)

// DeriveKey runs Argon2id over password and a 16-byte salt, producing a
// 32-byte AEAD key.
func DeriveKey(password []byte, salt []byte) ([]byte, error) {
	if len(salt) != saltLen {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrKdfParam, saltLen, len(salt))
	}
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, keyLen), nil
}

// NewSalt returns a fresh random 16-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt generation: %w", err)
	}
	return salt, nil
}

// EncryptWithKey seals plaintext under key (32 bytes) with
// XChaCha20-Poly1305, returning base64-standard ciphertext and nonce.
func EncryptWithKey(key, plaintext []byte) (ciphertextB64, nonceB64 string, err error) {
	if len(key) != keyLen {
		return "", "", fmt.Errorf("%w: key must be %d bytes, got %d", ErrBadKey, keyLen, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("crypto: nonce generation: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(nonce), nil
}

// DecryptWithKey opens a ciphertext produced by EncryptWithKey.
func DecryptWithKey(key []byte, ciphertextB64, nonceB64 string) ([]byte, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrBadKey, keyLen, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: %v", ErrBadNonce, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return plaintext, nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString is an opaque password-hash representation produced by
// HashData and consumed by VerifyPassword.
type HashString string

// HashData derives a verifiable hash of bytes (used for master
// passwords), encoding the salt alongside the Argon2 output.
func HashData(data []byte) (HashString, error) {
	salt, err := NewSalt()
	if err != nil {
		return "", err
	}
	sum, err := DeriveKey(data, salt)
	if err != nil {
		return "", err
	}
	return HashString(hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum)), nil
}

// VerifyPassword checks data against a HashString produced by HashData.
func VerifyPassword(data []byte, h HashString) (bool, error) {
	parts := splitOnce(string(h), ':')
	if parts == nil {
		return false, fmt.Errorf("%w: malformed hash string", ErrKdfParam)
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrKdfParam, err)
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrKdfParam, err)
	}
	got, err := DeriveKey(data, salt)
	if err != nil {
		return false, err
	}
	if len(got) != len(want) {
		return false, nil
	}
	var diff byte
	for i := range got {
		diff |= got[i] ^ want[i]
	}
	return diff == 0, nil
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return nil
}

// Sign signs msg with an Ed25519 private key.
func Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

// Verify checks an Ed25519 signature.
func Verify(vk ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(vk, msg, sig)
}

// NewEd25519Identity generates a fresh Ed25519 signing keypair.
func NewEd25519Identity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: ed25519 keygen: %w", err)
	}
	return pub, priv, nil
}

// NewX25519Identity generates a fresh X25519 keypair for ECDH.
func NewX25519Identity() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, fmt.Errorf("crypto: x25519 keygen: %w", err)
	}
	// Clamp per RFC 7748.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("crypto: x25519 base mult: %w", err)
	}
	copy(pub[:], pubSlice)
	return pub, priv, nil
}

// DiffieHellman computes the X25519 shared secret between our private
// key and a peer's public key.
func DiffieHellman(sk, peerPub [32]byte) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(sk[:], peerPub[:])
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	copy(shared[:], out)
	return shared, nil
}

// X25519PublicFromPrivate recovers the public key matching a clamped
// X25519 private scalar, used to rederive the encryption public key
// from a persisted private key on restart.
func X25519PublicFromPrivate(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	copy(pub[:], out)
	return pub, nil
}
