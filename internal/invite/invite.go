// Package invite implements the interleaved passphrase harvester and
// the invite/shadow-invite envelope encryption built on top of it.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rchat-p2p/node/internal/crypto"
)

// ErrBadLength is the only error Process returns. Wrong key, wrong
// target, expiry and failed authentication are all reported as a plain
// non-match rather than as errors, so an eavesdropper watching logs
// cannot distinguish "wrong key" from "not for me".
var (
	ErrBadLength = errors.New("invite: password must be exactly 14 bytes")
)

const pwLen = 14
const harvestedLen = 18
const defaultTTL = 120 * time.Second

// Normalize trims and lowercases a user name for harvesting.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HarvestKey derives the deterministic 18-character secret from a
// 14-character passphrase and the two parties' (unnormalized) names.
func HarvestKey(pw14, inviter, invitee string) (string, error) {
	if len(pw14) != pwLen {
		return "", fmt.Errorf("%w: got %d", ErrBadLength, len(pw14))
	}
	pool := crypto.Sha256Hex([]byte(Normalize(inviter) + Normalize(invitee)))

	pw := []byte(pw14)
	chunks := []struct{ start, length int }{
		{0, 4}, {4, 3}, {7, 4}, {11, 3},
	}
	harvested := make([]byte, 4)
	for i, c := range chunks {
		sum := 0
		for _, b := range pw[c.start : c.start+c.length] {
			sum += int(b)
		}
		idx := sum % len(pool)
		harvested[i] = pool[idx]
	}

	var out strings.Builder
	out.Grow(harvestedLen)
	out.Write(pw[0:4])
	out.WriteByte(harvested[0])
	out.Write(pw[4:7])
	out.WriteByte(harvested[1])
	out.Write(pw[7:11])
	out.WriteByte(harvested[2])
	out.Write(pw[11:14])
	out.WriteByte(harvested[3])
	return out.String(), nil
}

// Payload is the plaintext sealed inside an invite envelope.
type Payload struct {
	TargetUsername string `json:"target_username"`
	IPAddress      string `json:"ip_address"`
	TTLTimestamp   int64  `json:"ttl_timestamp"`
}

// Envelope is the published form of an invite: a fresh salt, an AEAD
// nonce, and the ciphertext, all base64-standard.
type Envelope struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	CreatedAt  int64  `json:"created_at"`
}

// Generate builds a new invite envelope: inviter publishes this so
// that invitee, knowing the same passphrase, can recover ipAddress.
func Generate(pw14, inviter, invitee, ipAddress string, ttlTimestamp int64) (Envelope, error) {
	key, err := HarvestKey(pw14, inviter, invitee)
	if err != nil {
		return Envelope{}, err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return Envelope{}, err
	}
	aeadKey, err := crypto.DeriveKey([]byte(key), salt)
	if err != nil {
		return Envelope{}, err
	}

	payload := Payload{
		TargetUsername: Normalize(invitee),
		IPAddress:       ipAddress,
		TTLTimestamp:    ttlTimestamp,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("invite: marshal payload: %w", err)
	}
	ciphertext, nonce, err := crypto.EncryptWithKey(aeadKey, plaintext)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      nonce,
		Ciphertext: ciphertext,
		CreatedAt:  time.Now().Unix(),
	}, nil
}

// Process attempts to decrypt each envelope using the harvested key
// for (inviter, myName) with myName playing the invitee role. The
// first envelope that decrypts, targets myName, and has not expired
// is returned. Every other outcome — wrong password, wrong target,
// expired, or AEAD auth failure — yields (Payload{}, false, nil): a
// non-match, never an error, so the caller cannot distinguish the
// reason.
func Process(envelopes []Envelope, pw14, inviter, myName string, now time.Time) (Payload, bool, error) {
	key, err := HarvestKey(pw14, inviter, myName)
	if err != nil {
		return Payload{}, false, err
	}

	for _, env := range envelopes {
		salt, err := base64.StdEncoding.DecodeString(env.Salt)
		if err != nil {
			continue
		}
		aeadKey, err := crypto.DeriveKey([]byte(key), salt)
		if err != nil {
			continue
		}
		plaintext, err := crypto.DecryptWithKey(aeadKey, env.Ciphertext, env.Nonce)
		if err != nil {
			continue // AuthFailed: silent non-match
		}
		var payload Payload
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			continue
		}
		if payload.TargetUsername != Normalize(myName) {
			continue // WrongTarget
		}
		if payload.TTLTimestamp <= now.Unix() {
			continue // Expired
		}
		return payload, true, nil
	}
	return Payload{}, false, nil
}

// CleanExpired filters envelopes (tracked by CreatedAt) down to those
// younger than the 120-second invite/shadow TTL as of now.
func CleanExpired(envelopes []Envelope, now time.Time) []Envelope {
	out := envelopes[:0:0]
	for _, env := range envelopes {
		if now.Sub(time.Unix(env.CreatedAt, 0)) < defaultTTL {
			out = append(out, env)
		}
	}
	return out
}
