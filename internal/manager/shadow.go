package manager

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/rchat-p2p/node/internal/hks"
	"github.com/rchat-p2p/node/internal/invite"
)

// shadowRegistrationTTL bounds how long an unanswered REGISTER_SHADOW
// stays active, matching the spec's 120-second invite/shadow window.
const shadowRegistrationTTL = 120 * time.Second

// shadowRegistration is one pending "learn the invitee's address by
// polling their shadow invites" registration (spec.md §4.3, §4.11).
type shadowRegistration struct {
	target       string // the account whose blob we poll (the invitee)
	pw           string // the 14-character invite passphrase
	me           string // our own username, as known to the invitee
	registeredAt time.Time
}

// pollShadowRegistrations is the shadow poll timer's body: for each
// active registration, fetch the target's blob, scan its (unverified)
// shadow_invites for one this passphrase can decrypt, and on success
// connect to the recovered address and drop the registration.
func (m *Manager) pollShadowRegistrations(ctx context.Context) {
	m.mu.Lock()
	regs := make([]shadowRegistration, 0, len(m.shadowRegs))
	now := time.Now()
	for _, r := range m.shadowRegs {
		if now.Sub(r.registeredAt) < shadowRegistrationTTL {
			regs = append(regs, r)
		}
	}
	m.shadowRegs = regs
	m.mu.Unlock()

	for _, r := range regs {
		if m.tryResolveShadow(ctx, r) {
			m.mu.Lock()
			m.shadowRegs = removeShadowReg(m.shadowRegs, r)
			m.mu.Unlock()
		}
	}
}

func removeShadowReg(regs []shadowRegistration, target shadowRegistration) []shadowRegistration {
	out := regs[:0:0]
	for _, r := range regs {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

// tryResolveShadow fetches r.target's published blob and looks for a
// shadow invite this registration's passphrase decrypts. Shadow
// invites are self-authenticating through their own AEAD tag (the
// harvested key), so this deliberately skips HKS signature
// verification — we may not hold the target's verify key yet, which
// is exactly the discovery problem shadow invites solve.
func (m *Manager) tryResolveShadow(ctx context.Context, r shadowRegistration) bool {
	blobB64, ok, err := m.Directory.GetFriend(ctx, r.target)
	if err != nil || !ok {
		return false
	}
	blob, err := decodeUnverifiedBlob(blobB64)
	if err != nil {
		return false
	}

	envelopes := make([]invite.Envelope, 0, len(blob.ShadowInvites))
	for _, sh := range blob.ShadowInvites {
		envelopes = append(envelopes, invite.Envelope{
			Salt:       sh.Salt,
			Nonce:      sh.Nonce,
			Ciphertext: sh.Ciphertext,
			CreatedAt:  sh.CreatedAt,
		})
	}

	payload, found, err := invite.Process(envelopes, r.pw, r.target, r.me, time.Now())
	if err != nil || !found {
		return false
	}

	addr, err := multiaddr.NewMultiaddr(payload.IPAddress)
	if err != nil {
		m.logf("shadow resolve for %s: bad address %q: %v", r.target, payload.IPAddress, err)
		return true // stop retrying a malformed payload
	}
	m.addPunchTarget(r.target, addr)
	m.logf("resolved shadow address for %s via passphrase", r.target)
	return true
}

// decodeUnverifiedBlob parses a published HKS blob's envelope without
// checking its Ed25519 signature, used only to read the plaintext
// shadow_invites array riding alongside it.
func decodeUnverifiedBlob(blobB64 string) (hks.PublishedBlob, error) {
	compressed, err := base64.StdEncoding.DecodeString(blobB64)
	if err != nil {
		return hks.PublishedBlob{}, err
	}
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return hks.PublishedBlob{}, err
	}
	defer r.Close()
	jsonBytes, err := io.ReadAll(r)
	if err != nil {
		return hks.PublishedBlob{}, err
	}
	var blob hks.PublishedBlob
	if err := json.Unmarshal(jsonBytes, &blob); err != nil {
		return hks.PublishedBlob{}, err
	}
	return blob, nil
}
