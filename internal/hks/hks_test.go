package hks

import (
	"encoding/base64"
	"testing"

	"github.com/rchat-p2p/node/internal/crypto"
	"github.com/stretchr/testify/require"
)

func TestHksRoundTripTwoFriends(t *testing.T) {
	tree, err := New()
	require.NoError(t, err)

	ownerSignPub, ownerSignPriv, err := crypto.NewEd25519Identity()
	require.NoError(t, err)
	_ = ownerSignPub
	ownerXPub, ownerXPriv, err := crypto.NewX25519Identity()
	require.NoError(t, err)

	f1Pub, f1Priv, err := crypto.NewX25519Identity()
	require.NoError(t, err)
	f2Pub, f2Priv, err := crypto.NewX25519Identity()
	require.NoError(t, err)

	f1PubB64 := b64(f1Pub)
	f2PubB64 := b64(f2Pub)

	require.NoError(t, tree.AddFriend("F1", f1PubB64, ownerXPriv))
	require.NoError(t, tree.AddFriend("F2", f2PubB64, ownerXPriv))

	payload := "/ip4/203.0.113.5/tcp/4001"
	blob, err := tree.Export(payload, ownerSignPriv, ownerXPub, nil, nil)
	require.NoError(t, err)

	got1, err := Import(blob, f1PubB64, f1Priv, ownerSignPub)
	require.NoError(t, err)
	require.Equal(t, payload, got1)

	got2, err := Import(blob, f2PubB64, f2Priv, ownerSignPub)
	require.NoError(t, err)
	require.Equal(t, payload, got2)

	// A third party with no roster entry gets NotInRoster.
	otherPub, otherPriv, err := crypto.NewX25519Identity()
	require.NoError(t, err)
	_, err = Import(blob, b64(otherPub), otherPriv, ownerSignPub)
	require.ErrorIs(t, err, ErrNotInRoster)
}

func TestHksTamperedBlobFails(t *testing.T) {
	tree, err := New()
	require.NoError(t, err)
	ownerSignPub, ownerSignPriv, err := crypto.NewEd25519Identity()
	require.NoError(t, err)
	ownerXPub, ownerXPriv, err := crypto.NewX25519Identity()
	require.NoError(t, err)
	fPub, fPriv, err := crypto.NewX25519Identity()
	require.NoError(t, err)
	fPubB64 := b64(fPub)
	require.NoError(t, tree.AddFriend("F", fPubB64, ownerXPriv))

	blob, err := tree.Export("payload", ownerSignPriv, ownerXPub, nil, nil)
	require.NoError(t, err)

	tampered := tamperLastChar(blob)
	_, err = Import(tampered, fPubB64, fPriv, ownerSignPub)
	require.Error(t, err)
}

func b64(k [32]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// tamperLastChar flips the final base64 character of a blob, which
// corrupts either the base64 padding or the tail of the zlib stream
// (its checksum), so Import fails while decoding or decompressing.
func tamperLastChar(s string) string {
	if len(s) == 0 {
		return s
	}
	b := []byte(s)
	last := b[len(b)-1]
	if last == 'A' {
		b[len(b)-1] = 'B'
	} else {
		b[len(b)-1] = 'A'
	}
	return string(b)
}
