package manager

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rchat-p2p/node/internal/hks"
)

func encodeBlob(t *testing.T, blob hks.PublishedBlob) string {
	t.Helper()
	raw, err := json.Marshal(blob)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestDecodeUnverifiedBlobRoundTrip(t *testing.T) {
	blob := hks.PublishedBlob{
		Payload:            "cipher",
		PayloadNonce:       "nonce",
		TreeLinks:          map[string][2]string{"1": {"n", "c"}},
		Roster:             map[string]hks.FriendEntry{"alice": {Name: "alice", LeafIndex: 1}},
		Signature:          "sig",
		SenderX25519Pubkey: "pub",
		ShadowInvites: []hks.TrackedInvite{
			{Salt: "s", Nonce: "n", Ciphertext: "c", CreatedAt: 1700000000, TargetUsername: "bob"},
		},
	}

	decoded, err := decodeUnverifiedBlob(encodeBlob(t, blob))
	require.NoError(t, err)
	require.Equal(t, blob.Payload, decoded.Payload)
	require.Equal(t, blob.Signature, decoded.Signature)
	require.Len(t, decoded.ShadowInvites, 1)
	require.Equal(t, "bob", decoded.ShadowInvites[0].TargetUsername)
}

func TestDecodeUnverifiedBlobRejectsGarbage(t *testing.T) {
	_, err := decodeUnverifiedBlob("not-valid-base64!!!")
	require.Error(t, err)

	_, err = decodeUnverifiedBlob(base64.StdEncoding.EncodeToString([]byte("not zlib data")))
	require.Error(t, err)
}
