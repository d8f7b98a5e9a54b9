package invite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHarvesterDeterminismAndCase(t *testing.T) {
	pw := "12345678901234"
	k1, err := HarvestKey(pw, "Alice", "Bob")
	require.NoError(t, err)
	require.Len(t, k1, 18)

	k2, err := HarvestKey(pw, "ALICE", "BOB")
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := HarvestKey(pw, "Charlie", "Bob")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestHarvestKeyBadLength(t *testing.T) {
	_, err := HarvestKey("short", "Alice", "Bob")
	require.ErrorIs(t, err, ErrBadLength)
}

func TestInviteAcceptRoundTrip(t *testing.T) {
	env, err := Generate("12345678901234", "Alice", "Bob", "/ip4/203.0.113.5/udp/40001/quic-v1", time.Unix(3600, 0).Unix())
	require.NoError(t, err)

	payload, ok, err := Process([]Envelope{env}, "12345678901234", "Alice", "Bob", time.Unix(10, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/ip4/203.0.113.5/udp/40001/quic-v1", payload.IPAddress)
}

func TestInviteWrongTarget(t *testing.T) {
	env, err := Generate("12345678901234", "Alice", "Bob", "/ip4/203.0.113.5/udp/40001/quic-v1", 3600)
	require.NoError(t, err)

	_, ok, err := Process([]Envelope{env}, "12345678901234", "Alice", "Charlie", time.Unix(10, 0))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInviteExpired(t *testing.T) {
	env, err := Generate("12345678901234", "Alice", "Bob", "/ip4/203.0.113.5/udp/40001/quic-v1", 5)
	require.NoError(t, err)

	_, ok, err := Process([]Envelope{env}, "12345678901234", "Alice", "Bob", time.Unix(100, 0))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCleanExpired(t *testing.T) {
	now := time.Now()
	fresh := Envelope{CreatedAt: now.Add(-10 * time.Second).Unix()}
	stale := Envelope{CreatedAt: now.Add(-200 * time.Second).Unix()}

	out := CleanExpired([]Envelope{fresh, stale}, now)
	require.Len(t, out, 1)
	for _, e := range out {
		require.Less(t, now.Unix()-e.CreatedAt, int64(120))
	}
}
