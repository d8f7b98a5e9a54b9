package rendezvous

import (
	"testing"
	"time"

	"github.com/rchat-p2p/node/internal/hks"
	"github.com/stretchr/testify/require"
)

func TestPublishShadowInsertsAndReplaces(t *testing.T) {
	now := time.Now()
	blob := hks.PublishedBlob{}

	blob = PublishShadow(blob, hks.TrackedInvite{TargetUsername: "bob", CreatedAt: now.Unix(), Ciphertext: "v1"}, now)
	require.Len(t, blob.ShadowInvites, 1)
	require.Equal(t, "v1", blob.ShadowInvites[0].Ciphertext)

	blob = PublishShadow(blob, hks.TrackedInvite{TargetUsername: "bob", CreatedAt: now.Unix(), Ciphertext: "v2"}, now)
	require.Len(t, blob.ShadowInvites, 1)
	require.Equal(t, "v2", blob.ShadowInvites[0].Ciphertext)

	blob = PublishShadow(blob, hks.TrackedInvite{TargetUsername: "carol", CreatedAt: now.Unix(), Ciphertext: "v3"}, now)
	require.Len(t, blob.ShadowInvites, 2)
}

func TestPublishShadowEvictsExpired(t *testing.T) {
	now := time.Now()
	blob := hks.PublishedBlob{
		ShadowInvites: []hks.TrackedInvite{
			{TargetUsername: "stale", CreatedAt: now.Add(-200 * time.Second).Unix()},
		},
	}
	blob = PublishShadow(blob, hks.TrackedInvite{TargetUsername: "fresh", CreatedAt: now.Unix()}, now)
	require.Len(t, blob.ShadowInvites, 1)
	require.Equal(t, "fresh", blob.ShadowInvites[0].TargetUsername)
}

func TestGetFriendShadowsFiltersExpired(t *testing.T) {
	now := time.Now()
	blob := hks.PublishedBlob{
		ShadowInvites: []hks.TrackedInvite{
			{TargetUsername: "a", CreatedAt: now.Add(-10 * time.Second).Unix()},
			{TargetUsername: "b", CreatedAt: now.Add(-200 * time.Second).Unix()},
		},
	}
	out := GetFriendShadows(blob, now)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].TargetUsername)
}
