package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rchat-p2p/node/internal/hks"
)

func TestCleanExpiredDropsStale(t *testing.T) {
	now := time.Now()
	fresh := hks.TrackedInvite{CreatedAt: now.Add(-10 * time.Second).Unix()}
	stale := hks.TrackedInvite{CreatedAt: now.Add(-200 * time.Second).Unix()}

	out := cleanExpired([]hks.TrackedInvite{fresh, stale}, now)
	require.Len(t, out, 1)
	require.Equal(t, fresh.CreatedAt, out[0].CreatedAt)
}

func TestCleanExpiredEmptyInput(t *testing.T) {
	out := cleanExpired(nil, time.Now())
	require.Empty(t, out)
}
