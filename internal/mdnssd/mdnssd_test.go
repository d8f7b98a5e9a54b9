package mdnssd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidHostnamePrefixesDigitStart(t *testing.T) {
	got := validHostname("12D3KooWAbc")
	require.Equal(t, "rchat-12D3KooWAbc", got)
}

func TestValidHostnameKeepsLetterStart(t *testing.T) {
	got := validHostname("peer-abc")
	require.Equal(t, "peer-abc", got)
}

func TestValidHostnameTruncatesLong(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz0123456789extra"
	got := validHostname(long)
	require.Len(t, got, 32)
}

func TestParseTXT(t *testing.T) {
	props := parseTXT([]string{"version=1.0.0", "peer_id=abc", "protocol=rchat/1.0", "malformed"})
	require.Equal(t, "1.0.0", props["version"])
	require.Equal(t, "abc", props["peer_id"])
	require.Equal(t, "rchat/1.0", props["protocol"])
	_, ok := props["malformed"]
	require.False(t, ok)
}
