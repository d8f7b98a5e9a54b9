package swarm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello rchat")

	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFrameRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte{}))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFrameMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("first")))
	require.NoError(t, writeFrame(&buf, []byte("second")))

	first, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), first)

	second, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), second)
}
