package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMissingReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rchat.config")
	s, err := Open(path, []byte("hunter2"))
	require.NoError(t, err)
	require.Equal(t, "default", s.Theme())
	require.Equal(t, "", s.Alias())
}

func TestSaveAndReopenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rchat.config")
	s, err := Open(path, []byte("hunter2"))
	require.NoError(t, err)
	require.NoError(t, s.SetAlias("nova"))
	require.NoError(t, s.SetDirectoryPeer("gh:alice", "12D3KooWAbc"))

	reopened, err := Open(path, []byte("hunter2"))
	require.NoError(t, err)
	require.Equal(t, "nova", reopened.Alias())
	id, ok := reopened.DirectoryPeer("gh:alice")
	require.True(t, ok)
	require.Equal(t, "12D3KooWAbc", id)
}

func TestOpenWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rchat.config")
	s, err := Open(path, []byte("hunter2"))
	require.NoError(t, err)
	require.NoError(t, s.SetAlias("nova"))

	_, err = Open(path, []byte("wrong"))
	require.ErrorIs(t, err, ErrWrongPassword)
}
