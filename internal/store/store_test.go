package store

import (
	"path/filepath"
	"testing"

	"github.com/rchat-p2p/node/internal/message"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rchat.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSeedsSelf(t *testing.T) {
	s := openTest(t)

	exists, err := s.PeerExists(MePeerID)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.EnsureChat(SelfChatID, SelfChatID, false, nil))
}

func TestInsertMessageRoundTrip(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.EnsureChat("c1", "c1", false, []byte("key")))
	require.NoError(t, s.UpsertPeer(Peer{ID: "p1", Alias: "P1", PublicKey: []byte("pub"), Method: "local"}))

	m := message.Message{
		ID: "m1", ChatID: "c1", PeerID: "p1", Timestamp: 100,
		Status: message.StatusPending, Content: message.NewText("hi"), SenderAlias: "P1",
	}
	require.NoError(t, s.InsertMessage(m))

	msgs, err := s.MessagesByChat("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Content.Text)
}

func TestUpdateMessageStatusMonotonic(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.EnsureChat("c1", "c1", false, nil))
	require.NoError(t, s.UpsertPeer(Peer{ID: "p1", Alias: "P1", PublicKey: []byte{}, Method: "local"}))
	require.NoError(t, s.InsertMessage(message.Message{
		ID: "m1", ChatID: "c1", PeerID: "p1", Timestamp: 1,
		Status: message.StatusPending, Content: message.NewText("x"),
	}))

	require.NoError(t, s.UpdateMessageStatus("m1", message.StatusDelivered))
	require.NoError(t, s.UpdateMessageStatus("m1", message.StatusRead))
	require.NoError(t, s.UpdateMessageStatus("m1", message.StatusDelivered))

	msgs, err := s.MessagesByChat("c1")
	require.NoError(t, err)
	require.Equal(t, message.StatusRead, msgs[0].Status)
}

func TestMarkMessagesRead(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.EnsureChat("c1", "c1", false, nil))
	require.NoError(t, s.UpsertPeer(Peer{ID: "p1", Alias: "P1", PublicKey: []byte{}, Method: "local"}))
	require.NoError(t, s.InsertMessage(message.Message{
		ID: "m1", ChatID: "c1", PeerID: "p1", Timestamp: 1,
		Status: message.StatusDelivered, Content: message.NewText("a"),
	}))
	require.NoError(t, s.InsertMessage(message.Message{
		ID: "m2", ChatID: "c1", PeerID: "p1", Timestamp: 2,
		Status: message.StatusRead, Content: message.NewText("b"),
	}))

	ids, err := s.MarkMessagesRead("c1", "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids)

	n, err := s.UnreadCount("c1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
