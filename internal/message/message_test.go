package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusMonotonic(t *testing.T) {
	s := StatusPending
	s = s.Advance(StatusDelivered)
	require.Equal(t, StatusDelivered, s)
	s = s.Advance(StatusRead)
	require.Equal(t, StatusRead, s)
	s = s.Advance(StatusDelivered) // late delivered after read is suppressed
	require.Equal(t, StatusRead, s)
}

func TestFromRowToRowRoundTrip(t *testing.T) {
	text := "hello friend"
	row := Row{
		ID:          "m1",
		ChatID:      "c1",
		PeerID:      "Me",
		Timestamp:   1000,
		ContentType: "text",
		TextContent: &text,
		Status:      "pending",
	}
	msg, err := FromRow(row)
	require.NoError(t, err)
	require.Equal(t, KindText, msg.Content.Kind)
	require.Equal(t, "hello friend", msg.Content.Text)

	back, err := msg.ToRow()
	require.NoError(t, err)
	require.Equal(t, row.ID, back.ID)
	require.Equal(t, "text", back.ContentType)
	require.NotNil(t, back.TextContent)
	require.Equal(t, text, *back.TextContent)
}

func TestFromRowPhotoVariant(t *testing.T) {
	hash := "deadbeef"
	caption := "sunset"
	row := Row{
		ID:          "m2",
		ContentType: "photo",
		FileHash:    &hash,
		TextContent: &caption,
		Status:      "delivered",
	}
	msg, err := FromRow(row)
	require.NoError(t, err)
	require.Equal(t, KindPhoto, msg.Content.Kind)
	require.Equal(t, hash, msg.Content.FileHash)
	require.Equal(t, caption, msg.Content.Caption)
	require.True(t, msg.Content.NeedsHydration())
}

func TestNeedsHydration(t *testing.T) {
	w := uint32(100)
	c := Content{Kind: KindPhoto, Metadata: Metadata{Width: &w}}
	require.False(t, c.NeedsHydration())

	c2 := Content{Kind: KindText}
	require.False(t, c2.NeedsHydration())
}
