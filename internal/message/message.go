// Package message implements the typed message domain model: a closed
// tagged union over content kinds, projection to and from the flat
// local-store row, and a NeedsHydration check reporting media whose
// metadata is still empty. Nothing in this package computes or fills in
// that metadata.
package message

import (
	"encoding/json"
	"fmt"
)

// Status is the delivery lifecycle of a message. Transitions are
// monotonic: pending -> delivered -> read, never regressing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// StatusFromString parses a status string, defaulting to Pending for
// anything unrecognized (matches the teacher-derived source's
// permissive from_str behaviour).
func StatusFromString(s string) Status {
	switch s {
	case string(StatusPending), string(StatusDelivered), string(StatusRead), string(StatusFailed):
		return Status(s)
	default:
		return StatusPending
	}
}

// rank gives the monotonic ordering used to enforce status never
// regresses. Failed ranks below the happy path (-1), so it is only
// ever set explicitly by Advance, and any later happy-path status
// replaces it.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// Advance returns the status that should be stored after applying an
// incoming status update, enforcing monotonicity. Failed always wins
// unless the message is already Read.
func (s Status) Advance(incoming Status) Status {
	if s == StatusRead {
		return StatusRead
	}
	if incoming == StatusFailed {
		return StatusFailed
	}
	if incoming.rank() > s.rank() {
		return incoming
	}
	return s
}

// Kind identifies which MessageContent variant is present.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindVoice    Kind = "voice"
)

// Metadata is cached information about media content, persisted as the
// content_metadata JSON column.
type Metadata struct {
	Width        *uint32 `json:"width,omitempty"`
	Height       *uint32 `json:"height,omitempty"`
	DurationSecs *uint32 `json:"duration_secs,omitempty"`
	SizeBytes    *int64  `json:"size_bytes,omitempty"`
	WordCount    *uint32 `json:"word_count,omitempty"`
	PageCount    *uint32 `json:"page_count,omitempty"`
}

// Content is the closed tagged union of what a message can carry.
// Exactly one of the typed accessors is meaningful per Kind.
type Content struct {
	Kind     Kind
	Text     string // KindText
	FileHash string // KindPhoto/Video/Document/Voice
	FileName string // KindDocument only
	Caption  string // KindPhoto/Video
	Metadata Metadata
}

// NewText builds a text content value.
func NewText(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// NewPhoto builds a photo content value.
func NewPhoto(fileHash, caption string) Content {
	return Content{Kind: KindPhoto, FileHash: fileHash, Caption: caption}
}

// FileHashOf returns the file hash carried by media content, or "" for
// text.
func (c Content) FileHashOf() string {
	if c.Kind == KindText {
		return ""
	}
	return c.FileHash
}

// NeedsHydration reports whether this content's metadata has not yet
// been computed.
func (c Content) NeedsHydration() bool {
	switch c.Kind {
	case KindText:
		return false
	case KindPhoto:
		return c.Metadata.Width == nil
	case KindVideo:
		return c.Metadata.Width == nil && c.Metadata.DurationSecs == nil
	case KindDocument:
		return c.Metadata.SizeBytes == nil
	case KindVoice:
		return c.Metadata.DurationSecs == nil
	default:
		return false
	}
}

// Message is a complete message with metadata and typed content.
type Message struct {
	ID           string
	ChatID       string
	PeerID       string
	Timestamp    int64
	Status       Status
	Content      Content
	SenderAlias  string
}

// Row is the flat local-store projection of a Message (the "messages"
// table shape).
type Row struct {
	ID               string
	ChatID           string
	PeerID           string
	Timestamp        int64
	ContentType      string
	TextContent      *string
	FileHash         *string
	Status           string
	ContentMetadata  *string
	SenderAlias      *string
}

// FromRow rebuilds a rich Message from its flat DB row, matching the
// content_type discriminator to the right Content variant and parsing
// any cached metadata JSON.
func FromRow(row Row) (Message, error) {
	var meta Metadata
	if row.ContentMetadata != nil && *row.ContentMetadata != "" {
		if err := json.Unmarshal([]byte(*row.ContentMetadata), &meta); err != nil {
			meta = Metadata{}
		}
	}

	text := ""
	if row.TextContent != nil {
		text = *row.TextContent
	}
	fileHash := ""
	if row.FileHash != nil {
		fileHash = *row.FileHash
	}

	var content Content
	switch row.ContentType {
	case "text":
		content = Content{Kind: KindText, Text: text}
	case "photo", "image":
		content = Content{Kind: KindPhoto, FileHash: fileHash, Caption: text, Metadata: meta}
	case "video":
		content = Content{Kind: KindVideo, FileHash: fileHash, Caption: text, Metadata: meta}
	case "document":
		fileName := text
		if fileName == "" {
			fileName = "file"
		}
		content = Content{Kind: KindDocument, FileHash: fileHash, FileName: fileName, Metadata: meta}
	case "voice":
		content = Content{Kind: KindVoice, FileHash: fileHash, Metadata: meta}
	default:
		content = Content{Kind: KindText, Text: text}
	}

	senderAlias := ""
	if row.SenderAlias != nil {
		senderAlias = *row.SenderAlias
	}

	return Message{
		ID:          row.ID,
		ChatID:      row.ChatID,
		PeerID:      row.PeerID,
		Timestamp:   row.Timestamp,
		Status:      StatusFromString(row.Status),
		Content:     content,
		SenderAlias: senderAlias,
	}, nil
}

// ToRow projects a rich Message back to its flat DB row.
func (m Message) ToRow() (Row, error) {
	var contentType string
	var textContent, fileHash *string

	switch m.Content.Kind {
	case KindText:
		contentType = "text"
		t := m.Content.Text
		textContent = &t
	case KindPhoto:
		contentType = "photo"
		if m.Content.Caption != "" {
			c := m.Content.Caption
			textContent = &c
		}
		h := m.Content.FileHash
		fileHash = &h
	case KindVideo:
		contentType = "video"
		if m.Content.Caption != "" {
			c := m.Content.Caption
			textContent = &c
		}
		h := m.Content.FileHash
		fileHash = &h
	case KindDocument:
		contentType = "document"
		n := m.Content.FileName
		textContent = &n
		h := m.Content.FileHash
		fileHash = &h
	case KindVoice:
		contentType = "voice"
		h := m.Content.FileHash
		fileHash = &h
	default:
		return Row{}, fmt.Errorf("message: unknown content kind %q", m.Content.Kind)
	}

	var metaJSON *string
	if m.Content.Kind != KindText {
		b, err := json.Marshal(m.Content.Metadata)
		if err == nil {
			s := string(b)
			metaJSON = &s
		}
	}

	var alias *string
	if m.SenderAlias != "" {
		alias = &m.SenderAlias
	}

	return Row{
		ID:              m.ID,
		ChatID:          m.ChatID,
		PeerID:          m.PeerID,
		Timestamp:       m.Timestamp,
		ContentType:     contentType,
		TextContent:     textContent,
		FileHash:        fileHash,
		Status:          string(m.Status),
		ContentMetadata: metaJSON,
		SenderAlias:     alias,
	}, nil
}
