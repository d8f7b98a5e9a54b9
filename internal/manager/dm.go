package manager

// Direct-message protocol types carried over /rchat/dm/1.0.0, CBOR
// encoded and msgio-framed by internal/swarm.

// Message-type discriminants for DirectMessageRequest.MsgType.
const (
	MsgText               = "text"
	MsgImage              = "image"
	MsgVideo              = "video"
	MsgDocument           = "document"
	MsgVoice              = "voice"
	MsgFileMetadataReq    = "file_metadata_request"
	MsgFileMetadataResp   = "file_metadata_response"
	MsgChunkRequest       = "chunk_request"
	MsgChunkResponse      = "chunk_response"
	MsgReadReceipt        = "read_receipt"
	MsgInviteHandshake    = "invite_handshake"
)

// Response status values.
const (
	StatusDelivered = "delivered"
	StatusError     = "error"
)

// ChunkMeta is one entry of a file_metadata_response's chunk_list.
type ChunkMeta struct {
	Order int    `cbor:"order"`
	Hash  string `cbor:"hash"`
	Size  int    `cbor:"size"`
}

// DirectMessageRequest is the request half of the DM protocol; which
// fields are meaningful depends on MsgType (spec.md §4.10).
type DirectMessageRequest struct {
	ID          string      `cbor:"id"`
	SenderID    string      `cbor:"sender_id"`
	MsgType     string      `cbor:"msg_type"`
	TextContent string      `cbor:"text_content,omitempty"`
	FileHash    string      `cbor:"file_hash,omitempty"`
	Timestamp   int64       `cbor:"timestamp"`
	ChunkHash   string      `cbor:"chunk_hash,omitempty"`
	ChunkData   []byte      `cbor:"chunk_data,omitempty"`
	ChunkList   []ChunkMeta `cbor:"chunk_list,omitempty"`
	SenderAlias string      `cbor:"sender_alias,omitempty"`
}

// DirectMessageResponse is the response half of the DM protocol.
type DirectMessageResponse struct {
	MsgID  string `cbor:"msg_id"`
	Status string `cbor:"status"`
	Error  string `cbor:"error,omitempty"`
}
