package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/rchat-p2p/node/internal/message"
	"github.com/rchat-p2p/node/internal/store"
)

// handleDM is installed as the swarm's inbound DM handler: it decodes
// one CBOR request, dispatches per msg_type, and returns the encoded
// response. A nil return means "send nothing back".
func (m *Manager) handleDM(from peer.ID, data []byte) []byte {
	var req DirectMessageRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		m.logf("dm decode from %s: %v", from, err)
		return nil
	}

	resp := m.dispatchDM(from, req)
	out, err := cbor.Marshal(resp)
	if err != nil {
		m.logf("dm encode response to %s: %v", from, err)
		return nil
	}
	return out
}

func (m *Manager) dispatchDM(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	switch req.MsgType {
	case MsgText:
		return m.handleTextMessage(from, req)
	case MsgImage, MsgVideo, MsgDocument, MsgVoice:
		return m.handleMediaMessage(from, req)
	case MsgFileMetadataReq:
		return m.handleFileMetadataRequest(from, req)
	case MsgFileMetadataResp:
		return m.handleFileMetadataResponse(from, req)
	case MsgChunkRequest:
		return m.handleChunkRequest(from, req)
	case MsgChunkResponse:
		return m.handleChunkResponse(from, req)
	case MsgReadReceipt:
		return m.handleReadReceipt(from, req)
	case MsgInviteHandshake:
		return m.handleInviteHandshake(from, req)
	default:
		m.logf("dm: unknown msg_type %q from %s, ignoring", req.MsgType, from)
		return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
	}
}

func (m *Manager) chatIDFor(peerID string) string {
	return peerID
}

func (m *Manager) ensurePeerAndChat(peerID, alias string) {
	if _, err := m.Store.GetPeer(peerID); err == store.ErrNotFound {
		if err := m.Store.UpsertPeer(store.Peer{ID: peerID, Alias: alias, LastSeen: time.Now().Unix(), Method: "direct"}); err != nil {
			m.logf("upsert peer %s: %v", peerID, err)
		}
	}
	if err := m.Store.EnsureChat(m.chatIDFor(peerID), alias, false, nil); err != nil {
		m.logf("ensure chat for %s: %v", peerID, err)
	}
}

func (m *Manager) handleTextMessage(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	m.ensurePeerAndChat(req.SenderID, req.SenderAlias)
	msg := message.Message{
		ID:          req.ID,
		ChatID:      m.chatIDFor(req.SenderID),
		PeerID:      req.SenderID,
		Timestamp:   req.Timestamp,
		Status:      message.StatusDelivered,
		Content:     message.NewText(req.TextContent),
		SenderAlias: req.SenderAlias,
	}
	if err := m.Store.InsertMessage(msg); err != nil {
		m.logf("persist text message %s: %v", req.ID, err)
		return DirectMessageResponse{MsgID: req.ID, Status: StatusError, Error: err.Error()}
	}
	m.emit(Event{Kind: EventMessage, PeerID: req.SenderID, ChatID: msg.ChatID, Message: req.ID})
	return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
}

func (m *Manager) handleMediaMessage(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	m.ensurePeerAndChat(req.SenderID, req.SenderAlias)
	if err := m.Store.EnsureFilePlaceholder(req.FileHash, req.TextContent, ""); err != nil {
		m.logf("ensure file placeholder %s: %v", req.FileHash, err)
	}

	content := mediaContent(req.MsgType, req.FileHash, req.TextContent)
	msg := message.Message{
		ID:          req.ID,
		ChatID:      m.chatIDFor(req.SenderID),
		PeerID:      req.SenderID,
		Timestamp:   req.Timestamp,
		Status:      message.StatusDelivered,
		Content:     content,
		SenderAlias: req.SenderAlias,
	}
	if err := m.Store.InsertMessage(msg); err != nil {
		m.logf("persist media message %s: %v", req.ID, err)
		return DirectMessageResponse{MsgID: req.ID, Status: StatusError, Error: err.Error()}
	}
	m.emit(Event{Kind: EventMessage, PeerID: req.SenderID, ChatID: msg.ChatID, Message: req.ID})

	go m.requestFileMetadata(from, req.FileHash)
	return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
}

func mediaContent(msgType, fileHash, text string) message.Content {
	switch msgType {
	case MsgImage:
		return message.NewPhoto(fileHash, text)
	case MsgVideo:
		return message.Content{Kind: message.KindVideo, FileHash: fileHash, Caption: text}
	case MsgDocument:
		name := text
		if name == "" {
			name = "file"
		}
		return message.Content{Kind: message.KindDocument, FileHash: fileHash, FileName: name}
	case MsgVoice:
		return message.Content{Kind: message.KindVoice, FileHash: fileHash}
	default:
		return message.NewText(text)
	}
}

func (m *Manager) requestFileMetadata(to peer.ID, fileHash string) {
	req := DirectMessageRequest{ID: newMsgID(), SenderID: m.myPeerID, MsgType: MsgFileMetadataReq, FileHash: fileHash, Timestamp: time.Now().Unix()}
	m.sendDM(to, req)
}

func (m *Manager) handleFileMetadataRequest(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	chunks, err := m.Store.FileChunks(req.FileHash)
	if err != nil {
		return DirectMessageResponse{MsgID: req.ID, Status: StatusError, Error: err.Error()}
	}
	list := make([]ChunkMeta, 0, len(chunks))
	for _, c := range chunks {
		list = append(list, ChunkMeta{Order: c.Order, Hash: c.Hash, Size: c.Size})
	}

	go func() {
		resp := DirectMessageRequest{
			ID:        newMsgID(),
			SenderID:  m.myPeerID,
			MsgType:   MsgFileMetadataResp,
			FileHash:  req.FileHash,
			ChunkList: list,
			Timestamp: time.Now().Unix(),
		}
		m.sendDM(from, resp)
	}()
	return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
}

func (m *Manager) handleFileMetadataResponse(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	for _, c := range req.ChunkList {
		if err := m.Store.InsertChunkRecord(req.FileHash, c.Order, c.Hash, c.Size); err != nil {
			m.logf("record chunk %d of %s: %v", c.Order, req.FileHash, err)
		}
	}
	for _, c := range req.ChunkList {
		if m.Objects.HasChunk(c.Hash) {
			continue
		}
		go m.requestChunk(from, c.Hash)
	}
	return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
}

func (m *Manager) requestChunk(to peer.ID, chunkHash string) {
	req := DirectMessageRequest{ID: newMsgID(), SenderID: m.myPeerID, MsgType: MsgChunkRequest, ChunkHash: chunkHash, Timestamp: time.Now().Unix()}
	m.sendDM(to, req)
}

func (m *Manager) handleChunkRequest(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	data, err := m.Objects.ReadChunk(req.ChunkHash)
	if err != nil {
		return DirectMessageResponse{MsgID: req.ID, Status: StatusError, Error: err.Error()}
	}
	go func() {
		resp := DirectMessageRequest{
			ID:        newMsgID(),
			SenderID:  m.myPeerID,
			MsgType:   MsgChunkResponse,
			ChunkHash: req.ChunkHash,
			ChunkData: data,
			Timestamp: time.Now().Unix(),
		}
		m.sendDM(from, resp)
	}()
	return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
}

func (m *Manager) handleChunkResponse(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	if err := m.Objects.WriteChunk(req.ChunkHash, req.ChunkData); err != nil {
		m.logf("write chunk %s: %v", req.ChunkHash, err)
		return DirectMessageResponse{MsgID: req.ID, Status: StatusError, Error: err.Error()}
	}

	fileHash, complete := m.checkTransferComplete(req.ChunkHash)
	if complete {
		if err := m.Store.SetFileComplete(fileHash); err != nil {
			m.logf("mark file complete %s: %v", fileHash, err)
		}
		m.emit(Event{Kind: EventFileTransferComplete, PeerID: req.SenderID, ChatID: fileHash})
	}
	return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
}

// checkTransferComplete looks up which file a chunk belongs to (by
// scanning recorded chunk hashes) and reports whether every chunk for
// that file is now present on disk.
func (m *Manager) checkTransferComplete(chunkHash string) (string, bool) {
	fileHash, hashes, err := m.Store.FileHashForChunk(chunkHash)
	if err != nil {
		return "", false
	}
	for _, h := range hashes {
		if !m.Objects.HasChunk(h) {
			return fileHash, false
		}
	}
	return fileHash, true
}

func (m *Manager) handleReadReceipt(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	ids := strings.Split(req.TextContent, ",")
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := m.Store.UpdateMessageStatus(id, message.StatusRead); err != nil && err != store.ErrNotFound {
			m.logf("mark read %s: %v", id, err)
			continue
		}
		m.emit(Event{Kind: EventStatusUpdate, PeerID: req.SenderID, ChatID: id, Message: "read"})
	}
	return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
}

func (m *Manager) handleInviteHandshake(from peer.ID, req DirectMessageRequest) DirectMessageResponse {
	directoryName := req.TextContent
	if directoryName == "" {
		return DirectMessageResponse{MsgID: req.ID, Status: StatusError, Error: "invite_handshake missing sender directory name"}
	}
	key := "gh:" + directoryName
	if err := m.Config.SetDirectoryPeer(key, from.String()); err != nil {
		m.logf("record inviter mapping for %s: %v", directoryName, err)
		return DirectMessageResponse{MsgID: req.ID, Status: StatusError, Error: err.Error()}
	}
	if err := m.Store.EnsureChat(key, directoryName, false, nil); err != nil {
		m.logf("create chat for %s: %v", key, err)
	}
	m.emit(Event{Kind: EventPeerConnected, PeerID: from.String(), Message: fmt.Sprintf("invite handshake from %s", directoryName)})
	return DirectMessageResponse{MsgID: req.ID, Status: StatusDelivered}
}
