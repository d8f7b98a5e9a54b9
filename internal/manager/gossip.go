package manager

import (
	"context"
	"strings"
	"time"

	"github.com/rchat-p2p/node/internal/message"
	"github.com/rchat-p2p/node/internal/store"
)

const (
	connReqPrefix  = "__CONNECTION_REQUEST__:"
	legacyImgPrefix = "__IMAGE_MSG__:"
)

// handleGossipMessage parses one raw gossip payload. Only the legacy
// signalling strings in spec.md §6 are recognized; anything else is
// ignored — gossip carries presence/handshake traffic only, the DM
// protocol is the reliable per-peer path.
func (m *Manager) handleGossipMessage(ctx context.Context, raw []byte) {
	payload := string(raw)
	switch {
	case strings.HasPrefix(payload, connReqPrefix):
		m.handleConnectionRequest(strings.TrimPrefix(payload, connReqPrefix))
	case strings.HasPrefix(payload, legacyImgPrefix):
		m.handleLegacyImageMessage(strings.TrimPrefix(payload, legacyImgPrefix))
	}
}

// handleConnectionRequest completes the mutual LAN handshake if
// fromPeer was already in our own pendingRequests set (we had pressed
// connect on them too); otherwise the request from an unconfirmed
// peer is dropped, per spec.md §4.11.
func (m *Manager) handleConnectionRequest(fromPeer string) {
	if fromPeer == "" || fromPeer == m.myPeerID {
		return
	}

	m.mu.Lock()
	_, pending := m.pendingRequests[fromPeer]
	if pending {
		delete(m.pendingRequests, fromPeer)
	}
	m.mu.Unlock()

	if !pending {
		m.logf("dropping connection request from unconfirmed peer %s", fromPeer)
		return
	}
	m.completeHandshake(fromPeer)
}

func (m *Manager) completeHandshake(peerIDStr string) {
	if err := m.Store.UpsertPeer(store.Peer{ID: peerIDStr, Alias: peerIDStr, LastSeen: time.Now().Unix(), Method: "local"}); err != nil {
		m.logf("upsert local peer %s: %v", peerIDStr, err)
	}
	m.emit(Event{Kind: EventPeerConnected, PeerID: peerIDStr})
}

// handleLegacyImageMessage defensively parses the legacy
// "<file_hash>:<from>" gossip form the codebase still emits; the DM
// protocol's MsgImage path is what new sends use.
func (m *Manager) handleLegacyImageMessage(body string) {
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		m.logf("malformed legacy image gossip: %q", body)
		return
	}
	fileHash, from := parts[0], parts[1]
	if from == m.myPeerID {
		return
	}
	m.ensurePeerAndChat(from, from)
	msg := message.Message{
		ID:        newMsgID(),
		ChatID:    m.chatIDFor(from),
		PeerID:    from,
		Timestamp: time.Now().Unix(),
		Status:    message.StatusDelivered,
		Content:   message.NewPhoto(fileHash, ""),
	}
	if err := m.Store.InsertMessage(msg); err != nil {
		m.logf("persist legacy image message: %v", err)
		return
	}
	m.emit(Event{Kind: EventMessage, PeerID: from, ChatID: msg.ChatID, Message: msg.ID})
}
