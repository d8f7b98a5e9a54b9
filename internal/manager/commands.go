package manager

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/rchat-p2p/node/internal/message"
	"github.com/rchat-p2p/node/internal/store"
)

// handleUICommand parses one command string per the §6 grammar and
// dispatches to the matching action. An unrecognized prefix is logged
// and dropped.
func (m *Manager) handleUICommand(ctx context.Context, cmd string) {
	switch {
	case strings.HasPrefix(cmd, "REQUEST_CONNECTION:"):
		m.cmdRequestConnection(strings.TrimPrefix(cmd, "REQUEST_CONNECTION:"))
	case strings.HasPrefix(cmd, "DIAL:"):
		m.cmdDial(strings.TrimPrefix(cmd, "DIAL:"))
	case strings.HasPrefix(cmd, "START_PUNCH:"):
		m.cmdStartPunch(strings.TrimPrefix(cmd, "START_PUNCH:"))
	case strings.HasPrefix(cmd, "REGISTER_SHADOW:"):
		m.cmdRegisterShadow(strings.TrimPrefix(cmd, "REGISTER_SHADOW:"))
	case strings.HasPrefix(cmd, "DM:"):
		m.cmdDM(strings.TrimPrefix(cmd, "DM:"))
	case strings.HasPrefix(cmd, "READ_RECEIPT:"):
		m.cmdReadReceipt(strings.TrimPrefix(cmd, "READ_RECEIPT:"))
	case strings.HasPrefix(cmd, "__IMAGE_MSG__:"):
		m.cmdMediaPointer(MsgImage, strings.TrimPrefix(cmd, "__IMAGE_MSG__:"), false)
	case strings.HasPrefix(cmd, "__DOCUMENT_MSG__:"):
		m.cmdMediaPointer(MsgDocument, strings.TrimPrefix(cmd, "__DOCUMENT_MSG__:"), true)
	case strings.HasPrefix(cmd, "__VIDEO_MSG__:"):
		m.cmdMediaPointer(MsgVideo, strings.TrimPrefix(cmd, "__VIDEO_MSG__:"), true)
	default:
		m.logf("unrecognized ui command: %q", cmd)
	}
}

// resolvePeer resolves a peer_id argument, translating a "gh:" directory
// prefix through the stored directory->peer mapping.
func (m *Manager) resolvePeer(raw string) (peer.ID, error) {
	idStr := raw
	if strings.HasPrefix(raw, "gh:") {
		resolved, ok := m.Config.DirectoryPeer(raw)
		if !ok {
			return "", fmt.Errorf("directory peer %q not yet resolved", raw)
		}
		idStr = resolved
	}
	return peer.Decode(idStr)
}

// cmdRequestConnection records local intent to connect to peerIDStr
// and broadcasts our half of the mutual handshake. Completion happens
// in handleGossipMessage, when the counterpart's own request arrives
// and finds us already pending (spec.md §4.11).
func (m *Manager) cmdRequestConnection(peerIDStr string) {
	m.mu.Lock()
	m.pendingRequests[peerIDStr] = struct{}{}
	m.mu.Unlock()

	if err := m.Swarm.PublishGossip(context.Background(), "__CONNECTION_REQUEST__:"+m.myPeerID); err != nil {
		m.logf("gossip connection request: %v", err)
	}
}

// parseDialArgs splits DIAL's ":<multiaddr>:<inviter>:<me>" body.
// The multiaddr may itself contain colons (e.g. /ip6/ addresses), so
// the two trailing fields are split off from the right.
func parseDialArgs(body string) (addr, inviter, me string, ok bool) {
	i := strings.LastIndex(body, ":")
	if i < 0 {
		return "", "", "", false
	}
	j := strings.LastIndex(body[:i], ":")
	if j < 0 {
		return "", "", "", false
	}
	return body[:j], body[j+1 : i], body[i+1:], true
}

func (m *Manager) cmdDial(body string) {
	addrStr, inviter, me, ok := parseDialArgs(body)
	if !ok {
		m.logf("malformed DIAL command: %q", body)
		return
	}
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		m.logf("DIAL: bad multiaddr %q: %v", addrStr, err)
		return
	}

	m.mu.Lock()
	m.pendingDirectory[addrStr] = pendingDirectoryDial{inviter: inviter, me: me}
	m.punchTargets[inviter] = punchTarget{addr: addr, startedAt: time.Now()}
	m.mu.Unlock()
}

func (m *Manager) cmdStartPunch(body string) {
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		m.logf("malformed START_PUNCH command: %q", body)
		return
	}
	addrStr, target := parts[0], parts[1]
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		m.logf("START_PUNCH: bad multiaddr %q: %v", addrStr, err)
		return
	}
	m.addPunchTarget(target, addr)
}

func (m *Manager) cmdRegisterShadow(body string) {
	parts := strings.SplitN(body, ":", 3)
	if len(parts) != 3 {
		m.logf("malformed REGISTER_SHADOW command: %q", body)
		return
	}
	target, pw, me := parts[0], parts[1], parts[2]

	m.mu.Lock()
	m.shadowRegs = append(m.shadowRegs, shadowRegistration{target: target, pw: pw, me: me, registeredAt: time.Now()})
	m.mu.Unlock()
	m.logf("registered shadow poll for %s (as %s)", target, me)
}

// cmdDM implements the "DM:<peer_id>:<msg_id>:<ts>:<alias>:<content>"
// grammar: a 5-way split of the body after the "DM:" prefix (splitn(6,
// ':') over the whole command), so colons inside content survive
// intact.
func (m *Manager) cmdDM(body string) {
	parts := strings.SplitN(body, ":", 5)
	if len(parts) != 5 {
		m.logf("malformed DM command: %q", body)
		return
	}
	peerArg, msgID, tsStr, alias, content := parts[0], parts[1], parts[2], parts[3], parts[4]

	target, err := m.resolvePeer(peerArg)
	if err != nil {
		m.logf("DM: resolve peer %q: %v", peerArg, err)
		return
	}
	ts, err := parseUnix(tsStr)
	if err != nil {
		m.logf("DM: bad timestamp %q: %v", tsStr, err)
		return
	}

	msg := message.Message{
		ID:          msgID,
		ChatID:      target.String(),
		PeerID:      store.MePeerID,
		Timestamp:   ts,
		Status:      message.StatusPending,
		Content:     message.NewText(content),
		SenderAlias: alias,
	}
	if err := m.Store.InsertMessage(msg); err != nil {
		m.logf("persist outbound dm %s: %v", msgID, err)
	}

	req := DirectMessageRequest{ID: msgID, SenderID: m.myPeerID, MsgType: MsgText, TextContent: content, Timestamp: ts, SenderAlias: alias}
	go m.sendDM(target, req)
}

func parseUnix(s string) (int64, error) {
	var ts int64
	_, err := fmt.Sscanf(s, "%d", &ts)
	return ts, err
}

func (m *Manager) cmdReadReceipt(body string) {
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		m.logf("malformed READ_RECEIPT command: %q", body)
		return
	}
	peerArg, idList := parts[0], parts[1]
	target, err := m.resolvePeer(peerArg)
	if err != nil {
		m.logf("READ_RECEIPT: resolve peer %q: %v", peerArg, err)
		return
	}
	req := DirectMessageRequest{ID: newMsgID(), SenderID: m.myPeerID, MsgType: MsgReadReceipt, TextContent: idList, Timestamp: time.Now().Unix()}
	go m.sendDM(target, req)
}

// cmdMediaPointer handles __IMAGE_MSG__/__DOCUMENT_MSG__/__VIDEO_MSG__.
// Image's body is "<file_hash>:<peer>"; document/video additionally
// carry a base64 filename.
func (m *Manager) cmdMediaPointer(msgType, body string, hasFilename bool) {
	var fileHash, peerArg, filename string
	if hasFilename {
		parts := strings.SplitN(body, ":", 3)
		if len(parts) != 3 {
			m.logf("malformed media pointer command: %q", body)
			return
		}
		fileHash, peerArg = parts[0], parts[1]
		decoded, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			m.logf("media pointer: bad base64 filename: %v", err)
			return
		}
		filename = string(decoded)
	} else {
		parts := strings.SplitN(body, ":", 2)
		if len(parts) != 2 {
			m.logf("malformed media pointer command: %q", body)
			return
		}
		fileHash, peerArg = parts[0], parts[1]
	}

	target, err := m.resolvePeer(peerArg)
	if err != nil {
		m.logf("media pointer: resolve peer %q: %v", peerArg, err)
		return
	}
	req := DirectMessageRequest{ID: newMsgID(), SenderID: m.myPeerID, MsgType: msgType, FileHash: fileHash, TextContent: filename, Timestamp: time.Now().Unix()}
	go m.sendDM(target, req)
}
