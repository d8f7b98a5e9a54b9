// Package manager implements the single cooperative event loop that
// owns the swarm and all in-memory connection-bringup state: UI
// commands, discovery and mDNS feeds, gossip signalling, punch
// targets, and pending LAN handshakes.
package manager

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/rchat-p2p/node/internal/config"
	"github.com/rchat-p2p/node/internal/discovery"
	"github.com/rchat-p2p/node/internal/hks"
	"github.com/rchat-p2p/node/internal/mdnssd"
	"github.com/rchat-p2p/node/internal/message"
	"github.com/rchat-p2p/node/internal/objectstore"
	"github.com/rchat-p2p/node/internal/rendezvous"
	"github.com/rchat-p2p/node/internal/store"
	"github.com/rchat-p2p/node/internal/swarm"
)

const (
	uiChanCapacity = 32

	publishListenersInterval = 5 * time.Minute
	heartbeatInterval        = 10 * time.Second
	natKeepaliveInterval     = 15 * time.Second
	shadowPollInterval       = 2 * time.Second
	punchInterval            = 500 * time.Millisecond

	punchRetryHorizon = 30 * time.Second
)

// natDiscardAddr is sent one UDP datagram on the NAT keepalive timer
// purely to refresh the NAT mapping; nothing answers it and any error
// is ignored.
const natDiscardAddr = "8.8.8.8:9"

// punchTarget tracks one outstanding hole-punch attempt.
type punchTarget struct {
	addr      multiaddr.Multiaddr
	startedAt time.Time
}

// pendingDirectoryDial records the (inviter, me) pair an in-flight
// DIAL command is trying to establish, keyed by the dialed address's
// string form.
type pendingDirectoryDial struct {
	inviter string
	me      string
}

// Manager owns the swarm and every piece of bring-up state a single
// goroutine mutates: LAN handshake consent sets, punch targets, and
// invite-driven directory mappings.
type Manager struct {
	Swarm     *swarm.Swarm
	Store     *store.Store
	Objects   *objectstore.Store
	Directory *rendezvous.Directory
	Config    *config.Store
	Tree      *hks.Tree

	signingKey    ed25519.PrivateKey
	encryptionSK  [32]byte
	encryptionPub [32]byte
	myPeerID      string

	UICommands chan string
	Events     chan Event

	mdnsPeers  chan mdnssd.Peer
	discoAddrs chan discovery.Address

	mu                 sync.Mutex
	pendingRequests    map[string]struct{}
	punchTargets       map[string]punchTarget
	pendingDirectory   map[string]pendingDirectoryDial
	shadowRegs         []shadowRegistration
	pendingInvitations []hks.TrackedInvite
	pendingShadows     []hks.TrackedInvite

	fastDiscovery func(bool)
}

// New builds a Manager wired to an already-running swarm, store, and
// directory client.
func New(
	sw *swarm.Swarm,
	st *store.Store,
	objs *objectstore.Store,
	dir *rendezvous.Directory,
	cfg *config.Store,
	tree *hks.Tree,
	signingKey ed25519.PrivateKey,
	encryptionSK, encryptionPub [32]byte,
	mdnsPeers chan mdnssd.Peer,
	discoAddrs chan discovery.Address,
	setFastDiscovery func(bool),
) *Manager {
	m := &Manager{
		Swarm:            sw,
		Store:            st,
		Objects:          objs,
		Directory:        dir,
		Config:           cfg,
		Tree:             tree,
		signingKey:       signingKey,
		encryptionSK:     encryptionSK,
		encryptionPub:    encryptionPub,
		myPeerID:         sw.ID().String(),
		UICommands:       make(chan string, uiChanCapacity),
		Events:           make(chan Event, uiChanCapacity),
		mdnsPeers:        mdnsPeers,
		discoAddrs:       discoAddrs,
		pendingRequests:  make(map[string]struct{}),
		punchTargets:     make(map[string]punchTarget),
		pendingDirectory: make(map[string]pendingDirectoryDial),
		fastDiscovery:    setFastDiscovery,
	}
	sw.SetDMHandler(m.handleDM)
	return m
}

func (m *Manager) logf(format string, args ...any) {
	log.Printf("[manager] "+format, args...)
}

// Run is the single cooperative event loop: select over every input
// source and timer until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	publishTicker := time.NewTicker(publishListenersInterval)
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	natTicker := time.NewTicker(natKeepaliveInterval)
	shadowTicker := time.NewTicker(shadowPollInterval)
	punchTicker := time.NewTicker(punchInterval)
	defer publishTicker.Stop()
	defer heartbeatTicker.Stop()
	defer natTicker.Stop()
	defer shadowTicker.Stop()
	defer punchTicker.Stop()

	gossipMsgs := make(chan []byte, 32)
	go m.pumpGossip(ctx, gossipMsgs)

	for {
		select {
		case <-ctx.Done():
			return

		case cmd, ok := <-m.UICommands:
			if !ok {
				return
			}
			m.handleUICommand(ctx, cmd)

		case addr, ok := <-m.discoAddrs:
			if !ok {
				m.discoAddrs = nil
				continue
			}
			m.handleDiscoveredAddress(ctx, addr)

		case p, ok := <-m.mdnsPeers:
			if !ok {
				m.mdnsPeers = nil
				continue
			}
			m.handleMDNSPeer(ctx, p)

		case raw, ok := <-gossipMsgs:
			if !ok {
				continue
			}
			m.handleGossipMessage(ctx, raw)

		case <-publishTicker.C:
			m.publishListeners(ctx)

		case <-heartbeatTicker.C:
			m.heartbeat()

		case <-natTicker.C:
			m.natKeepalive()

		case <-shadowTicker.C:
			m.pollShadows(ctx)

		case <-punchTicker.C:
			m.runPunches(ctx)
		}
	}
}

// pumpGossip relays raw gossip payloads onto a plain channel so the
// main select loop never blocks directly on pubsub's own Next call.
func (m *Manager) pumpGossip(ctx context.Context, out chan<- []byte) {
	defer close(out)
	for {
		msg, err := m.Swarm.GossipMessages(ctx)
		if err != nil {
			return
		}
		select {
		case out <- msg.Data:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) heartbeat() {
	m.logf("heartbeat: %d peer(s) connected", len(m.Swarm.Host.Network().Peers()))
}

// natKeepalive sends one datagram to a throwaway discard address from
// an ephemeral local port; nothing answers it and errors are ignored,
// the outbound packet being what refreshes the NAT mapping.
func (m *Manager) natKeepalive() {
	conn, err := net.DialTimeout("udp", natDiscardAddr, 2*time.Second)
	if err != nil {
		return
	}
	_, _ = conn.Write([]byte{0})
	conn.Close()
}

func (m *Manager) publishListeners(ctx context.Context) {
	addrs := make([]string, 0)
	for _, a := range m.Swarm.Host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, m.myPeerID))
	}
	invitations, shadowInvites := m.pendingPublishedInvites()
	if err := discovery.PublishPeerInfo(ctx, m.Directory, m.Tree, m.signingKey, m.encryptionPub, addrs, invitations, shadowInvites); err != nil {
		m.logf("publish listeners: %v", err)
	}
}

// pendingPublishedInvites snapshots whatever invitations/shadow
// invites are queued for the next publish.
func (m *Manager) pendingPublishedInvites() ([]hks.TrackedInvite, []hks.TrackedInvite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	invitations := append([]hks.TrackedInvite(nil), m.pendingInvitations...)
	shadows := append([]hks.TrackedInvite(nil), m.pendingShadows...)
	return invitations, shadows
}

// QueueShadowInvite enrolls a shadow invite to ride along with this
// node's next published blob: the invitee side of the flow described
// in spec.md §4.3, letting an inviter who has registered a shadow
// poll (see shadow.go) recover our address.
func (m *Manager) QueueShadowInvite(inv hks.TrackedInvite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingShadows = append(m.pendingShadows, inv)
}

// QueueInvitation enrolls an outbound invite envelope to ride along
// with this node's next published blob.
func (m *Manager) QueueInvitation(inv hks.TrackedInvite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingInvitations = append(m.pendingInvitations, inv)
}

func (m *Manager) pollShadows(ctx context.Context) {
	m.pollShadowRegistrations(ctx)
}

func (m *Manager) handleDiscoveredAddress(ctx context.Context, addr discovery.Address) {
	info, err := peer.AddrInfoFromP2pAddr(addr.Addr)
	if err != nil {
		m.logf("discovered address from %s has no peer id: %v", addr.Username, err)
		return
	}
	if err := m.Swarm.Host.Connect(ctx, *info); err != nil {
		m.logf("connect to discovered peer %s (%s): %v", addr.Username, info.ID, err)
	}
}

func (m *Manager) handleMDNSPeer(ctx context.Context, p mdnssd.Peer) {
	for _, raw := range p.Addresses {
		addr, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		m.addPunchTarget(p.PeerID, addr)
	}
	_ = ctx
}

func (m *Manager) addPunchTarget(name string, addr multiaddr.Multiaddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.punchTargets[name] = punchTarget{addr: addr, startedAt: time.Now()}
}

func (m *Manager) runPunches(ctx context.Context) {
	m.mu.Lock()
	targets := make(map[string]punchTarget, len(m.punchTargets))
	for k, v := range m.punchTargets {
		targets[k] = v
	}
	m.mu.Unlock()

	if m.fastDiscovery != nil {
		m.fastDiscovery(len(targets) > 0)
	}

	now := time.Now()
	for name, t := range targets {
		if now.Sub(t.startedAt) > punchRetryHorizon {
			m.mu.Lock()
			delete(m.punchTargets, name)
			m.mu.Unlock()
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(t.addr)
		if err != nil {
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = m.Swarm.Host.Connect(dialCtx, *info)
		cancel()
		if err == nil {
			m.completePunch(name, info.ID)
		}
	}
}

// completePunch clears a successful punch target and, if it was part
// of an invite-driven dial, records the inviter->peer_id mapping and
// sends the invite_handshake DM.
func (m *Manager) completePunch(name string, resolved peer.ID) {
	m.mu.Lock()
	delete(m.punchTargets, name)
	var pending pendingDirectoryDial
	var havePending bool
	for addrStr, pd := range m.pendingDirectory {
		if pd.inviter == name {
			pending = pd
			havePending = true
			delete(m.pendingDirectory, addrStr)
			break
		}
	}
	m.mu.Unlock()

	if !havePending {
		return
	}
	if err := m.Config.SetDirectoryPeer("gh:"+pending.inviter, resolved.String()); err != nil {
		m.logf("record inviter mapping: %v", err)
	}

	req := DirectMessageRequest{
		ID:          newMsgID(),
		SenderID:    m.myPeerID,
		MsgType:     MsgInviteHandshake,
		TextContent: pending.me,
		Timestamp:   time.Now().Unix(),
	}
	m.sendDM(resolved, req)
}

func (m *Manager) sendDM(target peer.ID, req DirectMessageRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := cbor.Marshal(req)
	if err != nil {
		m.logf("encode dm request: %v", err)
		return
	}
	respBytes, err := m.Swarm.SendDM(ctx, target, data)
	if err != nil {
		m.logf("send dm to %s: %v", target, err)
		return
	}
	var resp DirectMessageResponse
	if err := cbor.Unmarshal(respBytes, &resp); err != nil {
		m.logf("decode dm response from %s: %v", target, err)
		return
	}
	if resp.Status == StatusDelivered {
		if err := m.Store.UpdateMessageStatus(req.ID, message.StatusDelivered); err != nil && err != store.ErrNotFound {
			m.logf("advance status for %s: %v", req.ID, err)
		}
	} else {
		m.logf("dm %s to %s failed: %s", req.ID, target, resp.Error)
		m.emit(Event{Kind: EventStatusUpdate, PeerID: target.String(), ChatID: req.ID, Message: "failed"})
	}
}

func newMsgID() string {
	return uuid.NewString()
}
