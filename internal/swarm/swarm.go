// Package swarm composes the node's libp2p stack: transports,
// gossipsub presence topic, Kademlia routing hints, keepalive pings,
// and the request/response direct-message protocol, mirroring the
// teacher's single-Node-struct-owns-the-host shape but generalized to
// the chat protocol this node speaks.
package swarm

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

const (
	// GossipTopic carries presence traffic and legacy signalling
	// strings; the DM protocol below is preferred for anything that
	// needs a reliable per-peer delivery path.
	GossipTopic = "global-chat"

	dmProtocolID = "/rchat/dm/1.0.0"
	userAgent    = "rchat/1.0.0"

	idleConnTimeout = 60 * time.Second
	idleSweepPeriod = 10 * time.Second
)

// Swarm owns the libp2p host and every long-lived protocol handle
// built on top of it.
type Swarm struct {
	Host host.Host
	DHT  *dht.IpfsDHT

	ping  *ping.PingService
	gossip *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	rttMu sync.Mutex
	rtt   map[peer.ID]time.Duration

	idleMu   sync.Mutex
	idleSince map[peer.ID]time.Time

	dmHandler func(peer.ID, []byte) []byte
}

// Config configures the listen addresses for the dual TCP/QUIC
// transport, both bound to the same numeric port.
type Config struct {
	Port int // 0 lets the OS choose; both IPv4 and IPv6 share this port
}

// New builds and starts the host, gossipsub, DHT, and ping service.
// ctx governs the lifetime of background loops started here.
func New(ctx context.Context, cfg Config, signKey ed25519.PrivateKey) (*Swarm, error) {
	libKey, err := crypto.UnmarshalEd25519PrivateKey(signKey)
	if err != nil {
		return nil, fmt.Errorf("swarm: derive libp2p key: %w", err)
	}

	listenAddrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
		fmt.Sprintf("/ip6/::/tcp/%d", cfg.Port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.Port),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", cfg.Port),
	}

	h, err := libp2p.New(
		libp2p.Identity(libKey),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.UserAgent(userAgent),
		libp2p.NATPortMap(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("swarm: new host: %w", err)
	}

	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("swarm: new dht: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		log.Printf("[swarm] dht bootstrap: %v", err)
	}

	gossip, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("swarm: new gossipsub: %w", err)
	}
	topic, err := gossip.Join(GossipTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("swarm: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("swarm: subscribe topic: %w", err)
	}

	s := &Swarm{
		Host:      h,
		DHT:       kdht,
		ping:      ping.NewPingService(h),
		gossip:    gossip,
		topic:     topic,
		sub:       sub,
		rtt:       make(map[peer.ID]time.Duration),
		idleSince: make(map[peer.ID]time.Time),
	}

	h.SetStreamHandler(dmProtocolID, s.handleDMStream)

	go s.pingLoop(ctx)
	go s.idleSweepLoop(ctx)
	return s, nil
}

// Close shuts down the DHT and host.
func (s *Swarm) Close() error {
	s.sub.Cancel()
	s.DHT.Close()
	return s.Host.Close()
}

// ID returns this node's peer id.
func (s *Swarm) ID() peer.ID { return s.Host.ID() }

// PublishGossip sends a raw string on the presence topic: new code
// should prefer SendDM for anything that needs reliable delivery;
// gossip is for presence and the legacy signalling strings a receiver
// must still parse defensively.
func (s *Swarm) PublishGossip(ctx context.Context, payload string) error {
	return s.topic.Publish(ctx, []byte(payload))
}

// GossipMessages returns the next raw gossip message, blocking until
// one arrives or ctx is cancelled.
func (s *Swarm) GossipMessages(ctx context.Context) (*pubsub.Message, error) {
	return s.sub.Next(ctx)
}

// SetDMHandler installs the function invoked for each inbound
// direct-message frame; it receives the sender and decoded request
// bytes and returns the response bytes to write back.
func (s *Swarm) SetDMHandler(fn func(from peer.ID, data []byte) []byte) {
	s.dmHandler = fn
}

func (s *Swarm) handleDMStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	data, err := readFrame(stream)
	if err != nil {
		log.Printf("[swarm] dm read from %s: %v", remote, err)
		return
	}
	if s.dmHandler == nil {
		return
	}
	resp := s.dmHandler(remote, data)
	if resp == nil {
		return
	}
	if err := writeFrame(stream, resp); err != nil {
		log.Printf("[swarm] dm write to %s: %v", remote, err)
	}
}

// SendDM opens a fresh stream to target, writes data (a CBOR-encoded
// DirectMessageRequest, framed by msgio's varint length prefix) and
// returns the peer's raw CBOR-encoded response bytes.
func (s *Swarm) SendDM(ctx context.Context, target peer.ID, data []byte) ([]byte, error) {
	stream, err := s.Host.NewStream(ctx, target, dmProtocolID)
	if err != nil {
		return nil, fmt.Errorf("swarm: open dm stream: %w", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("swarm: write dm request: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, fmt.Errorf("swarm: close write side: %w", err)
	}
	resp, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("swarm: read dm response: %w", err)
	}
	return resp, nil
}

func (s *Swarm) pingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for _, p := range s.Host.Network().Peers() {
			ch := s.ping.Ping(ctx, p)
			select {
			case res := <-ch:
				if res.Error == nil {
					s.rttMu.Lock()
					s.rtt[p] = res.RTT
					s.rttMu.Unlock()
				}
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}

// idleSweepLoop enforces the 60-second idle connection timeout:
// connections carrying no open streams for idleConnTimeout are closed.
// The network.Conn interface doesn't track last-activity directly, so
// this tracks "first observed with zero streams" per peer itself.
func (s *Swarm) idleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(idleSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		s.idleMu.Lock()
		for _, conn := range s.Host.Network().Conns() {
			p := conn.RemotePeer()
			if len(conn.GetStreams()) > 0 {
				delete(s.idleSince, p)
				continue
			}
			since, tracked := s.idleSince[p]
			if !tracked {
				s.idleSince[p] = now
				continue
			}
			if now.Sub(since) >= idleConnTimeout {
				conn.Close()
				delete(s.idleSince, p)
			}
		}
		s.idleMu.Unlock()
	}
}

// RTT returns the last observed ping round-trip time to a peer.
func (s *Swarm) RTT(p peer.ID) (time.Duration, bool) {
	s.rttMu.Lock()
	defer s.rttMu.Unlock()
	d, ok := s.rtt[p]
	return d, ok
}
