// Package mdnssd advertises and discovers rchat peers on the local
// network via mDNS/DNS-SD (_rchat._tcp.local.), translating resolved
// service entries into libp2p-style multiaddr strings.
package mdnssd

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_rchat._tcp"
	domain      = "local."

	normalInterval = 30 * time.Second
	fastInterval   = 5 * time.Second

	peerChanCapacity = 20
)

// Peer is a discovered rchat peer: an id plus every address we were
// able to derive from the resolved service entry.
type Peer struct {
	PeerID    string
	Addresses []string
}

// Service advertises this node and browses for others, emitting
// discovered peers (self filtered out) on Peers.
type Service struct {
	peerID string
	port   int

	Peers chan Peer

	fast atomic.Bool
}

// Start registers this node's service instance and launches the
// background browse loop. The returned Service's Peers channel is
// closed when ctx is cancelled.
func Start(ctx context.Context, peerID string, port int, alias string) (*Service, error) {
	localIP, err := localNonLoopbackIPv4()
	if err != nil {
		return nil, fmt.Errorf("mdnssd: determine local ip: %w", err)
	}
	hostname := validHostname(peerID)

	txt := []string{
		"version=1.0.0",
		"peer_id=" + peerID,
		"protocol=rchat/1.0",
	}
	if alias != "" {
		txt = append(txt, "alias="+alias)
	}

	server, err := zeroconf.Register(peerID, serviceType, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdnssd: register: %w", err)
	}
	log.Printf("[mdnssd] advertising as %s (host %s, ip %s) on port %d", peerID, hostname, localIP, port)

	s := &Service{peerID: peerID, port: port, Peers: make(chan Peer, peerChanCapacity)}

	go s.browseLoop(ctx, server)
	return s, nil
}

// SetFastDiscovery toggles the 5-second requery interval on or off;
// the only piece of module-level mutable state this package carries.
func (s *Service) SetFastDiscovery(on bool) {
	s.fast.Store(on)
}

func (s *Service) interval() time.Duration {
	if s.fast.Load() {
		return fastInterval
	}
	return normalInterval
}

func (s *Service) browseLoop(ctx context.Context, server *zeroconf.Server) {
	defer server.Shutdown()
	defer close(s.Peers)

	for {
		s.browseOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval()):
		}
	}
}

func (s *Service) browseOnce(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		log.Printf("[mdnssd] resolver init failed: %v", err)
		return
	}

	browseCtx, cancel := context.WithTimeout(ctx, s.interval())
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, peerChanCapacity)
	go func() {
		for entry := range entries {
			s.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(browseCtx, serviceType, domain, entries); err != nil {
		log.Printf("[mdnssd] browse failed: %v", err)
		return
	}
	<-browseCtx.Done()
}

func (s *Service) handleEntry(entry *zeroconf.ServiceEntry) {
	props := parseTXT(entry.Text)
	discoveredPeerID := props["peer_id"]
	if discoveredPeerID == "" {
		discoveredPeerID = strings.SplitN(entry.Instance, ".", 2)[0]
	}
	if discoveredPeerID == s.peerID {
		return
	}

	addrs := collectAddresses(entry)
	if len(addrs) == 0 {
		return
	}

	peer := Peer{PeerID: discoveredPeerID, Addresses: addrs}
	select {
	case s.Peers <- peer:
	default:
		log.Printf("[mdnssd] peer channel full, dropping discovery for %s", discoveredPeerID)
	}
}

func collectAddresses(entry *zeroconf.ServiceEntry) []string {
	var out []string
	for _, ip := range entry.AddrIPv4 {
		resolved := substituteUnspecified(ip, entry.HostName)
		if resolved == nil || resolved.IsLoopback() {
			continue
		}
		out = append(out, fmt.Sprintf("/ip4/%s/tcp/%d", resolved, entry.Port))
	}
	for _, ip := range entry.AddrIPv6 {
		if ip.IsLoopback() {
			continue
		}
		out = append(out, fmt.Sprintf("/ip6/%s/tcp/%d", ip, entry.Port))
	}
	return out
}

// substituteUnspecified resolves the advertised host name via DNS and
// returns a non-loopback IPv4 when the discovered address is the
// unspecified 0.0.0.0.
func substituteUnspecified(ip net.IP, hostName string) net.IP {
	if !ip.Equal(net.IPv4zero) {
		return ip
	}
	addrs, err := net.LookupHost(strings.TrimSuffix(hostName, "."))
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		resolved := net.ParseIP(a)
		if resolved != nil && resolved.To4() != nil && !resolved.IsLoopback() {
			return resolved
		}
	}
	return nil
}

func parseTXT(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, kv := range text {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// validHostname turns a peer id into a DNS-valid label, prefixing
// "rchat-" when the natural label would start with a digit (DNS
// labels must start with a letter).
func validHostname(peerID string) string {
	if peerID == "" || unicode.IsDigit(rune(peerID[0])) {
		n := len(peerID)
		if n > 12 {
			n = 12
		}
		return "rchat-" + peerID[:n]
	}
	if len(peerID) > 32 {
		return peerID[:32]
	}
	return peerID
}

func localNonLoopbackIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			return ip, nil
		}
	}
	return nil, fmt.Errorf("mdnssd: no non-loopback IPv4 interface found on %s", hostnameOrUnknown())
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
