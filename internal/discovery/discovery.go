// Package discovery implements the rendezvous pump: every 120 seconds,
// fetch each friend's published blob, HKS-decrypt it, and emit every
// multiaddr line it contains to the manager's address channel.
package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"log"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/rchat-p2p/node/internal/config"
	"github.com/rchat-p2p/node/internal/hks"
	"github.com/rchat-p2p/node/internal/rendezvous"
)

const (
	pumpInterval = 120 * time.Second
	inviteTTL    = 120 * time.Second
)

// cleanExpired filters invitation/shadow-invite lists down to those
// younger than the 120-second TTL, evicted before every publish per
// spec.md §4.6.
func cleanExpired(invites []hks.TrackedInvite, now time.Time) []hks.TrackedInvite {
	out := invites[:0:0]
	for _, inv := range invites {
		if now.Sub(time.Unix(inv.CreatedAt, 0)) < inviteTTL {
			out = append(out, inv)
		}
	}
	return out
}

// Address is one discovered peer address, tagged with the friend
// username it came from for logging/diagnostics.
type Address struct {
	Username string
	Addr     multiaddr.Multiaddr
}

// Pump periodically fetches every friend's rendezvous blob, decrypts
// it with the node's own HKS roster position, and emits discovered
// addresses. Addrs is closed when ctx is cancelled.
type Pump struct {
	dir       *rendezvous.Directory
	cfg       *config.Store
	mySecret  [32]byte
	myPubB64  string

	Addrs chan Address
}

// New builds a Pump. mySecret/myPubB64 are this node's X25519
// encryption identity (mySecret raw, myPubB64 base64 of the matching
// public key), used to locate our roster entry in each friend's blob.
func New(dir *rendezvous.Directory, cfg *config.Store, mySecret [32]byte, myPubB64 string) *Pump {
	return &Pump{
		dir:      dir,
		cfg:      cfg,
		mySecret: mySecret,
		myPubB64: myPubB64,
		Addrs:    make(chan Address, 20),
	}
}

// Run blocks, ticking every 120 seconds, until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) {
	defer close(p.Addrs)
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Pump) pollOnce(ctx context.Context) {
	for _, friend := range p.cfg.Friends() {
		verifyKeyBytes, err := base64.StdEncoding.DecodeString(friend.Ed25519PubKey)
		if err != nil || len(verifyKeyBytes) != ed25519.PublicKeySize {
			continue
		}
		addrs, err := p.fetchFriendPeers(ctx, friend.Username, ed25519.PublicKey(verifyKeyBytes))
		if err != nil {
			log.Printf("[discovery] fetch %s: %v", friend.Username, err)
			continue
		}
		for _, a := range addrs {
			select {
			case p.Addrs <- a:
			default:
				log.Printf("[discovery] address channel full, dropping discovery for %s", friend.Username)
			}
		}
	}
}

func (p *Pump) fetchFriendPeers(ctx context.Context, username string, verifyKey ed25519.PublicKey) ([]Address, error) {
	blobB64, ok, err := p.dir.GetFriend(ctx, username)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	payload, err := hks.Import(blobB64, p.myPubB64, p.mySecret, verifyKey)
	if err != nil {
		return nil, err
	}

	var out []Address
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		addr, err := multiaddr.NewMultiaddr(line)
		if err != nil {
			continue
		}
		out = append(out, Address{Username: username, Addr: addr})
	}
	return out, nil
}

// PublishPeerInfo builds a fresh HKS export carrying this node's
// listen addresses plus any pending invitations/shadow invites, and
// writes it to our own gist (creating it if this is the first
// publish).
func PublishPeerInfo(ctx context.Context, dir *rendezvous.Directory, tree *hks.Tree, signingKey ed25519.PrivateKey, encryptionPub [32]byte, listenAddrs []string, invitations, shadowInvites []hks.TrackedInvite) error {
	payload := strings.Join(listenAddrs, "\n")

	now := time.Now()
	invitations = cleanExpired(invitations, now)
	shadowInvites = cleanExpired(shadowInvites, now)
	if len(invitations) > 0 {
		log.Printf("[discovery] publishing %d pending invitation(s)", len(invitations))
	}

	blob, err := tree.Export(payload, signingKey, encryptionPub, invitations, shadowInvites)
	if err != nil {
		return err
	}

	gistID, found, err := dir.FindMine(ctx)
	if err != nil {
		return err
	}
	if found {
		return dir.UpdateMine(ctx, gistID, blob)
	}
	_, err = dir.CreateMine(ctx, blob)
	return err
}
