// Command rchat-node is the composition root: it opens the local
// stores, brings up the libp2p swarm and mDNS/rendezvous discovery
// loops, starts the network manager's event loop, and serves the
// localhost debug surface, mirroring the teacher's main.go
// flags-then-wire-everything-then-block shape.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rchat-p2p/node/internal/config"
	"github.com/rchat-p2p/node/internal/crypto"
	"github.com/rchat-p2p/node/internal/debugapi"
	"github.com/rchat-p2p/node/internal/discovery"
	"github.com/rchat-p2p/node/internal/hks"
	"github.com/rchat-p2p/node/internal/manager"
	"github.com/rchat-p2p/node/internal/mdnssd"
	"github.com/rchat-p2p/node/internal/objectstore"
	"github.com/rchat-p2p/node/internal/rendezvous"
	"github.com/rchat-p2p/node/internal/store"
	"github.com/rchat-p2p/node/internal/swarm"
)

func main() {
	var (
		port       int
		debugAddr  string
		dataDir    string
		passEnv    = "RCHAT_PASSPHRASE"
		token      string
	)
	flag.IntVar(&port, "port", 4001, "libp2p + mDNS listen port")
	flag.StringVar(&debugAddr, "debug-addr", "127.0.0.1:7777", "localhost debug HTTP surface address")
	flag.StringVar(&dataDir, "data-dir", "", "override the default ~/.rchat storage directory")
	flag.Parse()

	pass := os.Getenv(passEnv)
	if pass == "" {
		log.Fatalf("passphrase missing: set %s", passEnv)
	}
	token = os.Getenv("RCHAT_DIRECTORY_TOKEN")

	paths, err := resolvePaths(dataDir)
	if err != nil {
		log.Fatalf("storage paths: %v", err)
	}

	cfg, err := config.Open(paths.configPath, []byte(pass))
	if err != nil {
		log.Fatalf("open config: %v", err)
	}

	signingKey, encSK, encPub, err := loadOrCreateIdentity(cfg)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	st, err := store.Open(paths.dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	objs, err := objectstore.New(st.DB(), paths.chunkDir)
	if err != nil {
		log.Fatalf("open object store: %v", err)
	}

	dir := rendezvous.New(token)

	tree, err := loadOrCreateTree(cfg, encSK)
	if err != nil {
		log.Fatalf("hks tree: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw, err := swarm.New(ctx, swarm.Config{Port: port}, signingKey)
	if err != nil {
		log.Fatalf("start swarm: %v", err)
	}
	defer sw.Close()
	log.Printf("[rchat-node] peer id: %s", sw.ID())

	mdns, err := mdnssd.Start(ctx, sw.ID().String(), port, cfg.Alias())
	if err != nil {
		log.Fatalf("start mdns: %v", err)
	}

	pump := discovery.New(dir, cfg, encSK, base64.StdEncoding.EncodeToString(encPub[:]))
	go pump.Run(ctx)

	mgr := manager.New(sw, st, objs, dir, cfg, tree, signingKey, encSK, encPub, mdns.Peers, pump.Addrs, mdns.SetFastDiscovery)

	dbg := debugapi.New(debugAddr, sw, st)
	if err := dbg.Start(); err != nil {
		log.Fatalf("start debug api: %v", err)
	}
	defer dbg.Close()

	go mgr.Run(ctx)
	go logEvents(mgr)

	log.Printf("[rchat-node] running (debug surface on %s)", debugAddr)
	waitForShutdown(cancel)
}

func logEvents(mgr *manager.Manager) {
	for ev := range mgr.Events {
		log.Printf("[event] kind=%s peer=%s chat=%s msg=%s", ev.Kind, ev.PeerID, ev.ChatID, ev.Message)
	}
}

func waitForShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("[rchat-node] shutting down")
	cancel()
}

type storagePaths struct {
	baseDir    string
	configPath string
	dbPath     string
	chunkDir   string
}

func resolvePaths(override string) (storagePaths, error) {
	base := override
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return storagePaths{}, fmt.Errorf("user home dir: %w", err)
		}
		base = filepath.Join(home, ".rchat")
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return storagePaths{}, fmt.Errorf("create storage dir: %w", err)
	}
	chunkDir := filepath.Join(base, "chunks")
	return storagePaths{
		baseDir:    base,
		configPath: filepath.Join(base, "rchat.config"),
		dbPath:     filepath.Join(base, "rchat.db"),
		chunkDir:   chunkDir,
	}, nil
}

// loadOrCreateIdentity returns the node's signing and encryption
// identities, generating and persisting them to cfg on first run.
func loadOrCreateIdentity(cfg *config.Store) (ed25519.PrivateKey, [32]byte, [32]byte, error) {
	identB64, encB64 := cfg.Identity()
	if identB64 != "" && encB64 != "" {
		signingKey, err := base64.StdEncoding.DecodeString(identB64)
		if err != nil {
			return nil, [32]byte{}, [32]byte{}, fmt.Errorf("decode identity key: %w", err)
		}
		encSeed, err := base64.StdEncoding.DecodeString(encB64)
		if err != nil || len(encSeed) != 32 {
			return nil, [32]byte{}, [32]byte{}, fmt.Errorf("decode encryption key: %w", err)
		}
		var encSK [32]byte
		copy(encSK[:], encSeed)
		encPub, err := crypto.X25519PublicFromPrivate(encSK)
		if err != nil {
			return nil, [32]byte{}, [32]byte{}, fmt.Errorf("rederive encryption pubkey: %w", err)
		}
		return ed25519.PrivateKey(signingKey), encSK, encPub, nil
	}

	_, signingKey, err := crypto.NewEd25519Identity()
	if err != nil {
		return nil, [32]byte{}, [32]byte{}, fmt.Errorf("generate signing identity: %w", err)
	}
	encPub, encSK, err := crypto.NewX25519Identity()
	if err != nil {
		return nil, [32]byte{}, [32]byte{}, fmt.Errorf("generate encryption identity: %w", err)
	}
	if err := cfg.SetIdentity(
		base64.StdEncoding.EncodeToString(signingKey),
		base64.StdEncoding.EncodeToString(encSK[:]),
	); err != nil {
		return nil, [32]byte{}, [32]byte{}, fmt.Errorf("persist identity: %w", err)
	}
	return signingKey, encSK, encPub, nil
}

// loadOrCreateTree restores a persisted HKS tree (if rchat.config
// carries one) or builds a fresh one, then reconciles the roster
// against the current friend list — friends added to config since the
// tree was last saved still need AddFriend run against them.
func loadOrCreateTree(cfg *config.Store, encSK [32]byte) (*hks.Tree, error) {
	nodeStrs, rosterJSON := cfg.TreeSnapshot()

	var tree *hks.Tree
	if len(nodeStrs) > 0 {
		nodes := make([][32]byte, len(nodeStrs))
		for i, s := range nodeStrs {
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil || len(raw) != 32 {
				return nil, fmt.Errorf("decode tree node %d: %w", i, err)
			}
			copy(nodes[i][:], raw)
		}
		roster := make(map[string]hks.FriendEntry)
		if len(rosterJSON) > 0 {
			if err := json.Unmarshal(rosterJSON, &roster); err != nil {
				return nil, fmt.Errorf("decode tree roster: %w", err)
			}
		}
		tree = hks.Restore(nodes, roster)
	} else {
		var err error
		tree, err = hks.New()
		if err != nil {
			return nil, fmt.Errorf("generate tree: %w", err)
		}
	}

	changed := false
	for _, f := range cfg.Friends() {
		if _, ok := tree.Roster[f.X25519PubKey]; ok {
			continue
		}
		if err := tree.AddFriend(f.Username, f.X25519PubKey, encSK); err != nil {
			log.Printf("[rchat-node] add friend %s to tree: %v", f.Username, err)
			continue
		}
		changed = true
	}
	if changed || len(nodeStrs) == 0 {
		if err := saveTree(cfg, tree); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func saveTree(cfg *config.Store, tree *hks.Tree) error {
	nodeStrs := make([]string, len(tree.Nodes))
	for i, n := range tree.Nodes {
		nodeStrs[i] = base64.StdEncoding.EncodeToString(n[:])
	}
	rosterJSON, err := json.Marshal(tree.Roster)
	if err != nil {
		return fmt.Errorf("marshal tree roster: %w", err)
	}
	return cfg.SaveTreeSnapshot(nodeStrs, rosterJSON)
}
