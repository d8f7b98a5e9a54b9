// Package debugapi serves a localhost-only HTTP surface for
// inspecting a running node: connected peers, swarm status, and a
// chat's message history, grounded on the teacher's http_api.go
// ServeMux-plus-logging-wrapper shape.
package debugapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/rchat-p2p/node/internal/store"
	"github.com/rchat-p2p/node/internal/swarm"
)

// Server exposes /status, /peers, and /chats/{id}/messages over a
// loopback-only HTTP listener.
type Server struct {
	addr      string
	sw        *swarm.Swarm
	st        *store.Store
	startedAt time.Time

	httpServer *http.Server
}

// New builds a Server bound to addr (expected to be a 127.0.0.1 host
// and port, e.g. "127.0.0.1:7777").
func New(addr string, sw *swarm.Swarm, st *store.Store) *Server {
	return &Server{addr: addr, sw: sw, st: st, startedAt: time.Now()}
}

// Start begins serving in the background. Call Close to shut down.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/chats/", s.handleChatMessages)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("debugapi: listen: %w", err)
	}
	if !isLoopback(ln.Addr().String()) {
		ln.Close()
		return fmt.Errorf("debugapi: refusing to bind non-loopback address %q", s.addr)
	}

	s.httpServer = &http.Server{Handler: logRequests(mux)}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[debugapi] serve: %v\n", err)
		}
	}()
	return nil
}

// Close shuts the server down.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func isLoopback(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type statusResponse struct {
	PeerID         string   `json:"peer_id"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	ConnectedPeers int      `json:"connected_peers"`
	Addrs          []string `json:"addrs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := statusResponse{
		PeerID:         s.sw.ID().String(),
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ConnectedPeers: len(s.sw.Host.Network().Peers()),
	}
	for _, a := range s.sw.Host.Addrs() {
		out.Addrs = append(out.Addrs, fmt.Sprintf("%s/p2p/%s", a, out.PeerID))
	}
	writeJSON(w, out)
}

type peerResponse struct {
	ID        string `json:"id"`
	Alias     string `json:"alias"`
	LastSeen  int64  `json:"last_seen"`
	Connected bool   `json:"connected"`
	RTT       string `json:"rtt,omitempty"`
}

// handlePeers serves every peer this node has ever seen (store.Peer
// rows), annotated with live connection state from the swarm.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	known, err := s.st.ListPeers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	connected := make(map[string]bool)
	for _, p := range s.sw.Host.Network().Peers() {
		connected[p.String()] = true
	}

	out := make([]peerResponse, 0, len(known))
	for _, p := range known {
		pr := peerResponse{ID: p.ID, Alias: p.Alias, LastSeen: p.LastSeen, Connected: connected[p.ID]}
		if id, err := peer.Decode(p.ID); err == nil {
			if rtt, ok := s.sw.RTT(id); ok {
				pr.RTT = rtt.String()
			}
		}
		out = append(out, pr)
	}
	writeJSON(w, out)
}

// handleChatMessages serves GET /chats/{id}/messages.
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/chats/")
	chatID, rest, ok := strings.Cut(path, "/")
	if !ok || rest != "messages" || chatID == "" {
		http.NotFound(w, r)
		return
	}
	msgs, err := s.st.MessagesByChat(chatID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, msgs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		fmt.Printf("[debugapi] %s %s (%s)\n", r.Method, r.URL.Path, time.Since(start))
	})
}
