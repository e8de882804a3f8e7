package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/hash"
	"github.com/zde37/kadnet/pkg/kademlia"
)

// lookups started from the API give up after this long
const lookupTimeout = 30 * time.Second

// Node is the part of a running DHT the API reports on.
type Node interface {
	LocalID() hash.Key
	LocalAddress() string
	IsBootstrapped() bool
	NumPeers() int
	Peers() []kademlia.Peer
	Siblings() []kademlia.Peer
	Buckets() []kademlia.BucketInfo
	ClosestPeers(ctx context.Context, key hash.Key) ([]kademlia.Peer, error)
	StoredKeys(ctx context.Context, itemType string) ([]hash.Key, error)
}

// Server represents the HTTP status API server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	node       Node
	metrics    http.Handler
	itemType   string
	logger     *pkg.Logger
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort int
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// ItemType is listed by /api/items when no type parameter is given.
	ItemType string
}

// NodeInfo is the /api/node response.
type NodeInfo struct {
	ID           hash.Key        `json:"id"`
	Address      string          `json:"address"`
	Bootstrapped bool            `json:"bootstrapped"`
	Peers        int             `json:"peers"`
	Buckets      int             `json:"buckets"`
	Siblings     []kademlia.Peer `json:"siblings"`
}

// ClosestResponse is the /api/closest response.
type ClosestResponse struct {
	Key   hash.Key        `json:"key"`
	Peers []kademlia.Peer `json:"peers"`
	Took  string          `json:"took"`
}

// ItemsResponse is the /api/items response.
type ItemsResponse struct {
	Type string     `json:"type"`
	Keys []hash.Key `json:"keys"`
}

// NewServer creates the API server for node. Events published to hub are
// streamed to WebSocket clients.
func NewServer(cfg *Config, node Node, hub *WebSocketHub, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if hub == nil {
		hub = NewWebSocketHub(logger)
	}

	return &Server{
		logger:   logger.Component("http_api"),
		node:     node,
		wsHub:    hub,
		metrics:  cfg.Metrics,
		itemType: cfg.ItemType,
	}, nil
}

// Handler returns the HTTP routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /api/node", s.nodeHandler)
	mux.HandleFunc("GET /api/peers", s.peersHandler)
	mux.HandleFunc("GET /api/buckets", s.bucketsHandler)
	mux.HandleFunc("GET /api/closest", s.closestHandler)
	mux.HandleFunc("GET /api/items", s.itemsHandler)
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and the WebSocket hub. Port 0 picks a free
// port; see Addr.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s.listener = ln

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: lookupTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"bootstrapped": s.node.IsBootstrapped(),
	})
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NodeInfo{
		ID:           s.node.LocalID(),
		Address:      s.node.LocalAddress(),
		Bootstrapped: s.node.IsBootstrapped(),
		Peers:        s.node.NumPeers(),
		Buckets:      len(s.node.Buckets()),
		Siblings:     orEmpty(s.node.Siblings()),
	})
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, orEmpty(s.node.Peers()))
}

func (s *Server) bucketsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Buckets())
}

// closestHandler runs a network lookup for ?key=<hex> or, failing that, the
// hash of ?name=.
func (s *Server) closestHandler(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	start := time.Now()
	peers, err := s.node.ClosestPeers(ctx, key)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ClosestResponse{
		Key:   key,
		Peers: orEmpty(peers),
		Took:  time.Since(start).String(),
	})
}

// itemsHandler lists the keys this node stores for ?type=, or the configured
// default type.
func (s *Server) itemsHandler(w http.ResponseWriter, r *http.Request) {
	itemType := r.URL.Query().Get("type")
	if itemType == "" {
		itemType = s.itemType
	}
	if itemType == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("type parameter required"))
		return
	}

	keys, err := s.node.StoredKeys(r.Context(), itemType)
	switch {
	case errors.Is(err, pkg.ErrNoHandler):
		s.writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, pkg.ErrNotListable):
		s.writeError(w, http.StatusNotImplemented, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if keys == nil {
		keys = []hash.Key{}
	}
	s.writeJSON(w, http.StatusOK, ItemsResponse{Type: itemType, Keys: keys})
}

func keyParam(r *http.Request) (hash.Key, error) {
	q := r.URL.Query()
	if k := q.Get("key"); k != "" {
		return hash.ParseHex(k)
	}
	if name := q.Get("name"); name != "" {
		return hash.HashString(name), nil
	}
	return hash.Key{}, fmt.Errorf("key or name parameter required")
}

func orEmpty(peers []kademlia.Peer) []kademlia.Peer {
	if peers == nil {
		return []kademlia.Peer{}
	}
	return peers
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
