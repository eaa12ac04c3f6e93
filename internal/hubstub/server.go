// Package hubstub is a development hub and token service. It speaks the same
// protocol the relay's publisher expects, so the whole pipeline can run on one
// machine.
package hubstub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"hand-relay/internal/auth"
	"hand-relay/internal/models"
	"hand-relay/internal/token"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Options struct {
	Issuer *auth.Issuer
	// DeniedRooms answer 401 at the token endpoint.
	DeniedRooms []string
	// RedisURL switches fan-out to Redis pub/sub when set.
	RedisURL string
	// OnEnvelope observes every envelope a publisher delivers.
	OnEnvelope func(room string, env models.Envelope)
	Logger     *slog.Logger
}

type Server struct {
	issuer     *auth.Issuer
	hub        *Hub
	broker     Broker
	onEnvelope func(room string, env models.Envelope)
	logger     *slog.Logger
	http       *http.Server
	cancel     context.CancelFunc

	mu       sync.RWMutex
	denied   map[string]bool
	listener net.Listener
}

// NewServer starts the hub loop and, if configured, the Redis subscription.
func NewServer(ctx context.Context, addr string, opts Options) (*Server, error) {
	if opts.Issuer == nil {
		return nil, errors.New("hubstub: token issuer required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hub := NewHub(logger)
	var broker Broker = NewLocalBroker(hub.Broadcast)
	if opts.RedisURL != "" {
		rb, err := NewRedisBroker(ctx, opts.RedisURL, hub.Broadcast, logger)
		if err != nil {
			return nil, err
		}
		broker = rb
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go hub.Run(runCtx)

	s := &Server{
		issuer:     opts.Issuer,
		hub:        hub,
		broker:     broker,
		onEnvelope: opts.OnEnvelope,
		logger:     logger,
		cancel:     cancel,
		denied:     make(map[string]bool),
	}
	for _, room := range opts.DeniedRooms {
		s.denied[room] = true
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) Hub() *Hub { return s.hub }

// Deny makes the token endpoint reject room until Allow is called.
func (s *Server) Deny(room string) {
	s.mu.Lock()
	s.denied[room] = true
	s.mu.Unlock()
}

func (s *Server) Allow(room string) {
	s.mu.Lock()
	delete(s.denied, room)
	s.mu.Unlock()
}

func (s *Server) isDenied(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.denied[room]
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.serveToken)
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("[HUBSTUB] Hub server starting", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[HUBSTUB] Hub server stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server, drops every socket and closes the broker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.cancel()
	if cerr := s.broker.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req token.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Room == "" || (req.Role != RolePublisher && req.Role != RoleSubscriber) {
		http.Error(w, "room and role required", http.StatusBadRequest)
		return
	}

	if s.isDenied(req.Room) {
		s.logger.Warn("[HUBSTUB] Token denied", "room", req.Room, "publisherId", req.PublisherId)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	signed, err := s.issuer.Issue(req.Room, req.Role, req.PublisherId)
	if err != nil {
		s.logger.Error("[HUBSTUB] Failed to issue token", "room", req.Room, "error", err)
		http.Error(w, "token unavailable", http.StatusInternalServerError)
		return
	}

	s.logger.Info("[HUBSTUB] Token issued", "room", req.Room, "role", req.Role, "publisherId", req.PublisherId)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": signed})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	room := r.URL.Query().Get("room")
	role := r.URL.Query().Get("role")

	tok := auth.ExtractTokenFromRequest(r)
	if tok == "" {
		s.logger.Warn("[HUBSTUB] No token provided", "from", remoteAddr)
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	claims, err := s.issuer.Validate(tok)
	if err != nil {
		s.logger.Warn("[HUBSTUB] Token validation failed", "from", remoteAddr, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	if room == "" || claims.Room != room || claims.Role != role {
		s.logger.Warn("[HUBSTUB] Token does not cover request", "room", room, "role", role, "tokenRoom", claims.Room, "tokenRole", claims.Role)
		http.Error(w, "Forbidden: token scope mismatch", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("[HUBSTUB] Failed to upgrade connection", "room", room, "error", err)
		return
	}

	client := &Client{
		hub:         s.hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		room:        room,
		role:        role,
		publisherId: claims.PublisherId,
		onMessage:   s.handlePublished,
		logger:      s.logger,
	}
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handlePublished(c *Client, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("[HUBSTUB] Dropping unreadable envelope", "room", c.room, "error", err)
		return
	}
	if env.Type != models.EnvelopeTypeHand {
		s.logger.Warn("[HUBSTUB] Dropping envelope of unknown type", "room", c.room, "type", env.Type)
		return
	}
	if env.PublisherId != c.publisherId {
		// Publishers fall back to an unpersisted identity when their store is down.
		s.logger.Warn("[HUBSTUB] Envelope publisher differs from token", "room", c.room,
			"publisherId", env.PublisherId, "tokenPublisherId", c.publisherId)
	}

	if s.onEnvelope != nil {
		s.onEnvelope(c.room, env)
	}
	if err := s.broker.Publish(context.Background(), c.room, data); err != nil {
		s.logger.Error("[HUBSTUB] Fan-out failed", "room", c.room, "error", err)
	}
}
