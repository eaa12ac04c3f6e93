package relay

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

	"hand-relay/internal/hub"
	"hand-relay/internal/models"
)

const (
	// Time allowed to write a control frame
	writeWait = 10 * time.Second

	// Time allowed to read the next frame from the producer
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Producers connect from extension pages with arbitrary origins.
		return true
	},
}

// Snapshot is the /stats payload.
type Snapshot struct {
	Hub      hub.Stats `json:"hub"`
	Usage    int64     `json:"usage"`
	Channels int       `json:"channels"`
}

// Server exposes the host channel endpoint next to health and stats.
type Server struct {
	service *Service
	logger  *slog.Logger
	http    *http.Server

	mu       sync.Mutex
	channels map[*websocket.Conn]string
	listener net.Listener
}

func NewServer(addr string, service *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service:  service,
		logger:   logger,
		channels: make(map[*websocket.Conn]string),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", s.serveChannel)
	mux.HandleFunc("/stats", s.serveStats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("[RELAY] Relay server starting", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[RELAY] Relay server stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and closes open host channels.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	for conn := range s.channels {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.logger.Warn("[RELAY] Channel name missing", "from", r.RemoteAddr)
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("[RELAY] Failed to upgrade channel", "name", name, "error", err)
		return
	}

	s.mu.Lock()
	s.channels[conn] = name
	open := len(s.channels)
	s.mu.Unlock()
	s.logger.Info("[RELAY] Host channel connected", "name", name, "from", r.RemoteAddr, "channels", open)

	done := make(chan struct{})
	go s.ping(conn, done)
	s.readChannel(r.Context(), conn, name)
	close(done)

	s.mu.Lock()
	delete(s.channels, conn)
	s.mu.Unlock()
	conn.Close()
	s.logger.Info("[RELAY] Host channel disconnected", "name", name)
}

// readChannel handles frames one at a time, in arrival order.
func (s *Server) readChannel(ctx context.Context, conn *websocket.Conn, name string) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("[RELAY] Unexpected channel close", "name", name, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg models.HostMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("[RELAY] Dropping unreadable host message", "name", name, "error", err)
			continue
		}
		s.service.HandleMessage(ctx, msg)
	}
}

func (s *Server) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("[RELAY] Failed to ping channel", "error", err)
				return
			}
		}
	}
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	hubStats, err := s.service.publisher.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	usage, err := s.service.usage.Usage(r.Context())
	if err != nil {
		s.logger.Warn("[RELAY] Usage counter unreadable", "error", err)
	}

	s.mu.Lock()
	snap := Snapshot{Hub: hubStats, Usage: usage, Channels: len(s.channels)}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("[RELAY] Failed to write stats", "error", err)
	}
}
