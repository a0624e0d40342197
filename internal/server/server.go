package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hearth-chat/hearth/internal/auth"
	"github.com/hearth-chat/hearth/internal/config"
	"github.com/hearth-chat/hearth/internal/store"
)

// Server wires the store, the credential gate, and the live-delivery hubs
// behind one HTTP surface.
type Server struct {
	cfg       config.Config
	store     store.Store
	gate      *auth.Gate
	registrar *auth.Registrar
	rooms     *Rooms
	control   *ControlHub
	upgrader  websocket.Upgrader
}

// New assembles a Server from its configuration and store.
func New(cfg config.Config, st store.Store) *Server {
	cfg = cfg.Sanitized()
	origins := newOriginPolicy(cfg.AllowedOrigins)

	return &Server{
		cfg:       cfg,
		store:     st,
		gate:      auth.NewGate([]byte(cfg.JWTSecret), cfg.TokenTTL, st),
		registrar: auth.NewRegistrar(st),
		rooms:     NewRooms(st),
		control:   NewControlHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// Rooms exposes the room hub registry, mainly for tests and shutdown
// coordination.
func (s *Server) Rooms() *Rooms { return s.rooms }

// Control exposes the control-channel hub.
func (s *Server) Control() *ControlHub { return s.control }

// Shutdown force-closes every live subscription. In-flight HTTP requests
// are the http.Server's concern.
func (s *Server) Shutdown() {
	s.rooms.Shutdown()
	s.control.Shutdown()
}

func (s *Server) newConn(sock *websocket.Conn) *Conn {
	limiter := newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)
	return newConn(sock, s.cfg.SendQueueSize, s.cfg.MaxMessageSize, limiter)
}

// healthHandler reports process liveness.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}
