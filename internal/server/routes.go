package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the full HTTP surface: auth, rooms, live subscriptions,
// search, admin, and operational endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.With(s.requireAuth).Get("/session", s.handleSession)
	})

	r.Route("/rooms", func(r chi.Router) {
		// WebSocket upgrades authenticate inside the handler: the
		// credential rides the query string, not the Authorization header.
		r.Get("/{roomID}/ws", s.handleRoomSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/", s.handleListRooms)
			r.Post("/", s.handleCreateRoom)
			r.With(s.requireAdmin).Delete("/{roomID}", s.handleDeleteRoom)
			r.Get("/{roomID}/messages", s.handleRoomHistory)
			r.Post("/{roomID}/messages", s.handlePostMessage)
		})
	})

	r.Get("/ws/rooms", s.handleControlSocket)

	r.With(s.requireAuth).Get("/messages", s.handleSearchMessages)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/users", s.handleListUsers)
		r.Get("/pending", s.handleListPending)
		r.Post("/pending/{username}/approve", s.handleApproveUser)
		r.Delete("/pending/{username}", s.handleRejectUser)
		r.Put("/users/{username}/role", s.handleSetUserRole)
		r.Put("/registration", s.handleSetRegistrationMode)
		r.Post("/invites", s.handleCreateInvite)
		r.Get("/invites", s.handleListInvites)
		r.Delete("/invites/{token}", s.handleDeleteInvite)
	})

	return r
}
