// Package api serves a small local HTTP console over the running device:
// health, peers, received orders and alerts, and role control.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/store"
	"github.com/luxfi/assist/pkg/transport"
)

// Controller is the role control surface the API drives.
type Controller interface {
	Role() transport.Role
	Started() bool
	SetRole(role transport.Role) error
	Retry() error
	RetryNeeded() bool
	Send(t payload.MessageType, model any) error
}

// PeerLister reports the session's view of its peers.
type PeerLister interface {
	ConnectedPeers() []transport.Peer
	State() transport.SessionState
}

// Options wires the API to the running device. Nil stores disable their
// routes.
type Options struct {
	Addr   string
	Secret string

	Controller Controller
	Peers      PeerLister
	Router     *router.Router

	Orders     *store.OrderManager
	Alerts     *store.AlertInbox
	Profiles   *store.ProfileDesk
	Navigation *store.NavigationDesk
}

type Server struct {
	opts      Options
	jwtSecret []byte
	router    chi.Router
	server    *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{opts: opts, jwtSecret: []byte(opts.Secret)}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(RateLimitMiddleware(120))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/peers", s.handlePeers)
		if opts.Orders != nil {
			r.Get("/orders", s.handleListOrders)
		}
		if opts.Alerts != nil {
			r.Get("/alerts", s.handleListAlerts)
		}
		if opts.Profiles != nil {
			r.Get("/profiles", s.handleListProfiles)
		}
		if opts.Navigation != nil {
			r.Get("/navigation/requests", s.handleListNavigationRequests)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/role", s.handleSetRole)
			r.Post("/retry", s.handleRetry)
			r.Post("/send/{type}", s.handleSend)
			if opts.Orders != nil {
				r.Delete("/orders/{id}", s.handleDeleteOrder)
			}
			if opts.Alerts != nil {
				r.Delete("/alerts", s.handleClearAlerts)
			}
			if opts.Navigation != nil {
				r.Post("/navigation/respond", s.handleNavigationRespond)
			}
		})
	})

	s.router = r
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening. ListenAndServe runs in a goroutine; its error
// (if any) is sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully drains connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
