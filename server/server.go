// Package server implements the chat gateway: the REST surface the client
// SDK calls and the websocket hub that pushes realtime events back out.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

type Server struct {
	config *Config
	store  *Store
	hub    *Hub
	logger *slog.Logger

	handler http.Handler
}

type ServerOption func(*Server)

func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(config *Config, db *sql.DB, opts ...ServerOption) *Server {
	s := &Server{
		config: config,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = NewStore(db)
	s.hub = NewHub(s.store, config.Auth.Secret, s.logger)
	s.handler = s.routes()
	return s
}

// Handler returns the gateway's full HTTP handler, websocket endpoint
// included. Tests mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub exposes the realtime hub so out-of-band producers (matching, admin
// tooling) can push events.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() http.Handler {
	root := chi.NewRouter()
	root.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	root.Handle("/ws", s.hub)
	root.Handle("/uploads/*", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(s.config.UploadDir))))

	api := newMux(chi.NewRouter(), s.logger)
	api.Route("/users", func(r *mux) {
		r.Post("/", s.signupHandler)
		r.Post("/signin", s.signinHandler)
	})
	api.Route("/conversations", func(r *mux) {
		r.Use(jwtMiddleware(s.config.Auth.Secret))
		r.Get("/", s.conversationsHandler)
		r.Get("/{conversationID}/messages", s.messagesHandler)
		r.Post("/{conversationID}/messages", s.sendMessageHandler)
		r.Post("/{conversationID}/read", s.markReadHandler)
	})
	api.With(jwtMiddleware(s.config.Auth.Secret)).Post("/matches", s.createMatchHandler)

	root.Mount("/api", api)
	return root
}

// Start runs the gateway until the context is cancelled, then shuts down
// gracefully: the listener drains with a deadline and the hub closes every
// client connection.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Hostname, s.config.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.logger.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		s.hub.Close()
		done <- err
	}()

	s.logger.Info("server started", slog.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return <-done
}
