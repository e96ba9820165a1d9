package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driving"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/services"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string

	// Services
	connectService driving.ConnectService
	statusService  driving.StatusService
	reconciler     *services.Reconciler
	hub            *services.CallbackHub

	// Infrastructure
	auth        driven.AuthAdapter
	connections driven.ConnectionStore
	db          Pinger // PostgreSQL health check
	redisClient Pinger // Redis health check (optional)
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Version string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:    "0.0.0.0",
		Port:    8080,
		Version: "dev",
	}
}

// NewServer creates a new HTTP server
func NewServer(
	cfg Config,
	connectService driving.ConnectService,
	statusService driving.StatusService,
	reconciler *services.Reconciler,
	hub *services.CallbackHub,
	auth driven.AuthAdapter,
	connections driven.ConnectionStore,
	db Pinger,
	redisClient Pinger, // can be nil
) *Server {
	s := &Server{
		router:         http.NewServeMux(),
		version:        cfg.Version,
		connectService: connectService,
		statusService:  statusService,
		reconciler:     reconciler,
		hub:            hub,
		auth:           auth,
		connections:    connections,
		db:             db,
		redisClient:    redisClient,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // callback long-poll can hold a request open
		IdleTimeout:  60 * time.Second,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Create middleware
	authMiddleware := NewAuthMiddleware(s.auth)

	// Health endpoints (no auth)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)

	// Provider callback (public: the broker redirects the browser here)
	s.router.HandleFunc("GET /api/v1/broker/callback", s.handleCallback)

	// Connection lifecycle (authenticated)
	s.router.Handle("POST /api/v1/broker/connect",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleConnect)))
	s.router.Handle("GET /api/v1/broker/connections",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleListConnections)))
	s.router.Handle("DELETE /api/v1/broker/connections/{id}",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleDisconnect)))

	// Status and verification (authenticated)
	s.router.Handle("GET /api/v1/broker/connections/{id}/status",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleStatus)))
	s.router.Handle("POST /api/v1/broker/connections/{id}/verify",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleVerify)))

	// Direct token update (authenticated; used by login automation)
	s.router.Handle("POST /api/v1/broker/token/update",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleTokenUpdate)))

	// Callback long-poll for popup-less UIs (authenticated)
	s.router.Handle("GET /api/v1/broker/attempts/{state}/wait",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleAttemptWait)))
}

// Start starts the HTTP server with graceful shutdown
func (s *Server) Start() error {
	// Channel to listen for OS signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-stop
	log.Println("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Attempt graceful shutdown
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}
