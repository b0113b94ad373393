package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	x402 "github.com/x402-io/facilitator"
	"github.com/x402-io/facilitator/internal/cache"
	"github.com/x402-io/facilitator/internal/config"
	"github.com/x402-io/facilitator/internal/health"
	"github.com/x402-io/facilitator/internal/metrics"
	"github.com/x402-io/facilitator/internal/ratelimit"
	"github.com/x402-io/facilitator/internal/tracking"
)

// Version is the service version (set at build time)
var Version = "dev"

// Facilitator defines the interface for the x402 facilitator
type Facilitator interface {
	Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*x402.SettleResponse, error)
	GetSupported() x402.SupportedResponse
}

// Server is the HTTP server for the facilitator
type Server struct {
	mux          *http.ServeMux
	httpServer   *http.Server
	facilitator  Facilitator
	config       *config.Config
	metrics      *metrics.Metrics
	health       *health.Checker
	tracking     *tracking.Engine
	limiter      ratelimit.Limiter
	shutdownHook func()
}

// New creates a new facilitator server. tracking may be nil, in which case
// /verify and /settle calls aren't audited (not recommended outside tests).
func New(
	facilitator Facilitator,
	redisClient *cache.Client,
	cfg *config.Config,
	trackingEngine *tracking.Engine,
) *Server {
	m := metrics.New()
	healthChecker := health.NewChecker(redisClient, Version)

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	s := &Server{
		mux:         http.NewServeMux(),
		facilitator: facilitator,
		config:      cfg,
		metrics:     m,
		health:      healthChecker,
		tracking:    trackingEngine,
		limiter:     limiter,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all routes and wraps them in the middleware chain.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.health.HealthHandler)
	s.mux.HandleFunc("/ready", s.health.ReadyHandler)
	s.mux.Handle("/metrics", s.metrics.Handler())

	auth := BearerAuthMiddleware(s.config.BearerTokens, s.config.AuthRealm)

	verify := http.Handler(http.HandlerFunc(s.handleVerify))
	settle := http.Handler(http.HandlerFunc(s.handleSettle))
	if s.limiter != nil {
		rl := RateLimitMiddleware(s.limiter)
		verify = rl(verify)
		settle = rl(settle)
	}

	s.mux.Handle("/verify", auth(verify))
	s.mux.Handle("/settle", auth(settle))
	s.mux.HandleFunc("/supported", s.handleSupported)
}

// Handler returns the fully wrapped root handler (routes plus the ambient
// request-id/logging/CORS/metrics middleware chain), for use by both Start
// and tests that want an httptest.Server without a real listener.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.metrics.Middleware(h)
	h = CORSMiddleware(h)
	h = LoggingMiddleware(h)
	h = RequestIDMiddleware(h)
	return h
}

// SetShutdownHook registers a callback run after the HTTP listener has
// stopped accepting new requests but before Start returns, so the caller
// can stop background loops (auto-prune, sweeper) and release pooled
// resources (DB, Redis) per the §6 shutdown contract.
func (s *Server) SetShutdownHook(hook func()) {
	s.shutdownHook = hook
}

// Start starts the HTTP server and blocks until a shutdown signal arrives.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting facilitator server on port %d", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	s.waitForShutdown()
}

// waitForShutdown waits for interrupt signal and gracefully shuts down
func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	if s.shutdownHook != nil {
		s.shutdownHook()
	}

	log.Println("Server stopped")
}
