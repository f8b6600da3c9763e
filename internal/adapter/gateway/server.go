package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"grist-agent/internal/infra/config"
	"grist-agent/internal/infra/middleware"
)

// Server is the HTTP gateway in front of the chat API.
type Server struct {
	cfg       config.GatewayConfig
	handler   *Handler
	auth      Authenticator
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
}

// NewServer creates a gateway server.
func NewServer(cfg config.GatewayConfig, handler *Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		ready:   make(chan struct{}),
	}
	// Avoid storing a typed nil in the interface.
	if auth := NewStaticTokenAuth(cfg.Auth.Tokens); auth != nil {
		s.auth = auth
	}
	return s
}

// Handler builds the full middleware chain around the API routes. The rate
// limiter's cleanup goroutine lives as long as ctx.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	s.handler.Routes(mux)

	// Health stays reachable without a service token.
	api := requireServiceToken(s.auth)(mux)
	root := http.NewServeMux()
	root.Handle("/api/v1/health", mux)
	root.Handle("/", api)

	return middleware.Chain(root,
		middleware.RequestID,
		middleware.SecurityHeaders,
		middleware.CORS(s.cfg.CORSOrigins),
		middleware.RateLimit(ctx, s.cfg.RateLimit.RequestsPerMin, s.cfg.RateLimit.Burst),
	)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	close(s.ready)

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the actual address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string { return s.boundAddr }
