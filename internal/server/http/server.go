package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tracedash/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// Server runs an http.Server until its context ends.
type Server struct {
	name       string
	httpServer *http.Server
	logger     logging.Logger
}

// NewServer creates a server named name listening on addr.
func NewServer(name, addr string, handler http.Handler, logger logging.Logger) *Server {
	return &Server{
		name: name,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logging.OrNop(logger),
	}
}

// Run listens and serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", s.name, s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("%s listening on %s", s.name, listener.Addr())
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", s.name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Stopping %s", s.name)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s: shutdown: %w", s.name, err)
	}
	return nil
}
