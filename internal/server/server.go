package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pineappletours/tourcache/internal/config"
)

// Server runs the cache API listener and drains it on shutdown.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
	once            sync.Once
}

// New binds handler to server.listen. Timeouts come from the same block; the write
// timeout is validated against the upstream fetch timeout so a cold miss can finish.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	listen := cfg.Server.Listen
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(listen.Address, strconv.Itoa(listen.Port)),
		Handler:           handler,
		ReadHeaderTimeout: listen.ReadHeaderTimeout(),
		WriteTimeout:      listen.WriteTimeout(),
		IdleTimeout:       listen.IdleTimeout(),
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		httpServer:      httpSrv,
		logger:          logger.With(slog.String("agent", "http_server")),
		shutdownTimeout: listen.ShutdownTimeout(),
	}, nil
}

// Run serves until ctx ends, then gives in-flight requests the shutdown timeout to
// finish. It returns ctx.Err() after a clean drain and the listener error otherwise.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down", slog.Duration("timeout", s.shutdownTimeout))
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server: shutdown: %w", err)
		}
	})
	return shutdownErr
}
