package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server is a running HTTP service.
type Server struct {
	name   string
	srv    *http.Server
	ln     net.Listener
	ctx    context.Context
	logger *zap.Logger
}

// Start listens on host:port and serves handler in the background. The context returned
// by Server.Context is cancelled once the server stops for any reason.
func Start(ctx context.Context, name, host, port string, handler http.Handler, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	logger.Info("starting service", zap.String("service", name), zap.String("addr", ln.Addr().String()))

	s := &Server{
		name: name,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}
	s.ctx = startService(ctx, s)
	return s, nil
}

func startService(ctx context.Context, s *Server) context.Context {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()
		err := s.srv.Serve(s.ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("service stopped", zap.String("service", s.name), zap.Error(err))
			return
		}
		s.logger.Info("service stopped", zap.String("service", s.name))
	}()

	return ctx
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Context() context.Context {
	return s.ctx
}

// Shutdown stops accepting connections and waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
