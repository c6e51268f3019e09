package fileserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/f4ah6o/dirserve-go/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server owns the listening socket and the http.Server serving Handler.
type Server struct {
	cfg config.ServerConfig
	log logrus.FieldLogger
	out io.Writer
	ln  net.Listener
	srv *http.Server
}

// New creates a Server for cfg. Nothing is opened until Listen.
func New(cfg config.ServerConfig, log logrus.FieldLogger) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		out: color.Output,
		srv: &http.Server{
			Handler:           NewHandler(cfg, log),
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}
}

// Listen opens the listening socket. Failure is reported as *BindError.
func (s *Server) Listen() error {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully within the configured timeout. Connections still open at the
// deadline are closed. Shutdown after cancellation returns nil.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("fileserver: Serve called before Listen")
	}

	defer s.ln.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).WithField("timeout", s.cfg.ShutdownTimeout).
			Warn("Graceful shutdown timed out, closing remaining connections")
		s.srv.Close()
	}
	<-errCh
	s.log.Info("Server stopped")
	return nil
}

// Start listens on cfg's address, prints the ready banner and serves until
// ctx is cancelled. It returns *BindError when the port cannot be bound.
func Start(ctx context.Context, cfg config.ServerConfig, log logrus.FieldLogger) error {
	s := New(cfg, log)
	if err := s.Listen(); err != nil {
		return err
	}
	s.printBanner()
	return s.Serve(ctx)
}

func (s *Server) printBanner() {
	url := "http://" + s.Addr().String()
	color.New(color.FgGreen, color.Bold).Fprintf(s.out, "🌐 Serving %s at %s\n", s.cfg.RootDirectory, url)
	color.New(color.Faint).Fprintln(s.out, "Press Ctrl+C to stop")
	s.log.WithFields(logrus.Fields{
		"root":    s.cfg.RootDirectory,
		"addr":    s.Addr().String(),
		"listing": s.cfg.Listing,
	}).Info("Server ready")
}
