package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server runs the push and artwork listeners
type Server struct {
	logger *zap.Logger
	push   *http.Server
	art    *http.Server

	pushLn net.Listener
	artLn  net.Listener
}

// NewServer creates both HTTP servers; nothing listens until Start
func NewServer(logger *zap.Logger, host string, pushPort, artworkPort int, push, artwork http.Handler) *Server {
	return &Server{
		logger: logger,
		push: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(pushPort)),
			Handler:           push,
			ReadHeaderTimeout: 5 * time.Second,
		},
		art: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(artworkPort)),
			Handler:           artwork,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
	}
}

// Start binds both ports. Failing to bind either one fails startup.
func (s *Server) Start(ctx context.Context) error {
	pushLn, err := net.Listen("tcp", s.push.Addr)
	if err != nil {
		return fmt.Errorf("%w: push %s: %v", domain.ErrPortBind, s.push.Addr, err)
	}
	artLn, err := net.Listen("tcp", s.art.Addr)
	if err != nil {
		_ = pushLn.Close()
		return fmt.Errorf("%w: artwork %s: %v", domain.ErrPortBind, s.art.Addr, err)
	}
	s.pushLn, s.artLn = pushLn, artLn

	go s.serve("push", s.push, pushLn)
	go s.serve("artwork", s.art, artLn)

	s.logger.Info("Listening",
		zap.String("push", "ws://"+pushLn.Addr().String()+"/"),
		zap.String("artwork", "http://"+artLn.Addr().String()+"/artwork/"))
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Server stopped unexpectedly", zap.String("server", name), zap.Error(err))
	}
}

// Stop shuts both servers down, bounded by ctx
func (s *Server) Stop(ctx context.Context) error {
	if s.pushLn == nil {
		return nil
	}
	s.logger.Info("Stopping listeners")
	return multierr.Combine(
		s.push.Shutdown(ctx),
		s.art.Shutdown(ctx),
	)
}

// PushAddr returns the bound push address, or nil before Start
func (s *Server) PushAddr() net.Addr {
	if s.pushLn == nil {
		return nil
	}
	return s.pushLn.Addr()
}

// ArtworkAddr returns the bound artwork address, or nil before Start
func (s *Server) ArtworkAddr() net.Addr {
	if s.artLn == nil {
		return nil
	}
	return s.artLn.Addr()
}
