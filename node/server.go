//go:build linux
// +build linux

package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server wires a listener, an Acceptor and a WorkerPool together.
type Server struct {
	cfg     Config
	handler Handler

	mu       sync.Mutex
	ln       *net.TCPListener
	pool     *WorkerPool
	acceptor *Acceptor
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) SetHandler(handler Handler) {
	s.handler = handler
}

// Start binds the listening socket and builds the pool and the acceptor. No
// connection is accepted until Serve runs.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrServerStarted
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.handler == nil {
		s.handler = EchoHandler{}
	}

	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		log.Logger.Error("listen error", zap.String("addr", s.cfg.Addr), zap.Error(err))
		return err
	}
	ln, ok := l.(*net.TCPListener)
	if !ok {
		_ = l.Close()
		return fmt.Errorf("listen %s: not a TCP listener", s.cfg.Addr)
	}

	opts := s.cfg.Options()
	pool, err := NewWorkerPool(s.cfg.Workers, s.handler, opts)
	if err != nil {
		_ = ln.Close()
		return err
	}
	acceptor, err := NewAcceptor(ln, pool, opts)
	if err != nil {
		pool.Stop()
		_ = ln.Close()
		return err
	}

	s.ln, s.pool, s.acceptor = ln, pool, acceptor
	log.Logger.Info("listening on", zap.String("addr", ln.Addr().String()), zap.Int("workers", pool.Size()))
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Pool() *WorkerPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// Serve runs the acceptor until ctx is done or the acceptor fails, then stops
// the acceptor, the workers and the listener in that order.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	acceptor, pool, ln := s.acceptor, s.pool, s.ln
	s.mu.Unlock()
	if acceptor == nil {
		return errors.New("node: Serve called before Start")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(acceptor.Run)
	g.Go(func() error {
		<-gctx.Done()
		return acceptor.Stop()
	})
	err := g.Wait()

	pool.Stop()
	if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	log.Logger.Info("shutting down server", zap.Uint64("accepted", acceptor.Accepted()))
	return err
}

// Run starts the server and serves until SIGINT, SIGTERM or SIGQUIT.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve(ctx)
}
