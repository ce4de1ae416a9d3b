// Package listener accepts client connections on the plaintext and TLS IRC
// ports and hands each one to internal/conn. It owns the listener sockets
// themselves; connection-level protocol handling lives entirely in
// internal/conn.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/freeq-dev/freeqd/internal/conn"
)

// Server owns every client-facing socket: one plaintext listener, one TLS
// listener, or both. Each accepted connection is handed to its own
// conn.Conn on a dedicated goroutine.
type Server struct {
	Registry *conn.Registry
	Logger   *slog.Logger

	listeners []net.Listener
	wg        sync.WaitGroup
	nextID    uint64
}

// NewServer returns a Server bound to reg; call Serve for each listener
// address to accept on.
func NewServer(reg *conn.Registry, logger *slog.Logger) *Server {
	return &Server{Registry: reg, Logger: logger}
}

// ServePlain accepts plaintext connections on addr until ctx is cancelled.
func (s *Server) ServePlain(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: listening on %s: %w", addr, err)
	}
	return s.accept(ctx, ln)
}

// ServeTLS accepts TLS connections on addr, using the certificate at
// certFile/keyFile, until ctx is cancelled.
func (s *Server) ServeTLS(ctx context.Context, addr, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("listener: loading TLS certificate: %w", err)
	}
	ln, err := tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return fmt.Errorf("listener: listening on %s: %w", addr, err)
	}
	return s.accept(ctx, ln)
}

// accept runs ln's accept loop, dispatching each connection to its own
// conn.Conn. It returns once ctx is cancelled (closing ln unblocks Accept).
func (s *Server) accept(ctx context.Context, ln net.Listener) error {
	s.listeners = append(s.listeners, ln)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.Logger.Info("listener accepting connections", slog.String("addr", ln.Addr().String()))
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.Logger.Error("listener: accept error", "error", err, "addr", ln.Addr().String())
			continue
		}
		id := atomic.AddUint64(&s.nextID, 1)
		sessionID := fmt.Sprintf("%s-%d", ln.Addr().String(), id)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c := conn.New(s.Registry, netConn, sessionID)
			c.Serve(ctx)
		}()
	}
}

// Wait blocks until every accepted connection's Serve loop has returned.
// Call after cancelling the context passed to ServePlain/ServeTLS.
func (s *Server) Wait() {
	s.wg.Wait()
}
