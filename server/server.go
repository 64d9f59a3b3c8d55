// Package server exposes the store over TCP: one JSON object per line, both
// for client commands and for cluster-internal messages arriving on the same
// listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/INLOpen/nexuskv/api/wire"
)

// TCPServer accepts connections and runs one handler goroutine per
// connection until Stop.
type TCPServer struct {
	addr    string
	handler *Handler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool

	connWg sync.WaitGroup
}

// NewTCPServer creates a server for the given listen address.
func NewTCPServer(addr string, handler *Handler, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With("component", "TCPServer"),
	}
}

// Start binds the listener and serves until Stop is called. It blocks.
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return errors.New("server already stopped")
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Server listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				break
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}
		s.connWg.Add(1)
		go func() {
			defer s.connWg.Done()
			s.serveConn(conn)
		}()
	}

	s.connWg.Wait()
	return nil
}

// Addr returns the bound listen address, valid once Start has bound.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener; in-flight connections drain inside Start.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	s.stopped = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
}

// serveConn processes requests on one connection until the peer hangs up.
func (s *TCPServer) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := wire.NewLineReader(conn)
	ctx := context.Background()

	for {
		req, err := wire.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				// A malformed line gets an error reply; the connection stays
				// usable only for well-framed input, so we close after it.
				wire.WriteResponse(conn, wire.ErrorResponse(err.Error()))
				s.logger.Debug("Closing connection after bad request",
					"remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		resp := s.handler.Handle(ctx, req)
		if err := wire.WriteResponse(conn, resp); err != nil {
			s.logger.Debug("Failed to write response",
				"remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}
