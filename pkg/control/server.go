package control

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/iofault/internal/errx"
)

// Backend is what the control server drives. The session orchestrator
// implements it.
type Backend interface {
	Status() Status
	SetInjecting(enabled bool)
}

// Server answers control requests over a unix socket, one length-prefixed
// CBOR frame per request.
type Server struct {
	backend Backend
	log     *slog.Logger

	conns errgroup.Group

	mu       sync.Mutex
	listener net.Listener
	path     string
	closed   bool
	open     map[net.Conn]struct{}
}

func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, log: logger, open: make(map[net.Conn]struct{})}
}

// Listen binds the socket and starts serving. A stale socket file from a
// crashed session is removed first. The socket is owner-only: controlling a
// session means controlling another process's I/O.
func (s *Server) Listen(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errx.Wrap(ErrListen, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return errx.Wrap(ErrListen, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return errx.Wrap(ErrListen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.path = socketPath
	s.closed = false
	s.mu.Unlock()

	go s.acceptLoop(ln)
	s.log.Debug("control socket listening", "path", socketPath)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.conns.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
}

func (s *Server) handleConn(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		// Accepted while Close was tearing the server down.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.open[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.open, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("control read", "error", err)
			}
			return
		}
		if err := writeFrame(conn, s.dispatch(&req)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	switch req.Command {
	case CmdStatus:
		st := s.backend.Status()
		return &Response{OK: true, Status: &st}
	case CmdEnable:
		s.backend.SetInjecting(true)
		s.log.Info("fault injection enabled via control socket")
		return &Response{OK: true}
	case CmdDisable:
		s.backend.SetInjecting(false)
		s.log.Info("fault injection disabled via control socket")
		return &Response{OK: true}
	default:
		return &Response{Error: errx.With(ErrUnknownCommand, " %q", req.Command).Error()}
	}
}

// Close stops accepting, waits for in-flight connections, and removes the
// socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	ln, path := s.listener, s.path
	s.listener = nil
	s.closed = true
	for conn := range s.open {
		_ = conn.Close()
	}
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	err := ln.Close()
	_ = s.conns.Wait()
	if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}
