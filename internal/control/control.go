// Package control is the command channel between the proctor CLI and a
// running server: one JSON request and one JSON reply per unix-socket
// connection.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/turtacn/Proctor/pkg/consts"
	perrors "github.com/turtacn/Proctor/pkg/errors"
	"github.com/turtacn/Proctor/pkg/logger"
)

// Action names accepted by the server.
const (
	ActionRun     = "run"
	ActionStop    = "stop"
	ActionReload  = "reload"
	ActionRefresh = "refresh"
)

type Request struct {
	Action string `json:"action"`
}

type Reply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Handler executes an action and returns a human-readable message.
type Handler func(ctx context.Context, action string) (string, error)

// Server accepts control connections on a unix socket.
type Server struct {
	socketPath string
	handler    Handler
	timeout    time.Duration
	log        logger.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(path string, h Handler) *Server {
	return &Server{
		socketPath: path,
		handler:    h,
		timeout:    consts.DefaultControlTimeout,
		log:        logger.Log.With("component", "control"),
	}
}

// PrepareSocket creates the unix socket, replacing a stale one.
func (s *Server) PrepareSocket() (net.Listener, error) {
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeControlFailed, "PrepareSocket", s.socketPath, err)
	}
	os.Chmod(s.socketPath, 0700)
	return l, nil
}

// Start listens and serves connections until Close or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	l, err := s.PrepareSocket()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.log.Info("Control socket listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.log.Warn("Control accept failed", "error", err)
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(ctx, conn)
			}()
		}
	}()
	return nil
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.reply(conn, Reply{OK: false, Message: "bad request: " + err.Error()})
		return
	}
	// Handlers like run may outlive the read deadline.
	conn.SetDeadline(time.Time{})

	switch req.Action {
	case ActionRun, ActionStop, ActionReload, ActionRefresh:
	default:
		s.reply(conn, Reply{OK: false, Message: fmt.Sprintf("unknown action %q", req.Action)})
		return
	}

	s.log.Info("Control command received", "action", req.Action)
	msg, err := s.handler(ctx, req.Action)
	if err != nil {
		s.reply(conn, Reply{OK: false, Message: err.Error()})
		return
	}
	s.reply(conn, Reply{OK: true, Message: msg})
}

func (s *Server) reply(conn net.Conn, r Reply) {
	if err := json.NewEncoder(conn).Encode(r); err != nil {
		s.log.Warn("Control reply failed", "error", err)
	}
}

// Close stops accepting, waits for in-flight commands and removes the
// socket file.
func (s *Server) Close() {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l == nil {
		return
	}
	l.Close()
	s.wg.Wait()
	os.Remove(s.socketPath)
}

// Send dials the server at path, sends action and waits for the reply.
// timeout bounds the whole exchange; zero means no limit.
func Send(path, action string, timeout time.Duration) (Reply, error) {
	d := net.Dialer{Timeout: consts.DefaultControlTimeout}
	conn, err := d.Dial("unix", path)
	if err != nil {
		return Reply{}, perrors.New(perrors.ErrCodeControlFailed, "Send", "cannot reach server at "+path, err)
	}
	defer conn.Close()
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := json.NewEncoder(conn).Encode(Request{Action: action}); err != nil {
		return Reply{}, perrors.New(perrors.ErrCodeControlFailed, "Send", "write failed", err)
	}
	var r Reply
	if err := json.NewDecoder(conn).Decode(&r); err != nil {
		return Reply{}, perrors.New(perrors.ErrCodeControlFailed, "Send", "no reply", err)
	}
	return r, nil
}

// Personal.AI order the ending
