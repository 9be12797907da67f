package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/amurg-ai/tether/internal/eventbus"
)

// Server listens on a Unix socket and serves IPC requests.
type Server struct {
	path     string
	listener net.Listener
	provider StateProvider
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[net.Conn]*client
	done    chan struct{}
	once    sync.Once
}

// client is one accepted connection. gone is closed when it is removed,
// which ends its subscription stream.
type client struct {
	conn net.Conn
	wmu  sync.Mutex
	gone chan struct{}
}

// NewServer creates an IPC server.
func NewServer(socketPath string, provider StateProvider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "ipc-server"),
		clients:  make(map[net.Conn]*client),
		done:     make(chan struct{}),
	}
}

// Start begins listening on the Unix socket. Non-blocking.
func (s *Server) Start() error {
	// Remove stale socket.
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.listener = ln

	// Only the user may connect.
	_ = os.Chmod(s.path, 0600)

	go s.acceptLoop()
	s.logger.Info("IPC server listening", "path", s.path)
	return nil
}

// Close shuts down the server and all client connections.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.listener != nil {
			err = s.listener.Close()
		}

		s.mu.Lock()
		for conn, c := range s.clients {
			close(c.gone)
			_ = conn.Close()
		}
		s.clients = make(map[net.Conn]*client)
		s.mu.Unlock()

		_ = os.Remove(s.path)
	})
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		c := &client{conn: conn, gone: make(chan struct{})}
		s.mu.Lock()
		s.clients[conn] = c
		s.mu.Unlock()

		go s.handleConn(c)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if s.clients[c.conn] == c {
		delete(s.clients, c.conn)
		close(c.gone)
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) handleConn(c *client) {
	defer s.removeClient(c)
	conn := c.conn

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = s.writeResponse(conn, errorResponse("", "invalid request"))
			continue
		}

		s.handleRequest(c, req)
	}
}

func (s *Server) handleRequest(c *client, req Request) {
	conn := c.conn
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch req.Method {
	case MethodStatus:
		_ = s.writeResponse(conn, Response{ID: req.ID, Type: TypeResult, Data: marshalRaw(s.provider.Status())})

	case MethodReload:
		if err := s.provider.Reload(ctx); err != nil {
			_ = s.writeResponse(conn, errorResponse(req.ID, err.Error()))
			return
		}
		_ = s.writeResponse(conn, Response{ID: req.ID, Type: TypeResult, Data: marshalRaw(s.provider.Status())})

	case MethodLogout:
		if err := s.provider.Logout(ctx); err != nil {
			_ = s.writeResponse(conn, errorResponse(req.ID, err.Error()))
			return
		}
		_ = s.writeResponse(conn, Response{ID: req.ID, Type: TypeResult, Data: marshalRaw(map[string]string{"status": "logged_out"})})

	case MethodSubscribe:
		var params SubscribeParams
		if req.Params != nil {
			_ = json.Unmarshal(req.Params, &params)
		}
		// Streaming runs on its own goroutine so the connection keeps
		// accepting requests.
		go s.handleSubscribe(c, req.ID, params)

	default:
		_ = s.writeResponse(conn, errorResponse(req.ID, "unknown method: "+req.Method))
	}
}

func (s *Server) handleSubscribe(c *client, reqID string, params SubscribeParams) {
	conn := c.conn
	ch := s.bus.Stream(params.Events...)
	defer s.bus.Unstream(ch)

	_ = s.writeResponse(conn, Response{ID: reqID, Type: TypeResult, Data: marshalRaw(map[string]string{"status": "subscribed"})})

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			resp := Response{
				Type: TypeEvent,
				Data: marshalRaw(Event{
					Type:      evt.Type,
					Timestamp: evt.Timestamp,
					Data:      evt.Data,
				}),
			}
			if err := s.writeResponse(conn, resp); err != nil {
				return
			}
		case <-c.gone:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	c, ok := s.clients[conn]
	s.mu.Unlock()
	if !ok {
		return net.ErrClosed
	}

	c.wmu.Lock()
	_, err = conn.Write(data)
	c.wmu.Unlock()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("write error", "error", err)
	}
	return err
}

func errorResponse(id, msg string) Response {
	return Response{ID: id, Type: TypeError, Data: marshalRaw(ErrorResult{Error: msg})}
}

func marshalRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
