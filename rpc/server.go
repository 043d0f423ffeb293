package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// Handler executes a single exposed method. Args is the raw JSON the caller
// sent; the returned value is JSON-encoded into the response.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// HandlerTable maps exposed method names to their handlers for one agent
// slot.
type HandlerTable map[string]Handler

// handleTimeout bounds a single handler execution on the server side.
const handleTimeout = 30 * time.Second

// Server listens on an environment's TCP address and dispatches incoming
// requests to the handler tables registered per agent slot.
type Server struct {
	ln net.Listener

	mu    sync.RWMutex
	slots map[int]HandlerTable

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewServer starts listening on host:port. Port 0 picks a free port; the
// effective one is available through Port.
func NewServer(host string, port int) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("rpc listen: %w", err)
	}
	s := &Server{
		ln:    ln,
		slots: make(map[int]HandlerTable),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Port returns the port the server is bound to.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// RegisterSlot installs the handler table for an agent slot, replacing any
// previous table for that slot.
func (s *Server) RegisterSlot(index int, table HandlerTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[index] = table
}

// DeregisterSlot removes the handler table for an agent slot.
func (s *Server) DeregisterSlot(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, index)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("rpc: accept failed: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves exactly one request and closes the connection. Callers
// open a fresh connection per call.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(handleTimeout))
	var req Request
	if err := readFrame(conn, &req); err != nil {
		log.Printf("rpc: bad request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	resp := Response{ID: req.ID}
	result, err := s.dispatch(req)
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = fmt.Sprintf("encode result: %v", err)
		} else {
			resp.Result = raw
		}
	}

	conn.SetWriteDeadline(time.Now().Add(handleTimeout))
	if err := writeFrame(conn, resp); err != nil {
		log.Printf("rpc: write response to %s: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) dispatch(req Request) (any, error) {
	s.mu.RLock()
	table, ok := s.slots[req.Target]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no agent at index %d", req.Target)
	}
	handler, ok := table[req.Method]
	if !ok {
		return nil, fmt.Errorf("agent %d has no exposed method %q", req.Target, req.Method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	return handler(ctx, req.Args)
}

// Close stops accepting connections and waits for in-flight requests. The
// listen address is released when Close returns. Close is idempotent.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()
		s.wg.Wait()
	})
	return err
}
