package server

import (
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/nrwiersma/renderfarm/farm/dispatch"
	farmrpc "github.com/nrwiersma/renderfarm/farm/rpc"
	"github.com/nrwiersma/renderfarm/pkg/memcodec"
)

// Engine represents the scheduling engine being served.
type Engine interface {
	Submit(req dispatch.SubmitRequest) (string, error)
	Start(id string) error
	Pause(id string) error
	Stop(id string) error
	Requeue(id string) error
	Delete(id string) error
	AddFrames(id string, frames []int) (int, error)
	AddNodes(id string, nodes []string) error
	RemoveNodes(id string, nodes []string) error
	Reorder(id string, pos int) error
	Job(id string) (dispatch.JobStatus, error)
	Jobs() []dispatch.JobStatus

	RegisterNode(id, addr string, timeout time.Duration) error
	DeregisterNode(id string) error
	ResetNode(id string) error
	DisableNode(id string) error
	Node(id string) (dispatch.NodeStatus, error)
	Nodes() []dispatch.NodeStatus

	Handle(ev dispatch.Event) error
}

// Server is an RPC server.
type Server struct {
	engine Engine
	log    log.Logger

	server *rpc.Server

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// New returns an RPC server.
func New(engine Engine, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Null
	}

	srv := &Server{
		engine: engine,
		log:    logger,
		server: rpc.NewServer(),
		conns:  map[net.Conn]struct{}{},
	}

	_ = srv.server.Register(&Jobs{srv: srv})
	_ = srv.server.Register(&Nodes{srv: srv})
	_ = srv.server.Register(&Events{srv: srv})

	return srv
}

// ServeRequest serves a single request with the given codec.
func (s *Server) ServeRequest(codec rpc.ServerCodec) error {
	return s.server.ServeRequest(codec)
}

// Call makes an in memory call to the server.
func (s *Server) Call(method string, req, resp interface{}) error {
	codec := memcodec.New(method, req, resp)
	if err := s.server.ServeRequest(codec); err != nil {
		return err
	}
	return codec.Error
}

// Serve accepts connections on the listener, serving each
// with the msgpack codec. Serve blocks until the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.log.Debug("server: temporary accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}

		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	s.log.Debug("server: accepted connection", "remote", conn.RemoteAddr().String())
	s.server.ServeCodec(farmrpc.NewServerCodec(conn))
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shutdown
}

// Close stops accepting connections and closes the open ones.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
