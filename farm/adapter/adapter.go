package adapter

import (
	"context"
	"net/rpc"
	"sync"

	"github.com/hamba/pkg/log"
	"github.com/nrwiersma/renderfarm/farm/dispatch"
	farmrpc "github.com/nrwiersma/renderfarm/farm/rpc"
	"github.com/pkg/errors"
)

// RPC methods served by render nodes.
const (
	StartMethod  = "Render.Start"
	CancelMethod = "Render.Cancel"
)

// RPC starts and cancels frames on render nodes over msgpack RPC.
// Connections are kept per node address and redialed on failure.
type RPC struct {
	log log.Logger

	mu      sync.Mutex
	clients map[string]*rpc.Client
	closed  bool
}

// New returns an RPC adapter.
func New(logger log.Logger) *RPC {
	if logger == nil {
		logger = log.Null
	}

	return &RPC{
		log:     logger,
		clients: map[string]*rpc.Client{},
	}
}

// Start starts rendering a frame on the task node.
func (a *RPC) Start(ctx context.Context, task dispatch.Task) error {
	return a.call(ctx, task.Address, StartMethod, task)
}

// Cancel cancels a frame on the task node.
func (a *RPC) Cancel(ctx context.Context, task dispatch.Task) error {
	return a.call(ctx, task.Address, CancelMethod, task)
}

func (a *RPC) call(ctx context.Context, addr, method string, task dispatch.Task) error {
	c, err := a.client(ctx, addr)
	if err != nil {
		return errors.Wrapf(err, "adapter: could not connect to %s", addr)
	}

	req := &farmrpc.RenderRequest{Task: task}
	call := c.Go(method, req, &farmrpc.Empty{}, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		if call.Error == nil {
			return nil
		}
		if _, ok := call.Error.(rpc.ServerError); !ok {
			a.drop(addr, c)
		}
		return errors.Wrapf(call.Error, "adapter: %s on %s", method, addr)

	case <-ctx.Done():
		a.drop(addr, c)
		return ctx.Err()
	}
}

func (a *RPC) client(ctx context.Context, addr string) (*rpc.Client, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("adapter closed")
	}
	if c, ok := a.clients[addr]; ok {
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	c, err := farmrpc.DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		_ = c.Close()
		return nil, errors.New("adapter closed")
	}
	if existing, ok := a.clients[addr]; ok {
		_ = c.Close()
		return existing, nil
	}
	a.clients[addr] = c
	return c, nil
}

func (a *RPC) drop(addr string, c *rpc.Client) {
	a.mu.Lock()
	if a.clients[addr] == c {
		delete(a.clients, addr)
	}
	a.mu.Unlock()

	if err := c.Close(); err != nil && err != rpc.ErrShutdown {
		a.log.Debug("adapter: error closing connection", "addr", addr, "error", err)
	}
}

// Close closes all node connections.
func (a *RPC) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for addr, c := range a.clients {
		_ = c.Close()
		delete(a.clients, addr)
	}
	return nil
}
