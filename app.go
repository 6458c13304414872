package renderfarm

import (
	"net"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
	"github.com/nrwiersma/renderfarm/farm/adapter"
	"github.com/nrwiersma/renderfarm/farm/dispatch"
	"github.com/nrwiersma/renderfarm/farm/health"
	"github.com/nrwiersma/renderfarm/farm/job"
	"github.com/nrwiersma/renderfarm/farm/jobstore"
	"github.com/nrwiersma/renderfarm/farm/node"
	"github.com/nrwiersma/renderfarm/farm/rpc"
	"github.com/nrwiersma/renderfarm/farm/server"
	"github.com/pkg/errors"
)

// DefaultRPCAddr is the default address the controller serves RPC on.
const DefaultRPCAddr = "127.0.0.1:8300"

// Config configures an application.
type Config struct {
	// RPCAddr is the address to serve the job and node API on.
	RPCAddr string

	// StatusInterval controls how often farm status is reported.
	StatusInterval time.Duration

	Store    *jobstore.Config
	Dispatch *dispatch.Config

	// Health configures the node health monitor. The monitor
	// is not started when nil.
	Health *health.Config

	Logger  log.Logger
	Statter stats.Statter
}

// NewConfig creates/returns a default configuration.
func NewConfig() *Config {
	return &Config{
		RPCAddr:        DefaultRPCAddr,
		StatusInterval: 10 * time.Second,
		Store:          jobstore.NewConfig(),
		Dispatch:       dispatch.NewConfig(),
		Health:         health.NewConfig(),
	}
}

// Application represents the render farm controller.
type Application struct {
	store   *jobstore.Store
	adapter *adapter.RPC
	disp    *dispatch.Dispatcher
	srv     *server.Server
	ln      net.Listener
	monitor *health.Monitor

	shutdownCh chan struct{}
	doneCh     chan struct{}

	logger  log.Logger
	statter stats.Statter
}

// NewApplication creates an instance of Application, loading the
// persisted jobs and starting to dispatch frames.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}
	if cfg.Statter == nil {
		cfg.Statter = stats.Null
	}

	app := &Application{
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     cfg.Logger,
		statter:    cfg.Statter,
	}

	pool, err := node.NewPool()
	if err != nil {
		return nil, err
	}

	storeCfg := *cfg.Store
	storeCfg.Logger = cfg.Logger
	app.store, err = jobstore.Open(&storeCfg)
	if err != nil {
		return nil, errors.Wrap(err, "app: could not open job store")
	}

	app.adapter = adapter.New(cfg.Logger)

	dispCfg := *cfg.Dispatch
	dispCfg.Logger = cfg.Logger
	dispCfg.Statter = cfg.Statter
	app.disp = dispatch.New(&dispCfg, pool, app.store, app.adapter)
	if err = app.disp.Load(); err != nil {
		_ = app.store.Close()
		return nil, errors.Wrap(err, "app: could not load jobs")
	}

	app.srv = server.New(app.disp, cfg.Logger)
	app.ln, err = net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		_ = app.store.Close()
		return nil, errors.Wrap(err, "app: could not listen for rpc")
	}
	go func() {
		if err := app.srv.Serve(app.ln); err != nil {
			app.logger.Error("app: rpc server stopped", "error", err)
		}
	}()

	if cfg.Health != nil {
		healthCfg := *cfg.Health
		healthCfg.Logger = cfg.Logger
		app.monitor, err = health.New(&healthCfg, app.disp)
		if err != nil {
			_ = app.srv.Close()
			_ = app.store.Close()
			return nil, errors.Wrap(err, "app: could not start health monitor")
		}
	}

	app.disp.Run()

	go app.reportStatus(cfg.StatusInterval)

	return app, nil
}

// Addr returns the address the RPC server is listening on.
func (a *Application) Addr() net.Addr {
	return a.ln.Addr()
}

// Call makes an in memory call to the RPC server.
func (a *Application) Call(method string, req, resp interface{}) error {
	return a.srv.Call(method, req, resp)
}

// Join joins the health monitor to existing members.
func (a *Application) Join(addrs ...string) error {
	if a.monitor == nil {
		return errors.New("app: health monitor not running")
	}
	return a.monitor.Join(addrs...)
}

// Leave gracefully leaves the health monitor cluster.
func (a *Application) Leave() error {
	if a.monitor == nil {
		return nil
	}
	return a.monitor.Leave()
}

func (a *Application) reportStatus(interval time.Duration) {
	defer close(a.doneCh)

	if interval <= 0 {
		<-a.shutdownCh
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdownCh:
			return

		case <-ticker.C:
			var nodes rpc.NodesResponse
			if err := a.Call("Nodes.List", &rpc.NodesRequest{}, &nodes); err != nil {
				a.logger.Error("app: error getting nodes", "error", err)
				continue
			}

			var jobs rpc.JobsResponse
			if err := a.Call("Jobs.List", &rpc.JobsRequest{}, &jobs); err != nil {
				a.logger.Error("app: error getting jobs", "error", err)
				continue
			}

			a.report(nodes.Nodes, jobs.Jobs)
		}
	}
}

func (a *Application) report(nodes []dispatch.NodeStatus, jobs []dispatch.JobStatus) {
	avail := map[node.Availability]int{
		node.Idle:        0,
		node.Busy:        0,
		node.Unreachable: 0,
		node.Disabled:    0,
	}
	for _, n := range nodes {
		avail[n.Availability]++
	}
	for k, v := range avail {
		a.statter.Gauge("nodes", float64(v), 1.0, "availability", string(k))
	}

	rendering := 0
	for _, j := range jobs {
		if j.Status == job.Rendering {
			rendering++
		}
	}
	a.statter.Gauge("jobs.rendering", float64(rendering), 1.0)

	a.logger.Info("app: farm status",
		"jobs", len(jobs),
		"rendering", rendering,
		"idle", avail[node.Idle],
		"busy", avail[node.Busy],
		"unreachable", avail[node.Unreachable],
		"disabled", avail[node.Disabled],
	)
}

// Close shuts the application down. Incoming calls are stopped before the
// dispatcher flushes its jobs to the store.
func (a *Application) Close() error {
	close(a.shutdownCh)
	<-a.doneCh

	var errs []error
	if a.monitor != nil {
		if err := a.monitor.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "app: closing health monitor"))
		}
	}
	if err := a.srv.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "app: closing rpc server"))
	}
	if err := a.disp.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "app: closing dispatcher"))
	}
	_ = a.adapter.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "app: closing job store"))
	}

	if len(errs) > 0 {
		for _, err := range errs[1:] {
			a.logger.Error("app: error closing", "error", err)
		}
		return errs[0]
	}
	return nil
}
