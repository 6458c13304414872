package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
	"github.com/nrwiersma/renderfarm/farm/job"
	"github.com/nrwiersma/renderfarm/farm/node"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Path   string
	Start  int
	End    int
	Extras []int
	Nodes  []string
}

type entry struct {
	job *job.Job

	saveMu  sync.Mutex
	dirty   bool
	deleted bool
}

// Dispatcher schedules the frames of rendering jobs onto the idle nodes
// assigned to them, and reacts to the events the nodes report.
type Dispatcher struct {
	cfg     *Config
	log     log.Logger
	stats   stats.Statter
	pool    *node.Pool
	store   Store
	adapter Adapter

	mu      sync.RWMutex
	jobs    map[string]*entry
	deletes map[string]struct{}
	nextPos int

	gen uint64

	wakeCh     chan struct{}
	shutdownCh chan struct{}
	doneCh     chan struct{}

	runMu   sync.RWMutex
	running bool
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	now func() time.Time
}

// New returns a dispatcher scheduling onto the nodes of pool.
func New(cfg *Config, pool *node.Pool, store Store, adapter Adapter) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Null
	}
	statter := cfg.Statter
	if statter == nil {
		statter = stats.Null
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		cfg:        cfg,
		log:        logger,
		stats:      statter,
		pool:       pool,
		store:      store,
		adapter:    adapter,
		jobs:       make(map[string]*entry),
		deletes:    make(map[string]struct{}),
		wakeCh:     make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// Load loads every persisted job. Rendering jobs resume with their
// uncompleted frames pending.
func (d *Dispatcher) Load() error {
	recs, err := d.store.List()
	if err != nil {
		return errors.Wrap(err, "dispatch: error loading jobs")
	}

	var finished []*entry
	d.mu.Lock()
	for _, rec := range recs {
		j, err := job.FromRecord(rec)
		if err != nil {
			d.log.Error("dispatch: skipping invalid job", "job", rec.ID, "error", err)
			continue
		}

		e := &entry{job: j}
		if rec.Status != "" && j.Status() != rec.Status {
			finished = append(finished, e)
		}
		d.jobs[rec.ID] = e
		if rec.QueuePosition >= d.nextPos {
			d.nextPos = rec.QueuePosition + 1
		}
	}
	d.mu.Unlock()

	for _, e := range finished {
		d.log.Info("dispatch: job completed before restart", "job", e.job.ID())
		d.persist(e, persistRecord)
	}

	d.log.Info("dispatch: jobs loaded", "count", len(recs))

	d.wake()
	return nil
}

// Run starts the scheduling loop.
func (d *Dispatcher) Run() {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running || d.closed {
		return
	}
	d.running = true

	go d.loop()
}

func (d *Dispatcher) loop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.wakeCh:
			d.Scan()

		case <-ticker.C:
			d.Sweep(d.now())
			_ = d.Flush()
			d.Scan()

		case <-d.shutdownCh:
			return
		}
	}
}

func (d *Dispatcher) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Scan makes one scheduling pass. Jobs are visited in queue order and
// nodes in registration order, each idle node assigned to a rendering
// job getting at most one frame. It returns the number of frames
// assigned.
func (d *Dispatcher) Scan() int {
	now := d.now()
	nodes := d.pool.List(func(n *node.Node) bool {
		return n.Availability == node.Idle
	})
	if len(nodes) == 0 {
		return 0
	}

	var assigned int
	for _, e := range d.entries() {
		if e.job.Status() != job.Rendering {
			continue
		}

		for _, n := range nodes {
			if !e.job.HasNode(n.ID) {
				continue
			}

			var a job.Assignment
			ok, err := d.pool.Acquire(n.ID, func() (node.Ref, bool) {
				var ok bool
				a, ok = e.job.Assign(n.ID, atomic.AddUint64(&d.gen, 1), now)
				return refOf(a), ok
			})
			if err != nil {
				if !errors.Is(err, node.ErrNodeNotFound) {
					d.log.Error("dispatch: error acquiring node", "node", n.ID, "error", err)
				}
				continue
			}
			if !ok {
				continue
			}

			d.log.Debug("dispatch: frame assigned", "job", a.JobID, "node", a.NodeID, "frame", a.Frame)
			d.stats.Inc("frame.assigned", 1, 1.0)

			d.start(e, Task{Assignment: a, Address: n.Address, Path: e.job.Path()})
			assigned++
		}
	}
	return assigned
}

// Sweep requeues the frames that have had no activity within their
// node timeout, asking the nodes to cancel them. It returns the number
// of frames timed out.
func (d *Dispatcher) Sweep(now time.Time) int {
	timeouts := make(map[string]time.Duration)
	for _, n := range d.pool.List(nil) {
		if n.Timeout > 0 {
			timeouts[n.ID] = n.Timeout
		}
	}
	timeout := func(id string) time.Duration {
		if t, ok := timeouts[id]; ok {
			return t
		}
		return d.cfg.FrameTimeout
	}

	var expired int
	for _, e := range d.entries() {
		for _, exp := range e.job.Expired(now, timeout) {
			a, ok := e.job.Timeout(exp.NodeID, exp.Frame, exp.Gen, now, timeout(exp.NodeID))
			if !ok {
				continue
			}

			d.log.Info("dispatch: frame timed out", "job", a.JobID, "node", a.NodeID, "frame", a.Frame)
			d.stats.Inc("frame.timeout", 1, 1.0)

			d.cancelTask(d.task(e, a))
			d.frameFailed(a)
			expired++
		}
	}
	return expired
}

// Handle processes an event reported by a node. Events for frames no
// longer in flight on the node are ignored.
func (d *Dispatcher) Handle(ev Event) error {
	e, err := d.entry(ev.JobID)
	if err != nil {
		return err
	}

	now := d.now()
	switch ev.Kind {
	case Progress:
		if e.job.Progress(ev.NodeID, ev.Frame, ev.Gen, ev.Percent, now) {
			d.pool.Touch(ev.NodeID, now)
		}

	case Complete:
		a, finished, ok := e.job.Complete(ev.NodeID, ev.Frame, ev.Gen, now)
		if !ok {
			d.log.Debug("dispatch: ignoring stale completion", "job", ev.JobID, "node", ev.NodeID, "frame", ev.Frame)
			return nil
		}

		d.stats.Inc("frame.completed", 1, 1.0)
		d.stats.Timing("frame.duration", now.Sub(a.Started), 1.0)

		d.pool.Release(a.NodeID, refOf(a))
		d.pool.Succeeded(a.NodeID)
		d.pool.Touch(a.NodeID, now)

		if finished {
			d.log.Info("dispatch: job finished", "job", a.JobID)
			d.persist(e, persistRecord)
		} else {
			d.persist(e, persistCompleted)
		}
		d.wake()

	case Failed:
		a, ok := e.job.FailFrame(ev.NodeID, ev.Frame, ev.Gen)
		if !ok {
			d.log.Debug("dispatch: ignoring stale failure", "job", ev.JobID, "node", ev.NodeID, "frame", ev.Frame)
			return nil
		}

		d.log.Info("dispatch: frame failed", "job", a.JobID, "node", a.NodeID, "frame", a.Frame, "reason", ev.Reason)
		d.frameFailed(a)

		if ev.Fatal {
			if voided, err := e.job.Fail(now); err == nil {
				d.log.Error("dispatch: job failed", "job", a.JobID, "reason", ev.Reason)
				d.void(e, voided)
				d.persist(e, persistRecord)
			}
		}
		d.wake()

	default:
		return errors.Errorf("dispatch: unknown event kind %q", ev.Kind)
	}

	return nil
}

// frameFailed frees the node of a failed frame and penalizes it.
func (d *Dispatcher) frameFailed(a job.Assignment) {
	d.stats.Inc("frame.failed", 1, 1.0)

	count, tripped, err := d.pool.Fail(a.NodeID, refOf(a), d.cfg.FailureThreshold)
	if err != nil {
		if !errors.Is(err, node.ErrNodeNotFound) {
			d.log.Debug("dispatch: node no longer holds failed frame",
				"job", a.JobID, "node", a.NodeID, "frame", a.Frame, "error", err)
		}
		return
	}
	if tripped {
		d.log.Error("dispatch: node exceeded failure threshold", "node", a.NodeID, "failures", count)
		d.stats.Inc("node.disabled", 1, 1.0)
	}
}

// void frees and cancels assignments voided by a job.
func (d *Dispatcher) void(e *entry, voided []job.Assignment) {
	for _, a := range voided {
		d.pool.Release(a.NodeID, refOf(a))
		d.cancelTask(d.task(e, a))
	}
	if len(voided) > 0 {
		d.wake()
	}
}

// abandon requeues the frame of a node that can no longer work on it.
func (d *Dispatcher) abandon(n *node.Node) {
	if n.Assignment == nil {
		return
	}

	e, err := d.entry(n.Assignment.JobID)
	if err != nil {
		return
	}

	a, ok := e.job.FailFrame(n.ID, n.Assignment.Frame, n.Assignment.Gen)
	if !ok {
		return
	}

	d.log.Info("dispatch: frame abandoned", "job", a.JobID, "node", a.NodeID, "frame", a.Frame)

	d.cancelTask(Task{Assignment: a, Address: n.Address, Path: e.job.Path()})
	d.wake()
}

func (d *Dispatcher) task(e *entry, a job.Assignment) Task {
	t := Task{Assignment: a, Path: e.job.Path()}
	if n, err := d.pool.Get(a.NodeID); err == nil {
		t.Address = n.Address
	}
	return t
}

func (d *Dispatcher) start(e *entry, t Task) {
	ok := d.spawn(func(ctx context.Context) {
		err := d.adapter.Start(ctx, t)
		if err == nil {
			return
		}
		if d.ctx.Err() != nil {
			return
		}

		d.log.Error("dispatch: error starting frame", "job", t.JobID, "node", t.NodeID, "frame", t.Frame, "error", err)
		_ = d.Handle(Event{
			Kind:   Failed,
			JobID:  t.JobID,
			NodeID: t.NodeID,
			Frame:  t.Frame,
			Gen:    t.Gen,
			Reason: err.Error(),
		})
	})
	if ok {
		return
	}

	if _, ok := e.job.FailFrame(t.NodeID, t.Frame, t.Gen); ok {
		d.pool.Release(t.NodeID, refOf(t.Assignment))
	}
}

func (d *Dispatcher) cancelTask(t Task) {
	d.spawn(func(ctx context.Context) {
		if err := d.adapter.Cancel(ctx, t); err != nil {
			d.log.Debug("dispatch: error cancelling frame", "job", t.JobID, "node", t.NodeID, "frame", t.Frame, "error", err)
		}
	})
}

// spawn runs fn in a goroutine bounded by the adapter timeout. It returns
// false once the dispatcher is closed.
func (d *Dispatcher) spawn(fn func(ctx context.Context)) bool {
	d.runMu.RLock()
	defer d.runMu.RUnlock()

	if d.closed {
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AdapterTimeout)
		defer cancel()

		fn(ctx)
	}()
	return true
}

// Flush writes every job whose last write failed. It returns an error
// if any job could not be written.
func (d *Dispatcher) Flush() error {
	var failed int

	d.mu.RLock()
	deletes := make([]string, 0, len(d.deletes))
	for id := range d.deletes {
		deletes = append(deletes, id)
	}
	d.mu.RUnlock()

	for _, id := range deletes {
		if err := d.store.Delete(id); err != nil {
			d.log.Error("dispatch: error deleting job", "job", id, "error", err)
			failed++
			continue
		}

		d.mu.Lock()
		delete(d.deletes, id)
		d.mu.Unlock()
	}

	for _, e := range d.entries() {
		e.saveMu.Lock()
		if e.dirty && !e.deleted {
			rec := e.job.Record()
			if err := d.store.Put(rec); err != nil {
				d.log.Error("dispatch: error persisting job", "job", rec.ID, "error", err)
				failed++
			} else {
				e.dirty = false
			}
		}
		e.saveMu.Unlock()
	}

	if failed > 0 {
		return errors.Errorf("dispatch: failed to flush %d jobs", failed)
	}
	return nil
}

// Close stops the scheduling loop, waits for outstanding node calls and
// flushes unwritten jobs. An error is returned if the flush fails.
func (d *Dispatcher) Close() error {
	d.runMu.Lock()
	if d.closed {
		d.runMu.Unlock()
		return nil
	}
	d.closed = true
	running := d.running
	d.runMu.Unlock()

	close(d.shutdownCh)
	if running {
		<-d.doneCh
	}

	d.cancel()
	d.wg.Wait()

	return d.Flush()
}

func (d *Dispatcher) entry(id string) (*entry, error) {
	d.mu.RLock()
	e, ok := d.jobs[id]
	d.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(job.ErrJobNotFound, "dispatch: job %q", id)
	}
	return e, nil
}

// entries returns the registered jobs in queue order.
func (d *Dispatcher) entries() []*entry {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.jobs))
	for _, e := range d.jobs {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	pos := make(map[*entry]int, len(entries))
	for _, e := range entries {
		pos[e] = e.job.Position()
	}
	sort.Slice(entries, func(i, j int) bool {
		pi, pj := pos[entries[i]], pos[entries[j]]
		if pi != pj {
			return pi < pj
		}
		return entries[i].job.ID() < entries[j].job.ID()
	})
	return entries
}

func refOf(a job.Assignment) node.Ref {
	return node.Ref{JobID: a.JobID, Frame: a.Frame, Gen: a.Gen}
}

func newJobID() string {
	return ksuid.New().String()
}
