package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/hamba/testutils/retry"
	"github.com/nrwiersma/renderfarm/farm/job"
	"github.com/nrwiersma/renderfarm/farm/node"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu        sync.Mutex
	started   []Task
	cancelled []Task
	startErr  error
}

func (a *fakeAdapter) Start(ctx context.Context, t Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.started = append(a.started, t)
	return a.startErr
}

func (a *fakeAdapter) Cancel(ctx context.Context, t Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelled = append(a.cancelled, t)
	return errors.New("node gone")
}

func (a *fakeAdapter) Started() []Task {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Task{}, a.started...)
}

func (a *fakeAdapter) Cancelled() []Task {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Task{}, a.cancelled...)
}

// Last returns the last task started on the node.
func (a *fakeAdapter) Last(nodeID string) Task {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(a.started) - 1; i >= 0; i-- {
		if a.started[i].NodeID == nodeID {
			return a.started[i]
		}
	}
	return Task{}
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]job.Record
	err  error
	puts int
}

func newMemStore(recs ...job.Record) *memStore {
	s := &memStore{recs: make(map[string]job.Record)}
	for _, rec := range recs {
		s.recs[rec.ID] = rec
	}
	return s
}

func (s *memStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

func (s *memStore) Record(id string) (job.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	return rec, ok
}

func (s *memStore) Put(rec job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.puts++
	s.recs[rec.ID] = rec
	return nil
}

func (s *memStore) update(id string, fn func(rec *job.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	rec, ok := s.recs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	fn(&rec)
	s.recs[id] = rec
	return nil
}

func (s *memStore) UpdateStatus(id string, status job.Status) error {
	return s.update(id, func(rec *job.Record) { rec.Status = status })
}

func (s *memStore) UpdateCompletedFrames(id string, frames []int) error {
	return s.update(id, func(rec *job.Record) { rec.CompletedFrames = frames })
}

func (s *memStore) UpdateNodes(id string, nodes []string) error {
	return s.update(id, func(rec *job.Record) { rec.Nodes = nodes })
}

func (s *memStore) UpdateQueuePosition(id string, pos int) error {
	return s.update(id, func(rec *job.Record) { rec.QueuePosition = pos })
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	delete(s.recs, id)
	return nil
}

func (s *memStore) List() ([]job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	var recs []job.Record
	for _, rec := range s.recs {
		recs = append(recs, rec)
	}
	return recs, nil
}

type logEntry struct {
	lvl string
	msg string
	ctx []interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) Debug(msg string, ctx ...interface{}) { l.add("debug", msg, ctx) }
func (l *recordingLogger) Info(msg string, ctx ...interface{})  { l.add("info", msg, ctx) }
func (l *recordingLogger) Error(msg string, ctx ...interface{}) { l.add("error", msg, ctx) }

func (l *recordingLogger) add(lvl, msg string, ctx []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, logEntry{lvl: lvl, msg: msg, ctx: ctx})
}

func (l *recordingLogger) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]logEntry{}, l.entries...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Add(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	return c.now
}

type harness struct {
	d       *Dispatcher
	adapter *fakeAdapter
	store   *memStore
	clock   *clock
}

func newHarness(t *testing.T, store *memStore, nodes ...string) *harness {
	t.Helper()

	pool, err := node.NewPool()
	require.NoError(t, err)

	cfg := NewConfig()
	cfg.FrameTimeout = time.Minute
	cfg.FailureThreshold = 2

	if store == nil {
		store = newMemStore()
	}
	h := &harness{
		adapter: &fakeAdapter{},
		store:   store,
		clock:   &clock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.d = New(cfg, pool, h.store, h.adapter)
	h.d.now = h.clock.Now

	for _, id := range nodes {
		require.NoError(t, h.d.RegisterNode(id, id+":7946", 0))
	}
	return h
}

// scan runs a scheduling pass and waits for the node calls to finish.
func (h *harness) scan() int {
	n := h.d.Scan()
	h.d.wg.Wait()
	return n
}

func (h *harness) event(t *testing.T, kind EventKind, nodeID string) {
	t.Helper()

	task := h.adapter.Last(nodeID)
	err := h.d.Handle(Event{Kind: kind, JobID: task.JobID, NodeID: nodeID, Frame: task.Frame, Gen: task.Gen, Reason: "boom"})
	require.NoError(t, err)
	h.d.wg.Wait()
}

func (h *harness) submitAndStart(t *testing.T, start, end int, nodes ...string) string {
	t.Helper()

	id, err := h.d.Submit(SubmitRequest{Path: "/scenes/shot.blend", Start: start, End: end, Nodes: nodes})
	require.NoError(t, err)
	require.NoError(t, h.d.Start(id))
	return id
}

func inFlightFrames(s JobStatus) []int {
	frames := []int{}
	for _, f := range s.InFlight {
		frames = append(frames, f.Frame)
	}
	return frames
}

func assertPartition(t *testing.T, d *Dispatcher, id string) {
	t.Helper()

	e, err := d.entry(id)
	require.NoError(t, err)
	snap := e.job.Snapshot()

	seen := map[int]int{}
	for _, f := range snap.Pending {
		seen[f]++
	}
	for _, a := range snap.InFlight {
		seen[a.Frame]++
	}
	for _, f := range snap.CompletedFrames {
		seen[f]++
	}
	assert.Len(t, seen, snap.Total)
	for f, n := range seen {
		assert.Equal(t, 1, n, "frame %d", f)
	}
}

func TestDispatcher_AssignsAndReassigns(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id := h.submitAndStart(t, 1, 5, "n1", "n2")

	assigned := h.scan()

	assert.Equal(t, 2, assigned)
	s, err := h.d.Job(id)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, inFlightFrames(s))
	assert.Equal(t, 3, s.Pending)
	assert.Equal(t, 1, h.adapter.Last("n1").Frame)
	assert.Equal(t, "n1:7946", h.adapter.Last("n1").Address)
	assert.Equal(t, "/scenes/shot.blend", h.adapter.Last("n1").Path)
	assertPartition(t, h.d, id)

	h.event(t, Complete, "n1")
	h.event(t, Complete, "n2")
	assigned = h.scan()

	assert.Equal(t, 2, assigned)
	s, err = h.d.Job(id)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, []int{3, 4}, inFlightFrames(s))
	assert.Equal(t, 1, s.Pending)
	assertPartition(t, h.d, id)
	rec, _ := h.store.Record(id)
	assert.Equal(t, []int{1, 2}, rec.CompletedFrames)
}

func TestDispatcher_FailedFrameIsRequeued(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id := h.submitAndStart(t, 1, 5, "n1", "n2")
	h.scan()
	h.event(t, Complete, "n1")
	h.event(t, Complete, "n2")
	h.scan()
	require.Equal(t, 3, h.adapter.Last("n1").Frame)

	h.event(t, Failed, "n1")

	s, err := h.d.Job(id)
	require.NoError(t, err)
	assert.Equal(t, job.Rendering, s.Status)
	assert.Equal(t, []int{4}, inFlightFrames(s))
	assert.Equal(t, 2, s.Pending)
	n, err := h.d.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, node.Idle, n.Availability)
	assert.Equal(t, 1, n.FailureCount)
	assertPartition(t, h.d, id)

	h.scan()

	assert.Equal(t, 3, h.adapter.Last("n1").Frame)
}

func TestDispatcher_FinishesJob(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id := h.submitAndStart(t, 1, 5, "n1", "n2")

	for i := 0; i < 3; i++ {
		h.scan()
		h.event(t, Complete, "n1")
		if s, _ := h.d.Job(id); s.Status == job.Finished {
			break
		}
		h.event(t, Complete, "n2")
	}

	s, err := h.d.Job(id)
	require.NoError(t, err)
	assert.Equal(t, job.Finished, s.Status)
	assert.Equal(t, 5, s.Completed)
	assert.Equal(t, float64(100), s.Percent)
	assert.False(t, s.TimeStop.IsZero())
	assert.Equal(t, 0, h.scan())
	rec, _ := h.store.Record(id)
	assert.Equal(t, job.Finished, rec.Status)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.CompletedFrames)
}

func TestDispatcher_LoadResumesRenderingJobs(t *testing.T) {
	store := newMemStore(job.Record{
		ID:              "job-1",
		Status:          job.Rendering,
		Path:            "/scenes/shot.blend",
		StartFrame:      1,
		EndFrame:        5,
		Nodes:           []string{"n1"},
		CompletedFrames: []int{1, 2},
		QueuePosition:   4,
	})
	h := newHarness(t, store, "n1")

	err := h.d.Load()

	require.NoError(t, err)
	e, err := h.d.entry("job-1")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, e.job.Pending())
	assert.Empty(t, e.job.InFlight())

	id, err := h.d.Submit(SubmitRequest{Path: "/other.blend", Start: 1, End: 1})
	require.NoError(t, err)
	s, _ := h.d.Job(id)
	assert.Equal(t, 5, s.QueuePosition)

	h.scan()

	assert.Equal(t, 3, h.adapter.Last("n1").Frame)
}

func TestDispatcher_ScanIsFair(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id1 := h.submitAndStart(t, 1, 10, "n1")
	id2 := h.submitAndStart(t, 1, 10, "n2")

	assigned := h.scan()

	assert.Equal(t, 2, assigned)
	s1, _ := h.d.Job(id1)
	s2, _ := h.d.Job(id2)
	assert.Len(t, s1.InFlight, 1)
	assert.Len(t, s2.InFlight, 1)
}

func TestDispatcher_ScanSharedNodeFollowsQueueOrder(t *testing.T) {
	h := newHarness(t, nil, "n1")
	id1 := h.submitAndStart(t, 1, 10, "n1")
	id2 := h.submitAndStart(t, 1, 10, "n1")
	require.NoError(t, h.d.Reorder(id2, -1))

	assigned := h.scan()

	assert.Equal(t, 1, assigned)
	assert.Equal(t, id2, h.adapter.Last("n1").JobID)
	s1, _ := h.d.Job(id1)
	assert.Empty(t, s1.InFlight)
}

func TestDispatcher_IgnoresStaleEvents(t *testing.T) {
	h := newHarness(t, nil, "n1")
	id := h.submitAndStart(t, 1, 5, "n1")
	h.scan()
	task := h.adapter.Last("n1")

	h.event(t, Complete, "n1")
	tests := []struct {
		name string
		ev   Event
	}{
		{name: "Duplicate Complete", ev: Event{Kind: Complete, JobID: id, NodeID: "n1", Frame: task.Frame, Gen: task.Gen}},
		{name: "Late Failure", ev: Event{Kind: Failed, JobID: id, NodeID: "n1", Frame: task.Frame, Gen: task.Gen}},
		{name: "Wrong Generation", ev: Event{Kind: Failed, JobID: id, NodeID: "n1", Frame: 2, Gen: task.Gen + 100}},
		{name: "Late Progress", ev: Event{Kind: Progress, JobID: id, NodeID: "n1", Frame: task.Frame, Gen: task.Gen, Percent: 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.scan()

			err := h.d.Handle(tt.ev)

			require.NoError(t, err)
			s, _ := h.d.Job(id)
			assert.Equal(t, 1, s.Completed)
			n, _ := h.d.Node("n1")
			assert.Equal(t, 0, n.FailureCount)
			assertPartition(t, h.d, id)
		})
	}
}

func TestDispatcher_HandleUnknownJob(t *testing.T) {
	h := newHarness(t, nil)

	err := h.d.Handle(Event{Kind: Complete, JobID: "missing", NodeID: "n1"})

	assert.True(t, errors.Is(err, job.ErrJobNotFound))
}

func TestDispatcher_SweepTimesOutSilentFrames(t *testing.T) {
	h := newHarness(t, nil, "n1")
	id := h.submitAndStart(t, 1, 5, "n1")
	h.scan()
	task := h.adapter.Last("n1")

	h.clock.Add(50 * time.Second)
	err := h.d.Handle(Event{Kind: Progress, JobID: id, NodeID: "n1", Frame: task.Frame, Gen: task.Gen, Percent: 40})
	require.NoError(t, err)

	assert.Equal(t, 0, h.d.Sweep(h.clock.Add(50*time.Second)))
	s, _ := h.d.Job(id)
	assert.Equal(t, 40, s.Progress["n1"])

	assert.Equal(t, 1, h.d.Sweep(h.clock.Add(20*time.Second)))
	h.d.wg.Wait()

	s, _ = h.d.Job(id)
	assert.Empty(t, s.InFlight)
	assert.Equal(t, 5, s.Pending)
	n, _ := h.d.Node("n1")
	assert.Equal(t, node.Idle, n.Availability)
	assert.Equal(t, 1, n.FailureCount)
	require.Len(t, h.adapter.Cancelled(), 1)
	assert.Equal(t, task.Frame, h.adapter.Cancelled()[0].Frame)

	err = h.d.Handle(Event{Kind: Complete, JobID: id, NodeID: "n1", Frame: task.Frame, Gen: task.Gen})
	require.NoError(t, err)
	s, _ = h.d.Job(id)
	assert.Equal(t, 0, s.Completed)
}

func TestDispatcher_SweepUsesNodeTimeout(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.d.RegisterNode("slow", "slow:7946", time.Hour))
	h.submitAndStart(t, 1, 5, "slow")
	h.scan()

	assert.Equal(t, 0, h.d.Sweep(h.clock.Add(30*time.Minute)))
	assert.Equal(t, 1, h.d.Sweep(h.clock.Add(31*time.Minute)))
}

func TestDispatcher_StopCancelsFrames(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id := h.submitAndStart(t, 1, 5, "n1", "n2")
	h.scan()
	h.event(t, Complete, "n1")
	h.scan()

	err := h.d.Stop(id)
	h.d.wg.Wait()

	require.NoError(t, err)
	s, _ := h.d.Job(id)
	assert.Equal(t, job.Stopped, s.Status)
	assert.Empty(t, s.InFlight)
	assert.Equal(t, 4, s.Pending)
	assert.Len(t, h.adapter.Cancelled(), 2)
	for _, n := range h.d.Nodes() {
		assert.Equal(t, node.Idle, n.Availability)
		assert.Equal(t, 0, n.FailureCount)
	}
	assert.Equal(t, 0, h.scan())

	require.NoError(t, h.d.Start(id))
	s, _ = h.d.Job(id)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 4, s.Pending)
	assert.Equal(t, 2, h.scan())
}

func TestDispatcher_PauseLetsFramesFinish(t *testing.T) {
	h := newHarness(t, nil, "n1")
	id := h.submitAndStart(t, 1, 5, "n1")
	h.scan()

	require.NoError(t, h.d.Pause(id))
	h.event(t, Complete, "n1")

	assert.Equal(t, 0, h.scan())
	s, _ := h.d.Job(id)
	assert.Equal(t, job.Paused, s.Status)
	assert.Equal(t, 1, s.Completed)
	rec, _ := h.store.Record(id)
	assert.Equal(t, job.Paused, rec.Status)
}

func TestDispatcher_InvalidTransitions(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.d.Submit(SubmitRequest{Path: "/a.blend", Start: 1, End: 2})
	require.NoError(t, err)

	tests := []struct {
		name string
		fn   func() error
	}{
		{name: "Pause Queued", fn: func() error { return h.d.Pause(id) }},
		{name: "Stop Queued", fn: func() error { return h.d.Stop(id) }},
		{name: "Requeue Queued", fn: func() error { return h.d.Requeue(id) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()

			assert.True(t, errors.Is(err, job.ErrJobStatus))
			s, _ := h.d.Job(id)
			assert.Equal(t, job.Queued, s.Status)
		})
	}
}

func TestDispatcher_SubmitValidates(t *testing.T) {
	h := newHarness(t, nil, "n1")

	_, err := h.d.Submit(SubmitRequest{Start: 5, End: 1})
	assert.True(t, errors.Is(err, job.ErrInvalidRange))

	_, err = h.d.Submit(SubmitRequest{Start: 1, End: 5, Nodes: []string{"missing"}})
	assert.True(t, errors.Is(err, node.ErrNodeNotFound))

	assert.Empty(t, h.d.Jobs())
}

func TestDispatcher_AddFramesWhileRendering(t *testing.T) {
	h := newHarness(t, nil, "n1")
	id := h.submitAndStart(t, 5, 5, "n1")
	h.scan()
	h.event(t, Complete, "n1")
	s, _ := h.d.Job(id)
	require.Equal(t, job.Finished, s.Status)

	_, err := h.d.AddFrames(id, []int{9})
	assert.True(t, errors.Is(err, job.ErrJobStatus))

	id = h.submitAndStart(t, 1, 2, "n1")
	n, err := h.d.AddFrames(id, []int{0, 1, 7, 7})

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.scan()
	assert.Equal(t, 0, h.adapter.Last("n1").Frame)
	rec, _ := h.store.Record(id)
	assert.Equal(t, []int{0, 7}, rec.ExtraFrames)
}

func TestDispatcher_RemoveNodesLeavesWorkInFlight(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id := h.submitAndStart(t, 1, 5, "n1", "n2")
	h.scan()

	require.NoError(t, h.d.RemoveNodes(id, []string{"n2"}))

	s, _ := h.d.Job(id)
	assert.Equal(t, []string{"n1"}, s.Nodes)
	assert.Equal(t, []int{1, 2}, inFlightFrames(s))

	h.event(t, Complete, "n2")
	h.scan()
	s, _ = h.d.Job(id)
	assert.Equal(t, 1, s.Completed)
	n, _ := h.d.Node("n2")
	assert.Equal(t, node.Idle, n.Availability)
	assert.Equal(t, "n1", h.adapter.Last("n1").NodeID)
	rec, _ := h.store.Record(id)
	assert.Equal(t, []string{"n1"}, rec.Nodes)

	require.NoError(t, h.d.AddNodes(id, []string{"n2"}))
	assert.Equal(t, 1, h.scan())
}

func TestDispatcher_DeregisterRequeuesFrame(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id := h.submitAndStart(t, 1, 5, "n1", "n2")
	h.scan()

	err := h.d.DeregisterNode("n1")
	h.d.wg.Wait()

	require.NoError(t, err)
	s, _ := h.d.Job(id)
	assert.Equal(t, []int{2}, inFlightFrames(s))
	assert.Equal(t, 4, s.Pending)
	require.Len(t, h.adapter.Cancelled(), 1)
	assert.Equal(t, "n1:7946", h.adapter.Cancelled()[0].Address)
	_, err = h.d.Node("n1")
	assert.True(t, errors.Is(err, node.ErrNodeNotFound))
	assertPartition(t, h.d, id)

	h.event(t, Complete, "n1")
	s, _ = h.d.Job(id)
	assert.Equal(t, 0, s.Completed)
}

func TestDispatcher_FailureThreshold(t *testing.T) {
	h := newHarness(t, nil, "n1")
	h.submitAndStart(t, 1, 10, "n1")

	for i := 0; i < 3; i++ {
		require.Equal(t, 1, h.scan())
		h.event(t, Failed, "n1")
	}

	n, _ := h.d.Node("n1")
	assert.Equal(t, node.Unreachable, n.Availability)
	assert.Equal(t, 3, n.FailureCount)
	assert.Equal(t, 0, h.scan())

	require.NoError(t, h.d.NodeAlive("n1"))
	n, _ = h.d.Node("n1")
	assert.Equal(t, node.Unreachable, n.Availability)

	require.NoError(t, h.d.ResetNode("n1"))
	n, _ = h.d.Node("n1")
	assert.Equal(t, node.Idle, n.Availability)
	assert.Equal(t, 0, n.FailureCount)
	assert.Equal(t, 1, h.scan())
}

func TestDispatcher_CompletionClearsFailures(t *testing.T) {
	h := newHarness(t, nil, "n1")
	h.submitAndStart(t, 1, 10, "n1")
	h.scan()
	h.event(t, Failed, "n1")
	h.scan()

	h.event(t, Complete, "n1")

	n, _ := h.d.Node("n1")
	assert.Equal(t, 0, n.FailureCount)
}

func TestDispatcher_HealthChecks(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id := h.submitAndStart(t, 1, 5, "n1", "n2")
	h.scan()

	require.NoError(t, h.d.NodeFailed("n1"))
	h.d.wg.Wait()

	n, _ := h.d.Node("n1")
	assert.Equal(t, node.Unreachable, n.Availability)
	s, _ := h.d.Job(id)
	assert.Equal(t, []int{2}, inFlightFrames(s))
	assertPartition(t, h.d, id)

	require.NoError(t, h.d.NodeAlive("n1"))
	n, _ = h.d.Node("n1")
	assert.Equal(t, node.Idle, n.Availability)
	assert.Equal(t, 1, h.scan())
	assert.Equal(t, 1, h.adapter.Last("n1").Frame)
}

func TestDispatcher_DisableNode(t *testing.T) {
	h := newHarness(t, nil, "n1")
	id := h.submitAndStart(t, 1, 5, "n1")
	h.scan()

	require.NoError(t, h.d.DisableNode("n1"))
	require.NoError(t, h.d.NodeFailed("n1"))
	require.NoError(t, h.d.NodeAlive("n1"))

	n, _ := h.d.Node("n1")
	assert.Equal(t, node.Disabled, n.Availability)
	s, _ := h.d.Job(id)
	assert.Empty(t, s.InFlight)
	assert.Equal(t, 0, h.scan())
}

func TestDispatcher_StartFailureRequeuesFrame(t *testing.T) {
	h := newHarness(t, nil, "n1")
	h.adapter.startErr = errors.New("connection refused")
	id := h.submitAndStart(t, 1, 5, "n1")

	h.scan()

	s, _ := h.d.Job(id)
	assert.Empty(t, s.InFlight)
	assert.Equal(t, 5, s.Pending)
	n, _ := h.d.Node("n1")
	assert.Equal(t, node.Idle, n.Availability)
	assert.Equal(t, 1, n.FailureCount)
}

func TestDispatcher_FatalFailureErrorsJob(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	id := h.submitAndStart(t, 1, 5, "n1", "n2")
	h.scan()
	task := h.adapter.Last("n1")

	err := h.d.Handle(Event{Kind: Failed, JobID: id, NodeID: "n1", Frame: task.Frame, Gen: task.Gen, Reason: "missing file", Fatal: true})
	h.d.wg.Wait()

	require.NoError(t, err)
	s, _ := h.d.Job(id)
	assert.Equal(t, job.Error, s.Status)
	assert.Empty(t, s.InFlight)
	assert.Len(t, h.adapter.Cancelled(), 1)
	assert.Equal(t, 0, h.scan())

	require.NoError(t, h.d.Requeue(id))
	s, _ = h.d.Job(id)
	assert.Equal(t, job.Queued, s.Status)
	assert.Equal(t, 5, s.Pending)
}

func TestDispatcher_Delete(t *testing.T) {
	h := newHarness(t, nil, "n1")
	id := h.submitAndStart(t, 1, 5, "n1")
	h.scan()

	err := h.d.Delete(id)
	h.d.wg.Wait()

	require.NoError(t, err)
	_, err = h.d.Job(id)
	assert.True(t, errors.Is(err, job.ErrJobNotFound))
	_, ok := h.store.Record(id)
	assert.False(t, ok)
	assert.Len(t, h.adapter.Cancelled(), 1)
	n, _ := h.d.Node("n1")
	assert.Equal(t, node.Idle, n.Availability)
	assert.True(t, errors.Is(h.d.Delete(id), job.ErrJobNotFound))
}

func TestDispatcher_PersistenceFailureIsRetried(t *testing.T) {
	h := newHarness(t, nil, "n1")
	h.store.SetErr(errors.New("disk full"))

	id, err := h.d.Submit(SubmitRequest{Path: "/a.blend", Start: 1, End: 3, Nodes: []string{"n1"}})
	require.NoError(t, err)
	require.NoError(t, h.d.Start(id))
	_, ok := h.store.Record(id)
	assert.False(t, ok)

	h.store.SetErr(nil)
	require.NoError(t, h.d.Pause(id))

	rec, ok := h.store.Record(id)
	require.True(t, ok)
	assert.Equal(t, job.Paused, rec.Status)
	assert.Equal(t, "/a.blend", rec.Path)
	assert.Equal(t, 3, rec.EndFrame)
}

func TestDispatcher_CloseReportsFailedFlush(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetErr(errors.New("disk full"))
	_, err := h.d.Submit(SubmitRequest{Path: "/a.blend", Start: 1, End: 3})
	require.NoError(t, err)

	err = h.d.Close()

	assert.Error(t, err)
}

func TestDispatcher_CloseFlushes(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetErr(errors.New("disk full"))
	id, err := h.d.Submit(SubmitRequest{Path: "/a.blend", Start: 1, End: 3})
	require.NoError(t, err)
	h.store.SetErr(nil)

	err = h.d.Close()

	require.NoError(t, err)
	_, ok := h.store.Record(id)
	assert.True(t, ok)
	assert.NoError(t, h.d.Close())
}

func TestDispatcher_Run(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	h.d.Run()
	defer h.d.Close()

	id := h.submitAndStart(t, 1, 3, "n1", "n2")

	retry.Run(t, func(t *retry.SubT) {
		if len(h.adapter.Started()) != 2 {
			t.Fatal("frames not started")
		}
	})

	task := h.adapter.Last("n1")
	err := h.d.Handle(Event{Kind: Complete, JobID: id, NodeID: "n1", Frame: task.Frame, Gen: task.Gen})
	require.NoError(t, err)

	retry.Run(t, func(t *retry.SubT) {
		if len(h.adapter.Started()) != 3 {
			t.Fatal("frame not reassigned")
		}
	})
	assert.Equal(t, 3, h.adapter.Last("n1").Frame)
}

func TestDispatcher_LoadFinishesCompletedJob(t *testing.T) {
	ts := time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC)
	store := newMemStore(job.Record{
		ID:              "job-1",
		Status:          job.Rendering,
		Path:            "/scenes/shot.blend",
		StartFrame:      1,
		EndFrame:        3,
		Nodes:           []string{"n1"},
		CompletedFrames: []int{1, 2, 3},
		Timestamp:       ts,
	})
	h := newHarness(t, store, "n1")

	err := h.d.Load()

	require.NoError(t, err)
	s, err := h.d.Job("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Finished, s.Status)
	assert.Equal(t, ts, s.TimeStop)
	rec, _ := h.store.Record("job-1")
	assert.Equal(t, job.Finished, rec.Status)
	assert.Equal(t, ts, rec.TimeStop)
	assert.Equal(t, 0, h.scan())
}

func TestDispatcher_FrameFailedLogsUnheldNode(t *testing.T) {
	h := newHarness(t, nil, "n1")
	logger := &recordingLogger{}
	h.d.log = logger

	h.d.frameFailed(job.Assignment{JobID: "job1", NodeID: "n1", Frame: 3, Gen: 9})

	entries := logger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "debug", entries[0].lvl)
	assert.Equal(t, "dispatch: node no longer holds failed frame", entries[0].msg)
	assert.Equal(t, []interface{}{"job", "job1", "node", "n1", "frame", 3}, entries[0].ctx[:6])
	n, err := h.d.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, node.Idle, n.Availability)
	assert.Equal(t, 0, n.FailureCount)

	h.d.frameFailed(job.Assignment{JobID: "job1", NodeID: "gone", Frame: 3, Gen: 9})

	assert.Len(t, logger.Entries(), 1)
}

func TestDispatcher_ConcurrentOperationsKeepPartition(t *testing.T) {
	nodes := []string{"n1", "n2", "n3", "n4"}
	h := newHarness(t, nil, nodes...)
	ids := []string{
		h.submitAndStart(t, 1, 40, nodes...),
		h.submitAndStart(t, 1, 40, "n1", "n2"),
	}

	report := func(r *rand.Rand) {
		id := nodes[r.Intn(len(nodes))]
		task := h.adapter.Last(id)
		if task.JobID == "" {
			return
		}

		ev := Event{Kind: Complete, JobID: task.JobID, NodeID: id, Frame: task.Frame, Gen: task.Gen, Reason: "boom"}
		switch r.Intn(4) {
		case 0:
			ev.Kind = Failed
		case 1:
			ev.Kind = Progress
			ev.Percent = 50
		}
		_ = h.d.Handle(ev)
	}
	workers := []func(r *rand.Rand){
		func(*rand.Rand) { h.d.Scan() },
		report,
		report,
		func(*rand.Rand) { h.d.Sweep(h.clock.Add(10 * time.Second)) },
		func(r *rand.Rand) {
			id := ids[r.Intn(len(ids))]
			if err := h.d.Stop(id); err != nil {
				_ = h.d.Requeue(id)
			}
			_ = h.d.Start(id)
		},
		func(r *rand.Rand) {
			id := nodes[r.Intn(len(nodes))]
			_ = h.d.DisableNode(id)
			_ = h.d.ResetNode(id)
		},
	}

	var wg sync.WaitGroup
	for i, fn := range workers {
		wg.Add(1)
		go func(seed int64, fn func(r *rand.Rand)) {
			defer wg.Done()

			r := rand.New(rand.NewSource(seed))
			for j := 0; j < 200; j++ {
				fn(r)
			}
		}(int64(i+1), fn)
	}
	wg.Wait()
	h.d.wg.Wait()

	inFlight := map[string]node.Ref{}
	for _, id := range ids {
		assertPartition(t, h.d, id)

		e, err := h.d.entry(id)
		require.NoError(t, err)
		for _, a := range e.job.InFlight() {
			_, dup := inFlight[a.NodeID]
			assert.False(t, dup, "node %s holds two frames", a.NodeID)
			inFlight[a.NodeID] = refOf(a)
		}
	}
	busy := map[string]node.Ref{}
	for _, n := range h.d.pool.List(nil) {
		if n.Availability != node.Busy {
			assert.Nil(t, n.Assignment, "node %s", n.ID)
			continue
		}
		require.NotNil(t, n.Assignment, "node %s", n.ID)
		busy[n.ID] = *n.Assignment
	}
	assert.Equal(t, inFlight, busy)
}
