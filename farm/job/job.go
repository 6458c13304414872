package job

import (
	"sort"
	"sync"
	"time"

	"github.com/nrwiersma/renderfarm/farm/frames"
	"github.com/pkg/errors"
)

// Status is the status of a job.
type Status string

// Status constants.
const (
	Queued    Status = "queued"
	Rendering Status = "rendering"
	Paused    Status = "paused"
	Stopped   Status = "stopped"
	Finished  Status = "finished"
	Error     Status = "error"
)

// Error constants.
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobStatus    = errors.New("invalid job status")
	ErrInvalidRange = errors.New("invalid frame range")
)

// Key identifies the pairing of a job and a node.
type Key struct {
	JobID  string
	NodeID string
}

// Assignment is a single frame in flight on a node.
type Assignment struct {
	JobID        string
	NodeID       string
	Frame        int
	Gen          uint64
	Started      time.Time
	LastActivity time.Time
}

// Key returns the job and node key of the assignment.
func (a Assignment) Key() Key {
	return Key{JobID: a.JobID, NodeID: a.NodeID}
}

func (a Assignment) matches(frame int, gen uint64) bool {
	return a.Frame == frame && a.Gen == gen
}

// Record is the persisted form of a job.
type Record struct {
	ID              string
	Status          Status
	Path            string
	StartFrame      int
	EndFrame        int
	ExtraFrames     []int
	Nodes           []string
	CompletedFrames []int
	TimeStart       time.Time
	TimeStop        time.Time
	QueuePosition   int
	Timestamp       time.Time
}

// Job is a render job and its frame bookkeeping.
type Job struct {
	mu sync.Mutex

	id       string
	path     string
	start    int
	end      int
	extras   []int
	status   Status
	nodes    []string
	position int

	queue     *frames.Queue
	completed map[int]struct{}
	inFlight  map[string]Assignment
	progress  map[string]int

	timeStart time.Time
	timeStop  time.Time
	timestamp time.Time
}

// FromRecord creates a job from its record. Pending frames are the
// requested frames not yet completed. Nothing is considered in flight.
func FromRecord(rec Record) (*Job, error) {
	if rec.StartFrame > rec.EndFrame {
		return nil, errors.Wrapf(ErrInvalidRange, "job: start %d after end %d", rec.StartFrame, rec.EndFrame)
	}

	status := rec.Status
	if status == "" {
		status = Queued
	}

	j := &Job{
		id:        rec.ID,
		path:      rec.Path,
		start:     rec.StartFrame,
		end:       rec.EndFrame,
		status:    status,
		position:  rec.QueuePosition,
		queue:     frames.NewQueue(),
		completed: make(map[int]struct{}),
		inFlight:  make(map[string]Assignment),
		progress:  make(map[string]int),
		timeStart: rec.TimeStart,
		timeStop:  rec.TimeStop,
		timestamp: rec.Timestamp,
	}

	for _, f := range rec.ExtraFrames {
		j.addExtra(f)
	}
	j.addNodes(rec.Nodes)

	for _, f := range rec.CompletedFrames {
		if !j.requested(f) {
			continue
		}
		j.completed[f] = struct{}{}
	}
	j.queue.Merge(j.requestedFrames(), j.isCompleted)

	if (status == Rendering || status == Paused) && len(j.completed) == j.total() {
		j.status = Finished
		if j.timeStop.IsZero() {
			j.timeStop = rec.Timestamp
		}
	}

	return j, nil
}

// ID returns the job id.
func (j *Job) ID() string {
	return j.id
}

// Path returns the input file path of the job.
func (j *Job) Path() string {
	return j.path
}

// Status returns the current job status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.status
}

// Position returns the queue position of the job.
func (j *Job) Position() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.position
}

// HasNode determines if the node is assigned to the job.
func (j *Job) HasNode(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.hasNode(id)
}

// Record returns a copy of the job record.
func (j *Job) Record() Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.record()
}

// Snapshot is a consistent view of a job.
type Snapshot struct {
	Record

	Total    int
	Pending  []int
	InFlight []Assignment
	Progress map[string]int
}

// Snapshot returns a consistent view of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	progress := make(map[string]int, len(j.progress))
	for id, p := range j.progress {
		progress[id] = p
	}

	return Snapshot{
		Record:   j.record(),
		Total:    j.total(),
		Pending:  j.queue.Frames(),
		InFlight: j.inFlightFrames(),
		Progress: progress,
	}
}

func (j *Job) record() Record {
	completed := make([]int, 0, len(j.completed))
	for f := range j.completed {
		completed = append(completed, f)
	}
	sort.Ints(completed)

	return Record{
		ID:              j.id,
		Status:          j.status,
		Path:            j.path,
		StartFrame:      j.start,
		EndFrame:        j.end,
		ExtraFrames:     append([]int{}, j.extras...),
		Nodes:           append([]string{}, j.nodes...),
		CompletedFrames: completed,
		TimeStart:       j.timeStart,
		TimeStop:        j.timeStop,
		QueuePosition:   j.position,
		Timestamp:       j.timestamp,
	}
}

// Start sets the job rendering. A queued, paused or stopped job can be started.
func (j *Job) Start(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status {
	case Queued, Paused, Stopped:
	default:
		return errors.Wrapf(ErrJobStatus, "job: cannot start %s job", j.status)
	}

	j.status = Rendering
	if j.timeStart.IsZero() {
		j.timeStart = now
	}
	j.timeStop = time.Time{}
	j.timestamp = now
	return nil
}

// Pause pauses a rendering job. Frames in flight are allowed to finish.
func (j *Job) Pause(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != Rendering {
		return errors.Wrapf(ErrJobStatus, "job: cannot pause %s job", j.status)
	}

	j.status = Paused
	j.timestamp = now
	return nil
}

// Stop stops a rendering or paused job. The assignments in flight
// are voided, their frames returned to pending, and returned so they
// can be cancelled.
func (j *Job) Stop(now time.Time) ([]Assignment, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status {
	case Rendering, Paused:
	default:
		return nil, errors.Wrapf(ErrJobStatus, "job: cannot stop %s job", j.status)
	}

	voided := j.voidAll()
	j.status = Stopped
	j.timeStop = now
	j.timestamp = now
	return voided, nil
}

// Fail moves an active job into the error state. The assignments in
// flight are voided and returned so they can be cancelled.
func (j *Job) Fail(now time.Time) ([]Assignment, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status {
	case Queued, Rendering, Paused:
	default:
		return nil, errors.Wrapf(ErrJobStatus, "job: cannot fail %s job", j.status)
	}

	voided := j.voidAll()
	j.status = Error
	j.timeStop = now
	j.timestamp = now
	return voided, nil
}

// Requeue resets a finished, stopped or errored job back to queued,
// clearing its completed frames.
func (j *Job) Requeue(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status {
	case Finished, Stopped, Error:
	default:
		return errors.Wrapf(ErrJobStatus, "job: cannot requeue %s job", j.status)
	}

	j.completed = make(map[int]struct{})
	j.progress = make(map[string]int)
	j.queue = frames.NewQueue(j.requestedFrames()...)
	j.status = Queued
	j.timeStart = time.Time{}
	j.timeStop = time.Time{}
	j.timestamp = now
	return nil
}

// AddFrames merges extra frames into the job. Frames already requested
// are ignored. It returns the number of frames added.
func (j *Job) AddFrames(frames []int, now time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status == Finished || j.status == Error {
		return 0, errors.Wrapf(ErrJobStatus, "job: cannot add frames to %s job", j.status)
	}

	var added []int
	for _, f := range frames {
		if j.requested(f) {
			continue
		}
		j.addExtra(f)
		added = append(added, f)
	}
	n := j.queue.Merge(added, func(f int) bool {
		if j.isCompleted(f) {
			return true
		}
		return j.isInFlight(f)
	})

	if n > 0 {
		j.timestamp = now
	}
	return n, nil
}

// AddNodes assigns nodes to the job. It returns true if the node set changed.
func (j *Job) AddNodes(ids []string, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.addNodes(ids) {
		return false
	}
	j.timestamp = now
	return true
}

// RemoveNodes unassigns nodes from the job. Work in flight on the removed
// nodes is left to finish. It returns true if the node set changed.
func (j *Job) RemoveNodes(ids []string, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}

	nodes := j.nodes[:0:0]
	for _, id := range j.nodes {
		if remove[id] {
			continue
		}
		nodes = append(nodes, id)
	}
	if len(nodes) == len(j.nodes) {
		return false
	}

	j.nodes = nodes
	j.timestamp = now
	return true
}

// SetPosition sets the queue position of the job.
func (j *Job) SetPosition(pos int, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.position = pos
	j.timestamp = now
}

// Assign pops the next pending frame for the node. It returns false
// if the job is not rendering, the node is not assigned to the job,
// the node already has a frame in flight, or no frame is pending.
func (j *Job) Assign(nodeID string, gen uint64, now time.Time) (Assignment, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != Rendering || !j.hasNode(nodeID) {
		return Assignment{}, false
	}
	if _, ok := j.inFlight[nodeID]; ok {
		return Assignment{}, false
	}

	f, ok := j.queue.Pop()
	if !ok {
		return Assignment{}, false
	}

	a := Assignment{
		JobID:        j.id,
		NodeID:       nodeID,
		Frame:        f,
		Gen:          gen,
		Started:      now,
		LastActivity: now,
	}
	j.inFlight[nodeID] = a
	j.progress[nodeID] = 0
	return a, true
}

// Progress records progress of the assignment. It returns false if the
// assignment is no longer in flight.
func (j *Job) Progress(nodeID string, frame int, gen uint64, percent int, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	a, ok := j.inFlight[nodeID]
	if !ok || !a.matches(frame, gen) {
		return false
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	a.LastActivity = now
	j.inFlight[nodeID] = a
	j.progress[nodeID] = percent
	return true
}

// Complete marks the frame of the assignment as completed, finishing
// the job if every requested frame is now complete. It returns the
// completed assignment, if the job finished, and false if the
// assignment is no longer in flight.
func (j *Job) Complete(nodeID string, frame int, gen uint64, now time.Time) (Assignment, bool, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	a, ok := j.inFlight[nodeID]
	if !ok || !a.matches(frame, gen) {
		return Assignment{}, false, false
	}

	delete(j.inFlight, nodeID)
	j.completed[frame] = struct{}{}
	j.progress[nodeID] = 100
	j.timestamp = now

	if len(j.completed) < j.total() {
		return a, false, true
	}

	j.status = Finished
	j.timeStop = now
	return a, true, true
}

// FailFrame returns the frame of the assignment to pending. It returns
// false if the assignment is no longer in flight.
func (j *Job) FailFrame(nodeID string, frame int, gen uint64) (Assignment, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	a, ok := j.inFlight[nodeID]
	if !ok || !a.matches(frame, gen) {
		return Assignment{}, false
	}

	delete(j.inFlight, nodeID)
	j.queue.Requeue(frame)
	return a, true
}

// Expired returns the assignments that have had no activity within
// their node timeout.
func (j *Job) Expired(now time.Time, timeout func(nodeID string) time.Duration) []Assignment {
	j.mu.Lock()
	defer j.mu.Unlock()

	var expired []Assignment
	for id, a := range j.inFlight {
		if now.Sub(a.LastActivity) <= timeout(id) {
			continue
		}
		expired = append(expired, a)
	}
	sort.Slice(expired, func(i, k int) bool {
		return expired[i].NodeID < expired[k].NodeID
	})
	return expired
}

// Timeout returns the frame of the assignment to pending if it has
// still had no activity within timeout. It returns false if the
// assignment is no longer in flight or has reported since.
func (j *Job) Timeout(nodeID string, frame int, gen uint64, now time.Time, timeout time.Duration) (Assignment, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	a, ok := j.inFlight[nodeID]
	if !ok || !a.matches(frame, gen) {
		return Assignment{}, false
	}
	if now.Sub(a.LastActivity) <= timeout {
		return Assignment{}, false
	}

	delete(j.inFlight, nodeID)
	j.queue.Requeue(frame)
	return a, true
}

// Pending returns the pending frames.
func (j *Job) Pending() []int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.queue.Frames()
}

// InFlight returns the assignments in flight ordered by frame.
func (j *Job) InFlight() []Assignment {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.inFlightFrames()
}

func (j *Job) inFlightFrames() []Assignment {
	out := make([]Assignment, 0, len(j.inFlight))
	for _, a := range j.inFlight {
		out = append(out, a)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Frame < out[k].Frame
	})
	return out
}

// Progresses returns the last known progress per node.
func (j *Job) Progresses() map[string]int {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[string]int, len(j.progress))
	for id, p := range j.progress {
		out[id] = p
	}
	return out
}

// Requested returns every requested frame in ascending order.
func (j *Job) Requested() []int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.requestedFrames()
}

func (j *Job) voidAll() []Assignment {
	voided := make([]Assignment, 0, len(j.inFlight))
	for id, a := range j.inFlight {
		j.queue.Requeue(a.Frame)
		delete(j.inFlight, id)
		voided = append(voided, a)
	}
	sort.Slice(voided, func(i, k int) bool {
		return voided[i].Frame < voided[k].Frame
	})
	return voided
}

func (j *Job) requested(f int) bool {
	if f >= j.start && f <= j.end {
		return true
	}
	i := sort.SearchInts(j.extras, f)
	return i < len(j.extras) && j.extras[i] == f
}

func (j *Job) requestedFrames() []int {
	out := append(frames.Range(j.start, j.end), j.extras...)
	sort.Ints(out)
	return out
}

func (j *Job) total() int {
	return j.end - j.start + 1 + len(j.extras)
}

func (j *Job) isCompleted(f int) bool {
	_, ok := j.completed[f]
	return ok
}

func (j *Job) isInFlight(f int) bool {
	for _, a := range j.inFlight {
		if a.Frame == f {
			return true
		}
	}
	return false
}

func (j *Job) addExtra(f int) {
	if j.requested(f) {
		return
	}
	i := sort.SearchInts(j.extras, f)
	j.extras = append(j.extras, 0)
	copy(j.extras[i+1:], j.extras[i:])
	j.extras[i] = f
}

func (j *Job) hasNode(id string) bool {
	for _, n := range j.nodes {
		if n == id {
			return true
		}
	}
	return false
}

func (j *Job) addNodes(ids []string) bool {
	var changed bool
	for _, id := range ids {
		if id == "" || j.hasNode(id) {
			continue
		}
		j.nodes = append(j.nodes, id)
		changed = true
	}
	return changed
}
