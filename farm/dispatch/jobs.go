package dispatch

import (
	"github.com/nrwiersma/renderfarm/farm/job"
	"github.com/pkg/errors"
)

// Submit creates a queued job at the end of the queue and returns its id.
func (d *Dispatcher) Submit(req SubmitRequest) (string, error) {
	if req.Start > req.End {
		return "", errors.Wrapf(job.ErrInvalidRange, "dispatch: start %d after end %d", req.Start, req.End)
	}
	if err := d.checkNodes(req.Nodes); err != nil {
		return "", err
	}

	now := d.now()
	id := newJobID()

	d.mu.Lock()
	pos := d.nextPos
	d.nextPos++
	d.mu.Unlock()

	j, err := job.FromRecord(job.Record{
		ID:            id,
		Status:        job.Queued,
		Path:          req.Path,
		StartFrame:    req.Start,
		EndFrame:      req.End,
		ExtraFrames:   req.Extras,
		Nodes:         req.Nodes,
		QueuePosition: pos,
		Timestamp:     now,
	})
	if err != nil {
		return "", err
	}
	e := &entry{job: j}

	d.mu.Lock()
	d.jobs[id] = e
	d.mu.Unlock()

	d.log.Info("dispatch: job submitted", "job", id, "path", req.Path)

	d.persist(e, persistRecord)
	return id, nil
}

// Start starts rendering a queued, paused or stopped job.
func (d *Dispatcher) Start(id string) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}

	if err := e.job.Start(d.now()); err != nil {
		return err
	}

	d.log.Info("dispatch: job started", "job", id)

	d.persist(e, persistRecord)
	d.wake()
	return nil
}

// Pause pauses a rendering job. Frames in flight are allowed to finish.
func (d *Dispatcher) Pause(id string) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}

	if err := e.job.Pause(d.now()); err != nil {
		return err
	}

	d.log.Info("dispatch: job paused", "job", id)

	d.persist(e, persistStatus)
	return nil
}

// Stop stops a rendering or paused job, cancelling its frames in flight.
func (d *Dispatcher) Stop(id string) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}

	voided, err := e.job.Stop(d.now())
	if err != nil {
		return err
	}

	d.log.Info("dispatch: job stopped", "job", id, "cancelled", len(voided))

	d.void(e, voided)
	d.persist(e, persistRecord)
	return nil
}

// Requeue resets a finished, stopped or errored job to queued with
// no completed frames.
func (d *Dispatcher) Requeue(id string) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}

	if err := e.job.Requeue(d.now()); err != nil {
		return err
	}

	d.log.Info("dispatch: job requeued", "job", id)

	d.persist(e, persistRecord)
	return nil
}

// Delete removes a job, cancelling its frames in flight.
func (d *Dispatcher) Delete(id string) error {
	d.mu.Lock()
	e, ok := d.jobs[id]
	if !ok {
		d.mu.Unlock()
		return errors.Wrapf(job.ErrJobNotFound, "dispatch: job %q", id)
	}
	delete(d.jobs, id)
	d.mu.Unlock()

	if voided, err := e.job.Stop(d.now()); err == nil {
		d.void(e, voided)
	}

	d.log.Info("dispatch: job deleted", "job", id)

	e.saveMu.Lock()
	e.deleted = true
	err := d.store.Delete(id)
	e.saveMu.Unlock()

	if err != nil {
		d.log.Error("dispatch: error deleting job", "job", id, "error", err)

		d.mu.Lock()
		d.deletes[id] = struct{}{}
		d.mu.Unlock()
	}
	return nil
}

// AddFrames adds extra frames to a job. It returns the number of
// frames that became pending.
func (d *Dispatcher) AddFrames(id string, frames []int) (int, error) {
	e, err := d.entry(id)
	if err != nil {
		return 0, err
	}

	n, err := e.job.AddFrames(frames, d.now())
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	d.persist(e, persistRecord)
	d.wake()
	return n, nil
}

// AddNodes assigns registered nodes to a job.
func (d *Dispatcher) AddNodes(id string, nodes []string) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}
	if err := d.checkNodes(nodes); err != nil {
		return err
	}

	if !e.job.AddNodes(nodes, d.now()) {
		return nil
	}

	d.persist(e, persistNodes)
	d.wake()
	return nil
}

// RemoveNodes unassigns nodes from a job. Frames in flight on the
// nodes are left to finish.
func (d *Dispatcher) RemoveNodes(id string, nodes []string) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}

	if !e.job.RemoveNodes(nodes, d.now()) {
		return nil
	}

	d.persist(e, persistNodes)
	return nil
}

// Reorder moves a job to the given queue position.
func (d *Dispatcher) Reorder(id string, pos int) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}

	e.job.SetPosition(pos, d.now())

	d.mu.Lock()
	if pos >= d.nextPos {
		d.nextPos = pos + 1
	}
	d.mu.Unlock()

	d.persist(e, persistPosition)
	return nil
}

func (d *Dispatcher) checkNodes(ids []string) error {
	for _, id := range ids {
		if _, err := d.pool.Get(id); err != nil {
			return err
		}
	}
	return nil
}
