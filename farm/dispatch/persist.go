package dispatch

import "github.com/nrwiersma/renderfarm/farm/job"

type persistFunc func(s Store, rec job.Record) error

func persistRecord(s Store, rec job.Record) error {
	return s.Put(rec)
}

func persistStatus(s Store, rec job.Record) error {
	return s.UpdateStatus(rec.ID, rec.Status)
}

func persistCompleted(s Store, rec job.Record) error {
	return s.UpdateCompletedFrames(rec.ID, rec.CompletedFrames)
}

func persistNodes(s Store, rec job.Record) error {
	return s.UpdateNodes(rec.ID, rec.Nodes)
}

func persistPosition(s Store, rec job.Record) error {
	return s.UpdateQueuePosition(rec.ID, rec.QueuePosition)
}

// persist writes the current state of the job. Writes of a job are
// serialized and read the record under the write lock, so the stored
// record never goes backwards. A failed write marks the job dirty, and
// the next write of the job replaces the whole record.
func (d *Dispatcher) persist(e *entry, fn persistFunc) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	if e.deleted {
		return
	}
	if e.dirty {
		fn = persistRecord
	}

	rec := e.job.Record()
	if err := fn(d.store, rec); err != nil {
		d.log.Error("dispatch: error persisting job", "job", rec.ID, "error", err)
		e.dirty = true
		return
	}
	e.dirty = false
}
