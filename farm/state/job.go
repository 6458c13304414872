package state

import (
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/nrwiersma/renderfarm/farm/job"
	"github.com/pkg/errors"
)

// Job is used to store a job record.
type Job struct {
	job.Record

	RaftIndex
}

func jobsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableJobs,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
		},
	}
}

// Jobs returns the jobs for a given snapshot.
func (s *Snapshot) Jobs() (memdb.ResultIterator, error) {
	return s.tx.Get(tableJobs, "id")
}

// Job restores a job.
func (r *Restore) Job(idx uint64, rec *job.Record) error {
	return ensureJobTx(r.tx, idx, rec)
}

// Job returns the job record with the given id or nil.
func (s *Store) Job(id string) (uint64, *job.Record, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndex(tx, tableJobs)
	raw, err := tx.First(tableJobs, "id", id)
	if err != nil {
		return 0, nil, errors.Wrap(err, "state: job lookup failed")
	}
	if raw == nil {
		return idx, nil, nil
	}

	rec := copyRecord(raw.(*Job).Record)
	return idx, &rec, nil
}

// Jobs returns all the job records ordered by queue position, as well as
// adding a watch channel to the watch set that will be closed when the
// jobs change.
func (s *Store) Jobs(ws memdb.WatchSet) (uint64, []job.Record, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndex(tx, tableJobs)
	iter, err := tx.Get(tableJobs, "id")
	if err != nil {
		return 0, nil, errors.Wrap(err, "state: job lookup failed")
	}
	ws.Add(iter.WatchCh())

	var recs []job.Record
	for next := iter.Next(); next != nil; next = iter.Next() {
		recs = append(recs, copyRecord(next.(*Job).Record))
	}
	sortRecords(recs)
	return idx, recs, nil
}

// EnsureJob inserts or replaces a job record.
func (s *Store) EnsureJob(idx uint64, rec *job.Record) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	if err := ensureJobTx(tx, idx, rec); err != nil {
		return err
	}

	tx.Commit()
	return nil
}

// UpdateJob applies fn to a copy of the existing job record and stores
// the result in a single transaction.
func (s *Store) UpdateJob(idx uint64, id string, fn func(rec *job.Record)) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First(tableJobs, "id", id)
	if err != nil {
		return errors.Wrap(err, "state: job lookup failed")
	}
	if raw == nil {
		return errors.Wrapf(job.ErrJobNotFound, "state: job %q", id)
	}

	rec := copyRecord(raw.(*Job).Record)
	fn(&rec)

	if err := ensureJobTx(tx, idx, &rec); err != nil {
		return err
	}

	tx.Commit()
	return nil
}

// DeleteJob deletes the job record with the given id.
func (s *Store) DeleteJob(idx uint64, id string) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First(tableJobs, "id", id)
	if err != nil {
		return errors.Wrap(err, "state: job lookup failed")
	}
	if raw == nil {
		return nil
	}

	if err := tx.Delete(tableJobs, raw); err != nil {
		return errors.Wrap(err, "state: failed deleting job")
	}
	if err := updateIndex(tx, tableJobs, idx); err != nil {
		return err
	}

	tx.Commit()
	return nil
}

func ensureJobTx(tx *memdb.Txn, idx uint64, rec *job.Record) error {
	j := &Job{
		Record:    copyRecord(*rec),
		RaftIndex: RaftIndex{Index: idx},
	}

	if err := tx.Insert(tableJobs, j); err != nil {
		return errors.Wrap(err, "state: failed inserting job")
	}
	if err := updateIndex(tx, tableJobs, idx); err != nil {
		return err
	}
	return nil
}

func copyRecord(rec job.Record) job.Record {
	rec.ExtraFrames = append([]int{}, rec.ExtraFrames...)
	rec.Nodes = append([]string{}, rec.Nodes...)
	rec.CompletedFrames = append([]int{}, rec.CompletedFrames...)
	return rec
}

func sortRecords(recs []job.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].QueuePosition != recs[j].QueuePosition {
			return recs[i].QueuePosition < recs[j].QueuePosition
		}
		return recs[i].ID < recs[j].ID
	})
}
