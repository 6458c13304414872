package state

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	tableIndex = "index"
	tableJobs  = "jobs"
)

// RaftIndex holds the raft index of a record.
type RaftIndex struct {
	Index uint64
}

// Store holds the job records applied from the raft log.
type Store struct {
	schema *memdb.DBSchema
	db     *memdb.MemDB
}

// New returns an empty job state store.
func New() (*Store, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableIndex: indexTableSchema(),
			tableJobs:  jobsTableSchema(),
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, errors.Wrap(err, "state: could not create db")
	}

	return &Store{
		schema: schema,
		db:     db,
	}, nil
}

// Snapshot opens a read transaction over every table. It must be
// closed once the jobs have been persisted.
func (s *Store) Snapshot() *Snapshot {
	tx := s.db.Txn(false)

	tables := make([]string, 0, len(s.schema.Tables))
	for table := range s.schema.Tables {
		tables = append(tables, table)
	}

	return &Snapshot{tx: tx, lastIndex: maxIndex(tx, tables...)}
}

// Restore opens a single write transaction to load a snapshot into.
func (s *Store) Restore() *Restore {
	return &Restore{tx: s.db.Txn(true)}
}

// Snapshot is a point-in-time view of the store.
type Snapshot struct {
	tx        *memdb.Txn
	lastIndex uint64
}

// LastIndex returns the highest raft index in the snapshot.
func (s *Snapshot) LastIndex() uint64 {
	return s.lastIndex
}

// Indexes returns the per table raft indexes.
func (s *Snapshot) Indexes() (memdb.ResultIterator, error) {
	iter, err := s.tx.Get(tableIndex, "id")
	if err != nil {
		return nil, errors.Wrap(err, "state: index lookup failed")
	}
	return iter, nil
}

// Close releases the snapshot.
func (s *Snapshot) Close() {
	s.tx.Abort()
}

// Restore loads records in bulk. Either Commit or Abort must be called.
type Restore struct {
	tx *memdb.Txn
}

// Index restores a table index.
func (r *Restore) Index(idx *IndexEntry) error {
	if err := r.tx.Insert(tableIndex, idx); err != nil {
		return errors.Wrap(err, "state: index insert failed")
	}
	return nil
}

// Abort discards the restored records. It is a no-op after Commit.
func (r *Restore) Abort() {
	r.tx.Abort()
}

// Commit makes the restored records visible.
func (r *Restore) Commit() {
	r.tx.Commit()
}

// IndexEntry is the last raft index that changed a table.
type IndexEntry struct {
	Table string
	Index uint64
}

func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Table",
					Lowercase: true,
				},
			},
		},
	}
}

func updateIndex(tx *memdb.Txn, table string, idx uint64) error {
	if err := tx.Insert(tableIndex, &IndexEntry{Table: table, Index: idx}); err != nil {
		return errors.Wrap(err, "state: failed updating index")
	}
	return nil
}

func maxIndex(tx *memdb.Txn, tables ...string) uint64 {
	var max uint64
	for _, table := range tables {
		raw, err := tx.First(tableIndex, "id", table)
		if err != nil || raw == nil {
			continue
		}
		if e := raw.(*IndexEntry); e.Index > max {
			max = e.Index
		}
	}
	return max
}
