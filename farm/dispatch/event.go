package dispatch

// EventKind is the kind of a worker event.
type EventKind string

// EventKind constants.
const (
	Progress EventKind = "progress"
	Complete EventKind = "complete"
	Failed   EventKind = "failed"
)

// Event is reported by a node about a frame it was assigned. Gen must
// be the generation of the assignment the event is about.
type Event struct {
	Kind    EventKind
	JobID   string
	NodeID  string
	Frame   int
	Gen     uint64
	Percent int
	Reason  string

	// Fatal marks a failure that no retry can fix, moving the job
	// into the error state.
	Fatal bool
}
