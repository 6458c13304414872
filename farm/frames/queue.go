package frames

import "sort"

// Queue is an ordered set of pending frame numbers.
//
// A Queue is not safe for concurrent use.
type Queue struct {
	frames []int
}

// NewQueue returns a queue containing the given frames.
func NewQueue(frames ...int) *Queue {
	q := &Queue{}
	for _, f := range frames {
		q.Requeue(f)
	}
	return q
}

// Pop removes and returns the smallest pending frame.
func (q *Queue) Pop() (int, bool) {
	if len(q.frames) == 0 {
		return 0, false
	}

	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// Requeue inserts a frame into the queue. Requeuing a pending
// frame does nothing.
func (q *Queue) Requeue(frame int) {
	i := sort.SearchInts(q.frames, frame)
	if i < len(q.frames) && q.frames[i] == frame {
		return
	}

	q.frames = append(q.frames, 0)
	copy(q.frames[i+1:], q.frames[i:])
	q.frames[i] = frame
}

// Merge adds the frames that are not already pending and are not
// skipped. It returns the number of frames added.
func (q *Queue) Merge(frames []int, skip func(frame int) bool) int {
	var n int
	for _, f := range frames {
		if q.Contains(f) || (skip != nil && skip(f)) {
			continue
		}
		q.Requeue(f)
		n++
	}
	return n
}

// Contains determines if the frame is pending.
func (q *Queue) Contains(frame int) bool {
	i := sort.SearchInts(q.frames, frame)
	return i < len(q.frames) && q.frames[i] == frame
}

// Len returns the number of pending frames.
func (q *Queue) Len() int {
	return len(q.frames)
}

// Empty determines if there are no pending frames.
func (q *Queue) Empty() bool {
	return len(q.frames) == 0
}

// Frames returns a copy of the pending frames in ascending order.
func (q *Queue) Frames() []int {
	out := make([]int, len(q.frames))
	copy(out, q.frames)
	return out
}

// Range returns the frames from start to end inclusive.
func Range(start, end int) []int {
	if end < start {
		return nil
	}

	out := make([]int, 0, end-start+1)
	for f := start; f <= end; f++ {
		out = append(out, f)
	}
	return out
}
