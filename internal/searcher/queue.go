// Package searcher implements the bounded top-K selection used by search.
package searcher

import (
	"slices"

	"github.com/hupe1980/pocketrag/model"
)

// TieEpsilon is the score difference under which two candidates are treated as tied.
const TieEpsilon = 1e-6

// Candidate is a scored record held by the queue.
type Candidate struct {
	Score  float32
	Record *model.Record
}

// Worse reports whether a ranks below b.
// Ties within TieEpsilon prefer the lower chunk index, then the lexically smaller ID.
func Worse(a, b Candidate) bool {
	d := a.Score - b.Score
	if d < -TieEpsilon {
		return true
	}
	if d > TieEpsilon {
		return false
	}
	if a.Record.ChunkIndex != b.Record.ChunkIndex {
		return a.Record.ChunkIndex > b.Record.ChunkIndex
	}
	return a.Record.ID > b.Record.ID
}

// TopK is a bounded min-heap: the root is the worst retained candidate.
// Selection over n pushes costs O(n log k).
// It does NOT implement container/heap to avoid interface overhead.
type TopK struct {
	k     int
	items []Candidate
}

// NewTopK creates a queue retaining at most k candidates.
func NewTopK(k int) *TopK {
	return &TopK{k: k, items: make([]Candidate, 0, min(k, 1024))}
}

// Reset clears the queue for reuse.
func (q *TopK) Reset() {
	q.items = q.items[:0]
}

// Len returns the number of retained candidates.
func (q *TopK) Len() int {
	return len(q.items)
}

// Full reports whether the queue holds k candidates.
func (q *TopK) Full() bool {
	return len(q.items) >= q.k
}

// Worst returns the lowest-ranked retained candidate.
func (q *TopK) Worst() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

// Push offers a candidate. Returns true if it was retained.
func (q *TopK) Push(c Candidate) bool {
	if q.k <= 0 {
		return false
	}
	if len(q.items) < q.k {
		q.items = append(q.items, c)
		q.siftUp(len(q.items) - 1)
		return true
	}
	if !Worse(q.items[0], c) {
		return false
	}
	q.items[0] = c
	q.siftDown(0)
	return true
}

// Sorted returns the retained candidates best first. The queue is left empty.
func (q *TopK) Sorted() []Candidate {
	out := slices.Clone(q.items)
	slices.SortFunc(out, func(a, b Candidate) int {
		switch {
		case Worse(b, a):
			return -1
		case Worse(a, b):
			return 1
		default:
			return 0
		}
	})
	q.Reset()
	return out
}

func (q *TopK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !Worse(q.items[i], q.items[parent]) {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *TopK) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && Worse(q.items[right], q.items[left]) {
			child = right
		}
		if !Worse(q.items[child], q.items[i]) {
			break
		}
		q.items[i], q.items[child] = q.items[child], q.items[i]
		i = child
	}
}
