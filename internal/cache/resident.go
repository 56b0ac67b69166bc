package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/pocketrag/internal/resource"
	"github.com/hupe1980/pocketrag/internal/segment"
	"github.com/hupe1980/pocketrag/model"
)

// Stats is a snapshot of cache counters.
type Stats struct {
	Resident  int
	Bytes     int64
	Hits      int64
	Misses    int64
	Evictions int64
	Peak      int
}

// ResidentSet is an LRU of decoded segments.
type ResidentSet struct {
	mu        sync.Mutex
	maxCount  int
	maxBytes  int64
	bytes     int64
	peak      int
	items     map[model.SegmentID]*list.Element
	evictList *list.List

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	seg *segment.Segment
	res *resource.Reservation
}

// NewResidentSet creates a set holding at most maxCount segments and maxBytes
// bytes. Zero disables a bound.
func NewResidentSet(maxCount int, maxBytes int64) *ResidentSet {
	return &ResidentSet{
		maxCount:  maxCount,
		maxBytes:  maxBytes,
		items:     make(map[model.SegmentID]*list.Element),
		evictList: list.New(),
	}
}

// Get returns a resident segment and marks it most recently used.
func (c *ResidentSet) Get(id model.SegmentID) (*segment.Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(el)
		return el.Value.(*entry).seg, true
	}
	c.misses.Add(1)
	return nil, false
}

// Contains reports residency without touching recency or counters.
func (c *ResidentSet) Contains(id model.SegmentID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// MakeRoom evicts least recently used segments until one more segment of
// size bytes fits. It returns the number of evicted segments.
func (c *ResidentSet) MakeRoom(size int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.makeRoom(size)
}

func (c *ResidentSet) makeRoom(size int64) int {
	n := 0
	for c.evictList.Len() > 0 && !c.fits(size) {
		c.removeElement(c.evictList.Back())
		c.evictions.Add(1)
		n++
	}
	return n
}

func (c *ResidentSet) fits(size int64) bool {
	if c.maxCount > 0 && c.evictList.Len()+1 > c.maxCount {
		return false
	}
	if c.maxBytes > 0 && c.bytes+size > c.maxBytes {
		return false
	}
	return true
}

// EvictOldest evicts the least recently used segment.
func (c *ResidentSet) EvictOldest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el := c.evictList.Back()
	if el == nil {
		return false
	}
	c.removeElement(el)
	c.evictions.Add(1)
	return true
}

// Add makes seg resident, evicting as needed so the bounds hold on return.
// If seg is already resident the new reservation is released and the
// resident segment is returned.
func (c *ResidentSet) Add(seg *segment.Segment, res *resource.Reservation) *segment.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[seg.ID()]; ok {
		res.Release()
		c.evictList.MoveToFront(el)
		return el.Value.(*entry).seg
	}

	c.makeRoom(seg.SizeBytes())
	el := c.evictList.PushFront(&entry{seg: seg, res: res})
	c.items[seg.ID()] = el
	c.bytes += seg.SizeBytes()
	c.peak = max(c.peak, c.evictList.Len())
	return seg
}

// Remove drops a segment, e.g. after compaction superseded it.
func (c *ResidentSet) Remove(id model.SegmentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeElement(el)
	}
}

// Clear drops every segment.
func (c *ResidentSet) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.evictList.Len() > 0 {
		c.removeElement(c.evictList.Back())
	}
}

// Len returns the number of resident segments.
func (c *ResidentSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Stats returns a snapshot of the counters.
func (c *ResidentSet) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Resident:  c.evictList.Len(),
		Bytes:     c.bytes,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Peak:      c.peak,
	}
}

func (c *ResidentSet) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	ent := el.Value.(*entry)
	delete(c.items, ent.seg.ID())
	c.bytes -= ent.seg.SizeBytes()
	ent.res.Release()
}
