// Package ocm implements the Object Change Manager of spec.md §4.6-§4.8:
// the master-side retained-version cache and commit/obsolete machinery,
// and the slave-side ordered version queue and apply loop.
//
// Grounded on the teacher's replication state machine (sync.go, repl/)
// for the overall shape of "retain a bounded window of history, stream
// it to a late-joining subscriber, apply incoming versions strictly in
// order" — objnet generalizes chotki's single always-current log into a
// master/slave split with an explicit retained-snapshot deque per
// spec §3's "Master instance-data cache".
package ocm

import (
	"sync"

	"github.com/replicore/objnet/stream"
	"github.com/replicore/objnet/version"
)

// CacheEntry is one retained version on a master: its serialized
// snapshot (as already-framed stream records, ready to send to a
// subscriber) and the commitCount at which it was produced.
type CacheEntry struct {
	Version     version.ID
	CommitCount uint64
	Records     []*stream.Record
}

// Cache is the master instance-data cache of spec.md §3: a deque,
// strictly increasing back-to-front, non-empty once the object is
// registered, with a free-list of evicted entries for reuse.
type Cache struct {
	mu       sync.Mutex
	entries  []*CacheEntry
	freeList []*CacheEntry
}

func NewCache() *Cache {
	return &Cache{}
}

// getEntry pulls a reusable *CacheEntry off the free-list, or allocates
// one (spec §3: "released entries are pushed onto a free-list for reuse
// rather than deallocated").
func (c *Cache) getEntry() *CacheEntry {
	if n := len(c.freeList); n > 0 {
		e := c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		*e = CacheEntry{}
		return e
	}
	return &CacheEntry{}
}

// Push appends a new head entry. Callers must hold the object's mutex
// (spec §5: "the master CM's retained deque ... guarded by a single
// per-object mutex").
func (c *Cache) Push(ver version.ID, commitCount uint64, records []*stream.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getEntry()
	e.Version = ver
	e.CommitCount = commitCount
	e.Records = records
	c.entries = append(c.entries, e)
}

// Obsolete pops from the front while more than one entry remains and the
// front's commitCount trails currentCommitCount by more than n (spec
// §4.6 "Obsolete rule").
func (c *Cache) Obsolete(n, currentCommitCount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.entries) > 1 {
		front := c.entries[0]
		if currentCommitCount-front.CommitCount <= n {
			break
		}
		c.freeList = append(c.freeList, front)
		c.entries = c.entries[1:]
	}
}

// RewindTo pops from the back any entry whose commitCount exceeds
// incarnation, used when a caller moves commitCount backward (spec §4.6
// "Incarnation semantics": "if it moves backward, any retained entries
// whose commitCount exceeds it are popped from the back").
func (c *Cache) RewindTo(incarnation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.entries) > 0 {
		back := c.entries[len(c.entries)-1]
		if back.CommitCount <= incarnation {
			break
		}
		c.freeList = append(c.freeList, back)
		c.entries = c.entries[:len(c.entries)-1]
	}
}

// Head returns the most recently pushed (back) entry, or nil if the
// cache is empty (only true before init()).
func (c *Cache) Head() *CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[len(c.entries)-1]
}

// Front returns the oldest retained entry, or nil if empty.
func (c *Cache) Front() *CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[0]
}

// Len returns the number of retained entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Range visits every retained entry whose version falls within
// [start, end] inclusive, oldest first, for streaming to a subscriber
// during _initSlave (spec §4.6 step 3).
func (c *Cache) Range(start, end version.ID, fn func(*CacheEntry)) {
	c.mu.Lock()
	snapshot := append([]*CacheEntry(nil), c.entries...)
	c.mu.Unlock()

	for _, e := range snapshot {
		if e.Version.Less(start) || end.Less(e.Version) {
			continue
		}
		fn(e)
	}
}
