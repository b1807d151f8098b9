package ocm

import (
	"sync"

	"github.com/replicore/objnet/stream"
	"github.com/replicore/objnet/version"
)

// CommitNext is the incarnation sentinel of spec §4.6 ("incarnation ==
// CO_COMMIT_NEXT means bump commitCount by one" instead of setting it to
// an explicit value).
const CommitNext = ^uint64(0)

// state is the master CM's lifecycle (spec §4.6: "unattached,
// attached-empty, attached, closing").
type state int32

const (
	stateUnattached state = iota
	stateAttachedEmpty
	stateAttached
	stateClosing
)

// Packer is supplied by the object a Master is attached to: it knows how
// to serialize its own state. PackDelta's ok=false mirrors "the object is
// not dirty" in spec §4.6's commit().
type Packer interface {
	PackInstanceData() []byte
	PackDelta() (data []byte, ok bool)
}

// Sink receives the framed records a commit or sendSync produces, and is
// responsible for actually getting them onto the wire — typically an RSP
// listener's Write, wrapped by the embedding application.
type Sink interface {
	Send(records []*stream.Record)
}

// SyncRequest is a slave-initiated SYNC_OBJECT request (spec §4.6
// "sendSync"): the subscriber's instance id, the version it wants to
// start from, and optionally a cached range it already holds.
type SyncRequest struct {
	SubscriberInstance version.InstanceID
	RequestedVersion   version.ID
	HasCachedRange     bool
	CacheMin, CacheMax version.ID
}

// SyncReply answers a SyncRequest (spec §4.6: "reply with {useCache,
// accepted}").
type SyncReply struct {
	Accepted bool
	UseCache bool
}

// master holds the state common to both the full and delta master
// change-manager variants (spec §4.6/§4.7): the retained cache, the
// commit counter, the auto-obsolete window, and the object/instance
// identity. masterFull and masterDelta each wrap it and supply their own
// Commit.
type master struct {
	mu sync.Mutex

	object   version.ObjectID
	instance version.InstanceID

	cache       *Cache
	packer      Packer
	sink        Sink
	st          state
	commitCount uint64
	autoObsN    uint64
}

func newMaster(object version.ObjectID, instance version.InstanceID, packer Packer, sink Sink) master {
	return master{
		object:   object,
		instance: instance,
		cache:    NewCache(),
		packer:   packer,
		sink:     sink,
		st:       stateUnattached,
	}
}

// Detach marks the CM closing; further commits are rejected. Satisfies
// registry.ChangeManager.
func (m *master) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = stateClosing
}

// SetAutoObsolete sets N and immediately runs the obsolete rule (spec
// §4.6 "setAutoObsolete(count) — sets N; calls obsolete").
func (m *master) SetAutoObsolete(n uint64) {
	m.mu.Lock()
	m.autoObsN = n
	cc := m.commitCount
	m.mu.Unlock()
	m.cache.Obsolete(n, cc)
}

// applyIncarnation implements spec §4.6's incarnation semantics: the
// sentinel bumps commitCount by one; any other value becomes the new
// commitCount outright, rewinding the cache if it moved backward.
func (m *master) applyIncarnation(incarnation uint64) uint64 {
	if incarnation == CommitNext {
		m.commitCount++
	} else {
		if incarnation < m.commitCount {
			m.cache.RewindTo(incarnation)
		}
		m.commitCount = incarnation
	}
	return m.commitCount
}

// Head returns the current head version, or version.NONE if nothing has
// been committed yet (unattached/attached-empty).
func (m *master) Head() version.ID {
	e := m.cache.Head()
	if e == nil {
		return version.NONE
	}
	return e.Version
}

// init produces VERSION_FIRST by packing the object's full instance data
// into a stream and pushing it as the sole retained entry (spec §4.6
// "init()"). Shared by both master variants since the bootstrap snapshot
// is always a full pack regardless of steady-state commit style.
func (m *master) init() version.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st != stateUnattached {
		return m.Head()
	}
	data := m.packer.PackInstanceData()
	body, compressorID := stream.Compress(data)
	records := stream.Split(stream.INSTANCE, m.object, version.BroadcastInstance, m.instance, version.FIRST, body, streamChunkSize, compressorID)
	m.cache.Push(version.FIRST, m.commitCount, records)
	m.st = stateAttached
	return version.FIRST
}

// streamChunkSize bounds one stream record's payload so it fits inside
// an RSP datagram alongside the stream header (spec §4.1's MTU budget).
const streamChunkSize = 1200

// sendSync answers a subscriber's SYNC_OBJECT (spec §4.6 "sendSync"):
// always accepted once attached, useCache left false since this
// reference implementation streams fresh rather than steering a
// subscriber back to a side channel's cached bytes.
func (m *master) sendSync(req SyncRequest) SyncReply {
	m.mu.Lock()
	attached := m.st == stateAttached || m.st == stateAttachedEmpty
	m.mu.Unlock()
	if !attached {
		return SyncReply{Accepted: false}
	}
	return SyncReply{Accepted: true, UseCache: false}
}

// initSlave streams the retained range a newly mapped (or resyncing)
// subscriber needs, per spec §4.6 step-by-step:
//  1. clamp v to the front if it names OLDEST or is older than the front;
//     fail if it is newer than head.
//  2. skip whatever the subscriber already reports caching.
//  3. stream every retained entry in [start, head] to the subscriber,
//     tagged with its instance id as the target.
func (m *master) initSlave(requested version.ID, subscriber version.InstanceID, hasCache bool, cacheMin, cacheMax version.ID) (ok bool) {
	front := m.cache.Front()
	if front == nil {
		return false
	}
	head := m.Head()

	start := requested
	if requested.Equal(version.OLDEST) || requested.Less(front.Version) {
		start = front.Version
	} else if head.Less(requested) {
		return false
	}

	m.cache.Range(start, head, func(e *CacheEntry) {
		if hasCache && !e.Version.Less(cacheMin) && !cacheMax.Less(e.Version) {
			return // already covered by the subscriber's advertised cache range
		}
		retargeted := make([]*stream.Record, len(e.Records))
		for i, r := range e.Records {
			cp := *r
			cp.TargetInstance = subscriber
			retargeted[i] = &cp
		}
		m.sink.Send(retargeted)
	})
	return true
}
