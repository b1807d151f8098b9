// Package registry implements the object identity and instance-id
// bookkeeping spec.md §3 assumes but leaves to "every registered object
// carries a 32-bit instance identifier": assigning instance ids on map,
// reclaiming them on unmap, and giving the RSP/stream/ocm layers a fast
// cache lookup from either id to the registered Entry.
//
// The per-object mutex sharding (teacher's style: a fixed-size array of
// locks indexed by a hash of the key, rather than one global mutex or a
// lock per object) is grounded on the teacher's sharded approach to
// concurrent object access in chotki.go/objects.go; here the shard index
// is computed with xxhash instead of the teacher's fnv-ish id hash, since
// objnet's object ids are already opaque 128-bit values with no natural
// shard structure of their own.
package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/version"
)

const numShards = 32

// ChangeManager is the narrow interface the registry needs from an
// attached master or slave change manager: just enough to detach it
// cleanly on unmap. ocm.MasterFull, ocm.MasterDelta and ocm.Slave all
// satisfy it.
type ChangeManager interface {
	Detach()
}

// Entry is one registered object: its identity, its locally assigned
// instance id, and whichever change manager is currently attached to it
// (spec §3 "Ownership: an Object owns its Change Manager").
type Entry struct {
	ID       version.ObjectID
	Instance version.InstanceID
	CM       ChangeManager
}

// Registry is the map/unmap authority for one peer's set of locally
// known objects, plus a bounded LRU for the hot path of resolving an
// instance id back to its Entry without touching the sharded locks.
type Registry struct {
	shards [numShards]sync.Mutex

	byObject   *xsync.MapOf[version.ObjectID, *Entry]
	byInstance *xsync.MapOf[version.InstanceID, *Entry]
	cache      *lru.Cache[version.InstanceID, *Entry]

	mu        sync.Mutex
	nextFree  version.InstanceID
	freeList  []version.InstanceID
}

// New builds an empty registry. cacheSize bounds the instance-id LRU;
// spec.md doesn't name a default so this mirrors the teacher's object
// cache sizing convention of a few thousand hot entries.
func New(cacheSize int) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[version.InstanceID, *Entry](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		byObject:   xsync.NewMapOf[version.ObjectID, *Entry](),
		byInstance: xsync.NewMapOf[version.InstanceID, *Entry](),
		cache:      cache,
		nextFree:   1, // instance 0 is version.BroadcastInstance, never assignable
	}, nil
}

func (r *Registry) shard(id version.ObjectID) *sync.Mutex {
	h := xxhash.Sum64(id.Bytes())
	return &r.shards[h%numShards]
}

// allocInstance returns a fresh instance id, reusing one from the free
// list if unmap left any behind (spec §3's instance ids disambiguate
// concurrently mapped slaves of the same object, so ids are peer-local
// and safe to recycle once unmapped).
func (r *Registry) allocInstance() version.InstanceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.freeList); n > 0 {
		id := r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		return id
	}
	id := r.nextFree
	r.nextFree++
	return id
}

func (r *Registry) freeInstance(id version.InstanceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeList = append(r.freeList, id)
}

// Map registers objectID, assigning it a fresh instance id, or returns
// the existing Entry if it is already mapped (spec's map handshake is
// idempotent from the local peer's point of view; the wire-level
// SYNC_OBJECT/MAP_SUCCESS handshake lives in package ocm).
func (r *Registry) Map(objectID version.ObjectID) *Entry {
	m := r.shard(objectID)
	m.Lock()
	defer m.Unlock()

	if e, ok := r.byObject.Load(objectID); ok {
		return e
	}
	e := &Entry{ID: objectID, Instance: r.allocInstance()}
	r.byObject.Store(objectID, e)
	r.byInstance.Store(e.Instance, e)
	r.cache.Add(e.Instance, e)
	return e
}

// Unmap detaches and removes objectID's entry, reclaiming its instance
// id. Detaching a change manager that isn't attached is a no-op on
// ChangeManager's side, not this package's.
func (r *Registry) Unmap(objectID version.ObjectID) error {
	m := r.shard(objectID)
	m.Lock()
	defer m.Unlock()

	e, ok := r.byObject.LoadAndDelete(objectID)
	if !ok {
		return errs.ErrObjectUnknown
	}
	r.byInstance.Delete(e.Instance)
	r.cache.Remove(e.Instance)
	if e.CM != nil {
		e.CM.Detach()
	}
	r.freeInstance(e.Instance)
	return nil
}

// ByObject resolves an Entry by object id.
func (r *Registry) ByObject(objectID version.ObjectID) (*Entry, bool) {
	return r.byObject.Load(objectID)
}

// ByInstance resolves an Entry by instance id, consulting the LRU cache
// before falling back to the authoritative map (and repopulating the
// cache on a miss) — the "cache lookup" path spec.md's registry
// component exists to provide.
func (r *Registry) ByInstance(instance version.InstanceID) (*Entry, bool) {
	if e, ok := r.cache.Get(instance); ok {
		return e, true
	}
	e, ok := r.byInstance.Load(instance)
	if ok {
		r.cache.Add(instance, e)
	}
	return e, ok
}

// Attach installs cm as the change manager for an already-mapped entry.
func (r *Registry) Attach(objectID version.ObjectID, cm ChangeManager) error {
	e, ok := r.byObject.Load(objectID)
	if !ok {
		return errs.ErrObjectUnknown
	}
	m := r.shard(objectID)
	m.Lock()
	defer m.Unlock()
	if e.CM != nil {
		return errs.ErrAlreadyAttached
	}
	e.CM = cm
	return nil
}

// Len reports the number of currently mapped objects.
func (r *Registry) Len() int {
	n := 0
	r.byObject.Range(func(_ version.ObjectID, _ *Entry) bool { n++; return true })
	return n
}
