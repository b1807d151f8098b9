package ocm

import (
	"github.com/replicore/objnet/stream"
	"github.com/replicore/objnet/version"
)

// MasterFull is the master change manager of spec.md §4.6: every commit
// serializes and retains a full instance snapshot. Simpler and more
// bandwidth-hungry than MasterDelta, appropriate for small or rarely-
// committed objects.
type MasterFull struct {
	master
}

// NewMasterFull attaches a full-snapshot master CM to object/instance,
// using packer to serialize state and sink to publish committed
// versions.
func NewMasterFull(object version.ObjectID, instance version.InstanceID, packer Packer, sink Sink) *MasterFull {
	return &MasterFull{master: newMaster(object, instance, packer, sink)}
}

// Init produces VERSION_FIRST (spec §4.6 "init()").
func (m *MasterFull) Init() version.ID { return m.init() }

// SetAutoObsolete sets the retention window N.
func (m *MasterFull) SetAutoObsolete(n uint64) { m.master.SetAutoObsolete(n) }

// SendSync answers a subscriber's SYNC_OBJECT.
func (m *MasterFull) SendSync(req SyncRequest) SyncReply { return m.master.sendSync(req) }

// InitSlave streams the retained range a subscriber needs; see
// master.initSlave.
func (m *MasterFull) InitSlave(requested version.ID, subscriber version.InstanceID, hasCache bool, cacheMin, cacheMax version.ID) bool {
	return m.master.initSlave(requested, subscriber, hasCache, cacheMin, cacheMax)
}

// Commit implements spec §4.6's commit(): if the object isn't dirty,
// just advance commitCount and obsolete; otherwise pack a fresh full
// snapshot, bump the version, retain it, and broadcast.
func (m *MasterFull) Commit(incarnation uint64) version.ID {
	m.mu.Lock()
	cc := m.applyIncarnation(incarnation)
	head := m.Head()

	// Dirtiness for the full variant is read straight off PackDelta's ok
	// flag, same as spec's "if the object is not dirty" check; the delta
	// bytes themselves go unused since this variant always sends a full
	// snapshot.
	_, dirty := m.packer.PackDelta()
	if !dirty {
		m.mu.Unlock()
		m.cache.Obsolete(m.autoObsN, cc)
		return head
	}

	full := m.packer.PackInstanceData()
	newVersion := head.Next() // NONE.Next() == FIRST, so an unattached head already starts right

	body, compressorID := stream.Compress(full)
	records := stream.Split(stream.INSTANCE, m.object, version.BroadcastInstance, m.instance, newVersion, body, streamChunkSize, compressorID)
	m.cache.Push(newVersion, cc, records)
	m.mu.Unlock()

	m.sink.Send(records)
	m.cache.Obsolete(m.autoObsN, cc)
	return newVersion
}
