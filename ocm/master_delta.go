package ocm

import (
	"github.com/replicore/objnet/stream"
	"github.com/replicore/objnet/version"
)

// MasterDelta is the master change manager of spec.md §4.7: each commit
// sends a delta, but also retains a full instance snapshot of the new
// version so a late subscriber can be bootstrapped without replaying the
// whole delta chain.
type MasterDelta struct {
	master
}

func NewMasterDelta(object version.ObjectID, instance version.InstanceID, packer Packer, sink Sink) *MasterDelta {
	return &MasterDelta{master: newMaster(object, instance, packer, sink)}
}

func (m *MasterDelta) Init() version.ID { return m.init() }

func (m *MasterDelta) SetAutoObsolete(n uint64) { m.master.SetAutoObsolete(n) }

func (m *MasterDelta) SendSync(req SyncRequest) SyncReply { return m.master.sendSync(req) }

func (m *MasterDelta) InitSlave(requested version.ID, subscriber version.InstanceID, hasCache bool, cacheMin, cacheMax version.ID) bool {
	return m.master.initSlave(requested, subscriber, hasCache, cacheMin, cacheMax)
}

// Commit behaves as MasterFull.Commit but packs and sends a delta, then
// (per spec §4.7) additionally packs and retains a full snapshot of the
// same new version — the version number is bumped only once per commit,
// shared by both representations.
func (m *MasterDelta) Commit(incarnation uint64) version.ID {
	m.mu.Lock()
	cc := m.applyIncarnation(incarnation)
	head := m.Head()

	delta, dirty := m.packer.PackDelta()
	if !dirty {
		m.mu.Unlock()
		m.cache.Obsolete(m.autoObsN, cc)
		return head
	}

	newVersion := head.Next()
	deltaBody, deltaCompressorID := stream.Compress(delta)
	deltaRecords := stream.Split(stream.DELTA, m.object, version.BroadcastInstance, m.instance, newVersion, deltaBody, streamChunkSize, deltaCompressorID)

	full := m.packer.PackInstanceData()
	fullBody, fullCompressorID := stream.Compress(full)
	fullRecords := stream.Split(stream.INSTANCE, m.object, version.BroadcastInstance, m.instance, newVersion, fullBody, streamChunkSize, fullCompressorID)

	// The retained cache entry keeps the full snapshot (so InitSlave can
	// always bootstrap from it); only the delta goes out over the wire
	// for already-synced subscribers.
	m.cache.Push(newVersion, cc, fullRecords)
	m.mu.Unlock()

	m.sink.Send(deltaRecords)
	m.cache.Obsolete(m.autoObsN, cc)
	return newVersion
}
