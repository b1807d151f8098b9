package ocm

import (
	"testing"

	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/stream"
	"github.com/replicore/objnet/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePacker struct {
	instanceData []byte
	delta        []byte
	dirty        bool
}

func (p *fakePacker) PackInstanceData() []byte { return p.instanceData }
func (p *fakePacker) PackDelta() ([]byte, bool) { return p.delta, p.dirty }

type collectingSink struct{ sent [][]*stream.Record }

func (s *collectingSink) Send(records []*stream.Record) { s.sent = append(s.sent, records) }

func TestMasterFullInitAndCommit(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 1}
	packer := &fakePacker{instanceData: []byte("snap0")}
	sink := &collectingSink{}
	m := NewMasterFull(obj, 1, packer, sink)

	v := m.Init()
	assert.True(t, v.Equal(version.FIRST))
	assert.Equal(t, 1, m.cache.Len())

	// Not dirty: commit just bumps commitCount/obsolete bookkeeping.
	packer.dirty = false
	same := m.Commit(CommitNext)
	assert.True(t, same.Equal(version.FIRST))

	packer.dirty = true
	packer.instanceData = []byte("snap1")
	next := m.Commit(CommitNext)
	assert.True(t, next.Equal(version.FIRST.Next()))
	// The auto-obsolete window N is 0, so the FIRST entry (commitCount 0)
	// is obsoleted once commitCount reaches 2 and only the new head stays.
	assert.Equal(t, 1, m.cache.Len())
	assert.Len(t, sink.sent, 1)
}

func TestMasterFullObsolete(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 2}
	packer := &fakePacker{instanceData: []byte("s"), dirty: true}
	sink := &collectingSink{}
	m := NewMasterFull(obj, 1, packer, sink)
	m.Init()
	m.SetAutoObsolete(1)

	for i := 0; i < 5; i++ {
		m.Commit(CommitNext)
	}
	assert.LessOrEqual(t, m.cache.Len(), 2)
}

func TestMasterDeltaRetainsFullSnapshot(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 3}
	packer := &fakePacker{instanceData: []byte("full"), delta: []byte("d"), dirty: true}
	sink := &collectingSink{}
	m := NewMasterDelta(obj, 1, packer, sink)
	m.Init()

	m.Commit(CommitNext)
	require.Len(t, sink.sent, 1)
	for _, r := range sink.sent[0] {
		assert.Equal(t, stream.DELTA, r.Kind)
	}
	head := m.cache.Head()
	require.NotNil(t, head)
	for _, r := range head.Records {
		assert.Equal(t, stream.INSTANCE, r.Kind)
	}
}

type fakeApplier struct {
	lastInstance []byte
	lastDelta    []byte
}

func (a *fakeApplier) ApplyInstanceData(data []byte) error { a.lastInstance = data; return nil }
func (a *fakeApplier) ApplyDelta(data []byte) error         { a.lastDelta = data; return nil }

func TestSlaveFeedAndSync(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 4}
	applier := &fakeApplier{}
	s := NewSlave(obj, 5, applier, nil)

	recs := stream.Split(stream.INSTANCE, obj, version.BroadcastInstance, 1, version.FIRST, []byte("hello"), 2, stream.CompressorNone)
	for _, r := range recs {
		require.NoError(t, s.Feed(r))
	}
	require.NoError(t, s.Sync(version.HEAD))
	assert.Equal(t, "hello", string(applier.lastInstance))
	assert.True(t, s.Version().Equal(version.FIRST))

	deltaRecs := stream.Split(stream.DELTA, obj, version.BroadcastInstance, 1, version.FIRST.Next(), []byte("d1"), 2, stream.CompressorNone)
	for _, r := range deltaRecs {
		require.NoError(t, s.Feed(r))
	}
	require.NoError(t, s.Sync(version.FIRST.Next()))
	assert.Equal(t, "d1", string(applier.lastDelta))
}

func TestSlaveIgnoresStaleBroadcast(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 5}
	applier := &fakeApplier{}
	s := NewSlave(obj, 9, applier, nil)

	// Targeted at a different, unknown instance, before this slave has
	// any version or queued stream: must be dropped.
	recs := stream.Split(stream.DELTA, obj, 42, 1, version.FIRST, []byte("stale"), 64, stream.CompressorNone)
	for _, r := range recs {
		require.NoError(t, s.Feed(r))
	}
	assert.True(t, s.Version().Equal(version.NONE))
	assert.Empty(t, s.queue)
}

func TestSlaveRejectsOutOfOrderApply(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 6}
	applier := &fakeApplier{}
	s := NewSlave(obj, 1, applier, nil)

	recs := stream.Split(stream.DELTA, obj, version.BroadcastInstance, 1, version.FIRST.Next(), []byte("skip"), 64, stream.CompressorNone)
	for _, r := range recs {
		require.NoError(t, s.Feed(r))
	}
	err := s.Sync(version.HEAD)
	assert.ErrorIs(t, err, errs.ErrSequenceMismatch)
}

// TestSlaveSyncReportsIncompleteProgress exercises the non-blocking
// contract of Sync: a targetVersion still ahead of everything currently
// queued is reported via errs.ErrStreamNotReady rather than treated as
// reached, since Sync never waits for a future Feed to supply more.
func TestSlaveSyncReportsIncompleteProgress(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 7}
	applier := &fakeApplier{}
	s := NewSlave(obj, 3, applier, nil)

	recs := stream.Split(stream.INSTANCE, obj, version.BroadcastInstance, 1, version.FIRST, []byte("hello"), 64, stream.CompressorNone)
	for _, r := range recs {
		require.NoError(t, s.Feed(r))
	}

	err := s.Sync(version.FIRST.Next().Next())
	assert.ErrorIs(t, err, errs.ErrStreamNotReady)
	assert.True(t, s.Version().Equal(version.FIRST))
}
