package objnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/replicore/objnet/conn"
	"github.com/replicore/objnet/ocm"
	"github.com/replicore/objnet/registry"
	"github.com/replicore/objnet/version"
	"github.com/stretchr/testify/require"
)

type stringObject struct {
	mu    sync.Mutex
	value string
	dirty bool
}

func (o *stringObject) set(v string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = v
	o.dirty = true
}

func (o *stringObject) get() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

func (o *stringObject) PackInstanceData() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty = false
	return []byte(o.value)
}

func (o *stringObject) PackDelta() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.dirty {
		return nil, false
	}
	o.dirty = false
	return []byte(o.value), true
}

func (o *stringObject) ApplyInstanceData(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = string(data)
	return nil
}

func (o *stringObject) ApplyDelta(data []byte) error { return o.ApplyInstanceData(data) }

func newTestRegistry(t *testing.T) *registry.Registry {
	reg, err := registry.New(0)
	require.NoError(t, err)
	return reg
}

func TestNodeMasterSlaveRoundTrip(t *testing.T) {
	a, b := conn.NewLoopbackPair()
	master := NewNode(a, newTestRegistry(t))
	slave := NewNode(b, newTestRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, master.Listen(ctx))
	require.NoError(t, slave.Listen(ctx))
	defer master.Close()
	defer slave.Close()

	object := version.ID{Hi: 0, Lo: 7}
	src := &stringObject{value: "v0"}
	dst := &stringObject{}

	// AttachMasterFull's Init() establishes VERSION_FIRST locally (spec
	// §4.6) but, per ocm's own contract, only a dirty Commit ever reaches
	// the sink — a subscriber attached before the first real commit sees
	// nothing until one happens.
	_, err := master.AttachMasterFull(object, src)
	require.NoError(t, err)
	_, err = slave.Subscribe(object, dst)
	require.NoError(t, err)

	notYetDirty, err := master.Commit(object, ocm.CommitNext)
	require.NoError(t, err)
	require.True(t, notYetDirty.Equal(version.FIRST))

	src.set("v1")
	v1, err := master.Commit(object, ocm.CommitNext)
	require.NoError(t, err)
	require.True(t, v1.Equal(version.FIRST.Next()))

	require.Eventually(t, func() bool {
		return dst.get() == "v1"
	}, time.Second, time.Millisecond)

	src.set("v2")
	v2, err := master.Commit(object, ocm.CommitNext)
	require.NoError(t, err)
	require.True(t, v2.Equal(version.FIRST.Next().Next()))

	require.Eventually(t, func() bool {
		return dst.get() == "v2"
	}, time.Second, time.Millisecond)
}

func TestNodeDetachDetachesChangeManager(t *testing.T) {
	a, b := conn.NewLoopbackPair()
	defer a.Close()
	defer b.Close()

	node := NewNode(a, newTestRegistry(t))
	object := version.ID{Hi: 0, Lo: 8}
	obj := &stringObject{value: "x"}

	_, err := node.AttachMasterFull(object, obj)
	require.NoError(t, err)
	require.NoError(t, node.Detach(object))

	_, err = node.Commit(object, ocm.CommitNext)
	require.Error(t, err)
}
