package registry

import (
	"testing"

	"github.com/replicore/objnet/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCM struct{ detached bool }

func (f *fakeCM) Detach() { f.detached = true }

func TestMapAssignsDistinctInstances(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	a := version.ID{Hi: 0, Lo: 1}
	b := version.ID{Hi: 0, Lo: 2}

	ea := r.Map(a)
	eb := r.Map(b)
	assert.NotEqual(t, ea.Instance, eb.Instance)
	assert.NotEqual(t, version.InstanceID(0), ea.Instance)
}

func TestMapIsIdempotent(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	obj := version.ID{Hi: 0, Lo: 7}

	e1 := r.Map(obj)
	e2 := r.Map(obj)
	assert.Same(t, e1, e2)
}

func TestUnmapDetachesAndReclaims(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	obj := version.ID{Hi: 0, Lo: 9}

	e := r.Map(obj)
	cm := &fakeCM{}
	require.NoError(t, r.Attach(obj, cm))

	require.NoError(t, r.Unmap(obj))
	assert.True(t, cm.detached)

	_, ok := r.ByObject(obj)
	assert.False(t, ok)
	_, ok = r.ByInstance(e.Instance)
	assert.False(t, ok)

	other := version.ID{Hi: 0, Lo: 10}
	e2 := r.Map(other)
	assert.Equal(t, e.Instance, e2.Instance, "freed instance ids are recycled")
}

func TestByInstanceResolvesViaCache(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	obj := version.ID{Hi: 0, Lo: 3}
	e := r.Map(obj)

	got, ok := r.ByInstance(e.Instance)
	require.True(t, ok)
	assert.Equal(t, obj, got.ID)
}

func TestAttachRejectsDouble(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	obj := version.ID{Hi: 0, Lo: 4}
	r.Map(obj)

	require.NoError(t, r.Attach(obj, &fakeCM{}))
	assert.Error(t, r.Attach(obj, &fakeCM{}))
}
