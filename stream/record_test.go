package stream

import (
	"testing"

	"github.com/replicore/objnet/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	r := &Record{
		Kind:           DELTA,
		Object:         version.ID{Hi: 1, Lo: 2},
		TargetInstance: 7,
		SenderInstance: 9,
		Version:        version.FIRST.Next(),
		CompressorID:   0,
		ChunkCount:     1,
		TotalSize:      3,
		Sequence:       0,
		Last:           true,
		Payload:        []byte("abc"),
	}
	raw := r.Encode()
	got, n, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, r.Kind, got.Kind)
	assert.True(t, r.Object.Equal(got.Object))
	assert.True(t, r.Version.Equal(got.Version))
	assert.Equal(t, r.TargetInstance, got.TargetInstance)
	assert.Equal(t, r.SenderInstance, got.SenderInstance)
	assert.Equal(t, r.Last, got.Last)
	assert.Equal(t, r.Payload, got.Payload)
}

func TestSplitAndAssemble(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 42}
	ver := version.FIRST
	payload := make([]byte, 25)
	for i := range payload {
		payload[i] = byte(i)
	}

	records := Split(INSTANCE, obj, 1, 2, ver, payload, 10, CompressorNone)
	require.Len(t, records, 3)
	assert.True(t, records[2].Last)
	assert.False(t, records[0].Last)

	asm := NewAssembler(records[1])
	require.NoError(t, asm.Add(records[0]))
	assert.False(t, asm.Ready())
	require.NoError(t, asm.Add(records[2]))
	assert.True(t, asm.Ready())
	got, err := asm.Payload()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSplitAndAssembleCompressed(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 43}
	ver := version.FIRST
	payload := make([]byte, CompressionThreshold*2)
	for i := range payload {
		payload[i] = byte(i % 7) // repetitive enough to actually shrink under DEFLATE
	}

	body, compressorID := Compress(payload)
	assert.Equal(t, CompressorFlate, compressorID)
	assert.Less(t, len(body), len(payload))

	records := Split(INSTANCE, obj, 1, 2, ver, body, 512, compressorID)
	asm := NewAssembler(records[0])
	for _, r := range records[1:] {
		require.NoError(t, asm.Add(r))
	}
	require.True(t, asm.Ready())
	got, err := asm.Payload()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAssemblerRejectsForeignFragment(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 1}
	r := &Record{Kind: INSTANCE, Object: obj, Version: version.FIRST, Sequence: 0, Last: true}
	asm := NewAssembler(r)

	other := &Record{Kind: INSTANCE, Object: version.ID{Hi: 0, Lo: 2}, Version: version.FIRST, Sequence: 1}
	assert.Error(t, asm.Add(other))
}

func TestSplitEmptyPayload(t *testing.T) {
	obj := version.ID{Hi: 0, Lo: 1}
	records := Split(DELTA, obj, 0, 0, version.FIRST, nil, 10, CompressorNone)
	require.Len(t, records, 1)
	assert.True(t, records[0].Last)
	asm := NewAssembler(records[0])
	assert.True(t, asm.Ready())
	got, err := asm.Payload()
	require.NoError(t, err)
	assert.Empty(t, got)
}
