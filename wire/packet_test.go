package wire

import (
	"testing"

	"github.com/replicore/objnet/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataRoundTrip(t *testing.T) {
	d := &Data{WriterID: 7, Sequence: 42, Payload: []byte("hello")}
	enc := d.Encode(1400)
	got, err := DecodeData(enc)
	require.NoError(t, err)
	assert.Equal(t, d.WriterID, got.WriterID)
	assert.Equal(t, d.Sequence, got.Sequence)
	assert.Equal(t, d.Payload, got.Payload)
}

func TestAckRoundTrip(t *testing.T) {
	a := &Ack{ReaderID: 1, WriterID: 2, Sequence: 1000}
	got, err := DecodeAck(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestNackRoundTripAndLimit(t *testing.T) {
	ranges := make([]NackRange, MaxNackRanges+10)
	for i := range ranges {
		ranges[i] = NackRange{Start: uint16(i), End: uint16(i)}
	}
	n := &Nack{ReaderID: 3, WriterID: 4, Ranges: ranges}
	enc := n.Encode()
	got, err := DecodeNack(enc)
	require.NoError(t, err)
	assert.Len(t, got.Ranges, MaxNackRanges)
}

func TestMembershipRejectsBadProtocolVersion(t *testing.T) {
	m := &Membership{Type: HELLO, ProtocolVersion: ProtocolVersion, ConnectionID: 99}
	enc := m.Encode()
	got, err := DecodeMembership(enc)
	require.NoError(t, err)
	assert.Equal(t, m.ConnectionID, got.ConnectionID)

	enc[2] = ProtocolVersion + 1
	_, err = DecodeMembership(enc)
	assert.ErrorIs(t, err, errs.ErrProtocolMismatch)
}

func TestSequenceWindow(t *testing.T) {
	assert.True(t, InWindow(10, 10, 256))
	assert.True(t, InWindow(10, 20, 256))
	assert.False(t, InWindow(10, 10+257, 256))
	assert.True(t, Less(10, 20))
	assert.False(t, Less(20, 10))
}
