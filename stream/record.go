// Package stream implements the versioned command framing of spec.md
// §4.5: a version's payload for one object travels as a sequence of
// length-prefixed, little-endian command records, reassembled by
// sequence number into one ready byte payload once the *last* fragment
// has arrived and no gaps remain.
//
// The wire shape mirrors the teacher's toytlv/protocol record codec
// (protocol/record.go, toytlv/tlv.go): a small header probed first, then
// the body sliced out of the same buffer without a copy. Decode reports
// how many bytes it consumed; it does not itself check that a buffer was
// consumed in full.
package stream

import (
	"encoding/binary"

	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/version"
)

// Kind distinguishes the three command record shapes of spec §4.5.
type Kind uint8

const (
	// INSTANCE carries (a fragment of) a full object snapshot.
	INSTANCE Kind = iota + 1
	// DELTA carries (a fragment of) an incremental change.
	DELTA
	// InstanceMap is the map-reply variant of INSTANCE, sent in response
	// to a subscriber's SYNC_OBJECT/MAP_SUCCESS handshake.
	InstanceMap
)

func (k Kind) String() string {
	switch k {
	case INSTANCE:
		return "INSTANCE"
	case DELTA:
		return "DELTA"
	case InstanceMap:
		return "INSTANCE_MAP"
	default:
		return "UNKNOWN"
	}
}

// Record is one framed command fragment of a version stream (spec §4.5:
// "object id, target instance id, sender master instance id, version,
// compressor-id, chunk-count, total-size, a monotonically increasing
// within-version sequence, and a last flag").
type Record struct {
	Kind           Kind
	Object         version.ObjectID
	TargetInstance version.InstanceID
	SenderInstance version.InstanceID
	Version        version.ID
	CompressorID   uint8
	ChunkCount     uint32
	TotalSize      uint64
	Sequence       uint32
	Last           bool
	Payload        []byte
}

// header layout: kind(1) object(16) targetInstance(4) senderInstance(4)
// version(16) compressorID(1) chunkCount(4) totalSize(8) sequence(4)
// last(1) payloadLen(8) = 67 bytes, then payloadLen bytes of Payload.
const headerSize = 1 + 16 + 4 + 4 + 16 + 1 + 4 + 8 + 4 + 1 + 8

// HeaderSize is Record's fixed on-wire header length, exported so a
// caller demultiplexing records off a raw byte stream (rather than a
// single already-delimited datagram) knows how many bytes to read
// before it can learn the trailing payload length and read the rest.
const HeaderSize = headerSize

// Encode writes r in the canonical length-prefixed little-endian shape
// of spec §4.5.
func (r *Record) Encode() []byte {
	buf := make([]byte, headerSize+len(r.Payload))
	off := 0
	buf[off] = byte(r.Kind)
	off++
	copy(buf[off:off+16], r.Object.Bytes())
	off += 16
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.TargetInstance))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.SenderInstance))
	off += 4
	copy(buf[off:off+16], r.Version.Bytes())
	off += 16
	buf[off] = r.CompressorID
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], r.ChunkCount)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], r.TotalSize)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], r.Sequence)
	off += 4
	if r.Last {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(len(r.Payload)))
	off += 8
	copy(buf[off:], r.Payload)
	return buf
}

// Decode parses one Record from the head of b, returning the number of
// bytes consumed. Callers that frame multiple records in one buffer
// (e.g. a compressed chunk sequence) use that count to advance.
func Decode(b []byte) (*Record, int, error) {
	if len(b) < headerSize {
		return nil, 0, errs.ErrBadDatagram
	}
	r := &Record{}
	off := 0
	r.Kind = Kind(b[off])
	off++
	r.Object = version.FromBytes(b[off : off+16])
	off += 16
	r.TargetInstance = version.InstanceID(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	r.SenderInstance = version.InstanceID(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	r.Version = version.FromBytes(b[off : off+16])
	off += 16
	r.CompressorID = b[off]
	off++
	r.ChunkCount = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	r.TotalSize = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	r.Sequence = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	r.Last = b[off] != 0
	off++
	size := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	if uint64(len(b)-off) < size {
		return nil, 0, errs.ErrBadDatagram
	}
	r.Payload = b[off : off+int(size)]
	off += int(size)
	return r, off, nil
}
