// Package wire implements the bit-exact on-wire datagram layout of
// spec.md §4.1: seven packet shapes sharing a 16-bit type field, all
// integers little-endian, sequence numbers arithmetic modulo 2^16.
//
// The encoding mirrors the shape of protocol.ProbeHeader/Take in the
// teacher's TLV codec (probe a fixed header, validate, slice the body)
// but the layouts themselves are fixed-size UDP datagram structs rather
// than a length-prefixed streaming format, because RSP rides on
// individual multicast datagrams, not a byte stream.
package wire

import (
	"encoding/binary"

	"github.com/replicore/objnet/errs"
)

// Type is the 16-bit packet-type discriminator in the first two bytes of
// every RSP datagram.
type Type uint16

const (
	DATA Type = iota + 1
	ACKREQ
	ACK
	NACK
	HELLO
	HELLOREPLY
	CONFIRM
	DENY
	EXIT
	COUNTNODE
)

func (t Type) String() string {
	switch t {
	case DATA:
		return "DATA"
	case ACKREQ:
		return "ACKREQ"
	case ACK:
		return "ACK"
	case NACK:
		return "NACK"
	case HELLO:
		return "HELLO"
	case HELLOREPLY:
		return "HELLO_REPLY"
	case CONFIRM:
		return "CONFIRM"
	case DENY:
		return "DENY"
	case EXIT:
		return "EXIT"
	case COUNTNODE:
		return "COUNTNODE"
	default:
		return "UNKNOWN"
	}
}

// MaxNackRanges bounds a NACK packet to one IP frame (spec §4.1:
// "count <= 300").
const MaxNackRanges = 300

// ProtocolVersion is the fixed single byte compared on every membership
// datagram; the high byte is always zero so a peer reading it
// big-endian sees a value > 255 and rejects the datagram outright (spec
// §9 "Endianness").
const ProtocolVersion = 1

// Data is the DATA packet: {type, size, writerID, sequence, payload[size]}.
type Data struct {
	WriterID uint16
	Sequence uint16
	Payload  []byte
}

func (d *Data) Encode(mtu int) []byte {
	buf := make([]byte, 8+len(d.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(DATA))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(d.Payload)))
	binary.LittleEndian.PutUint16(buf[4:6], d.WriterID)
	binary.LittleEndian.PutUint16(buf[6:8], d.Sequence)
	copy(buf[8:], d.Payload)
	return buf
}

func DecodeData(b []byte) (*Data, error) {
	if len(b) < 8 {
		return nil, errs.ErrBadDatagram
	}
	if Type(binary.LittleEndian.Uint16(b[0:2])) != DATA {
		return nil, errs.ErrBadDatagram
	}
	size := int(binary.LittleEndian.Uint16(b[2:4]))
	if 8+size > len(b) {
		return nil, errs.ErrBadDatagram
	}
	return &Data{
		WriterID: binary.LittleEndian.Uint16(b[4:6]),
		Sequence: binary.LittleEndian.Uint16(b[6:8]),
		Payload:  b[8 : 8+size],
	}, nil
}

// AckReq is the ACKREQ packet: {type, writerID, sequence}.
type AckReq struct {
	WriterID uint16
	Sequence uint16
}

func (a *AckReq) Encode() []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(ACKREQ))
	binary.LittleEndian.PutUint16(buf[2:4], a.WriterID)
	binary.LittleEndian.PutUint16(buf[4:6], a.Sequence)
	return buf
}

func DecodeAckReq(b []byte) (*AckReq, error) {
	if len(b) < 6 || Type(binary.LittleEndian.Uint16(b[0:2])) != ACKREQ {
		return nil, errs.ErrBadDatagram
	}
	return &AckReq{
		WriterID: binary.LittleEndian.Uint16(b[2:4]),
		Sequence: binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

// Ack is the ACK packet: {type, readerID, writerID, sequence}, cumulative.
type Ack struct {
	ReaderID uint16
	WriterID uint16
	Sequence uint16
}

func (a *Ack) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(ACK))
	binary.LittleEndian.PutUint16(buf[2:4], a.ReaderID)
	binary.LittleEndian.PutUint16(buf[4:6], a.WriterID)
	binary.LittleEndian.PutUint16(buf[6:8], a.Sequence)
	return buf
}

func DecodeAck(b []byte) (*Ack, error) {
	if len(b) < 8 || Type(binary.LittleEndian.Uint16(b[0:2])) != ACK {
		return nil, errs.ErrBadDatagram
	}
	return &Ack{
		ReaderID: binary.LittleEndian.Uint16(b[2:4]),
		WriterID: binary.LittleEndian.Uint16(b[4:6]),
		Sequence: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// NackRange is one inclusive [Start, End] hole in a NACK packet.
type NackRange struct {
	Start uint16
	End   uint16
}

// Nack is the NACK packet: {type, readerID, writerID, count, nack[count]}.
type Nack struct {
	ReaderID uint16
	WriterID uint16
	Ranges   []NackRange
}

func (n *Nack) Encode() []byte {
	count := len(n.Ranges)
	if count > MaxNackRanges {
		count = MaxNackRanges
	}
	buf := make([]byte, 8+4*count)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(NACK))
	binary.LittleEndian.PutUint16(buf[2:4], n.ReaderID)
	binary.LittleEndian.PutUint16(buf[4:6], n.WriterID)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(count))
	off := 8
	for i := 0; i < count; i++ {
		binary.LittleEndian.PutUint16(buf[off:off+2], n.Ranges[i].Start)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], n.Ranges[i].End)
		off += 4
	}
	return buf
}

func DecodeNack(b []byte) (*Nack, error) {
	if len(b) < 8 || Type(binary.LittleEndian.Uint16(b[0:2])) != NACK {
		return nil, errs.ErrBadDatagram
	}
	count := int(binary.LittleEndian.Uint16(b[6:8]))
	if count > MaxNackRanges || 8+4*count > len(b) {
		return nil, errs.ErrBadDatagram
	}
	n := &Nack{
		ReaderID: binary.LittleEndian.Uint16(b[2:4]),
		WriterID: binary.LittleEndian.Uint16(b[4:6]),
		Ranges:   make([]NackRange, count),
	}
	off := 8
	for i := 0; i < count; i++ {
		n.Ranges[i] = NackRange{
			Start: binary.LittleEndian.Uint16(b[off : off+2]),
			End:   binary.LittleEndian.Uint16(b[off+2 : off+4]),
		}
		off += 4
	}
	return n, nil
}

// Membership is the shared shape of HELLO/HELLO_REPLY/CONFIRM/DENY/EXIT/
// COUNTNODE: {type, protocolVersion, connectionID, data}. The meaning of
// Data depends on Type: unused for HELLO/DENY/EXIT, the starting sequence
// for HELLO_REPLY/CONFIRM, and the child count for COUNTNODE.
type Membership struct {
	Type            Type
	ProtocolVersion byte
	ConnectionID    uint16
	Data            uint16
}

func (m *Membership) Encode() []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Type))
	buf[2] = m.ProtocolVersion
	buf[3] = 0 // high byte of protocolVersion is always zero, see spec §9
	binary.LittleEndian.PutUint16(buf[4:6], m.ConnectionID)
	// Data is appended as a fourth LE uint16 field; the spec's generic
	// "{type, protocolVersion, connectionID, data}" shape leaves its
	// width unspecified beyond "single-byte value <= 255" for
	// protocolVersion, so it is packed immediately after connectionID.
	buf = binary.LittleEndian.AppendUint16(buf, m.Data)
	return buf
}

func DecodeMembership(b []byte) (*Membership, error) {
	if len(b) < 8 {
		return nil, errs.ErrBadDatagram
	}
	t := Type(binary.LittleEndian.Uint16(b[0:2]))
	switch t {
	case HELLO, HELLOREPLY, CONFIRM, DENY, EXIT, COUNTNODE:
	default:
		return nil, errs.ErrBadDatagram
	}
	if b[3] != 0 {
		// High byte of protocolVersion is non-zero: either a foreign
		// endianness or a foreign protocol entirely. Drop it (spec §9).
		return nil, errs.ErrProtocolMismatch
	}
	pv := b[2]
	if pv != ProtocolVersion {
		return nil, errs.ErrProtocolMismatch
	}
	return &Membership{
		Type:            t,
		ProtocolVersion: pv,
		ConnectionID:    binary.LittleEndian.Uint16(b[4:6]),
		Data:            binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// PeekType reads just the type field, for dispatching a decoder without
// re-parsing the whole datagram.
func PeekType(b []byte) (Type, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return Type(binary.LittleEndian.Uint16(b[0:2])), true
}
