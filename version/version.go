// Package version implements the 128-bit version and object identifiers of
// spec.md §3. A VersionID is compared as a plain integer; NONE is 0 and
// five more sentinel values are reserved at the top of the low-64-bit
// range so that ordinary versions, which start at FIRST and increase by
// one per commit, never collide with them.
package version

import (
	"encoding/binary"
	"fmt"
)

// ID is a 128-bit version identifier, stored as (hi, lo) = (most
// significant 64 bits, least significant 64 bits). Ordinary versions only
// ever use the low word; the high word exists so a replica space large
// enough to need it (more than 2^64 commits from a single master, or a
// 128-bit object-version pairing per spec §3) still compares correctly.
type ID struct {
	Hi uint64
	Lo uint64
}

// Reserved values, packed into the low 64 bits with Hi == 0. NONE and
// FIRST are 0 and 1; NEWEST, OLDEST, NEXT, INVALID and HEAD sit at the very
// top of the uint64 range so that FIRST..math.MaxUint64-5 is available to
// ordinary, consecutively assigned versions.
var (
	NONE    = ID{0, 0}
	FIRST   = ID{0, 1}
	NEWEST  = ID{0, ^uint64(0)}
	OLDEST  = ID{0, ^uint64(0) - 1}
	NEXT    = ID{0, ^uint64(0) - 2}
	INVALID = ID{0, ^uint64(0) - 3}
	HEAD    = ID{0, ^uint64(0) - 4}
)

// IsSentinel reports whether v is one of the six sentinels above: NONE
// and the five top-of-range values. FIRST is an ordinary version.
func (v ID) IsSentinel() bool {
	switch v {
	case NONE, NEWEST, OLDEST, NEXT, INVALID, HEAD:
		return true
	}
	return false
}

// Compare returns -1, 0, or 1 the way bytes.Compare does, ordering first
// by Hi then by Lo. Sentinels compare like ordinary large integers; callers
// must resolve sentinels to a concrete version before relying on ordering.
func (v ID) Compare(o ID) int {
	if v.Hi != o.Hi {
		if v.Hi < o.Hi {
			return -1
		}
		return 1
	}
	if v.Lo != o.Lo {
		if v.Lo < o.Lo {
			return -1
		}
		return 1
	}
	return 0
}

func (v ID) Less(o ID) bool    { return v.Compare(o) < 0 }
func (v ID) Equal(o ID) bool   { return v.Hi == o.Hi && v.Lo == o.Lo }

// Next returns v+1, carrying into Hi on Lo overflow.
func (v ID) Next() ID {
	lo := v.Lo + 1
	hi := v.Hi
	if lo == 0 {
		hi++
	}
	return ID{hi, lo}
}

// Sub returns v-o as a plain count, valid only when v >= o and both are
// ordinary (non-sentinel) versions within the same 64-bit word, which
// holds for every distance computed in the master/slave CMs (commit
// counts never span the Hi word in one process lifetime).
func (v ID) Sub(o ID) uint64 {
	if v.Hi != o.Hi {
		return ^uint64(0) // saturate: caller only uses this for bounds checks
	}
	return v.Lo - o.Lo
}

func (v ID) String() string {
	if v.Hi == 0 {
		switch v {
		case NONE:
			return "NONE"
		case NEWEST:
			return "NEWEST"
		case OLDEST:
			return "OLDEST"
		case NEXT:
			return "NEXT"
		case INVALID:
			return "INVALID"
		case HEAD:
			return "HEAD"
		}
		return fmt.Sprintf("%d", v.Lo)
	}
	return fmt.Sprintf("%d:%d", v.Hi, v.Lo)
}

// Bytes encodes v as 16 little-endian bytes (Lo first, then Hi), matching
// the little-endian convention used throughout the wire format.
func (v ID) Bytes() []byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], v.Lo)
	binary.LittleEndian.PutUint64(buf[8:16], v.Hi)
	return buf[:]
}

func FromBytes(b []byte) ID {
	return ID{
		Lo: binary.LittleEndian.Uint64(b[0:8]),
		Hi: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// ObjectID is the 128-bit identifier of a registered object (spec §3).
type ObjectID = ID

// InstanceID disambiguates multiple slave instances of the same object on
// one peer (spec §3: "every registered object carries a 32-bit instance
// identifier").
type InstanceID uint32

// BroadcastInstance is the target instance id used for a commit broadcast
// that is meant for every currently attached slave, not one in particular
// (spec §4.8 "broadcast instance id").
const BroadcastInstance InstanceID = 0

// Full pairs an ObjectID with a Version. Equality/ordering are
// lexicographic on (ID, Version) per spec §3.
type Full struct {
	Object  ObjectID
	Version ID
}

func (f Full) Compare(o Full) int {
	if c := f.Object.Compare(o.Object); c != 0 {
		return c
	}
	return f.Version.Compare(o.Version)
}

func (f Full) String() string {
	return fmt.Sprintf("%s@%s", f.Object, f.Version)
}
