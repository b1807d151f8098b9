package stream

import (
	"sort"

	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/version"
)

// Assembler reassembles the fragments of one version stream (one object,
// one version) into a single contiguous payload, becoming Ready once the
// *last* fragment has arrived and sequences 0..last are all present
// (spec §4.5 / §3 "version stream ... ready").
type Assembler struct {
	Object         version.ObjectID
	Version        version.ID
	TargetInstance version.InstanceID
	SenderInstance version.InstanceID
	Kind           Kind
	CompressorID   uint8

	fragments map[uint32][]byte
	lastSeen  bool
	lastSeq   uint32
}

// NewAssembler starts an assembler for the stream the first fragment r
// belongs to.
func NewAssembler(r *Record) *Assembler {
	a := &Assembler{
		Object:         r.Object,
		Version:        r.Version,
		TargetInstance: r.TargetInstance,
		SenderInstance: r.SenderInstance,
		Kind:           r.Kind,
		CompressorID:   r.CompressorID,
		fragments:      map[uint32][]byte{},
	}
	a.Add(r)
	return a
}

// Add folds one more fragment in. Fragments of a different object,
// version, kind, or compressor than the one this assembler started with
// are rejected as a caller error rather than silently ignored.
func (a *Assembler) Add(r *Record) error {
	if !r.Object.Equal(a.Object) || !r.Version.Equal(a.Version) || r.Kind != a.Kind || r.CompressorID != a.CompressorID {
		return errs.ErrSequenceMismatch
	}
	a.fragments[r.Sequence] = r.Payload
	if r.Last {
		a.lastSeen = true
		a.lastSeq = r.Sequence
	}
	return nil
}

// Ready reports whether the last fragment has arrived and every sequence
// from 0 up to it is present, with no gaps (spec §3).
func (a *Assembler) Ready() bool {
	if !a.lastSeen {
		return false
	}
	for seq := uint32(0); seq <= a.lastSeq; seq++ {
		if _, ok := a.fragments[seq]; !ok {
			return false
		}
	}
	return true
}

// Payload concatenates the fragments in sequence order and, if the
// stream was tagged with a non-identity CompressorID (spec §4.5's
// optional per-stream compression), inflates the result back to the
// original bytes. Callers must check Ready first; Payload does not
// itself validate contiguity.
func (a *Assembler) Payload() ([]byte, error) {
	seqs := make([]uint32, 0, len(a.fragments))
	for seq := range a.fragments {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	total := 0
	for _, seq := range seqs {
		total += len(a.fragments[seq])
	}
	out := make([]byte, 0, total)
	for _, seq := range seqs {
		out = append(out, a.fragments[seq]...)
	}
	return Decompress(out, a.CompressorID)
}
