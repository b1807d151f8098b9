package ocm

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/stream"
	"github.com/replicore/objnet/version"
)

// Applier is supplied by the object a Slave is attached to: the two ways
// a received stream can be folded into local state (spec §4.8
// "applyInstanceData or unpack").
type Applier interface {
	ApplyInstanceData(data []byte) error
	ApplyDelta(data []byte) error
}

// MasterLink is how a slave's commit() reaches its master and gets back
// an assigned version (spec §4.8 "request-reply handshake"). If the
// master is unreachable, implementations return version.NONE, nil (not
// an error — spec: "the returned value is VERSION_NONE").
type MasterLink interface {
	RequestCommit(delta []byte, incarnation uint64) (version.ID, error)
}

// queuedStream is one ready-to-apply version stream awaiting a sync()
// (spec §3 "Slave version queue").
type queuedStream struct {
	kind    stream.Kind
	version version.ID
	payload []byte
}

// Slave is the slave change manager of spec.md §4.8: a FIFO of ready
// version streams plus one in-progress assembler per not-yet-ready
// version, applied strictly in order.
type Slave struct {
	mu sync.Mutex

	object   version.ObjectID
	instance version.InstanceID
	applier  Applier
	link     MasterLink

	version    version.ID // _version: last applied version, NONE until the first apply
	queue      []*queuedStream
	inProgress map[version.ID]*stream.Assembler
}

func NewSlave(object version.ObjectID, instance version.InstanceID, applier Applier, link MasterLink) *Slave {
	return &Slave{
		object:     object,
		instance:   instance,
		applier:    applier,
		link:       link,
		version:    version.NONE,
		inProgress: map[version.ID]*stream.Assembler{},
	}
}

// Detach is a no-op placeholder satisfying registry.ChangeManager; a
// slave holds no external resources to release beyond its own state.
func (s *Slave) Detach() {}

// Version returns the slave's current applied version (_version).
func (s *Slave) Version() version.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Feed folds one more record of this object's stream in. Once a
// version's stream becomes Ready, it moves from the in-progress
// assembler to the back of the queue (spec §3/§4.8).
func (s *Slave) Feed(r *stream.Record) error {
	if !r.Object.Equal(s.object) {
		return errs.ErrObjectUnknown
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shouldIgnoreLocked(r) {
		return nil
	}

	asm, ok := s.inProgress[r.Version]
	if !ok {
		asm = stream.NewAssembler(r)
		s.inProgress[r.Version] = asm
	} else if err := asm.Add(r); err != nil {
		return err
	}

	if !asm.Ready() {
		return nil
	}
	delete(s.inProgress, r.Version)
	payload, err := asm.Payload()
	if err != nil {
		return err
	}
	s.insertQueueLocked(&queuedStream{kind: asm.Kind, version: asm.Version, payload: payload})
	return nil
}

// shouldIgnoreLocked drops a record addressed to some other instance while
// this slave has no version yet and nothing queued. Records addressed to
// version.BroadcastInstance are never dropped, including commit broadcasts
// that predate this slave.
func (s *Slave) shouldIgnoreLocked(r *stream.Record) bool {
	if r.TargetInstance == version.BroadcastInstance || r.TargetInstance == s.instance {
		return false
	}
	return s.version.Equal(version.NONE) && len(s.queue) == 0
}

// insertQueueLocked keeps the queue ordered by version: spec §4.8's
// addInstanceDatas ordering rule (push-front if older than the front,
// push-back if newer than the back) applies equally to a stream
// completed by Feed, not only to a prefetched cache merge.
func (s *Slave) insertQueueLocked(q *queuedStream) {
	if len(s.queue) == 0 {
		s.queue = append(s.queue, q)
		return
	}
	if q.version.Less(s.queue[0].version) {
		s.queue = append([]*queuedStream{q}, s.queue...)
		return
	}
	if s.queue[len(s.queue)-1].version.Less(q.version) {
		s.queue = append(s.queue, q)
		return
	}
	// Duplicate or already-covered version: drop silently, the same
	// version stream may legitimately arrive twice (retransmitted map
	// reply racing a live commit broadcast).
}

// Sync implements spec §4.8's sync(targetVersion): with HEAD, drains
// whatever is currently queued; otherwise pops entries until _version ==
// targetVersion. Each pop asserts stream.version == _version + 1,
// matching the "versions pulled off the queue form a strictly increasing
// run" invariant of spec §3. Sync never blocks waiting for a future Feed
// to supply more: a target that is still ahead of everything currently
// queued is reported via errs.ErrStreamNotReady rather than silently
// returning as if it had been reached, so a caller driving Sync from a
// single demultiplexing loop (package objnet's Node) can keep calling
// Feed/Sync without risking a self-deadlock.
func (s *Slave) Sync(targetVersion version.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		if !targetVersion.Equal(version.HEAD) && s.version.Equal(targetVersion) {
			return nil
		}
		q := s.queue[0]
		if !q.version.Equal(s.version.Next()) {
			return errs.ErrSequenceMismatch
		}
		if err := s.applyLocked(q); err != nil {
			return err
		}
		s.queue = s.queue[1:]
		s.version = q.version
	}
	if !targetVersion.Equal(version.HEAD) && !s.version.Equal(targetVersion) {
		return errs.ErrStreamNotReady
	}
	return nil
}

func (s *Slave) applyLocked(q *queuedStream) error {
	var err error
	switch q.kind {
	case stream.INSTANCE, stream.InstanceMap:
		err = s.applier.ApplyInstanceData(q.payload)
	case stream.DELTA:
		err = s.applier.ApplyDelta(q.payload)
	default:
		return errs.ErrBadDatagram
	}
	if err != nil {
		return errors.Wrapf(err, "apply %s version %s", q.kind, q.version)
	}
	return nil
}

// ApplyMapData pops exactly one INSTANCE stream and applies it,
// bypassing the strictly-increasing check since a map reply is the
// bootstrap that establishes _version in the first place (spec §4.8
// "applyMapData()").
func (s *Slave) ApplyMapData() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return errs.ErrStreamNotReady
	}
	q := s.queue[0]
	if q.kind != stream.INSTANCE && q.kind != stream.InstanceMap {
		return errs.ErrStreamNotReady
	}
	if err := s.applier.ApplyInstanceData(q.payload); err != nil {
		return err
	}
	s.queue = s.queue[1:]
	s.version = q.version
	return nil
}

// AddInstanceDatas merges prefetched, already-ready streams (spec §4.8
// "addInstanceDatas(cache, startVersion)"): each with version >=
// startVersion is inserted front or back as insertQueueLocked dictates;
// the tail must end up strictly consecutive, asserted here rather than
// silently tolerated, per spec's "asserted invariant".
func (s *Slave) AddInstanceDatas(entries []*CacheEntry, startVersion version.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.Version.Less(startVersion) {
			continue
		}
		payload, err := flatten(e.Records)
		if err != nil {
			return err
		}
		s.insertQueueLocked(&queuedStream{kind: stream.INSTANCE, version: e.Version, payload: payload})
	}
	for i := 1; i < len(s.queue); i++ {
		if !s.queue[i].version.Equal(s.queue[i-1].version.Next()) {
			return errs.ErrSequenceMismatch
		}
	}
	return nil
}

// flatten reassembles a cache entry's chunked, possibly-compressed
// records back into the original instance-data bytes, mirroring
// Assembler.Payload's decompress step for records pulled straight from
// a master's retained Cache rather than off the wire.
func flatten(records []*stream.Record) ([]byte, error) {
	var compressorID uint8
	if len(records) > 0 {
		compressorID = records[0].CompressorID
	}
	total := 0
	for _, r := range records {
		total += len(r.Payload)
	}
	out := make([]byte, 0, total)
	for _, r := range records {
		out = append(out, r.Payload...)
	}
	return stream.Decompress(out, compressorID)
}

// Commit hands an already-serialized delta to the master link and returns
// the version it reports (spec §4.8 "commit(incarnation) on a slave").
// The caller supplies the already-packed delta since Slave has no
// Packer of its own (only a master packs; a slave commits on the
// master's behalf and waits for the assigned version).
func (s *Slave) Commit(delta []byte, incarnation uint64) (version.ID, error) {
	return s.link.RequestCommit(delta, incarnation)
}
