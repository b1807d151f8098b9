// Package objnet ties the pieces described by spec.md into one per-process
// API: a transport connection (typically an RSP listener wrapped by
// rsp.NewConnection), the local object registry, and the master/slave
// change managers attached to it. It is the "Object owns its Change
// Manager" ownership boundary of spec.md §3 made concrete: an attached
// master or slave is reachable only through the Node that attached it,
// and Detach tears both down together.
//
// Node also runs the demultiplexing this repository's lower layers leave
// unaddressed: a multicast group carries every attached object's stream
// records interleaved on the same connection, so something has to peel
// each Record off the byte stream and route it to the Slave whose
// object id it names.
package objnet

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/replicore/objnet/conn"
	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/ocm"
	"github.com/replicore/objnet/registry"
	"github.com/replicore/objnet/stream"
	"github.com/replicore/objnet/version"
)

// DefaultChunkSize is the per-record payload bound (spec §4.1's MTU
// budget) that ocm applies internally when it chunks Init/Commit output.
// Node itself does not chunk anything; the constant only states the value.
const DefaultChunkSize = 1200

// Packer and Applier re-export the ocm contracts an application
// implements to plug an object into a Node as, respectively, a
// master's source of truth and a slave's sink.
type Packer = ocm.Packer
type Applier = ocm.Applier

// master is the narrow surface Node needs from either MasterFull or
// MasterDelta; both satisfy it identically.
type master interface {
	Init() version.ID
	Commit(incarnation uint64) version.ID
	SendSync(req ocm.SyncRequest) ocm.SyncReply
	InitSlave(requested version.ID, subscriber version.InstanceID, hasCache bool, cacheMin, cacheMax version.ID) bool
	SetAutoObsolete(n uint64)
	Detach()
}

// Node is one peer's view of the object universe. Construct one per
// transport connection: NewNode(rsp.NewConnection(rsp.New(...)), reg).
type Node struct {
	conn conn.Connection
	reg  *registry.Registry

	mu      sync.Mutex
	masters map[version.ObjectID]master
	slaves  map[version.ObjectID]*ocm.Slave

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode builds a Node around an already-constructed transport
// connection and registry. Listen must be called before any object is
// attached.
func NewNode(c conn.Connection, reg *registry.Registry) *Node {
	return &Node{
		conn:    c,
		reg:     reg,
		masters: map[version.ObjectID]master{},
		slaves:  map[version.ObjectID]*ocm.Slave{},
	}
}

// Listen starts the underlying connection and the background loops
// that accept newly seen remote writers and demux their incoming
// stream records into whichever local slave each belongs to.
func (n *Node) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.ctx = ctx
	n.cancel = cancel

	if err := n.conn.Listen(ctx, ""); err != nil {
		cancel()
		return err
	}
	n.wg.Add(1)
	go n.acceptLoop(ctx)
	return nil
}

func (n *Node) acceptLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		c, err := n.conn.AcceptSync(ctx)
		if err != nil {
			return
		}
		n.wg.Add(1)
		go n.demuxLoop(ctx, c)
	}
}

// demuxLoop reads framed stream.Records off one remote writer's
// connection for as long as it stays open, handing each to the local
// slave (if any) for its object. A record naming an object this Node
// has no Subscribe for is silently dropped — the usual case on a
// multicast group where a peer commits many objects a given subscriber
// does not care about.
func (n *Node) demuxLoop(ctx context.Context, c conn.Connection) {
	defer n.wg.Done()
	for {
		rec, err := readRecord(ctx, c)
		if err != nil {
			return
		}
		n.mu.Lock()
		s, ok := n.slaves[rec.Object]
		n.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.Feed(rec); err != nil {
			continue
		}
		if s.Version().Equal(version.NONE) {
			// A slave that has applied nothing yet bootstraps from the
			// first complete INSTANCE stream it receives.
			_ = s.ApplyMapData()
		}
		_ = s.Sync(version.HEAD)
	}
}

// readRecord reads one stream.Record off a byte-stream Connection: the
// fixed header first (which carries the trailing payload length), then
// exactly that many more bytes, then decodes the two together.
func readRecord(ctx context.Context, c conn.Connection) (*stream.Record, error) {
	header := make([]byte, stream.HeaderSize)
	if _, err := c.ReadSync(ctx, header, len(header), true); err != nil {
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint64(header[len(header)-8:])

	buf := make([]byte, len(header)+int(payloadLen))
	copy(buf, header)
	if payloadLen > 0 {
		if _, err := c.ReadSync(ctx, buf[len(header):], int(payloadLen), true); err != nil {
			return nil, err
		}
	}
	rec, _, err := stream.Decode(buf)
	return rec, err
}

// connSink adapts a Node's shared connection to ocm.Sink: every
// committed record is simply written to the wire, letting the
// multicast transport fan it out to every current subscriber.
type connSink struct {
	node *Node
}

func (s *connSink) Send(records []*stream.Record) {
	for _, r := range records {
		_, _ = s.node.conn.Write(s.node.ctx, r.Encode())
	}
}

// localLink implements ocm.MasterLink for a slave whose master happens
// to be attached on this same Node. A remote master reachable only over
// the wire has no request/reply channel in this implementation (spec
// §1 scopes the command dispatcher out); RequestCommit then returns
// VERSION_NONE, matching spec §4.8's "master unreachable" contract
// rather than erroring. The delta bytes are not forwarded: the local
// master commits whatever its own Packer reports.
type localLink struct {
	node   *Node
	object version.ObjectID
}

func (l *localLink) RequestCommit(delta []byte, incarnation uint64) (version.ID, error) {
	l.node.mu.Lock()
	m, ok := l.node.masters[l.object]
	l.node.mu.Unlock()
	if !ok {
		return version.NONE, nil
	}
	return m.Commit(incarnation), nil
}

// AttachMasterFull maps object (if not already mapped) and attaches a
// full-snapshot master change manager, initializing it to VERSION_FIRST
// (spec §4.6).
func (n *Node) AttachMasterFull(object version.ObjectID, packer ocm.Packer) (*ocm.MasterFull, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.masters[object]; exists {
		return nil, errs.ErrAlreadyAttached
	}
	entry := n.reg.Map(object)
	m := ocm.NewMasterFull(object, entry.Instance, packer, &connSink{node: n})
	if err := n.reg.Attach(object, m); err != nil {
		return nil, err
	}
	m.Init()
	n.masters[object] = m
	return m, nil
}

// AttachMasterDelta is AttachMasterFull's delta-stream counterpart
// (spec §4.7).
func (n *Node) AttachMasterDelta(object version.ObjectID, packer ocm.Packer) (*ocm.MasterDelta, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.masters[object]; exists {
		return nil, errs.ErrAlreadyAttached
	}
	entry := n.reg.Map(object)
	m := ocm.NewMasterDelta(object, entry.Instance, packer, &connSink{node: n})
	if err := n.reg.Attach(object, m); err != nil {
		return nil, err
	}
	m.Init()
	n.masters[object] = m
	return m, nil
}

// Subscribe maps object (if not already mapped) and attaches a slave
// change manager that applies incoming versions to applier, in order
// (spec §4.8). Incoming records for this object are fed to it
// automatically by the Node's demux loops once Listen has accepted the
// writer in question.
func (n *Node) Subscribe(object version.ObjectID, applier ocm.Applier) (*ocm.Slave, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.slaves[object]; exists {
		return nil, errs.ErrAlreadyAttached
	}
	entry := n.reg.Map(object)
	s := ocm.NewSlave(object, entry.Instance, applier, &localLink{node: n, object: object})
	if err := n.reg.Attach(object, s); err != nil {
		return nil, err
	}
	n.slaves[object] = s
	return s, nil
}

// Commit commits a locally mastered object, broadcasting the result to
// every connected peer over the shared connection. incarnation is
// usually ocm.CommitNext.
func (n *Node) Commit(object version.ObjectID, incarnation uint64) (version.ID, error) {
	n.mu.Lock()
	m, ok := n.masters[object]
	n.mu.Unlock()
	if !ok {
		return version.NONE, errs.ErrObjectUnknown
	}
	return m.Commit(incarnation), nil
}

// Detach unmaps object: any attached master or slave is detached by
// the registry's Unmap, and the Node stops tracking it locally.
func (n *Node) Detach(object version.ObjectID) error {
	n.mu.Lock()
	delete(n.masters, object)
	delete(n.slaves, object)
	n.mu.Unlock()
	return n.reg.Unmap(object)
}

// Close tears down the background demux loops and the underlying
// connection. Idempotent to the extent the underlying Connection's
// Close is.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	err := n.conn.Close()
	n.wg.Wait()
	return err
}
