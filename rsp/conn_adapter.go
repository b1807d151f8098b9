package rsp

import (
	"context"
	"time"

	"github.com/replicore/objnet/conn"
	"github.com/replicore/objnet/errs"
)

// peerConn adapts a Listener, and optionally one specific remote writer's
// child within it, to the byte-stream conn.Connection contract. The
// "root" peerConn (childID == 0) is what Connect/Listen returns; it owns
// AcceptSync/AcceptNB, handing out a bound peerConn for every remote
// writer's child as it is first seen. Multicast being broadcast, Write is
// the same operation — enqueue on the shared listener — from every
// peerConn bound to the same Listener.
type peerConn struct {
	l       *Listener
	childID uint16 // 0 on the root connection; the remote writer id once bound

	accepted map[uint16]bool // root only: children already handed out via Accept*
	leftover []byte          // unread tail of the last delivered payload
}

// NewConnection builds the root conn.Connection for a not-yet-listening
// RSP listener.
func NewConnection(l *Listener) conn.Connection {
	return &peerConn{l: l, accepted: map[uint16]bool{}}
}

// Connect and Listen are the same operation for a multicast group (spec
// §6): addr is ignored, the listener already carries its transport.
func (c *peerConn) Connect(ctx context.Context, addr string) error { return c.l.Listen(ctx) }
func (c *peerConn) Listen(ctx context.Context, addr string) error  { return c.l.Listen(ctx) }

func (c *peerConn) nextUnaccepted() uint16 {
	var found uint16
	c.l.children.Range(func(id uint16, _ *child) bool {
		if id == c.l.id || c.accepted[id] {
			return true
		}
		found = id
		return false
	})
	return found
}

// AcceptSync blocks until a new remote writer's child appears, binding a
// fresh peerConn to it.
func (c *peerConn) AcceptSync(ctx context.Context) (conn.Connection, error) {
	for {
		if id := c.nextUnaccepted(); id != 0 {
			c.accepted[id] = true
			return &peerConn{l: c.l, childID: id}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *peerConn) AcceptNB() (conn.Connection, bool) {
	id := c.nextUnaccepted()
	if id == 0 {
		return nil, false
	}
	c.accepted[id] = true
	return &peerConn{l: c.l, childID: id}, true
}

// ReadSync reads up to nBytes from the bound child's next in-order
// payloads, buffering any surplus for the next call (spec §6's
// byte-stream contract: Buffer boundaries are not message boundaries).
// With block set, each wait uses the listener's default timeout (0 means
// indefinite); without it, each wait lasts about a millisecond.
func (c *peerConn) ReadSync(ctx context.Context, buf []byte, nBytes int, block bool) (int, error) {
	if c.childID == 0 {
		return 0, errs.ErrObjectUnknown
	}
	n := 0
	for n < nBytes {
		if len(c.leftover) > 0 {
			copied := copy(buf[n:nBytes], c.leftover)
			c.leftover = c.leftover[copied:]
			n += copied
			continue
		}
		timeout := c.l.cfg.TimeoutDefault
		if !block {
			timeout = time.Millisecond
		}
		b, err := c.l.ReadSync(ctx, c.childID, timeout)
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		c.leftover = b.Bytes()
	}
	return n, nil
}

func (c *peerConn) ReadNB(buf []byte) (int, bool) {
	n, err := c.ReadSync(context.Background(), buf, len(buf), false)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

func (c *peerConn) Write(ctx context.Context, buf []byte) (int, error) {
	if err := c.l.Write(ctx, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (c *peerConn) Close() error { return c.l.Close() }

func (c *peerConn) Capabilities() conn.Capability { return conn.CapMulticast }

// GetNotifier returns a handle closed when the underlying listener shuts
// down. RSP delivers readiness through ReadSync's own blocking/timeout
// rather than a separate selectable fd, since its "socket" is shared by
// every child; this still satisfies the reactor contract of closing
// exactly once, on Close.
func (c *peerConn) GetNotifier() <-chan struct{} { return c.l.stopCh }
