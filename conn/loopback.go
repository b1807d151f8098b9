package conn

import (
	"context"
	"io"
	"sync"
)

// Loopback is an in-process Connection pair with no transport under it
// at all: NewLoopbackPair wires two byte pipes head to tail, one in
// each direction, so writes on one side show up as reads on the other.
// It is the spec.md §6 doc comment's promised "loopback test double":
// a stand-in for RSP (or any future transport) good enough to drive
// package objnet's Node wiring in tests without a real NIC.
//
// AcceptSync/AcceptNB yield the connection itself exactly once, mirroring
// RSP's "each remote writer appears once, as a child connection" shape
// for the simplest possible case: a point-to-point pipe has exactly one
// peer to discover.
type Loopback struct {
	r *io.PipeReader
	w *io.PipeWriter

	acceptOnce sync.Once
	closeOnce  sync.Once
	closedCh   chan struct{}
}

// NewLoopbackPair returns two connected Loopback endpoints: whatever is
// written to a is readable from b, and vice versa.
func NewLoopbackPair() (Connection, Connection) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	a := &Loopback{r: ar, w: bw, closedCh: make(chan struct{})}
	b := &Loopback{r: br, w: aw, closedCh: make(chan struct{})}
	return a, b
}

func (l *Loopback) Connect(ctx context.Context, addr string) error { return nil }
func (l *Loopback) Listen(ctx context.Context, addr string) error  { return nil }

// AcceptSync returns l itself on the first call (there is exactly one
// peer on a point-to-point pipe); later calls block until ctx is done.
func (l *Loopback) AcceptSync(ctx context.Context) (Connection, error) {
	var self Connection
	l.acceptOnce.Do(func() { self = l })
	if self != nil {
		return self, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closedCh:
		return nil, io.ErrClosedPipe
	}
}

func (l *Loopback) AcceptNB() (Connection, bool) {
	var self Connection
	l.acceptOnce.Do(func() { self = l })
	return self, self != nil
}

// ReadSync reads exactly nBytes, honoring ctx cancellation; block is
// ignored since a pipe read is always blocking until data or closure.
func (l *Loopback) ReadSync(ctx context.Context, buf []byte, nBytes int, block bool) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := io.ReadFull(l.r, buf[:nBytes])
		ch <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		return r.n, r.err
	}
}

func (l *Loopback) ReadNB(buf []byte) (int, bool) {
	n, err := l.ReadSync(context.Background(), buf, len(buf), false)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

func (l *Loopback) Write(ctx context.Context, buf []byte) (int, error) {
	return l.w.Write(buf)
}

func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		_ = l.r.Close()
		_ = l.w.Close()
		close(l.closedCh)
	})
	return nil
}

func (l *Loopback) Capabilities() Capability { return 0 }

func (l *Loopback) GetNotifier() <-chan struct{} { return l.closedCh }
