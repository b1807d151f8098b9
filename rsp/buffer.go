package rsp

import "github.com/replicore/objnet/internal/rsputil"

// Buffer is an owned, contiguous, MTU-sized byte region (spec.md §3
// "Buffer"). It cycles through three states — free, in thread, in app —
// by moving between the pool's queues; it is never copied across queues,
// only its ownership is transferred.
type Buffer struct {
	data []byte // len == 0..cap, cap == pool MTU
	// WriterID/Sequence are stamped by the send path before the buffer
	// leaves the thread, or filled in by the receive path once a DATA
	// packet has been decoded into it.
	WriterID uint16
	Sequence uint16
	Last     bool // set by the application to mark the final fragment it wrote
}

func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Reset(mtu int) {
	if cap(b.data) < mtu {
		b.data = make([]byte, 0, mtu)
	}
	b.data = b.data[:0]
	b.WriterID = 0
	b.Sequence = 0
	b.Last = false
}

func (b *Buffer) SetPayload(p []byte) {
	b.data = append(b.data[:0], p...)
}

// Pool is the fixed-count recyclable buffer pool of spec.md §4.4: a
// lock-free SPSC queue carries buffers from the side that releases them
// to the side that owns the protocol thread, and a blocking MPMC queue
// carries buffers from the protocol thread out to the application.
//
// Dropping a packet (failing to acquire a free buffer) is the documented
// policy when the pool is exhausted — TryGet returning ok=false is never
// treated as an error by callers, only as backpressure.
type Pool struct {
	mtu   int
	free  *rsputil.SPSCQueue[Buffer]
	store []Buffer
}

// NewPool preallocates numBuffers MTU-sized buffers at listen, per spec
// §4.4 ("Fixed-count allocation ... is performed at listen").
func NewPool(numBuffers, mtu int) *Pool {
	p := &Pool{
		mtu:   mtu,
		free:  rsputil.NewSPSCQueue[Buffer](numBuffers),
		store: make([]Buffer, numBuffers),
	}
	for i := range p.store {
		p.store[i].Reset(mtu)
		p.free.TryPush(&p.store[i])
	}
	return p
}

// TryGet pops a free buffer without blocking. Callers on the protocol
// thread must never block waiting for a free buffer; if none is
// available, the packet or write is dropped (recovered later via
// NACK/ACKREQ, per spec §4.3/§4.4).
func (p *Pool) TryGet() (*Buffer, bool) {
	b, ok := p.free.TryPop()
	if !ok {
		return nil, false
	}
	b.Reset(p.mtu)
	return b, true
}

// Put returns a buffer to the free pool once both the protocol thread and
// the application are done with it.
func (p *Pool) Put(b *Buffer) {
	p.free.TryPush(b)
}

func (p *Pool) MTU() int { return p.mtu }
