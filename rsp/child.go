package rsp

import (
	"context"

	"github.com/google/uuid"
	"github.com/replicore/objnet/internal/rsputil"
)

// child is the per-remote-writer view described in spec.md §3 "RSP peer
// state": next-expected sequence, an out-of-order reassembly ring sized
// to the buffer pool's window, and the last sequence this listener has
// acked to that writer. The listener's own id also has a child entry (the
// "self-child") representing the local peer as a reader of its own
// writes, per spec §4.3.
type child struct {
	id      uint16
	traceID string

	// logCtx carries id/traceID as default slog args (rsputil.WithDefaultArgs)
	// so every *Ctx log call scoped to this child's lifetime tags its lines
	// with which peer and which join they came from, without each call site
	// having to restate both fields by hand.
	logCtx context.Context

	sequence uint16 // c.sequence: next expected sequence from this writer
	recv     *reorderRing

	// appBuffers carries contiguous, in-order payload from this writer
	// out to the application (spec §4.4's thread->app queue), one
	// instance per child since each writer's stream is independently
	// ordered (spec §5 "no ordering guarantee across writers").
	appBuffers *rsputil.BlockingQueue[*Buffer]

	acked uint16 // writer-side bookkeeping: last cumulative ACK this reader sent us
}

func newChild(id uint16, numBuffers int, appQueueLimit int) *child {
	traceID := uuid.NewString()
	return &child{
		id:         id,
		traceID:    traceID,
		logCtx:     rsputil.WithDefaultArgs(context.Background(), "peer_id", id, "trace_id", traceID),
		recv:       newReorderRing(numBuffers),
		appBuffers: rsputil.NewBlockingQueue[*Buffer](appQueueLimit),
	}
}

// reorderRing is the "out-of-order buffer deque indexed by
// sequence − _sequence − 1" of spec.md §3. It is implemented as a fixed
// ring sized to the buffer-pool window rather than a growable deque: the
// RSP receive path never admits a sequence further than numBuffers ahead
// of what is expected (spec §4.3 "out-of-window: drop silently"), so a
// ring indexed by seq mod len never collides within one window.
type reorderRing struct {
	slots []*Buffer
}

func newReorderRing(numBuffers int) *reorderRing {
	return &reorderRing{slots: make([]*Buffer, numBuffers)}
}

func (r *reorderRing) index(seq uint16) int {
	return int(seq) % len(r.slots)
}

func (r *reorderRing) Put(seq uint16, b *Buffer) {
	r.slots[r.index(seq)] = b
}

func (r *reorderRing) Take(seq uint16) (*Buffer, bool) {
	i := r.index(seq)
	b := r.slots[i]
	if b == nil {
		return nil, false
	}
	r.slots[i] = nil
	return b, true
}

func (r *reorderRing) Has(seq uint16) bool {
	return r.slots[r.index(seq)] != nil
}
