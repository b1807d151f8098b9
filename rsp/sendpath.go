package rsp

import (
	"context"
	"time"

	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/wire"
)

// run is the protocol thread's event loop (spec §4.3 "send path" +
// "receive path" combined into one goroutine per listener, mirroring the
// teacher's single-goroutine Peer.Keep). It drains application writes,
// dispatches inbound datagrams by type, and rearms its one timer, the
// ACKREQ solicitation timer, each time it fires. Application writes kick
// the loop through the wakeup channel rather than a second timer.
func (l *Listener) run(ctx context.Context, inbound <-chan []byte) {
	defer l.wg.Done()

	for _, raw := range l.preJoinBuffer {
		l.dispatch(raw)
	}
	l.preJoinBuffer = nil

	ackReqTimer := time.NewTimer(l.cfg.RSPAckTimeout)
	defer ackReqTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case raw := <-inbound:
			l.dispatch(raw)
		case <-l.wakeup:
			l.drainWrites(ctx)
		case <-ackReqTimer.C:
			l.onAckTimeout()
			ackReqTimer.Reset(l.cfg.RSPAckTimeout)
		}
	}
}

func (l *Listener) dispatch(raw []byte) {
	t, ok := wire.PeekType(raw)
	if !ok {
		return
	}
	switch t {
	case wire.DATA:
		d, err := wire.DecodeData(raw)
		if err != nil {
			l.log.Warn("rsp: dropping malformed DATA", "err", err)
			return
		}
		l.handleData(d)
	case wire.ACKREQ:
		r, err := wire.DecodeAckReq(raw)
		if err != nil {
			return
		}
		l.handleAckReq(r)
	case wire.ACK:
		a, err := wire.DecodeAck(raw)
		if err != nil {
			return
		}
		l.handleAck(a)
	case wire.NACK:
		n, err := wire.DecodeNack(raw)
		if err != nil {
			return
		}
		l.handleNack(n)
	default:
		l.handleMembership(raw, t)
	}
}

// drainWrites pulls every buffer the application has queued, stamps it
// with the next sequence number, paces it through the rate controller,
// and sends it (spec §4.3 "send path": stamp, bucket, send, log to
// write-buffers).
func (l *Listener) drainWrites(ctx context.Context) {
	for {
		b, ok := l.threadBuffers.TryPop()
		if !ok {
			return
		}
		l.rc.WaitForTokens(len(b.Bytes()))
		b.WriterID = l.id
		b.Sequence = l.sequence
		l.sequence++

		d := &wire.Data{WriterID: b.WriterID, Sequence: b.Sequence, Payload: b.Bytes()}
		if err := l.transport.Send(d.Encode(l.cfg.UDPMtu)); err != nil {
			l.log.Warn("rsp: send failed", "err", err)
		}
		l.rc.OnSend()
		l.lastSend = time.Now()
		l.writeBuffers.Put(b.Sequence, b)

		l.resendFromRepeatQueue()
	}
}

// resendFromRepeatQueue retransmits any datagram named by a pending NACK
// range that is still held in the write window (spec §4.3 "NACK handling
// (writer side): resend each named datagram still in the write-buffers
// deque; anything already evicted is gone for good").
func (l *Listener) resendFromRepeatQueue() {
	l.repeatMu.Lock()
	ranges := l.repeatQueue
	l.repeatQueue = nil
	l.repeatMu.Unlock()

	for _, r := range ranges {
		for _, part := range splitWrapping(r) {
			seq := part.Start
			for {
				if b, ok := l.writeBuffers.Get(seq); ok {
					d := &wire.Data{WriterID: l.id, Sequence: seq, Payload: b.Bytes()}
					_ = l.transport.Send(d.Encode(l.cfg.UDPMtu))
				}
				if seq == part.End {
					break
				}
				seq++
			}
		}
	}
}

// handleAck applies a cumulative ACK (spec §4.3 "ACK handling (writer
// side)"): every write-buffer entry at or before Sequence is acked,
// locally delivered to the self-child, and reclaimed to the free pool.
func (l *Listener) handleAck(a *wire.Ack) {
	if a.WriterID != l.id {
		return
	}
	if c, ok := l.children.Load(a.ReaderID); ok && wire.Less(c.acked, a.Sequence) {
		c.acked = a.Sequence
	}
	l.ackTimeoutCount = 0

	if l.writeBuffers.Len() == 0 || !l.allChildrenAcked(a.Sequence) {
		return
	}
	lowest := l.lowestUnacked()
	if wire.Less(a.Sequence, lowest) {
		return
	}
	self, hasSelf := l.children.Load(l.id)
	for seq := lowest; ; seq++ {
		if b, ok := l.writeBuffers.Pop(seq); ok {
			l.deliverToSelf(self, hasSelf, seq, b)
			l.pool.Put(b)
		}
		if seq == a.Sequence {
			break
		}
	}
}

// deliverToSelf copies an acked, about-to-be-recycled write buffer onto
// the self-child's app queue (spec §4.3 "ACK handling (writer side)":
// "locally 'deliver' a copy to the self-child ... and return the buffer
// to the free pool"). This is the only path by which a writer ever
// observes its own data, since the receive path drops self-originated
// DATA unconditionally (spec §9).
func (l *Listener) deliverToSelf(self *child, hasSelf bool, seq uint16, b *Buffer) {
	if !hasSelf || seq != self.sequence {
		return
	}
	cp, ok := l.pool.TryGet()
	if !ok {
		return // pool exhausted: drop, same as any other receive-path miss
	}
	cp.WriterID = l.id
	cp.Sequence = seq
	cp.SetPayload(b.Bytes())
	l.deliverAndDrain(self, cp)
}

func (l *Listener) lowestUnacked() uint16 {
	min := l.sequence
	found := false
	l.writeBuffers.mu.Lock()
	for seq := range l.writeBuffers.logs {
		if !found || wire.Less(seq, min) {
			min = seq
			found = true
		}
	}
	l.writeBuffers.mu.Unlock()
	return min
}

// allChildrenAcked reports whether every known reader has acked at least
// up to seq, so a datagram is only freed once the whole group has it
// (spec §4.3: "a write-buffer entry is only evicted once every known
// reader has acked past it").
func (l *Listener) allChildrenAcked(seq uint16) bool {
	ok := true
	l.children.Range(func(_ uint16, c *child) bool {
		if c.id == l.id {
			return true // self-child never sends real ACKs back
		}
		if wire.Less(c.acked, seq) {
			ok = false
			return false
		}
		return true
	})
	return ok
}

// handleNack merges the reported ranges into the writer-side repeat
// queue and tells the rate controller to downscale (spec §4.2 "NACK
// triggers the multiplicative downscale").
func (l *Listener) handleNack(n *wire.Nack) {
	if n.WriterID != l.id {
		return
	}
	l.repeatMu.Lock()
	lost := 0
	for _, r := range n.Ranges {
		l.repeatQueue = mergeRange(l.repeatQueue, r.Start, r.End)
		lost += rangeLen(r)
	}
	l.capRepeatQueueLocked()
	l.repeatMu.Unlock()
	l.rc.OnNack(lost)
	l.resendFromRepeatQueue()
}

// capRepeatQueueLocked bounds total outstanding repeat-queue loss at
// numBuffers (spec §4.3 "bound total outstanding loss <= numBuffers"),
// called with repeatMu held. It drops the oldest ranges first: a writer
// never holds more than numBuffers datagrams in writeBuffers, so once
// the queue's reported loss exceeds that bound the oldest entries name
// datagrams already evicted and unrecoverable anyway.
func (l *Listener) capRepeatQueueLocked() {
	limit := l.cfg.RSPNumBuffers
	for totalLen(l.repeatQueue) > limit && len(l.repeatQueue) > 0 {
		dropped := l.repeatQueue[0]
		l.repeatQueue = l.repeatQueue[1:]
		l.log.Warn("rsp: repeat queue exceeded numBuffers, dropping oldest range", "range", dropped, "limit", limit)
	}
}

// onAckTimeout fires every RSPAckTimeout; if there is unacked data
// outstanding it solicits an ACK/NACK from the group and counts the
// attempt toward spec §7's "Protocol loss: too many timed-out ACK
// requests" fatal condition.
func (l *Listener) onAckTimeout() {
	if l.writeBuffers.Len() == 0 {
		return
	}
	l.ackTimeoutCount++
	if l.ackTimeoutCount > l.cfg.RSPMaxTimeouts {
		l.log.Error("rsp: ack-request retry budget exceeded, closing", "peer", l.id)
		go func() { _ = l.closeWithErr(errs.ErrAckTimeoutExceeded) }()
		return
	}
	req := &wire.AckReq{WriterID: l.id, Sequence: l.sequence - 1}
	_ = l.transport.Send(req.Encode())
}

func (l *Listener) closeWithErr(cause error) error {
	l.children.Range(func(_ uint16, c *child) bool {
		c.appBuffers.Close()
		return true
	})
	return l.Close()
}
