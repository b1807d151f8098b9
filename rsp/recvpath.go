package rsp

import "github.com/replicore/objnet/wire"

// handleData implements spec §4.3's receive path: self-originated DATA is
// dropped unconditionally (spec §9, "on all platforms, not just those
// where multicast loopback cannot be disabled") since a writer's own data
// reaches its self-child through the ack-driven deliverToSelf path in
// sendpath.go instead; everything else is delivered in order through the
// sending writer's child, buffering anything that arrives ahead of
// schedule in its reorder ring.
func (l *Listener) handleData(d *wire.Data) {
	if d.WriterID == l.id {
		return
	}
	c, ok := l.children.Load(d.WriterID)
	if !ok {
		c = newChild(d.WriterID, l.cfg.RSPNumBuffers, l.cfg.CommandQueueSize)
		l.children.Store(d.WriterID, c)
		l.log.InfoCtx(c.logCtx, "rsp: new writer observed via DATA", "first_sequence", d.Sequence)
	}

	if wire.Less(d.Sequence, c.sequence) {
		return // duplicate/old, already delivered
	}

	b, ok := l.pool.TryGet()
	if !ok {
		return // pool exhausted: drop, recovered later via NACK
	}
	b.WriterID = d.WriterID
	b.Sequence = d.Sequence
	b.SetPayload(d.Payload)

	if d.Sequence != c.sequence {
		if wire.Distance(c.sequence, d.Sequence) >= uint16(l.cfg.RSPNumBuffers) {
			l.pool.Put(b) // out of window: drop silently, spec §4.3
			return
		}
		c.recv.Put(d.Sequence, b)
		return
	}

	l.deliverAndDrain(c, b)
}

// deliverAndDrain pushes b and then every subsequent already-buffered
// in-order datagram from c's reorder ring out to the application queue,
// advancing c.sequence past each one (spec §3 "contiguous reassembly").
// Per spec §4.3's receive path, it also emits a proactive ACK{s} for
// every delivered sequence s where (s + own_id) mod ackFreq == 0, so a
// steady stream of DATA keeps the writer's write-buffers draining even
// without an ACKREQ round trip.
func (l *Listener) deliverAndDrain(c *child, b *Buffer) {
	for {
		s := b.Sequence
		if !c.appBuffers.Push(b) {
			l.pool.Put(b)
		}
		c.sequence++
		l.maybeEmitCadenceAck(c, s)
		next, ok := c.recv.Take(c.sequence)
		if !ok {
			return
		}
		b = next
	}
}

// maybeEmitCadenceAck is the "(s + own_id) mod ackFreq == 0" rule of spec
// §4.3. The self-child never needs a wire round trip (there is no
// separate process to ack to), so it is skipped.
func (l *Listener) maybeEmitCadenceAck(c *child, s uint16) {
	if c.id == l.id || l.cfg.RSPAckFreq <= 0 {
		return
	}
	if (int(s)+int(l.id))%l.cfg.RSPAckFreq != 0 {
		return
	}
	ack := &wire.Ack{ReaderID: l.id, WriterID: c.id, Sequence: s}
	_ = l.transport.Send(ack.Encode())
}

// handleAckReq replies to a solicitation from writerID with this
// listener's cumulative ACK and a NACK naming every hole still open in
// the window up to req.Sequence (spec §4.3 "ACKREQ handling (reader
// side)"). Ranges that wrap past 2^16 are split per the wire format.
func (l *Listener) handleAckReq(req *wire.AckReq) {
	if req.WriterID == l.id {
		return
	}
	c, ok := l.children.Load(req.WriterID)
	if !ok {
		return
	}

	ack := &wire.Ack{ReaderID: l.id, WriterID: req.WriterID, Sequence: c.sequence - 1}
	_ = l.transport.Send(ack.Encode())

	if wire.Less(req.Sequence, c.sequence) {
		return // fully caught up, no holes to report
	}

	var ranges []wire.NackRange
	holeStart := c.sequence
	inHole := !c.recv.Has(c.sequence)
	for seq := c.sequence; ; seq++ {
		has := c.recv.Has(seq)
		if !has && !inHole {
			holeStart = seq
			inHole = true
		} else if has && inHole {
			ranges = mergeRange(ranges, holeStart, seq-1)
			inHole = false
		}
		if seq == req.Sequence {
			if inHole {
				ranges = mergeRange(ranges, holeStart, seq)
			}
			break
		}
	}
	if len(ranges) == 0 {
		return
	}

	var split []wire.NackRange
	for _, r := range ranges {
		split = append(split, splitWrapping(r)...)
		if len(split) >= wire.MaxNackRanges {
			break
		}
	}
	nack := &wire.Nack{ReaderID: l.id, WriterID: req.WriterID, Ranges: split}
	_ = l.transport.Send(nack.Encode())
}
