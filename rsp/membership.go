package rsp

import (
	"context"
	"math/rand"
	"time"

	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/wire"
)

const (
	helloMaxAttempts  = 20
	helloRetryEvery   = 10 * time.Millisecond
	countNodeMaxWaits = 20
)

// join runs spec §4.3's membership handshake in full: broadcast HELLO{id}
// for the same candidate id up to helloMaxAttempts times, restarting with
// a fresh candidate the moment a DENY names it; once 20 attempts pass
// unchallenged, announce CONFIRM{id, seq}, insert the self-child, and
// wait another 20·10ms for a COUNTNODE exchange before declaring
// LISTENING. Mirrors the teacher's retry-with-jitter shape (sync_test.go
// join loop) adapted to a random-id claim rather than a fixed address.
func (l *Listener) join(ctx context.Context, inbound <-chan []byte) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	candidate := randomID(rng)

	claimed := false
	for attempt := 0; attempt < helloMaxAttempts; attempt++ {
		l.id = candidate
		unchallenged, err := l.announceID(ctx, candidate, inbound)
		if err != nil {
			return err
		}
		if unchallenged {
			claimed = true
			break
		}
		candidate = randomID(rng)
	}
	if !claimed {
		return errs.ErrNoIdAvailable
	}

	l.state.Store(int32(stateAwaitingCountNode))
	confirm := &wire.Membership{Type: wire.CONFIRM, ProtocolVersion: wire.ProtocolVersion, ConnectionID: l.id, Data: l.sequence}
	if err := l.transport.Send(confirm.Encode()); err != nil {
		return err
	}
	l.addChild(l.id, l.sequence) // self-child, per spec "inserts itself as a child with its own id"

	if err := l.awaitCountNode(ctx, inbound); err != nil {
		return err
	}
	l.state.Store(int32(stateListening))
	return nil
}

// announceID broadcasts HELLO{candidate} up to helloMaxAttempts times at
// helloRetryEvery intervals (spec §4.3 "retrying up to 20 times at 10ms
// intervals", same id every attempt). It reports unchallenged=true once
// all attempts pass with no matching DENY, or false the instant one
// arrives so join can restart with a new candidate.
func (l *Listener) announceID(ctx context.Context, candidate uint16, inbound <-chan []byte) (unchallenged bool, err error) {
	hello := &wire.Membership{Type: wire.HELLO, ProtocolVersion: wire.ProtocolVersion, ConnectionID: candidate}
	for attempt := 0; attempt < helloMaxAttempts; attempt++ {
		if err := l.transport.Send(hello.Encode()); err != nil {
			return false, err
		}
		denied, err := l.waitDuringJoin(ctx, inbound, helloRetryEvery, candidate)
		if err != nil {
			return false, err
		}
		if denied {
			return false, nil
		}
	}
	return true, nil
}

// waitDuringJoin services inbound traffic for one retry window while
// candidate is still unconfirmed. A DENY naming candidate ends the wait
// early and reports denied; other membership datagrams are applied
// immediately via handleMembership so concurrently-joining peers still
// discover each other mid-handshake; anything else (DATA/ACK/NACK/
// ACKREQ) is buffered for run() to replay once LISTENING.
func (l *Listener) waitDuringJoin(ctx context.Context, inbound <-chan []byte, window time.Duration, candidate uint16) (denied bool, err error) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case raw := <-inbound:
			t, ok := wire.PeekType(raw)
			if !ok {
				continue
			}
			switch t {
			case wire.DENY:
				dm, err := wire.DecodeMembership(raw)
				if err == nil && dm.ConnectionID == candidate {
					return true, nil
				}
			case wire.HELLO, wire.HELLOREPLY, wire.CONFIRM, wire.EXIT, wire.COUNTNODE:
				l.handleMembership(raw, t)
			default:
				l.preJoinBuffer = append(l.preJoinBuffer, raw)
			}
		}
	}
}

// awaitCountNode waits up to countNodeMaxWaits·helloRetryEvery (spec
// §4.3's "another 20·10ms for a COUNTNODE exchange") after announcing
// CONFIRM, applying any membership traffic seen along the way and
// buffering everything else, then returns regardless of whether a
// COUNTNODE was actually observed (a lone first peer in the group will
// never see one).
func (l *Listener) awaitCountNode(ctx context.Context, inbound <-chan []byte) error {
	for i := 0; i < countNodeMaxWaits; i++ {
		timer := time.NewTimer(helloRetryEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case raw := <-inbound:
			timer.Stop()
			t, ok := wire.PeekType(raw)
			if !ok {
				continue
			}
			switch t {
			case wire.HELLO, wire.HELLOREPLY, wire.CONFIRM, wire.EXIT, wire.COUNTNODE:
				l.handleMembership(raw, t)
			default:
				l.preJoinBuffer = append(l.preJoinBuffer, raw)
			}
		}
	}
	return nil
}

// addChild inserts id as a newly discovered child starting at sequence
// startSeq, then rebroadcasts COUNTNODE (spec §4.3: "a listener adds a
// child with starting sequence seq and emits COUNTNODE{childCount}").
// A no-op if id is already known, so a redundant CONFIRM/HELLO_REPLY —
// a retransmit, a self-echo on a loopback-enabled transport, or two
// listeners both replying to the same HELLO — never double-counts.
func (l *Listener) addChild(id, startSeq uint16) {
	if _, exists := l.children.Load(id); exists {
		return
	}
	c := newChild(id, l.cfg.RSPNumBuffers, l.cfg.CommandQueueSize)
	c.sequence = startSeq
	l.children.Store(id, c)
	l.log.InfoCtx(c.logCtx, "rsp: peer joined", "start_sequence", startSeq)
	l.broadcastCountNode()
}

// broadcastCountNode announces the current child count to the group. It
// fires on every join through addChild and on every EXIT, not just the
// first one (see SPEC_FULL.md's supplemented features).
func (l *Listener) broadcastCountNode() {
	count := 0
	l.children.Range(func(_ uint16, _ *child) bool { count++; return true })
	m := &wire.Membership{Type: wire.COUNTNODE, ProtocolVersion: wire.ProtocolVersion, ConnectionID: l.id, Data: uint16(count)}
	_ = l.transport.Send(m.Encode())
}

// handleMembership dispatches a decoded HELLO/HELLO_REPLY/CONFIRM/EXIT/
// COUNTNODE/DENY datagram, both during the join handshake and once
// LISTENING (spec §4.3). HELLO gets DENY on a collision with l.id or any
// known child, else HELLO_REPLY{l.id, l.sequence} so the newcomer (and
// any other peer still mid-handshake) can add this peer as a child;
// HELLO_REPLY and CONFIRM both add the announcing id as a child at the
// given starting sequence; EXIT retires a child and wakes its blocked
// readers.
func (l *Listener) handleMembership(raw []byte, t wire.Type) {
	m, err := wire.DecodeMembership(raw)
	if err != nil {
		l.log.Warn("rsp: dropping malformed membership datagram", "type", t, "err", err)
		return
	}
	switch m.Type {
	case wire.HELLO:
		if m.ConnectionID == l.id {
			// Our own broadcast looping back on a loopback-enabled
			// transport (the in-process test bus; real multicast has
			// loopback disabled per spec §6). Generalizes the self-DATA
			// drop rule of spec §9 to membership traffic: never react
			// defensively to a datagram we sent ourselves.
			return
		}
		if _, exists := l.children.Load(m.ConnectionID); exists {
			deny := &wire.Membership{Type: wire.DENY, ProtocolVersion: wire.ProtocolVersion, ConnectionID: m.ConnectionID}
			_ = l.transport.Send(deny.Encode())
			return
		}
		reply := &wire.Membership{Type: wire.HELLOREPLY, ProtocolVersion: wire.ProtocolVersion, ConnectionID: l.id, Data: l.sequence}
		_ = l.transport.Send(reply.Encode())
	case wire.HELLOREPLY, wire.CONFIRM:
		l.addChild(m.ConnectionID, m.Data)
	case wire.COUNTNODE:
		// Informational: used only for diagnostics/metrics, membership
		// itself is driven by HELLO/HELLO_REPLY/CONFIRM/EXIT.
	case wire.EXIT:
		if c, exists := l.children.LoadAndDelete(m.ConnectionID); exists {
			l.log.InfoCtx(c.logCtx, "rsp: peer exited")
			c.appBuffers.Close()
			l.broadcastCountNode()
		}
	case wire.DENY:
		// Only relevant during announceID(), already handled there.
	}
}
