package rsp

import (
	"context"
	"math/rand"
	"sync"
)

// bus is an in-process multicast group simulator implementing Transport,
// used to exercise the properties of spec.md §8 (byte-stream fidelity,
// loss tolerance) without a real NIC. It does not reorder datagrams:
// every member receives them in send order. Every
// member's Send reaches every member's Recv, including its own, mirroring
// real IP multicast with loopback left enabled at the simulator level —
// the RSP receive path is what is responsible for dropping self-DATA
// (spec §9), and the simulator exists precisely to test that it does.
type bus struct {
	mu      sync.Mutex
	members []*busMember
	rng     *rand.Rand

	dropPct    float64           // fraction of datagrams dropped in flight
	dropSeqSet map[uint16]int    // DATA sequence (from any writer) -> remaining drops, for deterministic tests
	reorder    int               // shuffle window; Send does not read it, so no reordering happens
}

func newBus(seed int64) *bus {
	return &bus{rng: rand.New(rand.NewSource(seed)), dropSeqSet: map[uint16]int{}}
}

type busMember struct {
	b     *bus
	inbox chan []byte
}

func (b *bus) join() *busMember {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := &busMember{b: b, inbox: make(chan []byte, 4096)}
	b.members = append(b.members, m)
	return m
}

// dropDatagramWithSeq arranges for the DATA packet carrying the given
// on-wire sequence to be dropped exactly `times` times (spec scenario S2).
func (b *bus) dropDatagramWithSeq(seq uint16, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropSeqSet[seq] = times
}

func (m *busMember) Send(data []byte) error {
	m.b.mu.Lock()
	members := append([]*busMember{}, m.b.members...)
	drop := false
	if len(data) >= 8 {
		seq, ok := dataSeqFromWire(data)
		if ok {
			if left, exists := m.b.dropSeqSet[seq]; exists && left > 0 {
				m.b.dropSeqSet[seq] = left - 1
				drop = true
			}
		}
	}
	if !drop && m.b.dropPct > 0 && m.b.rng.Float64() < m.b.dropPct {
		drop = true
	}
	m.b.mu.Unlock()

	if drop {
		return nil
	}
	for _, other := range members {
		cp := append([]byte(nil), data...)
		select {
		case other.inbox <- cp:
		default:
			// simulated NIC ring full: drop, exactly like a real overloaded socket
		}
	}
	return nil
}

func (m *busMember) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-m.inbox:
		return d, nil
	}
}

func (m *busMember) Close() error { return nil }

// dataSeqFromWire extracts the sequence field of a DATA datagram without
// pulling in the wire package's full decode (and thus skipping its
// type-tag check), since the simulator must peek at non-DATA packets too
// without erroring.
func dataSeqFromWire(b []byte) (uint16, bool) {
	if len(b) < 8 {
		return 0, false
	}
	t := uint16(b[0]) | uint16(b[1])<<8
	if t != 1 { // wire.DATA == 1
		return 0, false
	}
	return uint16(b[6]) | uint16(b[7])<<8, true
}
