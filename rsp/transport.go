package rsp

import (
	"context"
	"net"
)

// Transport is the datagram channel RSP rides on: one multicast group,
// broadcast semantics (every Send reaches every other member; whether it
// also reaches the sender's own socket depends on the implementation, and
// the receive path recognizes and drops self-originated DATA per spec §9).
// udpTransport is built on net.ListenMulticastUDP, which disables
// multicast loopback. Abstracted so tests can swap in a simulator that
// drops datagrams and loops them back to the sender, to exercise the
// properties of spec.md §8 without a real NIC.
type Transport interface {
	Send(data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// udpTransport is the real IP multicast implementation (spec.md §6:
// default group 239.255.42.43, default port CO_RSP_DEFAULT_PORT).
type udpTransport struct {
	conn  *net.UDPConn
	group *net.UDPAddr
}

const DefaultMulticastGroup = "239.255.42.43"
const DefaultMulticastPort = 4400 // platform-dependent in the original; fixed here for reproducibility

func DialMulticast(iface *net.Interface, group string, port int) (Transport, error) {
	gaddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	conn, err := net.ListenMulticastUDP("udp4", iface, gaddr)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn, group: gaddr}, nil
}

func (t *udpTransport) Send(data []byte) error {
	_, err := t.conn.WriteToUDP(data, t.group)
	return err
}

func (t *udpTransport) Recv(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 65536)
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, _, err := t.conn.ReadFromUDP(buf)
		ch <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return buf[:r.n], nil
	}
}

func (t *udpTransport) Close() error { return t.conn.Close() }
