package rsp

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/replicore/objnet/config"
	"github.com/replicore/objnet/internal/rsputil"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	c := config.Default()
	c.RSPNumBuffers = 32
	c.UDPMtu = 256
	c.RSPAckTimeout = 5 * time.Millisecond
	c.RSPMaxTimeouts = 200
	c.CommandQueueSize = 64
	c.Bandwidth = 1 << 24 // generous, so tests aren't paced by the token bucket
	return c
}

func newTestListener(t *testing.T, b *bus) *Listener {
	t.Helper()
	return New(testConfig(), b.join(), rsputil.NewDefaultLogger(slog.LevelError))
}

// TestBasicDelivery exercises spec scenario S1: two peers, no loss, bytes
// arrive in order.
func TestBasicDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus(1)
	writer := newTestListener(t, b)
	reader := newTestListener(t, b)

	require.NoError(t, writer.Listen(ctx))
	require.NoError(t, reader.Listen(ctx))
	defer writer.Close()
	defer reader.Close()

	require.NoError(t, writer.Write(ctx, []byte("hello")))
	require.NoError(t, writer.Write(ctx, []byte("world")))

	buf1, err := readFromWriter(ctx, t, reader, writer)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf1.Bytes()))

	buf2, err := readFromWriter(ctx, t, reader, writer)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf2.Bytes()))
}

// TestLossRecovery exercises spec scenario S2: a dropped datagram is
// recovered via NACK/retransmit without the reader ever seeing a gap.
func TestLossRecovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus(2)
	writer := newTestListener(t, b)
	reader := newTestListener(t, b)

	require.NoError(t, writer.Listen(ctx))
	require.NoError(t, reader.Listen(ctx))
	defer writer.Close()
	defer reader.Close()

	b.dropDatagramWithSeq(1, 1) // drop the second DATA (sequence 1) exactly once

	for i := 0; i < 4; i++ {
		require.NoError(t, writer.Write(ctx, []byte{byte(i)}))
	}

	for i := 0; i < 4; i++ {
		buf, err := readFromWriter(ctx, t, reader, writer)
		require.NoError(t, err)
		require.Equal(t, byte(i), buf.Bytes()[0])
	}
}

// TestWriterReadsBackOwnWrites exercises spec §4.3's self-delivery step
// ("locally 'deliver' a copy to the self-child ... and return the buffer
// to the free pool") and §6's "a writer receives its own data via the
// in-process self-child path": the receive path drops self-originated
// DATA unconditionally (spec §9), so a writer only ever sees its own
// writes once the group's ack flow frees them.
func TestWriterReadsBackOwnWrites(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus(3)
	writer := newTestListener(t, b)
	reader := newTestListener(t, b)

	require.NoError(t, writer.Listen(ctx))
	require.NoError(t, reader.Listen(ctx))
	defer writer.Close()
	defer reader.Close()

	require.NoError(t, writer.Write(ctx, []byte("echo")))

	// Once the reader has the datagram it will ack (via the ACKREQ
	// round trip, cadence ACKs being too infrequent for a single
	// write), which is what frees the write-buffer entry and delivers
	// it locally to the writer's self-child.
	_, err := readFromWriter(ctx, t, reader, writer)
	require.NoError(t, err)

	buf, err := writer.ReadSync(ctx, writer.id, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo", string(buf.Bytes()))
}

func readFromWriter(ctx context.Context, t *testing.T, reader, writer *Listener) (*Buffer, error) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reader.children.Load(writer.id); ok {
			return reader.ReadSync(ctx, writer.id, 200*time.Millisecond)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("writer child never appeared on reader")
	return nil, nil
}
