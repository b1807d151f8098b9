// Package rsp implements the Reliable Stream Protocol of spec.md §4.3/§4.4:
// a one-to-many, loss-tolerant, rate-controlled, in-order byte-stream
// transport over an unreliable multicast datagram channel.
//
// Threading mirrors the teacher's Peer.Keep (protocol/peer.go,
// network/peer.go): one dedicated goroutine — the "protocol thread" of
// the spec — owns the transport, timers, write/repeat/recv state and
// child membership; application goroutines only touch the buffer-pool
// queues and the wakeup channel.
package rsp

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/replicore/objnet/config"
	"github.com/replicore/objnet/errs"
	"github.com/replicore/objnet/internal/rsputil"
	"github.com/replicore/objnet/ratecontrol"
	"github.com/replicore/objnet/wire"
)

type peerState int32

const (
	stateJoining peerState = iota
	stateAwaitingCountNode
	stateListening
	stateClosed
)

// Listener is one RSP group membership: the local peer, bound to the
// multicast group, holding a child entry for every remote writer it has
// seen on the group (plus itself, the "self-child"). Spec §4.3
// "Listener/child roles".
type Listener struct {
	cfg       config.Config
	transport Transport
	pool      *Pool
	rc        *ratecontrol.Controller
	log       rsputil.Logger

	id    uint16
	state atomic.Int32

	childMu  sync.Mutex // mutexConnection: guards children/newChildren mutations
	children *xsync.MapOf[uint16, *child]

	// writer-side state, touched only by the protocol thread.
	sequence     uint16
	writeBuffers *writeWindow
	repeatMu     sync.Mutex
	repeatQueue  []wire.NackRange

	threadBuffers *rsputil.SPSCQueue[Buffer] // app write() -> protocol thread
	wakeup        chan struct{}

	lastSend        time.Time
	ackTimeoutCount int

	closed    atomic.Bool
	closeOnce sync.Once
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	joinResult chan error

	// preJoinBuffer holds non-DENY datagrams observed during join(), so
	// run() can replay membership it would otherwise have missed while
	// still claiming an id.
	preJoinBuffer [][]byte
}

// writeWindow holds the unacknowledged sent datagrams (spec §3
// "write-buffers deque"), keyed by wire sequence. Bounded by numBuffers
// since a writer never has more than numBuffers datagrams in flight
// before stalling on the rate controller / free pool.
type writeWindow struct {
	mu   sync.Mutex
	logs map[uint16]*Buffer
}

func newWriteWindow() *writeWindow { return &writeWindow{logs: map[uint16]*Buffer{}} }

func (w *writeWindow) Put(seq uint16, b *Buffer) {
	w.mu.Lock()
	w.logs[seq] = b
	w.mu.Unlock()
}

func (w *writeWindow) Get(seq uint16) (*Buffer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.logs[seq]
	return b, ok
}

func (w *writeWindow) Pop(seq uint16) (*Buffer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.logs[seq]
	if ok {
		delete(w.logs, seq)
	}
	return b, ok
}

func (w *writeWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.logs)
}

// New creates an RSP listener bound to the given transport. Listen must
// be called to run the membership protocol and start the protocol
// thread.
func New(cfg config.Config, transport Transport, log rsputil.Logger) *Listener {
	l := &Listener{
		cfg:           cfg,
		transport:     transport,
		pool:          NewPool(cfg.RSPNumBuffers, cfg.UDPMtu),
		rc:            ratecontrol.New(ratecontrol.Config{MTU: cfg.UDPMtu, AckFreq: cfg.RSPAckFreq, Bandwidth: cfg.Bandwidth, UpscalePermille: cfg.RSPUpscalePermille, DownscalePerMil: cfg.RSPDownscalePerMil, MaxScalePercent: cfg.RSPMaxScalePercent, MinSendRateShift: cfg.RSPMinSendRateShift}),
		log:           log,
		children:      xsync.NewMapOf[uint16, *child](),
		writeBuffers:  newWriteWindow(),
		threadBuffers: rsputil.NewSPSCQueue[Buffer](cfg.RSPNumBuffers),
		wakeup:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		joinResult:    make(chan error, 1),
	}
	l.state.Store(int32(stateJoining))
	return l
}

func (l *Listener) ID() uint16 { return l.id }

func (l *Listener) getState() peerState { return peerState(l.state.Load()) }

// Listen runs the membership handshake of spec §4.3 synchronously (it
// blocks until the peer transitions to LISTENING or fails after 20
// unsuccessful id attempts), then starts the protocol thread.
func (l *Listener) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	inbound := make(chan []byte, 1024)
	l.wg.Add(1)
	go l.recvLoop(ctx, inbound)

	if err := l.join(ctx, inbound); err != nil {
		cancel()
		return err
	}

	l.wg.Add(1)
	go l.run(ctx, inbound)
	return nil
}

func (l *Listener) recvLoop(ctx context.Context, out chan<- []byte) {
	defer l.wg.Done()
	for {
		data, err := l.transport.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case out <- data:
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func randomID(rng *rand.Rand) uint16 {
	id := uint16(rng.Intn(0xffff))
	if id == 0 {
		id = 1
	}
	return id
}

// Write enqueues a DATA-typed payload to be sent by the protocol thread
// (spec §4.3 "send path"). It blocks (with the listener's default
// timeout) if the thread-bound queue is full.
func (l *Listener) Write(ctx context.Context, payload []byte) error {
	if l.closed.Load() {
		return errs.ErrClosed
	}
	b, ok := l.pool.TryGet()
	if !ok {
		return errs.ErrTimeoutWrite
	}
	b.SetPayload(payload)
	if d := l.cfg.TimeoutDefault; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	for !l.threadBuffers.TryPush(b) {
		select {
		case <-ctx.Done():
			return errs.ErrTimeoutWrite
		case <-time.After(time.Millisecond):
		}
	}
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// ReadSync blocks until at least one in-order payload buffer is ready
// from the given writer's child, or timeout elapses (timeout <= 0 waits
// indefinitely). ctx is not consulted while waiting. It is the
// application's reader side of spec §4.3's receive path.
func (l *Listener) ReadSync(ctx context.Context, writerID uint16, timeout time.Duration) (*Buffer, error) {
	c, ok := l.children.Load(writerID)
	if !ok {
		return nil, errs.ErrObjectUnknown
	}
	b, err := c.appBuffers.Pop(timeout)
	if err != nil {
		if err == rsputil.ErrQueueClosed {
			return nil, errs.ErrClosed
		}
		return nil, errs.ErrTimeoutRead
	}
	return b, nil
}

// Close mirrors spec §4.3 "Close": multicasts EXIT, stops the protocol
// thread, signals every child's app queue with a close sentinel (a Pop
// returning ErrQueueClosed), and closes the transport. Idempotent per
// spec property 8.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		m := &wire.Membership{Type: wire.EXIT, ProtocolVersion: wire.ProtocolVersion, ConnectionID: l.id}
		_ = l.transport.Send(m.Encode())
		close(l.stopCh)
		if l.cancel != nil {
			l.cancel()
		}
		l.children.Range(func(_ uint16, c *child) bool {
			c.appBuffers.Close()
			return true
		})
		err = l.transport.Close()
		l.wg.Wait()
	})
	return err
}
