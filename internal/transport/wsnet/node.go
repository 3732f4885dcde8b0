// Package wsnet provides a communicator whose ranks are separate processes
// connected by a WebSocket mesh. Each pair of ranks shares one connection;
// tagged frames carry the point-to-point traffic, with optional zstd
// compression of large payloads and Prometheus counters on the wire volume.
//
// One-sided windows are emulated: a put travels as a frame on a reserved
// internal tag, the target applies it into its window and acknowledges, and
// FlushAll drains outstanding acknowledgements.
package wsnet

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshcomm/internal/transport/match"
	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/compression"
	"github.com/meshcomm/pkg/errors"
	"github.com/meshcomm/pkg/utils"
)

// Internal frame tags, above the range reserved by package comm.
const (
	tagRmaPut = 930
	tagRmaAck = 931
)

const defaultCompressThreshold = 1024

// Config describes one rank of a WebSocket mesh.
type Config struct {
	// Rank is this node's rank; Peers[Rank] is its own address.
	Rank int

	// Peers holds one "host:port" address per rank.
	Peers []string

	// Listener, when set, is used instead of listening on Peers[Rank].
	// This lets callers bind port 0 first and distribute the real
	// addresses.
	Listener net.Listener

	// Compressor, when set, compresses frame payloads at or above
	// CompressThreshold bytes.
	Compressor compression.Compressor

	// CompressThreshold defaults to 1 KiB.
	CompressThreshold int

	// Registerer, when set, receives the node's traffic counters.
	Registerer prometheus.Registerer

	// Logger defaults to discarding.
	Logger utils.Logger

	// DialTimeout bounds how long to wait for peers to come up. Defaults
	// to 30 seconds.
	DialTimeout time.Duration
}

// Node is one rank's endpoint in the mesh. It implements comm.Comm.
type Node struct {
	rank int
	size int

	compressor compression.Compressor
	threshold  int
	logger     utils.Logger
	metrics    *meshMetrics

	mailbox *match.Mailbox
	windows *windowRegistry

	listener net.Listener
	server   *http.Server

	connMu sync.Mutex
	conns  []*peerConn
	connUp chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	readers   sync.WaitGroup
}

type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peerConn) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// NewNode brings up one rank of the mesh and blocks until a connection to
// every peer is established: this node accepts from higher ranks and dials
// lower ones.
func NewNode(cfg Config) (*Node, error) {
	size := len(cfg.Peers)
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"rank %d out of range for %d peers", cfg.Rank, size))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	threshold := cfg.CompressThreshold
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}

	n := &Node{
		rank:       cfg.Rank,
		size:       size,
		compressor: cfg.Compressor,
		threshold:  threshold,
		logger:     logger.WithField("rank", cfg.Rank),
		metrics:    newMeshMetrics(cfg.Registerer),
		mailbox:    match.NewMailbox(),
		conns:      make([]*peerConn, size),
		connUp:     make(chan struct{}, size),
		closed:     make(chan struct{}),
	}
	n.windows = newWindowRegistry(n)

	listener := cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", cfg.Peers[cfg.Rank])
		if err != nil {
			return nil, errors.Trace(errors.Wrap(errors.CodeTransportError,
				"failed to listen", err))
		}
	}
	n.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/exchange", n.handleAccept)
	n.server = &http.Server{Handler: mux}
	go func() {
		if err := n.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			n.logger.Error("mesh server stopped: %v", err)
		}
	}()

	// Dial every lower rank; higher ranks dial us.
	for peer := 0; peer < cfg.Rank; peer++ {
		if err := n.dial(peer, cfg.Peers[peer], dialTimeout); err != nil {
			n.Close()
			return nil, errors.Trace(err)
		}
	}

	// Wait for size-1 connections in total.
	deadline := time.After(dialTimeout)
	for up := 0; up < size-1; up++ {
		select {
		case <-n.connUp:
		case <-deadline:
			n.Close()
			return nil, errors.Trace(errors.Newf(errors.CodeTransportError,
				"rank %d timed out waiting for peer connections", cfg.Rank))
		}
	}

	n.logger.Debug("mesh up with %d peers", size-1)
	return n, nil
}

func (n *Node) handleAccept(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Error("upgrade failed: %v", err)
		return
	}

	// The hello frame names the dialing rank.
	_, hello, err := conn.ReadMessage()
	if err != nil || len(hello) != 4 {
		n.logger.Error("bad hello from %s", r.RemoteAddr)
		conn.Close()
		return
	}
	peer := int(decodeUint32(hello))
	if peer <= n.rank || peer >= n.size {
		n.logger.Error("unexpected hello rank %d", peer)
		conn.Close()
		return
	}

	n.register(peer, conn)
}

func (n *Node) dial(peer int, addr string, timeout time.Duration) error {
	url := fmt.Sprintf("ws://%s/exchange", addr)
	deadline := time.Now().Add(timeout)

	for {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			hello := encodeUint32(uint32(n.rank))
			if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
				conn.Close()
				return errors.Trace(errors.Wrap(errors.CodeTransportError, "hello failed", err))
			}
			n.register(peer, conn)
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(errors.Wrap(errors.CodeTransportError,
				fmt.Sprintf("could not reach peer %d at %s", peer, addr), err))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (n *Node) register(peer int, conn *websocket.Conn) {
	pc := &peerConn{conn: conn}

	n.connMu.Lock()
	n.conns[peer] = pc
	n.connMu.Unlock()

	n.readers.Add(1)
	go n.readLoop(peer, conn)

	n.connUp <- struct{}{}
}

func (n *Node) peer(rank int) (*peerConn, error) {
	n.connMu.Lock()
	pc := n.conns[rank]
	n.connMu.Unlock()
	if pc == nil {
		return nil, errors.Trace(errors.Newf(errors.CodeTransportError,
			"no connection to rank %d", rank))
	}
	return pc, nil
}

func (n *Node) readLoop(peer int, conn *websocket.Conn) {
	defer n.readers.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-n.closed:
			default:
				n.logger.Warn("connection to rank %d dropped: %v", peer, err)
			}
			return
		}

		n.metrics.framesRecv.Inc()
		n.metrics.bytesRecv.Add(float64(len(data)))

		tag, payload, err := decodeFrame(data, n.compressor)
		if err != nil {
			n.logger.Error("bad frame from rank %d: %v", peer, err)
			continue
		}

		switch tag {
		case tagRmaPut:
			n.windows.applyPut(peer, payload)
		case tagRmaAck:
			n.windows.applyAck(payload)
		default:
			n.mailbox.Deliver(peer, tag, payload)
		}
	}
}

// Rank implements comm.Comm.
func (n *Node) Rank() int { return n.rank }

// Size implements comm.Comm.
func (n *Node) Size() int { return n.size }

// Isend implements comm.Comm. The frame is written before returning, so the
// request is complete at birth, like a buffered send.
func (n *Node) Isend(buf []byte, dest, tag int) (comm.Request, error) {
	if dest < 0 || dest >= n.size {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"send destination %d out of range [0,%d)", dest, n.size))
	}

	if dest == n.rank {
		var payload []byte
		if len(buf) > 0 {
			payload = append([]byte(nil), buf...)
		}
		n.mailbox.Deliver(n.rank, tag, payload)
		return match.Completed(), nil
	}

	return match.Completed(), n.send(dest, tag, buf)
}

func (n *Node) send(dest, tag int, payload []byte) error {
	pc, err := n.peer(dest)
	if err != nil {
		return err
	}

	frame, compressed, err := encodeFrame(tag, payload, n.compressor, n.threshold)
	if err != nil {
		return errors.Trace(err)
	}
	if compressed {
		n.metrics.framesCompressed.Inc()
	}

	if err := pc.write(frame); err != nil {
		return errors.Trace(errors.Wrap(errors.CodeTransportError, "frame write failed", err))
	}

	n.metrics.framesSent.Inc()
	n.metrics.bytesSent.Add(float64(len(frame)))
	return nil
}

// Irecv implements comm.Comm.
func (n *Node) Irecv(buf []byte, source, tag int) (comm.Request, error) {
	if source < 0 || source >= n.size {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"receive source %d out of range [0,%d)", source, n.size))
	}
	return n.mailbox.Post(source, tag, buf), nil
}

// AllocateWindow implements comm.Comm.
func (n *Node) AllocateWindow(count int) (comm.Window, error) {
	return n.windows.allocate(count), nil
}

// Close tears the node down. Pending receives are not drained.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.server.Close()
		n.connMu.Lock()
		for _, pc := range n.conns {
			if pc != nil {
				pc.conn.Close()
			}
		}
		n.connMu.Unlock()
	})
	n.readers.Wait()
	return nil
}

// StartLocalMesh brings up an n-rank mesh on loopback ports, for tests and
// demos. All nodes live in the calling process.
func StartLocalMesh(n int, compressor compression.Compressor) ([]*Node, error) {
	listeners := make([]net.Listener, n)
	peers := make([]string, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, errors.Trace(errors.Wrap(errors.CodeTransportError, "listen failed", err))
		}
		listeners[i] = l
		peers[i] = l.Addr().String()
	}

	nodes := make([]*Node, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			nodes[rank], errs[rank] = NewNode(Config{
				Rank:       rank,
				Peers:      peers,
				Listener:   listeners[rank],
				Compressor: compressor,
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			for _, node := range nodes {
				if node != nil {
					node.Close()
				}
			}
			return nil, errors.Trace(err)
		}
	}
	return nodes, nil
}
