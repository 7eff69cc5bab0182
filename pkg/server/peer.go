package server

import (
	"errors"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pipechat/pkg/dispatch"
	"github.com/aeolun/pipechat/pkg/metrics"
)

var (
	ErrServerFull   = errors.New("server is full")
	ErrServerClosed = errors.New("server is shutting down")
)

// Peer is one live transport connection
type Peer struct {
	ID         dispatch.ConnID
	Transport  string // "tcp", "ssh" or "websocket"
	RemoteAddr string
	Conn       *SafeConn
	Connected  time.Time

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	evicted   atomic.Bool
}

// enqueue hands a frame to the writer without blocking. It reports false
// when the queue is full or the peer is closing.
func (p *Peer) enqueue(frame []byte) bool {
	if p.closing() {
		return false
	}
	select {
	case p.queue <- frame:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the connection. The read loop then fails
// and reports the disconnect. Safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.Conn.Close()
	})
}

func (p *Peer) closing() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the peer starts shutting down
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// PeerTable tracks live peers and enforces the peer limit
type PeerTable struct {
	maxPeers     int
	queueSize    int
	writeTimeout time.Duration
	metrics      *metrics.Metrics

	nextID atomic.Uint64
	mu     sync.RWMutex
	peers  map[dispatch.ConnID]*Peer
	closed bool
}

// NewPeerTable creates an empty table. maxPeers of zero means unlimited.
func NewPeerTable(maxPeers, queueSize int, writeTimeout time.Duration, m *metrics.Metrics) *PeerTable {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &PeerTable{
		maxPeers:     maxPeers,
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
		metrics:      m,
		peers:        make(map[dispatch.ConnID]*Peer),
	}
}

// Add registers conn as a new peer, or returns ErrServerFull. After CloseAll
// it returns ErrServerClosed.
func (t *PeerTable) Add(conn net.Conn, transport string) (*Peer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrServerClosed
	}
	if t.maxPeers > 0 && len(t.peers) >= t.maxPeers {
		t.mu.Unlock()
		t.metrics.RecordPeerRejected()
		return nil, ErrServerFull
	}

	p := &Peer{
		ID:         dispatch.ConnID(t.nextID.Add(1)),
		Transport:  transport,
		RemoteAddr: conn.RemoteAddr().String(),
		Conn:       NewSafeConn(conn, t.writeTimeout),
		Connected:  time.Now(),
		queue:      make(chan []byte, t.queueSize),
		done:       make(chan struct{}),
	}
	t.peers[p.ID] = p
	t.mu.Unlock()

	t.metrics.RecordPeerConnected()
	return p, nil
}

// Remove drops a peer from the table. It reports whether the peer was present.
func (t *PeerTable) Remove(id dispatch.ConnID) bool {
	t.mu.Lock()
	_, ok := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()

	if ok {
		t.metrics.RecordPeerDisconnected()
	}
	return ok
}

func (t *PeerTable) Get(id dispatch.ConnID) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// IDs returns every live peer ID in ascending order
func (t *PeerTable) IDs() []dispatch.ConnID {
	t.mu.RLock()
	ids := make([]dispatch.ConnID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Deliver queues frame for each recipient. A reliable frame that does not
// fit evicts the peer; an unreliable one is dropped. Eviction closes the
// connection on its own goroutine so Deliver never blocks on a slow socket.
func (t *PeerTable) Deliver(to []dispatch.ConnID, frame []byte, mode dispatch.DeliveryMode) (evicted []dispatch.ConnID) {
	if to == nil {
		to = t.IDs()
	}
	for _, id := range to {
		p, ok := t.Get(id)
		if !ok {
			continue
		}
		if p.enqueue(frame) || p.closing() {
			continue
		}
		if mode != dispatch.ReliableSequenced {
			t.metrics.RecordFrameDropped()
			continue
		}
		if p.evicted.CompareAndSwap(false, true) {
			t.metrics.RecordPeerEvicted()
			evicted = append(evicted, id)
			go p.Close()
		}
	}
	return evicted
}

// CloseAll closes every peer connection and refuses new ones
func (t *PeerTable) CloseAll() {
	t.mu.Lock()
	t.closed = true
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}
