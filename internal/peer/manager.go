package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftlab/drift/internal/engine"
)

// Config tunes a Manager. Zero values take the stated defaults.
type Config struct {
	// NodeID identifies this node in handshakes. Defaults to the
	// store's actor id.
	NodeID string

	// Listen is the TCP address to accept peers on. Empty means this
	// node only dials out.
	Listen string

	// Peers are addresses this node dials and keeps dialing.
	Peers []string

	DialTimeout      time.Duration // default 10s
	HandshakeTimeout time.Duration // default 10s
	WriteTimeout     time.Duration // default 10s

	// HeartbeatInterval is the steady-state keepalive period; default
	// 15s. IdleTimeout is how long a silent connection is tolerated
	// before it counts as partitioned; default 3x the heartbeat.
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration

	BackoffMin time.Duration // default 250ms
	BackoffMax time.Duration // default 30s

	// QueueHighWater is the per-peer outbound depth, in ops, past
	// which register and counter deltas coalesce. Default 1024.
	QueueHighWater int

	// MaxBatchOps caps ops per DeltaBatch frame. Default 256.
	MaxBatchOps int

	// MaxFrame caps one frame's body in bytes. Default 4 MiB.
	MaxFrame uint32

	// AckedDocs bounds the per-peer acked-vector cache. Default 4096.
	AckedDocs int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * c.HeartbeatInterval
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.QueueHighWater <= 0 {
		c.QueueHighWater = 1024
	}
	if c.MaxBatchOps <= 0 {
		c.MaxBatchOps = 256
	}
	if c.MaxFrame == 0 {
		c.MaxFrame = DefaultMaxFrame
	}
	if c.AckedDocs <= 0 {
		c.AckedDocs = 4096
	}
	return c
}

// PeerInfo is a point-in-time snapshot of one peer relationship.
type PeerInfo struct {
	NodeID       string
	Addr         string
	Inbound      bool
	State        ConnState
	Namespaces   []string
	SentOps      int64
	ReceivedOps  int64
	Violations   int64
	QueueDepth   int
	CoalescedOps int64
	LastSync     time.Time
}

// Stats aggregates every peer for status and metrics surfaces.
type Stats struct {
	Peers        int
	Connected    int // peers in steady state
	SentOps      int64
	ReceivedOps  int64
	Violations   int64
	QueueDepth   int
	CoalescedOps int64
}

// A Manager runs this node's side of the sync mesh: it accepts inbound
// peers, maintains the configured outbound ones, and fans the store's
// outbound deltas to every peer that does not already hold them.
type Manager struct {
	cfg   Config
	store *engine.Store

	mu    sync.Mutex
	ln    net.Listener
	peers map[string]*peerConn

	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewManager prepares a manager and, when cfg.Listen is set, binds the
// listener so the address is known before Run. Run does everything else.
func NewManager(cfg Config, st *engine.Store) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = string(st.Actor())
	}

	m := &Manager{
		cfg:   cfg,
		store: st,
		peers: make(map[string]*peerConn),
	}

	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("peer: listen %s: %w", cfg.Listen, err)
		}
		m.ln = ln
	}

	for _, addr := range cfg.Peers {
		pc, err := newPeerConn(m, addr, false)
		if err != nil {
			if m.ln != nil {
				m.ln.Close()
			}
			return nil, err
		}
		m.peers[addr] = pc
	}
	return m, nil
}

// NodeID returns the identity this manager handshakes with.
func (m *Manager) NodeID() string { return m.cfg.NodeID }

// Addr returns the bound listen address, or nil when not listening.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Run serves the mesh until the context ends, then tears everything
// down and waits for the peers to finish. Call it once.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m.ln != nil {
		m.wg.Add(1)
		go m.acceptLoop(ctx)
	}

	m.mu.Lock()
	for _, pc := range m.peers {
		m.wg.Add(1)
		go func(pc *peerConn) {
			defer m.wg.Done()
			pc.run(ctx)
		}(pc)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pump(ctx)

	slog.Info("peer manager running",
		"node", m.cfg.NodeID, "listen", m.cfg.Listen, "peers", len(m.cfg.Peers))

	<-ctx.Done()
	m.closing.Store(true)

	m.mu.Lock()
	if m.ln != nil {
		m.ln.Close()
		m.ln = nil
	}
	peers := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.mu.Unlock()
	for _, pc := range peers {
		pc.stop()
	}

	m.wg.Wait()
	slog.Info("peer manager stopped", "node", m.cfg.NodeID)
	return nil
}

// acceptLoop serves inbound connections until the listener closes.
func (m *Manager) acceptLoop(ctx context.Context) {
	defer m.wg.Done()

	m.mu.Lock()
	ln := m.ln
	m.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil || m.closing.Load() {
				return
			}
			slog.Warn("accept failed", "error", err)
			continue
		}

		pc, err := newPeerConn(m, conn.RemoteAddr().String(), true)
		if err != nil {
			slog.Warn("rejecting inbound peer", "error", err)
			conn.Close()
			continue
		}
		m.track(pc)

		m.wg.Add(1)
		go func(conn net.Conn) {
			defer m.wg.Done()
			defer m.untrack(pc)
			pc.serveInbound(ctx, conn)
		}(conn)
	}
}

// pump moves the store's outbound deltas to the peers. One goroutine,
// forever: local mutations never block on the network, peers apply
// their own backpressure in their send queues.
func (m *Manager) pump(ctx context.Context) {
	defer m.wg.Done()
	q := m.store.Outbound()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.Wait():
		}
		for {
			d, ok := q.TryDequeue()
			if !ok {
				break
			}
			m.fanout(d)
		}
		if q.Closed() {
			return
		}
	}
}

// fanout offers one delta to every peer not already known to hold it.
func (m *Manager) fanout(d engine.Delta) {
	m.mu.Lock()
	peers := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.mu.Unlock()

	vec := d.Vector()
	for _, pc := range peers {
		if pc.ackedCovers(d.Ref, vec) {
			continue
		}
		pc.sendQ.push(d)
	}
}

func (m *Manager) track(pc *peerConn) {
	m.mu.Lock()
	m.peers[pc.label()] = pc
	m.mu.Unlock()
}

func (m *Manager) untrack(pc *peerConn) {
	m.mu.Lock()
	if m.peers[pc.label()] == pc {
		delete(m.peers, pc.label())
	}
	m.mu.Unlock()
}

// Peers snapshots every tracked peer, sorted by address.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	peers := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.mu.Unlock()

	infos := make([]PeerInfo, 0, len(peers))
	for _, pc := range peers {
		infos = append(infos, pc.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Addr < infos[j].Addr })
	return infos
}

// Stats aggregates the peer snapshots.
func (m *Manager) Stats() Stats {
	var st Stats
	for _, info := range m.Peers() {
		st.Peers++
		if info.State == StateSteady {
			st.Connected++
		}
		st.SentOps += info.SentOps
		st.ReceivedOps += info.ReceivedOps
		st.Violations += info.Violations
		st.QueueDepth += info.QueueDepth
		st.CoalescedOps += info.CoalescedOps
	}
	return st
}

// vectorsByRef renders the store's vectors with string keys for the
// handshake wire form.
func (m *Manager) vectorsByRef() map[string]engine.StateVector {
	vs := m.store.Vectors()
	out := make(map[string]engine.StateVector, len(vs))
	for ref, v := range vs {
		out[ref.String()] = v
	}
	return out
}

// namespaces lists the namespaces this node carries documents for.
func (m *Manager) namespaces() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 8)
	for _, ref := range m.store.Refs() {
		if _, ok := seen[ref.Namespace]; ok {
			continue
		}
		seen[ref.Namespace] = struct{}{}
		out = append(out, ref.Namespace)
	}
	sort.Strings(out)
	return out
}
