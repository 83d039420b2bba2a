package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/driftlab/drift/internal/engine"
)

// A peerConn is one peer relationship: for a configured peer it owns
// the dial/redial cycle, for an inbound peer it serves the accepted
// connection until it drops. All sync state that must survive a
// reconnect (send queue, acked vectors, counters) lives here, not on
// the connection.
type peerConn struct {
	mgr     *Manager
	addr    string // dial target, or remote address for inbound
	inbound bool

	state   atomic.Int32
	closing atomic.Bool

	sendQ *sendQueue

	// acked tracks, per document, the vector the remote is known to
	// hold: seeded by its handshake, advanced by its Acks and by what
	// we send. Used to suppress echo and duplicate offers. LRU-bounded;
	// eviction only costs a redundant (idempotent) re-send.
	ackedMu sync.Mutex
	acked   *lru.Cache

	mu         sync.Mutex
	conn       net.Conn
	remoteID   string
	namespaces []string

	// writeMu serializes frame writes: the diff push, the dispatcher's
	// replies, and heartbeats share one connection.
	writeMu sync.Mutex

	sent       atomic.Int64
	received   atomic.Int64
	violations atomic.Int64
	lastSync   atomic.Int64 // unix millis, 0 = never
}

// errClosing marks a locally-initiated teardown in progress.
var errClosing = errors.New("peer: closing")

func newPeerConn(m *Manager, addr string, inbound bool) (*peerConn, error) {
	cache, err := lru.New(m.cfg.AckedDocs)
	if err != nil {
		return nil, fmt.Errorf("peer: acked cache: %w", err)
	}
	return &peerConn{
		mgr:     m,
		addr:    addr,
		inbound: inbound,
		sendQ:   newSendQueue(m.cfg.QueueHighWater),
		acked:   cache,
	}, nil
}

func (p *peerConn) setState(s ConnState) { p.state.Store(int32(s)) }

// State returns the connection's current lifecycle stage.
func (p *peerConn) State() ConnState { return ConnState(p.state.Load()) }

func (p *peerConn) setConn(c net.Conn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

func (p *peerConn) closeConn() {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()
}

// stop initiates teardown: no more dials, wake the writer, drop the
// live connection so the reader unblocks.
func (p *peerConn) stop() {
	p.closing.Store(true)
	p.sendQ.close()
	p.closeConn()
}

func (p *peerConn) label() string {
	if p.inbound {
		return p.addr + " (in)"
	}
	return p.addr
}

func (p *peerConn) touchSync() {
	p.lastSync.Store(time.Now().UnixMilli())
}

// run owns an outbound peer: dial, serve, classify the failure, back
// off, redial. It returns when the context ends, the manager stops, or
// the peer proves itself broken (protocol violation, never redialed).
func (p *peerConn) run(ctx context.Context) {
	b := newBackoff(p.mgr.cfg.BackoffMin, p.mgr.cfg.BackoffMax)
	for {
		if ctx.Err() != nil || p.closing.Load() {
			p.setState(StateDisconnected)
			return
		}

		p.setState(StateDiscovering)
		d := net.Dialer{Timeout: p.mgr.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", p.addr)
		if err != nil {
			if ctx.Err() != nil || p.closing.Load() {
				p.setState(StateDisconnected)
				return
			}
			p.setState(StateReconnecting)
			slog.Debug("dial failed",
				"peer", p.addr, "error", err)
			if !sleepCtx(ctx, b.Next()) {
				return
			}
			continue
		}

		err = p.session(ctx, conn, b)
		switch {
		case isViolation(err):
			p.violations.Add(1)
			p.setState(StateDisconnected)
			slog.Warn("dropping peer after protocol violation",
				"peer", p.addr, "error", err)
			return
		case ctx.Err() != nil, p.closing.Load(), errors.Is(err, errClosing):
			p.setState(StateDisconnected)
			return
		}
		if err != nil {
			slog.Info("peer connection lost",
				"peer", p.addr, "state", p.State().String(), "error", err)
		}
		p.setState(StateReconnecting)
		if !sleepCtx(ctx, b.Next()) {
			return
		}
	}
}

// session runs one outbound connection from handshake to failure.
func (p *peerConn) session(ctx context.Context, conn net.Conn, b *backoff) error {
	defer conn.Close()
	p.setConn(conn)
	defer p.setConn(nil)

	remote, err := p.handshakeOut(conn)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	b.Reset()
	return p.exchange(ctx, conn, remote)
}

// serveInbound runs one accepted connection to completion. Inbound
// peers never redial; the remote owns that side of the cycle.
func (p *peerConn) serveInbound(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	p.setConn(conn)
	defer p.setConn(nil)

	remote, err := p.handshakeIn(conn)
	if err == nil {
		err = p.exchange(ctx, conn, remote)
	}
	switch {
	case err == nil, ctx.Err() != nil, errors.Is(err, errClosing):
	case isViolation(err):
		p.violations.Add(1)
		slog.Warn("dropping inbound peer after protocol violation",
			"peer", p.label(), "error", err)
	default:
		slog.Info("inbound peer connection lost",
			"peer", p.label(), "state", p.State().String(), "error", err)
	}
	p.setState(StateDisconnected)
}

// handshakeOut opens the exchange: send our vectors, read the ack.
// Timeouts and malformed replies are protocol violations.
func (p *peerConn) handshakeOut(conn net.Conn) (map[string]engine.StateVector, error) {
	p.setState(StateHandshaking)
	conn.SetDeadline(time.Now().Add(p.mgr.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello := &Handshake{NodeID: p.mgr.cfg.NodeID, Vectors: p.mgr.vectorsByRef()}
	if err := writeMsg(conn, hello, p.mgr.cfg.MaxFrame); err != nil {
		return nil, classifyHandshake(err)
	}
	m, err := p.readHandshakeMsg(conn)
	if err != nil {
		return nil, err
	}
	ack, ok := m.(*HandshakeAck)
	if !ok {
		return nil, violation(fmt.Sprintf("unexpected %s during handshake", m.MsgType()), nil)
	}
	return p.acceptHandshake(ack.NodeID, ack.Vectors)
}

// handshakeIn answers a dialing peer: read its vectors, reply with ours.
func (p *peerConn) handshakeIn(conn net.Conn) (map[string]engine.StateVector, error) {
	p.setState(StateHandshaking)
	conn.SetDeadline(time.Now().Add(p.mgr.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	m, err := p.readHandshakeMsg(conn)
	if err != nil {
		return nil, err
	}
	hello, ok := m.(*Handshake)
	if !ok {
		return nil, violation(fmt.Sprintf("unexpected %s during handshake", m.MsgType()), nil)
	}
	ack := &HandshakeAck{NodeID: p.mgr.cfg.NodeID, Vectors: p.mgr.vectorsByRef()}
	if err := writeMsg(conn, ack, p.mgr.cfg.MaxFrame); err != nil {
		return nil, classifyHandshake(err)
	}
	return p.acceptHandshake(hello.NodeID, hello.Vectors)
}

func (p *peerConn) readHandshakeMsg(conn net.Conn) (Msg, error) {
	frame, err := readFrame(conn, p.mgr.cfg.MaxFrame)
	if err != nil {
		return nil, classifyHandshake(err)
	}
	m, err := Decode(frame)
	if err != nil {
		return nil, violation("malformed handshake", err)
	}
	return m, nil
}

// acceptHandshake records the remote's identity and seeds the acked
// vectors from its offer.
func (p *peerConn) acceptHandshake(nodeID string, vectors map[string]engine.StateVector) (map[string]engine.StateVector, error) {
	if nodeID == p.mgr.cfg.NodeID {
		return nil, violation("connected to self", nil)
	}
	p.mu.Lock()
	p.remoteID = nodeID
	p.mu.Unlock()

	for key, v := range vectors {
		p.extendAckedKey(key, v)
	}
	slog.Debug("handshake complete",
		"peer", p.label(), "node", nodeID, "docs", len(vectors))
	return vectors, nil
}

// classifyHandshake sorts handshake I/O failures: a timeout or framing
// fault is a violation (the peer is not speaking the protocol), a
// plain connection error is transient.
func classifyHandshake(err error) error {
	if isTimeoutErr(err) {
		return violation("handshake timeout", err)
	}
	var big ErrFrameTooBig
	if errors.As(err, &big) || errors.Is(err, ErrEmptyMessage) {
		return violation("malformed handshake", err)
	}
	return err
}

// exchange is the post-handshake life of a connection: push the diff
// the remote is missing, announce presence, then stream until the link
// fails. The remote runs the same loop; between the two everything
// converges.
//
// The diff push runs concurrently with the read dispatcher so two
// peers pushing large diffs at each other cannot wedge on full TCP
// buffers. The send queue stays gated until the push completes, which
// keeps sequence ops flowing anchor-first on this connection.
func (p *peerConn) exchange(ctx context.Context, conn net.Conn, remote map[string]engine.StateVector) error {
	p.setState(StateSyncing)

	done := make(chan struct{})
	defer close(done)
	msgs := make(chan Msg, 64)
	errc := make(chan error, 1)
	go p.readLoop(conn, msgs, errc, done)

	syncc := make(chan error, 1)
	go func() {
		err := p.pushDiff(ctx, conn, remote)
		if err == nil {
			err = p.writeConn(conn, &Announce{Namespaces: p.mgr.namespaces()})
		}
		syncc <- err
	}()

	hb := time.NewTicker(p.mgr.cfg.HeartbeatInterval)
	defer hb.Stop()

	var queueReady <-chan struct{} // nil (blocking) until the diff push completes
	for {
		select {
		case <-ctx.Done():
			p.setState(StateDisconnected)
			return errClosing

		case err := <-syncc:
			if err != nil {
				p.setState(StateDisconnected)
				return err
			}
			p.setState(StateSteady)
			syncc = nil
			queueReady = p.sendQ.wait()
			if err := p.drainSendQ(conn); err != nil {
				p.setState(StateDisconnected)
				return err
			}

		case err := <-errc:
			if isTimeoutErr(err) {
				// Nothing heard inside the idle window, not even a
				// heartbeat: the link is up but the peer is not.
				p.setState(StatePartitioned)
				return fmt.Errorf("peer: %s silent past idle deadline: %w", p.label(), err)
			}
			p.setState(StateDisconnected)
			return err

		case m := <-msgs:
			if err := p.handle(ctx, conn, m); err != nil {
				if isViolation(err) {
					p.sendError(conn, CodeViolation, err.Error())
				}
				p.setState(StateDisconnected)
				return err
			}

		case <-queueReady:
			if err := p.drainSendQ(conn); err != nil {
				p.setState(StateDisconnected)
				return err
			}
			if p.closing.Load() {
				p.setState(StateDisconnected)
				return errClosing
			}

		case <-hb.C:
			if err := p.writeConn(conn, &Heartbeat{Nonce: rand.Int63()}); err != nil {
				p.setState(StateDisconnected)
				return err
			}
		}
	}
}

// readLoop reads frames until the connection fails, feeding decoded
// messages to the exchange loop. Framing and decode faults surface as
// violations.
func (p *peerConn) readLoop(conn net.Conn, msgs chan<- Msg, errc chan<- error, done <-chan struct{}) {
	for {
		conn.SetReadDeadline(time.Now().Add(p.mgr.cfg.IdleTimeout))
		frame, err := readFrame(conn, p.mgr.cfg.MaxFrame)
		if err != nil {
			var big ErrFrameTooBig
			if errors.As(err, &big) || errors.Is(err, ErrEmptyMessage) {
				err = violation("malformed frame", err)
			}
			errc <- err
			return
		}
		m, err := Decode(frame)
		if err != nil {
			errc <- violation("malformed frame", err)
			return
		}
		select {
		case msgs <- m:
		case <-done:
			return
		}
	}
}

// pushDiff streams everything the remote's handshake vectors say it is
// missing. Documents whose gap the op log can no longer bridge (ops
// compacted away, or no log at all) travel as full state instead.
func (p *peerConn) pushDiff(ctx context.Context, conn net.Conn, remote map[string]engine.StateVector) error {
	for _, ref := range p.mgr.store.Refs() {
		since := remote[ref.String()]

		delta, err := p.mgr.store.OpsSince(ctx, ref, since)
		if errors.Is(err, engine.ErrNoLog) {
			if err := p.sendFullDoc(ctx, conn, ref, since); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		need, err := p.mgr.store.Vector(ctx, ref)
		if err != nil {
			return err
		}
		have := since.Clone()
		have.Merge(delta.Vector())
		if !have.Covers(need) {
			if err := p.sendFullDoc(ctx, conn, ref, since); err != nil {
				return err
			}
			continue
		}

		if delta.Empty() {
			continue
		}
		if err := p.sendDelta(conn, delta); err != nil {
			return err
		}
	}
	return nil
}

// sendFullDoc ships a document's complete state, unless the remote's
// vector already covers it.
func (p *peerConn) sendFullDoc(ctx context.Context, conn net.Conn, ref engine.Ref, since engine.StateVector) error {
	state, vec, err := p.mgr.store.FullState(ctx, ref)
	if err != nil {
		return err
	}
	if since.Covers(vec) {
		return nil
	}
	if err := p.writeConn(conn, &FullDoc{Ref: ref, State: state, Vector: vec}); err != nil {
		return err
	}
	p.extendAcked(ref, vec)
	p.touchSync()
	slog.Debug("sent full document", "ref", ref.String(), "peer", p.label())
	return nil
}

// sendDelta writes one document's ops, chunked to the batch bound. The
// remote is optimistically counted as holding them; if the connection
// dies first, the next handshake re-derives the difference.
func (p *peerConn) sendDelta(conn net.Conn, d engine.Delta) error {
	ops := d.Ops
	for len(ops) > 0 {
		n := len(ops)
		if n > p.mgr.cfg.MaxBatchOps {
			n = p.mgr.cfg.MaxBatchOps
		}
		batch := engine.Delta{Ref: d.Ref, Ops: ops[:n]}
		if err := p.writeConn(conn, &DeltaBatch{Delta: batch}); err != nil {
			return err
		}
		ops = ops[n:]
	}
	p.sent.Add(int64(len(d.Ops)))
	p.extendAcked(d.Ref, d.Vector())
	p.touchSync()
	return nil
}

// drainSendQ flushes the queued deltas, skipping any the remote has
// acked since they were queued.
func (p *peerConn) drainSendQ(conn net.Conn) error {
	for {
		d, ok := p.sendQ.pop()
		if !ok {
			return nil
		}
		if p.ackedCovers(d.Ref, d.Vector()) {
			continue
		}
		if err := p.sendDelta(conn, d); err != nil {
			return err
		}
	}
}

// handle dispatches one incoming message in steady state.
func (p *peerConn) handle(ctx context.Context, conn net.Conn, m Msg) error {
	switch t := m.(type) {
	case *DeltaBatch:
		return p.applyBatch(ctx, conn, t)

	case *Ack:
		p.extendAcked(t.Ref, t.UpTo)
		return nil

	case *FullDocRequest:
		return p.serveFullDoc(ctx, conn, t.Ref)

	case *FullDoc:
		return p.mergeFullDoc(ctx, conn, t)

	case *Heartbeat:
		// Receipt already refreshed the idle deadline.
		return nil

	case *Announce:
		p.mu.Lock()
		p.namespaces = t.Namespaces
		p.mu.Unlock()
		return nil

	case *ErrorMsg:
		if t.Code == CodeViolation {
			// The remote decided we are broken; redialing would only
			// repeat the offense.
			return violation("reported by peer: "+t.Detail, nil)
		}
		slog.Warn("peer reported error",
			"peer", p.label(), "code", t.Code, "detail", t.Detail)
		return nil

	default:
		return violation(fmt.Sprintf("unexpected %s in steady state", m.MsgType()), nil)
	}
}

// applyBatch folds a remote delta into the store and acknowledges the
// document's new coverage. A causal gap is not a fault: the clean
// prefix stays applied and the full document is requested to bridge
// the rest.
func (p *peerConn) applyBatch(ctx context.Context, conn net.Conn, b *DeltaBatch) error {
	d := b.Delta
	_, err := p.mgr.store.ApplyRemote(ctx, d)
	if cerr := classifyApply(err); cerr != nil {
		if !errors.Is(cerr, engine.ErrCausalGap) {
			return cerr
		}
		slog.Debug("causal gap; requesting full document",
			"ref", d.Ref.String(), "peer", p.label())
		if werr := p.writeConn(conn, &FullDocRequest{Ref: d.Ref}); werr != nil {
			return werr
		}
	}

	p.received.Add(int64(len(d.Ops)))
	p.touchSync()
	p.extendAcked(d.Ref, d.Vector())

	vec, err := p.mgr.store.Vector(ctx, d.Ref)
	if err != nil {
		return err
	}
	return p.writeConn(conn, &Ack{Ref: d.Ref, UpTo: vec})
}

// serveFullDoc answers a gap-recovery request.
func (p *peerConn) serveFullDoc(ctx context.Context, conn net.Conn, ref engine.Ref) error {
	state, vec, err := p.mgr.store.FullState(ctx, ref)
	if errors.Is(err, engine.ErrNotFound) || errors.Is(err, engine.ErrUnknownNamespace) {
		slog.Debug("full document requested for unknown document",
			"ref", ref.String(), "peer", p.label())
		return nil
	}
	if err != nil {
		return err
	}
	return p.writeConn(conn, &FullDoc{Ref: ref, State: state, Vector: vec})
}

// mergeFullDoc folds a received full state into the store.
func (p *peerConn) mergeFullDoc(ctx context.Context, conn net.Conn, t *FullDoc) error {
	_, err := p.mgr.store.MergeState(ctx, t.Ref, t.State, t.Vector)
	if cerr := classifyApply(err); cerr != nil {
		return cerr
	}
	p.touchSync()
	p.extendAcked(t.Ref, t.Vector)

	vec, err := p.mgr.store.Vector(ctx, t.Ref)
	if err != nil {
		return err
	}
	slog.Debug("merged full document", "ref", t.Ref.String(), "peer", p.label())
	return p.writeConn(conn, &Ack{Ref: t.Ref, UpTo: vec})
}

// sendError makes a best-effort attempt to tell the peer why the
// connection is about to drop.
func (p *peerConn) sendError(conn net.Conn, code, detail string) {
	if err := p.writeConn(conn, &ErrorMsg{Code: code, Detail: detail}); err != nil {
		slog.Debug("could not deliver error to peer",
			"peer", p.label(), "error", err)
	}
}

func (p *peerConn) writeConn(conn net.Conn, m Msg) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(p.mgr.cfg.WriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return writeMsg(conn, m, p.mgr.cfg.MaxFrame)
}

// extendAcked merges a vector into what the remote is known to hold
// for a document.
func (p *peerConn) extendAcked(ref engine.Ref, v engine.StateVector) {
	p.extendAckedKey(ref.String(), v)
}

func (p *peerConn) extendAckedKey(key string, v engine.StateVector) {
	p.ackedMu.Lock()
	defer p.ackedMu.Unlock()
	if cur, ok := p.acked.Get(key); ok {
		merged := cur.(engine.StateVector).Clone()
		merged.Merge(v)
		p.acked.Add(key, merged)
		return
	}
	p.acked.Add(key, v.Clone())
}

// ackedCovers reports whether the remote is known to hold everything
// the vector names.
func (p *peerConn) ackedCovers(ref engine.Ref, v engine.StateVector) bool {
	p.ackedMu.Lock()
	defer p.ackedMu.Unlock()
	if cur, ok := p.acked.Get(ref.String()); ok {
		return cur.(engine.StateVector).Covers(v)
	}
	return false
}

// info snapshots the peer for status surfaces.
func (p *peerConn) info() PeerInfo {
	p.mu.Lock()
	remoteID := p.remoteID
	namespaces := append([]string(nil), p.namespaces...)
	p.mu.Unlock()

	var last time.Time
	if ms := p.lastSync.Load(); ms != 0 {
		last = time.UnixMilli(ms)
	}
	return PeerInfo{
		NodeID:       remoteID,
		Addr:         p.addr,
		Inbound:      p.inbound,
		State:        p.State(),
		Namespaces:   namespaces,
		SentOps:      p.sent.Load(),
		ReceivedOps:  p.received.Load(),
		Violations:   p.violations.Load(),
		QueueDepth:   p.sendQ.depth(),
		CoalescedOps: p.sendQ.dropped(),
		LastSync:     last,
	}
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sleepCtx waits d, returning false if the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
