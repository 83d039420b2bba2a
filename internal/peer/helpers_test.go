package peer

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/schema"
	"github.com/driftlab/drift/internal/store"
)

// testSchemas declares a note document covering the merge strategies
// the sync layer has to carry.
func testSchemas(t *testing.T) *schema.Set {
	t.Helper()
	sch := &schema.Schema{
		Name: "app",
		Documents: []schema.Document{
			{
				Namespace: "app/note",
				Name:      "note",
				Fields: []schema.Field{
					{Name: "title", Type: "string", Strategy: crdt.StrategyLWW},
					{Name: "votes", Type: "int", Strategy: crdt.StrategyPNCounter},
					{Name: "tags", Type: "array", Strategy: crdt.StrategyORSet},
					{Name: "items", Type: "array", Strategy: crdt.StrategyRGA},
					{Name: "body", Type: "string", Strategy: crdt.StrategyPeritext},
				},
			},
		},
	}
	set, err := schema.NewSet(sch)
	require.NoError(t, err)
	return set
}

func noteRef(id string) engine.Ref {
	return engine.Ref{Namespace: "app/note", ID: id}
}

// newStore builds a memory-only engine store.
func newStore(t *testing.T, actor crdt.Actor) *engine.Store {
	t.Helper()
	s := engine.NewStore(actor, testSchemas(t))
	t.Cleanup(func() { s.Close() })
	return s
}

// newLoggedStore builds an engine store backed by a SQLite op log so
// handshake diffs can be served op-by-op.
func newLoggedStore(t *testing.T, actor crdt.Actor) *engine.Store {
	t.Helper()
	log, err := store.Open(filepath.Join(t.TempDir(), string(actor)+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	s := engine.NewStore(actor, testSchemas(t), engine.WithLog(log))
	require.NoError(t, s.Load(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// testConfig tightens every interval so lifecycle tests finish fast.
func testConfig(listen string, peers ...string) Config {
	return Config{
		Listen:            listen,
		Peers:             peers,
		DialTimeout:       time.Second,
		HandshakeTimeout:  time.Second,
		WriteTimeout:      time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		IdleTimeout:       time.Second,
		BackoffMin:        20 * time.Millisecond,
		BackoffMax:        200 * time.Millisecond,
		QueueHighWater:    64,
		MaxBatchOps:       16,
		AckedDocs:         64,
	}
}

// startManager runs a manager until test cleanup. The returned stop
// shuts it down and waits for Run to return, so a test can free a
// listen port before rebinding it.
func startManager(t *testing.T, cfg Config, st *engine.Store) (*Manager, func()) {
	t.Helper()
	m, err := NewManager(cfg, st)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return m, stop
}

func listenAddr(t *testing.T, m *Manager) string {
	t.Helper()
	addr := m.Addr()
	require.NotNil(t, addr)
	return addr.String()
}

// rawPeer is a hand-driven protocol client for fault-injection tests.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, addr string) *rawPeer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{t: t, conn: conn}
}

func (r *rawPeer) send(m Msg) {
	r.t.Helper()
	r.conn.SetWriteDeadline(time.Now().Add(time.Second))
	require.NoError(r.t, writeMsg(r.conn, m, DefaultMaxFrame))
}

// recv reads one message, failing the test after five seconds.
func (r *rawPeer) recv() Msg {
	r.t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := readFrame(r.conn, DefaultMaxFrame)
	require.NoError(r.t, err)
	m, err := Decode(frame)
	require.NoError(r.t, err)
	return m
}

// recvUntil reads messages until one satisfies the predicate, skipping
// heartbeats, announces and whatever else arrives in between.
func (r *rawPeer) recvUntil(match func(Msg) bool) Msg {
	r.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m := r.recv()
		if match(m) {
			return m
		}
	}
	r.t.Fatal("expected message never arrived")
	return nil
}

// expectClosed asserts the remote closes the connection.
func (r *rawPeer) expectClosed() {
	r.t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, err := readFrame(r.conn, DefaultMaxFrame); err != nil {
			return
		}
	}
}

// handshake performs the client half of the opening exchange.
func (r *rawPeer) handshake(nodeID string, vectors map[string]engine.StateVector) *HandshakeAck {
	r.t.Helper()
	r.send(&Handshake{NodeID: nodeID, Vectors: vectors})
	m := r.recv()
	ack, ok := m.(*HandshakeAck)
	require.True(r.t, ok, "expected HandshakeAck, got %s", m.MsgType())
	return ack
}
