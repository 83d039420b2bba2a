// Package metrics is the node's operational surface: prometheus
// collectors over the engine, sync, and reconciliation counters, plus a
// small HTTP listener serving /healthz, /status, and /metrics.
//
// Collectors read the live Stats() snapshots at scrape time, so the
// package adds no bookkeeping of its own to the hot paths.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/peer"
	"github.com/driftlab/drift/internal/reconcile"
)

// Sources are the node components the collectors and the status
// endpoint read from. Store is required; the rest are optional and
// their sections are simply absent when nil.
type Sources struct {
	Store     *engine.Store
	Peers     *peer.Manager
	Reconcile *reconcile.Reconciler
}

// Config configures the HTTP listener.
type Config struct {
	// Listen is the TCP address for the debug/metrics listener. Empty
	// means collectors only; Run refuses to start.
	Listen string

	// NodeID names this node in the status payload. Defaults to the
	// store's actor id.
	NodeID string
}

// Server owns a private prometheus registry and the debug listener.
type Server struct {
	cfg     Config
	src     Sources
	reg     *prometheus.Registry
	ln      net.Listener
	started time.Time
}

// NewServer builds the registry, registers all collectors, and binds
// the listener when cfg.Listen is set so the address is known before
// Run.
func NewServer(cfg Config, src Sources) (*Server, error) {
	if src.Store == nil {
		return nil, errors.New("metrics: engine store required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = string(src.Store.Actor())
	}

	s := &Server{
		cfg:     cfg,
		src:     src,
		reg:     prometheus.NewRegistry(),
		started: time.Now(),
	}
	s.register()

	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("metrics: listen %s: %w", cfg.Listen, err)
		}
		s.ln = ln
	}
	return s, nil
}

// Addr returns the bound listen address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// register wires every collector into the server's registry. Gauges for
// point-in-time readings, counter funcs for the monotone totals the
// stats snapshots carry.
func (s *Server) register() {
	s.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(s.reg)

	gauge := func(sub, name, help string, fn func() float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "drift", Subsystem: sub, Name: name, Help: help,
		}, fn)
	}
	counter := func(sub, name, help string, fn func() float64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "drift", Subsystem: sub, Name: name, Help: help,
		}, fn)
	}

	st := s.src.Store
	gauge("engine", "documents", "Documents held by this node.",
		func() float64 { return float64(st.Stats().Documents) })
	gauge("engine", "queue_depth", "Deltas waiting for the sync layer.",
		func() float64 { return float64(st.Stats().QueueDepth) })
	gauge("engine", "subscriptions", "Active subscriptions.",
		func() float64 { return float64(st.Stats().Subscriptions) })
	gauge("engine", "clock", "High water of the local logical clock.",
		func() float64 { return float64(st.Stats().Clock) })
	counter("engine", "local_ops_total", "Operations produced by local mutations.",
		func() float64 { return float64(st.Stats().LocalOps) })
	counter("engine", "remote_ops_total", "Operations merged from remote deltas.",
		func() float64 { return float64(st.Stats().RemoteOps) })
	counter("engine", "snapshots_total", "Snapshots written.",
		func() float64 { return float64(st.Stats().Snapshots) })

	if pm := s.src.Peers; pm != nil {
		gauge("sync", "peers", "Known peers.",
			func() float64 { return float64(pm.Stats().Peers) })
		gauge("sync", "peers_connected", "Peers in steady state.",
			func() float64 { return float64(pm.Stats().Connected) })
		gauge("sync", "queue_depth", "Deltas queued across all peers.",
			func() float64 { return float64(pm.Stats().QueueDepth) })
		counter("sync", "sent_ops_total", "Operations sent to peers.",
			func() float64 { return float64(pm.Stats().SentOps) })
		counter("sync", "received_ops_total", "Operations received from peers.",
			func() float64 { return float64(pm.Stats().ReceivedOps) })
		counter("sync", "violations_total", "Protocol violations observed.",
			func() float64 { return float64(pm.Stats().Violations) })
		counter("sync", "coalesced_ops_total", "Operations coalesced under queue pressure.",
			func() float64 { return float64(pm.Stats().CoalescedOps) })
	}

	if rec := s.src.Reconcile; rec != nil {
		gauge("reconcile", "last_round", "Most recent reconciliation round.",
			func() float64 { return float64(rec.Stats().LastRound) })
		counter("reconcile", "rounds_total", "Reconciliation rounds run.",
			func() float64 { return float64(rec.Stats().Rounds) })
		counter("reconcile", "confirmed_total", "Transactions confirmed by this member.",
			func() float64 { return float64(rec.Stats().Confirmed) })
		counter("reconcile", "rejected_total", "Transactions rejected by this member.",
			func() float64 { return float64(rec.Stats().Rejected) })
		counter("reconcile", "deferrals_total", "Rounds deferred for lack of quorum.",
			func() float64 { return float64(rec.Stats().Deferrals) })
	}
}

// Run serves the debug listener until the context ends, then shuts the
// HTTP server down. Call it once.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("metrics: no listen address configured")
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(s.ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
