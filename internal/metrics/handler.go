package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftlab/drift/internal/engine"
)

// Handler returns the chi router with all debug routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	return r
}

// statusPayload is the JSON shape of /status. Optional sections are
// omitted when the node runs without that component.
type statusPayload struct {
	Node      string           `json:"node"`
	Started   time.Time        `json:"started"`
	UptimeSec int64            `json:"uptime_sec"`
	Engine    engine.Stats     `json:"engine"`
	Sync      *syncStatus      `json:"sync,omitempty"`
	Reconcile *reconcileStatus `json:"reconcile,omitempty"`
}

type syncStatus struct {
	Peers        int          `json:"peers"`
	Connected    int          `json:"connected"`
	SentOps      int64        `json:"sent_ops"`
	ReceivedOps  int64        `json:"received_ops"`
	Violations   int64        `json:"violations"`
	QueueDepth   int          `json:"queue_depth"`
	CoalescedOps int64        `json:"coalesced_ops"`
	PeerList     []peerStatus `json:"peer_list,omitempty"`
}

type peerStatus struct {
	NodeID   string    `json:"node_id"`
	Addr     string    `json:"addr"`
	Inbound  bool      `json:"inbound"`
	State    string    `json:"state"`
	LastSync time.Time `json:"last_sync"`
}

type reconcileStatus struct {
	Rounds    uint64 `json:"rounds"`
	LastRound uint64 `json:"last_round"`
	Confirmed uint64 `json:"confirmed"`
	Rejected  uint64 `json:"rejected"`
	Deferrals uint64 `json:"deferrals"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := statusPayload{
		Node:      s.cfg.NodeID,
		Started:   s.started,
		UptimeSec: int64(time.Since(s.started).Seconds()),
		Engine:    s.src.Store.Stats(),
	}

	if pm := s.src.Peers; pm != nil {
		st := pm.Stats()
		sync := &syncStatus{
			Peers:        st.Peers,
			Connected:    st.Connected,
			SentOps:      st.SentOps,
			ReceivedOps:  st.ReceivedOps,
			Violations:   st.Violations,
			QueueDepth:   st.QueueDepth,
			CoalescedOps: st.CoalescedOps,
		}
		for _, info := range pm.Peers() {
			sync.PeerList = append(sync.PeerList, peerStatus{
				NodeID:   info.NodeID,
				Addr:     info.Addr,
				Inbound:  info.Inbound,
				State:    info.State.String(),
				LastSync: info.LastSync,
			})
		}
		payload.Sync = sync
	}

	if rec := s.src.Reconcile; rec != nil {
		st := rec.Stats()
		payload.Reconcile = &reconcileStatus{
			Rounds:    st.Rounds,
			LastRound: st.LastRound,
			Confirmed: st.Confirmed,
			Rejected:  st.Rejected,
			Deferrals: st.Deferrals,
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
