package engine

import "sync/atomic"

// statsCounters are the store's internal tallies. All atomic: bumped
// from mutation, sync, and snapshot paths concurrently.
type statsCounters struct {
	localOps  atomic.Int64
	remoteOps atomic.Int64
	snapshots atomic.Int64
}

// Stats is a point-in-time reading of store activity, the source for
// the status endpoint and the prometheus collectors.
type Stats struct {
	Documents     int   `json:"documents"`
	LocalOps      int64 `json:"local_ops"`
	RemoteOps     int64 `json:"remote_ops"`
	Snapshots     int64 `json:"snapshots"`
	QueueDepth    int   `json:"queue_depth"`
	Subscriptions int   `json:"subscriptions"`
	Clock         int64 `json:"clock"`
}
