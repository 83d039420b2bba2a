package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the YAML configuration for one drift node.
type NodeConfig struct {
	// Actor is this node's replica identity: the id stamped on every
	// operation it produces. Required, and must never be shared between
	// live nodes.
	Actor string `yaml:"actor"`

	// DataDir holds the node's SQLite op log.
	DataDir string `yaml:"data_dir"`

	// SchemaDir is an optional directory of CUE document declarations
	// registered alongside the built-in ledger and vote schemas.
	SchemaDir string `yaml:"schema_dir"`

	Sync      SyncConfig      `yaml:"sync"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SyncConfig configures the peer mesh.
type SyncConfig struct {
	// Listen is the TCP address for inbound peers. Empty = dial only.
	Listen string `yaml:"listen"`

	// Peers are addresses this node dials and keeps dialing.
	Peers []string `yaml:"peers"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	BackoffMin        Duration `yaml:"backoff_min"`
	BackoffMax        Duration `yaml:"backoff_max"`

	// QueueHighWater is the per-peer outbound depth past which register
	// and counter deltas coalesce.
	QueueHighWater int `yaml:"queue_high_water"`
	MaxBatchOps    int `yaml:"max_batch_ops"`
}

// ReconcileConfig configures committee membership. An empty roster
// leaves reconciliation off: the node syncs documents but never settles
// credit.
type ReconcileConfig struct {
	// Self is this node's committee identity; defaults to the actor id.
	Self     string   `yaml:"self"`
	Members  []string `yaml:"members"`
	Interval Duration `yaml:"interval"`
	VoteWait Duration `yaml:"vote_wait"`
}

// MetricsConfig configures the debug/metrics listener. Empty = off.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "10m" or "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads, strictly decodes, and validates a node config.
// Unknown keys are errors: a typoed setting should fail loudly, not
// silently fall back to a default.
func LoadConfig(path string) (*NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg NodeConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *NodeConfig) applyDefaults() {
	if c.Reconcile.Self == "" {
		c.Reconcile.Self = c.Actor
	}
}

func (c *NodeConfig) validate() error {
	if c.Actor == "" {
		return fmt.Errorf("config: actor is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if min, max := c.Sync.BackoffMin.Std(), c.Sync.BackoffMax.Std(); min > 0 && max > 0 && min > max {
		return fmt.Errorf("config: sync.backoff_min %s exceeds backoff_max %s", min, max)
	}
	if c.Sync.QueueHighWater < 0 {
		return fmt.Errorf("config: sync.queue_high_water must not be negative")
	}
	if len(c.Reconcile.Members) > 0 {
		found := false
		for _, m := range c.Reconcile.Members {
			if m == c.Reconcile.Self {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: reconcile.self %q is not in reconcile.members", c.Reconcile.Self)
		}
	}
	return nil
}
