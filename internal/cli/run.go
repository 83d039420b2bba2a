package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
	"github.com/driftlab/drift/internal/metrics"
	"github.com/driftlab/drift/internal/peer"
	"github.com/driftlab/drift/internal/reconcile"
	"github.com/driftlab/drift/internal/schema"
	"github.com/driftlab/drift/internal/store"
)

// metaActorKey is the op-log meta key naming the actor that owns the
// store. run writes it on first start; replay reads it back.
const metaActorKey = "actor"

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Start a drift node",
		Long: `Start a drift node from a YAML config.

The node opens its op log, rebuilds document state, and serves the sync
mesh. With a committee roster configured it also runs reconciliation
rounds; with a metrics address it serves /healthz, /status and /metrics.

Example:
  drift run ./node.yaml
  drift run /etc/drift/node.yaml --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runNode(opts *RootOptions, configPath string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	set, err := buildSchemaSet(cfg.SchemaDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schemas", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create data dir", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "drift.db")
	slog.Info("opening op log", "path", dbPath)
	log, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open op log", err)
	}
	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			slog.Error("error closing op log", "error", closeErr)
		}
	}()

	// Signal handling for graceful shutdown. The command's context is
	// the parent so tests can cancel from outside.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	// The log remembers which actor wrote it. Reusing a data dir under
	// a different identity would fork op attribution mid-history, so
	// refuse rather than limp on.
	if owner, err := log.GetMeta(ctx, metaActorKey); err != nil {
		return WrapExitError(ExitCommandError, "failed to read op log meta", err)
	} else if owner != "" && owner != cfg.Actor {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("op log %s belongs to actor %q, config says %q", dbPath, owner, cfg.Actor))
	} else if owner == "" {
		if err := log.SetMeta(ctx, metaActorKey, cfg.Actor); err != nil {
			return WrapExitError(ExitCommandError, "failed to record actor in op log", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	eng := engine.NewStore(crdt.Actor(cfg.Actor), set, engine.WithLog(log))
	defer eng.Close()
	if err := eng.Load(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to rebuild state from op log", err)
	}
	slog.Info("state rebuilt", "documents", eng.Stats().Documents)

	mgr, err := peer.NewManager(peer.Config{
		NodeID:            cfg.Actor,
		Listen:            cfg.Sync.Listen,
		Peers:             cfg.Sync.Peers,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval.Std(),
		IdleTimeout:       cfg.Sync.IdleTimeout.Std(),
		BackoffMin:        cfg.Sync.BackoffMin.Std(),
		BackoffMax:        cfg.Sync.BackoffMax.Std(),
		QueueHighWater:    cfg.Sync.QueueHighWater,
		MaxBatchOps:       cfg.Sync.MaxBatchOps,
	}, eng)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start peer manager", err)
	}

	led := ledger.New(eng)

	var rec *reconcile.Reconciler
	if len(cfg.Reconcile.Members) > 0 {
		rec, err = reconcile.New(led, reconcile.Config{
			Self:     cfg.Reconcile.Self,
			Members:  cfg.Reconcile.Members,
			Interval: cfg.Reconcile.Interval.Std(),
			VoteWait: cfg.Reconcile.VoteWait.Std(),
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to configure reconciler", err)
		}
	}

	var ms *metrics.Server
	if cfg.Metrics.Listen != "" {
		ms, err = metrics.NewServer(metrics.Config{
			Listen: cfg.Metrics.Listen,
			NodeID: cfg.Actor,
		}, metrics.Sources{Store: eng, Peers: mgr, Reconcile: rec})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics listener", err)
		}
		slog.Info("metrics listening", "addr", ms.Addr())
	}

	var wg sync.WaitGroup
	errc := make(chan error, 3)
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("component failed", "component", name, "error", err)
				select {
				case errc <- fmt.Errorf("%s: %w", name, err):
				default:
				}
				cancel()
			}
		}()
	}

	start("sync", mgr.Run)
	if rec != nil {
		start("reconcile", rec.Run)
	}
	if ms != nil {
		start("metrics", ms.Run)
	}

	slog.Info("node started", "actor", cfg.Actor, "listen", cfg.Sync.Listen, "peers", len(cfg.Sync.Peers))
	fmt.Fprintln(cmd.OutOrStdout(), "Node started. Press Ctrl-C to stop.")

	<-ctx.Done()
	wg.Wait()

	select {
	case err := <-errc:
		return WrapExitError(ExitFailure, "node error", err)
	default:
	}

	slog.Info("node stopped gracefully")
	return nil
}

// buildSchemaSet registers the built-in document declarations plus any
// user schema directory.
func buildSchemaSet(schemaDir string) (*schema.Set, error) {
	schemas := []*schema.Schema{ledger.Schema(), reconcile.Schema()}
	if schemaDir != "" {
		res, err := LoadSchemaDir(schemaDir)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, res.Schema)
	}
	return schema.NewSet(schemas...)
}
