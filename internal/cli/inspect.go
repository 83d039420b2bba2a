package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/store"
)

// InspectResult is the payload of the inspect command: one summary per
// document, plus integrity faults when --verify was requested.
type InspectResult struct {
	Docs     []store.DocSummary `json:"docs"`
	Verified bool               `json:"verified"`
	Faults   []store.Fault      `json:"faults,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string
	var verify bool

	cmd := &cobra.Command{
		Use:   "inspect --db <path> [<namespace> <doc-id>]",
		Short: "Inspect a node's op log",
		Long: `Inspect the documents recorded in a node's op log.

Without arguments every document is listed with its op count, per-actor
clock coverage, and snapshot chain. Naming a namespace and document id
narrows the report to that document. --verify re-derives every stored
op from its payload and reports integrity faults.

The store is opened read-mostly; it is safe to inspect the database of
a stopped node.`,
		Example: `  drift inspect --db data/drift.db
  drift inspect --db data/drift.db ledger/account alice
  drift inspect --db data/drift.db --verify`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("accepts no arguments or <namespace> <doc-id>, received %d", len(args))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, dbPath, verify, args, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the node's op log database")
	cmd.Flags().BoolVar(&verify, "verify", false, "re-derive stored ops and report integrity faults")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *RootOptions, dbPath string, verify bool, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	ctx := cmd.Context()

	log, err := store.Open(dbPath)
	if err != nil {
		msg := fmt.Sprintf("failed to open store %s: %v", dbPath, err)
		_ = formatter.Error(ErrCodeStore, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	defer log.Close()

	result := InspectResult{Verified: verify}

	if len(args) == 2 {
		namespace, docID := args[0], args[1]
		exists, err := log.DocExists(ctx, namespace, docID)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return NewExitError(ExitCommandError, err.Error())
		}
		if !exists {
			msg := fmt.Sprintf("document %s/%s not found in store", namespace, docID)
			_ = formatter.Error(ErrCodeNotFound, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}

		sum, err := log.Summarize(ctx, namespace, docID)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return NewExitError(ExitCommandError, err.Error())
		}
		result.Docs = []store.DocSummary{sum}

		if verify {
			result.Faults, err = log.VerifyDoc(ctx, namespace, docID)
			if err != nil {
				_ = formatter.Error(ErrCodeStore, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}
		}
	} else {
		keys, err := log.ListDocs(ctx)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return NewExitError(ExitCommandError, err.Error())
		}
		result.Docs = make([]store.DocSummary, 0, len(keys))
		for _, key := range keys {
			sum, err := log.Summarize(ctx, key.Namespace, key.DocID)
			if err != nil {
				_ = formatter.Error(ErrCodeStore, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}
			result.Docs = append(result.Docs, sum)
		}

		if verify {
			result.Faults, err = log.Verify(ctx)
			if err != nil {
				_ = formatter.Error(ErrCodeStore, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}
		}
	}

	return outputInspectResult(formatter, result)
}

func outputInspectResult(formatter *OutputFormatter, result InspectResult) error {
	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
		if len(result.Faults) > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("integrity check failed with %d fault(s)", len(result.Faults)))
		}
		return nil
	}

	var ops int64
	for _, doc := range result.Docs {
		ops += doc.OpCount
	}
	fmt.Fprintf(formatter.Writer, "Store: %d document(s), %d op(s)\n\n", len(result.Docs), ops)

	for _, doc := range result.Docs {
		line := fmt.Sprintf("  %s/%s: %d op(s), %d snapshot(s)",
			doc.Namespace, doc.DocID, doc.OpCount, doc.SnapshotCount)
		if doc.SnapshotCount > 0 {
			line += fmt.Sprintf(", latest seq %d at %s",
				doc.SnapshotSeq, doc.SnapshotAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintln(formatter.Writer, line)
		if formatter.Verbose && len(doc.Vector) > 0 {
			fmt.Fprintf(formatter.Writer, "    vector: %s\n", formatVector(doc.Vector))
		}
	}

	if !result.Verified {
		return nil
	}
	if len(result.Faults) == 0 {
		fmt.Fprintln(formatter.Writer, "\n✓ Integrity verified, no faults")
		return nil
	}

	fmt.Fprintf(formatter.Writer, "\n✗ Integrity check failed: %d fault(s)\n\n", len(result.Faults))
	for _, fault := range result.Faults {
		if fault.OpID != "" {
			fmt.Fprintf(formatter.Writer, "  %s/%s op %s: %s\n",
				fault.Namespace, fault.DocID, fault.OpID, fault.Detail)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s/%s: %s\n",
				fault.Namespace, fault.DocID, fault.Detail)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("integrity check failed with %d fault(s)", len(result.Faults)))
}

func formatVector(vector map[crdt.Actor]int64) string {
	actors := make([]string, 0, len(vector))
	for actor := range vector {
		actors = append(actors, string(actor))
	}
	sort.Strings(actors)

	parts := make([]string, 0, len(actors))
	for _, actor := range actors {
		parts = append(parts, fmt.Sprintf("%s=%d", actor, vector[crdt.Actor(actor)]))
	}
	return strings.Join(parts, " ")
}
