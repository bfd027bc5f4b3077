package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/strata/internal/persist"
	"github.com/roach88/strata/internal/storage"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	All  bool // check every stored version
	Jobs int  // parallel checks
}

// VersionCheck is the outcome for one snapshot.
type VersionCheck struct {
	Version    int64    `json:"version"`
	Label      string   `json:"label"`
	Entities   int      `json:"entities"`
	Consistent bool     `json:"consistent"`
	Violations []string `json:"violations,omitempty"`
}

// CheckResult holds the outcome of a check run.
type CheckResult struct {
	Versions []VersionCheck `json:"versions"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Total    int            `json:"total"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify stored snapshots against the consistency rules",
		Long: `Verify stored snapshots against the consistency rules.

Every failing snapshot is recorded as a diagnostic in the store, with a
dump of its content; list them with 'strata inspect --diagnostics'.

Exit codes:
  0 - All checked snapshots are consistent
  1 - One or more snapshots are inconsistent
  2 - Command error (unreadable store, schema errors, etc.)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "check every stored version instead of the latest")
	cmd.Flags().IntVar(&opts.Jobs, "jobs", 4, "number of snapshots checked in parallel")

	return cmd
}

type loadedSnapshot struct {
	info persist.SnapshotInfo
	snap *storage.Snapshot
}

func runCheck(opts *CheckOptions, cmd *cobra.Command) (err error) {
	formatter := opts.formatter(cmd)
	if opts.Jobs < 1 {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("--jobs must be at least 1, got %d", opts.Jobs), nil)
	}

	s, err := opts.openSession(cmd, formatter)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	ctx := cmd.Context()
	infos, err := s.store.Versions(ctx)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStoreOpen, err.Error(), nil)
	}
	if len(infos) == 0 {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, "store holds no snapshot", nil)
	}
	if !opts.All {
		infos = infos[len(infos)-1:]
	}

	// The store serializes reads on one connection, so snapshots are loaded
	// in order and only the checks run in parallel.
	loaded := make([]loadedSnapshot, len(infos))
	for i, info := range infos {
		snap, err := s.store.Load(ctx, s.reg, info.Version)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeStoreOpen, err.Error(), nil)
		}
		loaded[i] = loadedSnapshot{info: info, snap: snap}
	}

	result := CheckResult{Versions: make([]VersionCheck, len(loaded)), Total: len(loaded)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Jobs)
	for i, l := range loaded {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vc := VersionCheck{
				Version:    l.info.Version,
				Label:      l.info.Label,
				Entities:   l.snap.Count(),
				Consistent: true,
			}
			var ce *storage.ConsistencyError
			if err := l.snap.Consistency(); errors.As(err, &ce) {
				vc.Consistent = false
				vc.Violations = ce.Violations
			} else if err != nil {
				return err
			}
			result.Versions[i] = vc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	for i, vc := range result.Versions {
		if vc.Consistent {
			result.Passed++
			continue
		}
		result.Failed++
		s.metrics.ConsistencyViolation("check")
		if _, err := s.store.RecordDiagnostic(ctx, storage.Diagnostic{
			Operation:  fmt.Sprintf("check version %d", vc.Version),
			Violations: vc.Violations,
			Dump:       storage.Dump(loaded[i].snap),
		}); err != nil {
			return formatter.fail(ExitCommandError, ErrCodeWriteFailed, err.Error(), nil)
		}
	}
	return outputCheck(formatter, result)
}

func outputCheck(formatter *OutputFormatter, result CheckResult) error {
	failed := reportedError(ExitFailure, fmt.Sprintf("%d snapshot(s) inconsistent", result.Failed))

	if formatter.JSON() {
		resp := CLIResponse{Status: "ok", Data: result}
		if result.Failed > 0 {
			resp.Status = "error"
			resp.Error = &CLIError{Code: ErrCodeInconsistent, Message: failed.Message}
		}
		if err := formatter.encode(resp); err != nil {
			return err
		}
		if result.Failed > 0 {
			return failed
		}
		return nil
	}

	w := formatter.Writer
	for _, vc := range result.Versions {
		if vc.Consistent {
			fmt.Fprintf(w, "✓ version %d (%s): %d entities\n", vc.Version, vc.Label, vc.Entities)
			continue
		}
		fmt.Fprintf(w, "✗ version %d (%s): %d violation(s)\n", vc.Version, vc.Label, len(vc.Violations))
		for _, v := range vc.Violations {
			fmt.Fprintf(w, "  %s\n", v)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Check Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return failed
	}
	return nil
}
