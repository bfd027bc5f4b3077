package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/persist"
	"github.com/roach88/strata/internal/storage"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Version     int64
	Versions    bool
	Diagnostics bool
}

// SnapshotView is one stored snapshot in JSON output.
type SnapshotView struct {
	Version  int64     `json:"version"`
	Label    string    `json:"label"`
	Digest   string    `json:"digest"`
	Entities int       `json:"entities"`
	SavedAt  time.Time `json:"saved_at"`
}

// InspectResult is the content of one snapshot.
type InspectResult struct {
	SnapshotView
	Types map[string]int `json:"types"`
	Dump  string         `json:"dump"`
}

// DiagnosticView is one recorded consistency failure.
type DiagnosticView struct {
	Operation  string    `json:"operation"`
	Violations []string  `json:"violations"`
	At         time.Time `json:"at"`
	Dump       string    `json:"dump,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show stored snapshots",
		Long: `Show the content of a stored snapshot, the list of stored versions or
the recorded consistency diagnostics.

Examples:
  strata inspect
  strata inspect --version 3
  strata inspect --versions
  strata inspect --diagnostics --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Version, "version", 0, "snapshot version to show (default: latest)")
	cmd.Flags().BoolVar(&opts.Versions, "versions", false, "list stored versions")
	cmd.Flags().BoolVar(&opts.Diagnostics, "diagnostics", false, "list recorded consistency diagnostics")
	cmd.MarkFlagsMutuallyExclusive("version", "versions", "diagnostics")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) (err error) {
	formatter := opts.formatter(cmd)
	s, err := opts.openSession(cmd, formatter)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	ctx := cmd.Context()
	switch {
	case opts.Versions:
		infos, err := s.store.Versions(ctx)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeStoreOpen, err.Error(), nil)
		}
		return outputVersions(formatter, infos)

	case opts.Diagnostics:
		diags, err := s.store.Diagnostics(ctx)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeStoreOpen, err.Error(), nil)
		}
		return outputDiagnostics(formatter, diags)
	}

	var (
		snap *storage.Snapshot
		info persist.SnapshotInfo
	)
	if opts.Version == 0 {
		snap, info, err = s.store.Latest(ctx, s.reg)
	} else {
		snap, info, err = loadVersion(s, cmd, opts.Version)
	}
	if errors.Is(err, persist.ErrNoSnapshot) {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, notFoundMessage(opts.Version), nil)
	}
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStoreOpen, err.Error(), nil)
	}

	result := InspectResult{
		SnapshotView: snapshotView(info),
		Types:        make(map[string]int),
		Dump:         storage.Dump(snap),
	}
	for _, t := range s.reg.Types() {
		if t.Abstract {
			continue
		}
		n := 0
		for e := range snap.Entities(t.Name) {
			if e.Type().ID == t.ID {
				n++
			}
		}
		if n > 0 {
			result.Types[t.Name] = n
		}
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	w := formatter.Writer
	fmt.Fprintf(w, "Version %d (%s), %d entities, saved %s\n",
		info.Version, info.Label, info.EntityCount, info.SavedAt.Format(time.RFC3339))
	for _, t := range s.reg.Types() {
		if n, ok := result.Types[t.Name]; ok {
			fmt.Fprintf(w, "  %s: %d\n", t.Name, n)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, result.Dump)
	return nil
}

// loadVersion loads one version and its listing entry.
func loadVersion(s *session, cmd *cobra.Command, version int64) (*storage.Snapshot, persist.SnapshotInfo, error) {
	snap, err := s.store.Load(cmd.Context(), s.reg, version)
	if err != nil {
		return nil, persist.SnapshotInfo{}, err
	}
	infos, err := s.store.Versions(cmd.Context())
	if err != nil {
		return nil, persist.SnapshotInfo{}, err
	}
	for _, info := range infos {
		if info.Version == version {
			return snap, info, nil
		}
	}
	return nil, persist.SnapshotInfo{}, persist.ErrNoSnapshot
}

func notFoundMessage(version int64) string {
	if version == 0 {
		return "store holds no snapshot"
	}
	return fmt.Sprintf("no snapshot with version %d", version)
}

func snapshotView(info persist.SnapshotInfo) SnapshotView {
	return SnapshotView{
		Version:  info.Version,
		Label:    info.Label,
		Digest:   info.Digest,
		Entities: info.EntityCount,
		SavedAt:  info.SavedAt,
	}
}

func outputVersions(formatter *OutputFormatter, infos []persist.SnapshotInfo) error {
	views := make([]SnapshotView, len(infos))
	for i, info := range infos {
		views[i] = snapshotView(info)
	}
	if formatter.JSON() {
		return formatter.Success(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No snapshots stored.")
		return nil
	}
	for _, v := range views {
		digest := v.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Fprintf(formatter.Writer, "%4d  %s  %s  %5d  %s\n",
			v.Version, v.SavedAt.Format(time.RFC3339), digest, v.Entities, v.Label)
	}
	return nil
}

func outputDiagnostics(formatter *OutputFormatter, diags []storage.Diagnostic) error {
	views := make([]DiagnosticView, len(diags))
	for i, d := range diags {
		views[i] = DiagnosticView{Operation: d.Operation, Violations: d.Violations, At: d.At}
		if formatter.Verbose {
			views[i].Dump = d.Dump
		}
	}
	if formatter.JSON() {
		return formatter.Success(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No diagnostics recorded.")
		return nil
	}
	for _, v := range views {
		fmt.Fprintf(formatter.Writer, "✗ %s at %s\n", v.Operation, v.At.Format(time.RFC3339))
		for _, violation := range v.Violations {
			fmt.Fprintf(formatter.Writer, "  %s\n", violation)
		}
		if v.Dump != "" {
			fmt.Fprintln(formatter.Writer, strings.TrimRight(v.Dump, "\n"))
		}
	}
	return nil
}
