package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/filter"
	"github.com/roach88/strata/internal/model"
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
)

// ImportOptions holds flags for the import and reconcile commands.
type ImportOptions struct {
	*RootOptions
	Filter string // source predicate, defaults to the document source kind
	Label  string // snapshot label
	Apply  bool   // reconcile only: save instead of previewing
}

// ImportResult summarizes one reconciliation.
type ImportResult struct {
	Filter   string         `json:"filter"`
	Version  int64          `json:"version,omitempty"`
	Label    string         `json:"label,omitempty"`
	Saved    bool           `json:"saved"`
	Added    int            `json:"added"`
	Removed  int            `json:"removed"`
	Replaced int            `json:"replaced"`
	Entities int            `json:"entities"`
	Broken   bool           `json:"broken,omitempty"`
	Changes  []ChangeRecord `json:"changes,omitempty"`
}

// ChangeRecord is one entity change in a reconcile preview.
type ChangeRecord struct {
	Kind   string `json:"kind"` // added, removed or replaced
	Entity string `json:"entity"`
	Source string `json:"source"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <workspace-file>",
		Short: "Import a workspace description as a new snapshot",
		Long: `Import a YAML or JSON workspace description into the store.

The entities whose source matches --filter are replaced by the content of
the file and the result is saved as a new snapshot. The default filter
selects the source kind declared by the document, so re-importing a file
only touches what an earlier import of the same kind produced.

Examples:
  strata import workspace.yaml
  strata import workspace.yaml --filter 'kind in ["local", "generated"]'
  strata import workspace.yaml --label "sync after checkout"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], true, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "source filter expression (default: kind of the document source)")
	cmd.Flags().StringVar(&opts.Label, "label", "", "snapshot label (default: import <file>)")

	return cmd
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile <workspace-file>",
		Short: "Preview how a workspace description would change the store",
		Long: `Reconcile a workspace description against the latest snapshot.

Entities keep their ids when they match the description, so references to
them stay valid. Without --apply the changes are listed and nothing is
saved.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], opts.Apply, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "source filter expression (default: kind of the document source)")
	cmd.Flags().StringVar(&opts.Label, "label", "", "snapshot label when applying (default: reconcile <file>)")
	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "save the result as a new snapshot")

	return cmd
}

func runImport(opts *ImportOptions, path string, save bool, cmd *cobra.Command) (err error) {
	formatter := opts.formatter(cmd)

	ws, err := LoadWorkspace(path)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeImportFailed, err.Error(), map[string]string{"file": path})
	}

	expr := opts.Filter
	if expr == "" {
		expr = ws.DefaultFilter()
	}
	pred, err := filter.Compile(expr)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeBadFilter, err.Error(), nil)
	}

	s, err := opts.openSession(cmd, formatter)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	storageOpts, err := s.storageOptions()
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	replacement, err := ws.Build(s.reg, storageOpts...)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeImportFailed, fmt.Sprintf("building %s: %v", path, err), nil)
	}
	formatter.VerboseLog("Built %d entities from %s", replacement.Count(), path)

	reconcile := func(b *storage.Builder) error {
		b.ReplaceBySource(pred.Func(), replacement.ToSnapshot())
		return nil
	}
	result := ImportResult{Filter: expr}
	ctx := cmd.Context()

	if !save {
		base, _, err := s.latest(ctx)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeStoreOpen, err.Error(), nil)
		}
		if base == nil {
			base = storage.Empty(s.reg)
		}
		b := base.ToBuilder(storageOpts...)
		_ = reconcile(b)
		changes := b.CollectChanges()
		result.Added, result.Removed, result.Replaced = countChangeKinds(changes)
		result.Changes = changeRecords(s.reg, changes)
		result.Entities = b.Count()
		result.Broken = !b.Consistent()
		return outputImport(formatter, result)
	}

	label := opts.Label
	if label == "" {
		label = cmd.Name() + " " + filepath.Base(path)
	}
	result.Label = label

	cs, err := s.commit(ctx, label, reconcile)
	if errors.Is(err, model.ErrNoChange) {
		_, info, lerr := s.latest(ctx)
		if lerr != nil {
			return formatter.fail(ExitCommandError, ErrCodeStoreOpen, lerr.Error(), nil)
		}
		result.Version = info.Version
		result.Entities = info.EntityCount
		return outputImport(formatter, result)
	}
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeImportFailed, err.Error(), nil)
	}

	result.Saved = true
	result.Version = cs.Stored
	result.Added, result.Removed, result.Replaced = cs.Counts()
	result.Entities = cs.After.Count()
	result.Broken = cs.After.Broken()
	return outputImport(formatter, result)
}

func countChangeKinds(changes map[schema.TypeID][]storage.EntityChange) (added, removed, replaced int) {
	cs := model.ChangeSet{Changes: changes}
	return cs.Counts()
}

// changeRecords flattens changes in type id order, keeping the per-type
// order of CollectChanges.
func changeRecords(reg *schema.Registry, changes map[schema.TypeID][]storage.EntityChange) []ChangeRecord {
	types := make([]schema.TypeID, 0, len(changes))
	for t := range changes {
		types = append(types, t)
	}
	slices.Sort(types)

	var out []ChangeRecord
	for _, t := range types {
		for _, c := range changes[t] {
			var rec ChangeRecord
			switch ch := c.(type) {
			case storage.Added:
				rec = ChangeRecord{Kind: "added", Entity: ch.New.String(), Source: ch.New.Source().String()}
			case storage.Removed:
				rec = ChangeRecord{Kind: "removed", Entity: ch.Old.String(), Source: ch.Old.Source().String()}
			case storage.Replaced:
				rec = ChangeRecord{Kind: "replaced", Entity: ch.New.String(), Source: ch.New.Source().String()}
			default:
				continue
			}
			out = append(out, rec)
		}
	}
	return out
}

var changeMarks = map[string]string{"added": "+", "removed": "-", "replaced": "~"}

func outputImport(formatter *OutputFormatter, result ImportResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	switch {
	case result.Saved:
		fmt.Fprintf(w, "✓ Saved version %d (%s)\n", result.Version, result.Label)
	case result.Label != "":
		fmt.Fprintf(w, "✓ No changes, version %d is current\n", result.Version)
	default:
		fmt.Fprintf(w, "✓ Reconciled with filter %s (not saved)\n", result.Filter)
	}
	fmt.Fprintf(w, "  added=%d removed=%d replaced=%d entities=%d\n",
		result.Added, result.Removed, result.Replaced, result.Entities)
	for _, c := range result.Changes {
		fmt.Fprintf(w, "  %s %s [%s]\n", changeMarks[c.Kind], c.Entity, c.Source)
	}
	if result.Broken {
		fmt.Fprintln(w, "✗ Result failed a consistency check, see `strata check`")
	}
	return nil
}
