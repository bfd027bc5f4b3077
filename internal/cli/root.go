package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/config"
)

// RootOptions holds global flags for all commands and the settings
// resolved from them.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	ConfigFile  string
	MetricsFile string

	cfg *config.Config
	log *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the strata CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "strata",
		Short: "strata - versioned workspace model store",
		Long: `Build, import, reconcile and verify workspace models.

A workspace model is a typed entity graph described by a CUE schema.
Imported workspaces are kept as numbered snapshots in a SQLite store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.resolve(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default strata.yaml in the working directory)")
	flags.StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	config.RegisterFlags(flags)

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// resolve loads the configuration and builds the logger. Flags of cmd,
// including the inherited persistent ones, override file and environment.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg, used, err := config.Load(o.ConfigFile, cmd.Flags())
	if err != nil {
		return WrapExitError(ExitCommandError, "loading configuration", err)
	}
	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "building logger", err)
	}
	if used != "" {
		logger.Debug("config file loaded", "path", used)
	}
	o.cfg = cfg
	o.log = logger
	return nil
}

// settings returns the resolved configuration, resolving it first when the
// command runs outside the root command.
func (o *RootOptions) settings(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	if o.cfg == nil {
		if err := o.resolve(cmd); err != nil {
			return nil, nil, err
		}
	}
	return o.cfg, o.log, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
