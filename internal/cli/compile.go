package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/schema"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult describes a compiled schema.
type CompilationResult struct {
	Types       []TypeSummary       `json:"types"`
	Connections []ConnectionSummary `json:"connections"`
}

// TypeSummary describes one entity type.
type TypeSummary struct {
	Name       string            `json:"name"`
	ID         int32             `json:"id"`
	Abstract   bool              `json:"abstract,omitempty"`
	Supertypes []string          `json:"supertypes,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Symbolic   []string          `json:"symbolic,omitempty"`
	Match      []string          `json:"match,omitempty"`
}

// ConnectionSummary describes one connection.
type ConnectionSummary struct {
	Name        string `json:"name"`
	Parent      string `json:"parent"`
	Child       string `json:"child"`
	Cardinality string `json:"cardinality"`
	Nullable    bool   `json:"nullable,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [schema-dir]",
		Short: "Compile the CUE schema into a type registry",
		Long: `Compile the CUE entity and connection declarations into a type registry.

Without an argument the configured schema directory is used. The
registry summary can be written as JSON with --output.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	dir := ""
	if len(args) == 1 {
		dir = args[0]
	} else {
		cfg, _, err := opts.settings(cmd)
		if err != nil {
			return err
		}
		dir = cfg.Schema.Dir
	}

	files, err := schema.FindCUEFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return formatter.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("schema directory not found: %s", dir), nil)
		}
		return formatter.fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	if len(files) == 0 {
		return formatter.fail(ExitCommandError, ErrCodeNoFiles, fmt.Sprintf("no CUE files found in %s", dir), nil)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", len(files), dir)

	reg, _, err := schema.LoadDir(dir)
	if err != nil {
		return outputCompileError(formatter, err)
	}

	result := summarizeRegistry(reg)
	if opts.Output != "" {
		if err := writeCompilation(result, opts.Output); err != nil {
			return formatter.fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
		formatter.VerboseLog("Wrote registry summary to %s", opts.Output)
	}
	return outputCompileSuccess(formatter, result, opts.Output)
}

func summarizeRegistry(reg *schema.Registry) *CompilationResult {
	result := &CompilationResult{
		Types:       make([]TypeSummary, 0, reg.TypeCount()),
		Connections: []ConnectionSummary{},
	}
	for _, t := range reg.Types() {
		ts := TypeSummary{
			Name:       t.Name,
			ID:         int32(t.ID),
			Abstract:   t.Abstract,
			Supertypes: t.Supertypes,
			Symbolic:   t.SymbolicFields,
			Match:      t.MatchFields,
		}
		if len(t.Fields) > 0 {
			ts.Fields = make(map[string]string, len(t.Fields))
			for _, f := range t.Fields {
				ts.Fields[f.Name] = f.Kind.String()
			}
		}
		result.Types = append(result.Types, ts)
	}
	for _, c := range reg.Connections() {
		result.Connections = append(result.Connections, ConnectionSummary{
			Name:        c.Name,
			Parent:      c.ParentName(),
			Child:       c.ChildName(),
			Cardinality: c.Cardinality.String(),
			Nullable:    c.ParentNullable,
		})
	}
	return result
}

func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, outputFile string) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d type(s), %d connection(s)\n\n", len(result.Types), len(result.Connections))

	fmt.Fprintln(w, "Types:")
	for _, t := range result.Types {
		var notes []string
		if t.Abstract {
			notes = append(notes, "abstract")
		}
		if len(t.Supertypes) > 0 {
			notes = append(notes, "extends "+strings.Join(t.Supertypes, ", "))
		}
		if len(t.Symbolic) > 0 {
			notes = append(notes, "symbolic "+strings.Join(t.Symbolic, ", "))
		}
		line := fmt.Sprintf("  %s: %d field(s)", t.Name, len(t.Fields))
		if len(notes) > 0 {
			line += " (" + strings.Join(notes, "; ") + ")"
		}
		fmt.Fprintln(w, line)
	}

	if len(result.Connections) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Connections:")
		for _, c := range result.Connections {
			child := c.Child
			if c.Nullable {
				child += "?"
			}
			fmt.Fprintf(w, "  %s: %s → %s (%s)\n", c.Name, c.Parent, child, c.Cardinality)
		}
	}

	if outputFile != "" {
		fmt.Fprintf(w, "\nWrote registry summary to %s\n", outputFile)
	}
	return nil
}

// outputCompileError reports a schema error, with its CUE position in text
// mode.
func outputCompileError(formatter *OutputFormatter, err error) error {
	var compileErr *schema.CompileError
	if !errors.As(err, &compileErr) {
		return formatter.fail(ExitCommandError, ErrCodeSchemaLoad, err.Error(), nil)
	}

	if formatter.JSON() {
		var details any
		if compileErr.Pos.IsValid() {
			details = map[string]any{
				"file":   compileErr.Pos.Filename(),
				"line":   compileErr.Pos.Line(),
				"column": compileErr.Pos.Column(),
			}
		}
		return formatter.fail(ExitCommandError, ErrCodeSchemaLoad, compileErr.Field+": "+compileErr.Message, details)
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)
	if compileErr.Pos.IsValid() {
		fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
			compileErr.Pos.Filename(), compileErr.Pos.Line(), compileErr.Pos.Column())
	}
	fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", ErrCodeSchemaLoad, compileErr.Field, compileErr.Message)
	return reportedError(ExitCommandError, "compilation failed")
}

func writeCompilation(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
