package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncflow/internal/compiler"
	"github.com/roach88/syncflow/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled rules and the cycles among them.
type CompilationResult struct {
	Rules    []ir.RuleSpec           `json:"rules"`
	Warnings []compiler.CycleWarning `json:"warnings,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <rules-dir>",
		Short: "Compile CUE synchronization rules to JSON",
		Long: `Compile the CUE package in a directory to rule definitions.

Every rule under the top-level sync struct is compiled and validated; all
errors are reported together. Rules that can trigger each other are
reported as warnings.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loaded, errs := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if loaded == nil {
		code, message := loadErrorCode(errs[0])
		return outputCommandError(formatter, code, message)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, dir)
	for _, rule := range loaded.Rules {
		formatter.VerboseLog("Compiled rule: %s", rule.ID)
	}
	if len(errs) > 0 {
		return outputCompileErrors(formatter, errs)
	}

	result := &CompilationResult{
		Rules:    loaded.Rules,
		Warnings: compiler.AnalyzeCycles(loaded.Rules),
	}

	if opts.Output != "" {
		if err := writeRulesFile(result, opts.Output); err != nil {
			return outputCommandError(formatter, compiler.ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d rule(s)\n\n", len(result.Rules))
	for _, rule := range result.Rules {
		fmt.Fprintf(w, "  %s: %s → %s\n", rule.ID, patternActions(rule.When), templateActions(rule.Then))
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, warn := range result.Warnings {
			fmt.Fprintf(w, "⚠ %s\n", warn.Message)
		}
	}
	if opts.Output != "" {
		fmt.Fprintf(w, "\nWrote rules to %s\n", opts.Output)
	}
	return nil
}

func patternActions(ps []ir.Pattern) string {
	refs := make([]string, len(ps))
	for i, p := range ps {
		refs[i] = string(p.Action)
	}
	return strings.Join(refs, ", ")
}

func templateActions(ts []ir.ActionTemplate) string {
	refs := make([]string, len(ts))
	for i, t := range ts {
		refs[i] = string(t.Action)
	}
	return strings.Join(refs, ", ")
}

// loadErrorCode extracts the error code and message from a load error.
func loadErrorCode(err error) (string, string) {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return compiler.FieldErrorCode(compileErr.Field), compileErr.Message
	}
	return compiler.ErrCodeGeneric, err.Error()
}

// outputCommandError reports an error that stopped the command before
// any rule was compiled.
func outputCommandError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputCompileErrors reports every rule error. Invalid rules exit with
// ExitFailure.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	cliErrors := make([]CLIError, len(errs))
	for i, err := range errs {
		code, message := loadErrorCode(err)
		cliErrors[i] = CLIError{Code: code, Message: message}
	}
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))

	if formatter.JSON() {
		if err := formatter.encode(CLIResponse{Status: "error", Error: &cliErrors[0], Data: cliErrors}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)
	for i, err := range errs {
		var loadErr *compiler.LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", cliErrors[i].Code, cliErrors[i].Message)
	}
	return exitErr
}

// writeRulesFile writes the compiled rules as indented JSON.
func writeRulesFile(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	return os.WriteFile(filename, append(data, '\n'), 0o644)
}
