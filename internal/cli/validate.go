package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncflow/internal/compiler"
	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/syncs"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Rules    int                        `json:"rules"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Check CUE rules against the built-in concepts",
		Long: `Validate CUE synchronization rules without writing anything.

Beyond compiling, every action a rule matches, queries or invokes must be
provided by a built-in concept, and rule IDs must not collide with the
application rules.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loaded, loadErrs := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if loaded == nil {
		code, message := loadErrorCode(loadErrs[0])
		return outputCommandError(formatter, code, message)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, dir)

	result := ValidationResult{Rules: len(loaded.Rules)}
	for _, err := range loadErrs {
		result.Errors = append(result.Errors, toValidationError(err))
	}

	reg, closeReg, err := builtinRegistry()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build concept registry", err)
	}
	defer closeReg()
	result.Errors = append(result.Errors, checkReferences(loaded.Rules, reg, formatter)...)

	result.Warnings = compiler.AnalyzeCycles(loaded.Rules)
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %d rule(s) valid\n", result.Rules)
	for _, warn := range result.Warnings {
		fmt.Fprintf(formatter.Writer, "⚠ %s\n", warn.Message)
	}
	return nil
}

// checkReferences registers each rule against reg the way the engine
// does at startup.
func checkReferences(specs []ir.RuleSpec, reg *concept.Registry, formatter *OutputFormatter) []compiler.ValidationError {
	builtin := make(map[string]bool)
	for _, r := range syncs.All() {
		builtin[r.ID] = true
	}

	var errs []compiler.ValidationError
	for _, spec := range specs {
		formatter.VerboseLog("Checking rule: %s", spec.ID)
		if builtin[spec.ID] {
			errs = append(errs, compiler.ValidationError{
				Field:   "sync." + spec.ID,
				Message: fmt.Sprintf("rule id %q is already used by an application rule", spec.ID),
				Code:    compiler.ErrDuplicateRuleID,
			})
			continue
		}
		if err := engine.FromSpec(spec).Validate(reg); err != nil {
			errs = append(errs, toValidationError(err))
		}
	}
	return errs
}

func toValidationError(err error) compiler.ValidationError {
	var rtErr *engine.RuntimeError
	if errors.As(err, &rtErr) {
		return compiler.ValidationError{
			Field:   "sync." + rtErr.RuleID,
			Message: rtErr.Message,
			Code:    string(rtErr.Code),
		}
	}
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		verr := compiler.ValidationError{Field: "load", Message: loadErr.Message, Code: loadErr.Code}
		if loadErr.Pos.IsValid() {
			verr.Line = loadErr.Pos.Line()
		}
		return verr
	}
	code, message := loadErrorCode(err)
	return compiler.ValidationError{Field: "load", Message: message, Code: code}
}

func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	if formatter.JSON() {
		first := result.Errors[0]
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: first.Code, Message: first.Message},
		}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range result.Errors {
		fmt.Fprintf(formatter.Writer, "  %s\n", e.Error())
	}
	return exitErr
}
