package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncflow/internal/ir"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Args string
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <Concept.action>",
		Short: "Run one action in a new flow and print its trace",
		Long: `Invoke an action in a new flow against the configured databases, run
every rule it triggers to completion and print the flow's trace.

The server must not be running against the same databases.

Examples:
  syncflow invoke UserAuthentication.register --args '{"username":"alice","password":"pw"}'
  syncflow invoke Requesting.request --args '{"path":"/Grouping/_getGroupName","group":"g1"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "{}", "action arguments as a JSON object")

	return cmd
}

func runInvoke(opts *InvokeOptions, action string, cmd *cobra.Command) error {
	ref, err := ir.ParseActionRef(action)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid action", err)
	}
	var args ir.IRObject
	if err := args.UnmarshalJSON([]byte(opts.Args)); err != nil {
		return WrapExitError(ExitCommandError, "invalid --args JSON", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	flow := a.engine.NewFlow()
	if _, err := a.engine.Start(flow, ref, args); err != nil {
		return WrapExitError(ExitCommandError, "invoke failed", err)
	}
	if err := a.engine.Drain(ctx); err != nil {
		return WrapExitError(ExitFailure, "invoke interrupted", err)
	}

	result, err := readTrace(ctx, a.log, flow, "")
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read flow", err)
	}
	formatter := newFormatter(opts.RootOptions, cmd)
	if formatter.JSON() {
		return formatter.Success(result)
	}
	writeTraceText(formatter.Writer, result, opts.Verbose)
	fmt.Fprintf(formatter.Writer, "\nTrace again with: syncflow trace --flow %s\n", flow)
	return nil
}
