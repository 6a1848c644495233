package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string // overrides store.path
	FlowToken string
	Action    string // optional - filter to specific action
}

// TraceEvent is one invocation or completion of a flow.
type TraceEvent struct {
	Seq        int64        `json:"seq"`
	Type       string       `json:"type"`
	ID         string       `json:"id"`
	Action     ir.ActionRef `json:"action"`
	Rule       string       `json:"rule,omitempty"`
	Args       ir.IRObject  `json:"args,omitempty"`
	OutputCase string       `json:"output_case,omitempty"`
	Result     ir.IRObject  `json:"result,omitempty"`
}

// ProvenanceEdge records that a rule firing on a completion produced an
// invocation.
type ProvenanceEdge struct {
	FromCompletion string `json:"from_completion"`
	Rule           string `json:"rule"`
	ToInvocation   string `json:"to_invocation"`
}

// TraceResult is everything the log holds about one flow.
type TraceResult struct {
	FlowToken  string           `json:"flow_token"`
	Timeline   []TraceEvent     `json:"timeline"`
	Provenance []ProvenanceEdge `json:"provenance"`
	Stats      TraceStats       `json:"stats"`
}

// TraceStats summarizes a flow.
type TraceStats struct {
	TotalEvents int `json:"total_events"`
	Invocations int `json:"invocations"`
	Completions int `json:"completions"`
	RuleFirings int `json:"rule_firings"`
	Pending     int `json:"pending"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the causal history of a flow",
		Long: `Show every invocation and completion of a flow in seq order, with the
rule that produced each rule-driven invocation.

Without --flow, lists the flows in the action log.

Examples:
  syncflow trace
  syncflow trace --flow 01929b6e-...
  syncflow trace --flow 01929b6e-... --action Friending.requestFriend
  syncflow trace --db ./actions.db --flow 01929b6e-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "action log path (overrides store.path)")
	cmd.Flags().StringVar(&opts.FlowToken, "flow", "", "flow token to trace")
	cmd.Flags().StringVar(&opts.Action, "action", "", "only show this action and its completions")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	path := opts.Database
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return err
		}
		path = cfg.Store.Path
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open action log", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.FlowToken == "" {
		tokens, err := st.ListFlowTokens(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list flows", err)
		}
		if formatter.JSON() {
			return formatter.Success(map[string][]string{"flows": tokens})
		}
		if len(tokens) == 0 {
			fmt.Fprintln(formatter.Writer, "No flows recorded.")
		}
		for _, tok := range tokens {
			fmt.Fprintln(formatter.Writer, tok)
		}
		return nil
	}

	result, err := readTrace(ctx, st, opts.FlowToken, opts.Action)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read flow", err)
	}
	if formatter.JSON() {
		return formatter.Success(result)
	}
	if len(result.Timeline) == 0 && opts.Action == "" {
		fmt.Fprintf(formatter.Writer, "No events found for flow: %s\n", opts.FlowToken)
		return nil
	}
	writeTraceText(formatter.Writer, result, opts.Verbose)
	return nil
}

// readTrace collects a flow's events and provenance. With action set the
// timeline keeps only that action's invocations and their completions;
// stats always cover the whole flow.
func readTrace(ctx context.Context, st *store.Store, flowToken, action string) (TraceResult, error) {
	events, err := st.ReadFlowEvents(ctx, flowToken)
	if err != nil {
		return TraceResult{}, err
	}

	result := TraceResult{
		FlowToken:  flowToken,
		Timeline:   []TraceEvent{},
		Provenance: []ProvenanceEdge{},
	}

	type firing struct{ completion, rule string }
	firings := make(map[int64]firing)
	actions := make(map[string]ir.ActionRef)
	completed := make(map[string]bool)
	for _, ev := range events {
		switch ev.Type {
		case store.EventInvocation:
			actions[ev.ID] = ev.Invocation.ActionURI
			result.Stats.Invocations++
		case store.EventCompletion:
			completed[ev.Completion.InvocationID] = true
			result.Stats.Completions++
			fs, err := st.ReadFiringsForCompletion(ctx, ev.ID)
			if err != nil {
				return TraceResult{}, err
			}
			for _, f := range fs {
				firings[f.ID] = firing{completion: f.CompletionID, rule: f.RuleID}
			}
			result.Stats.RuleFirings += len(fs)
		}
	}
	result.Stats.Pending = result.Stats.Invocations - len(completed)

	for _, ev := range events {
		switch ev.Type {
		case store.EventInvocation:
			inv := ev.Invocation
			edges, err := st.ReadProvenance(ctx, inv.ID)
			if err != nil {
				return TraceResult{}, err
			}
			var rule string
			for _, e := range edges {
				f := firings[e.RuleFiringID]
				rule = f.rule
				result.Provenance = append(result.Provenance, ProvenanceEdge{
					FromCompletion: f.completion,
					Rule:           f.rule,
					ToInvocation:   inv.ID,
				})
			}
			if action != "" && string(inv.ActionURI) != action {
				continue
			}
			result.Timeline = append(result.Timeline, TraceEvent{
				Seq:    ev.Seq,
				Type:   ev.Type.String(),
				ID:     inv.ID,
				Action: inv.ActionURI,
				Rule:   rule,
				Args:   inv.Args,
			})
		case store.EventCompletion:
			comp := ev.Completion
			if action != "" && string(actions[comp.InvocationID]) != action {
				continue
			}
			result.Timeline = append(result.Timeline, TraceEvent{
				Seq:        ev.Seq,
				Type:       ev.Type.String(),
				ID:         comp.ID,
				Action:     actions[comp.InvocationID],
				OutputCase: comp.OutputCase,
				Result:     comp.Result,
			})
		}
	}
	result.Stats.TotalEvents = len(events)
	return result, nil
}

func writeTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for flow: %s\n", result.FlowToken)
	if result.Stats.Pending > 0 {
		fmt.Fprintf(w, "Status: %d invocation(s) pending\n", result.Stats.Pending)
	} else {
		fmt.Fprintln(w, "Status: complete")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, ev := range result.Timeline {
		switch ev.Type {
		case "invocation":
			line := fmt.Sprintf("  [%d] INV  %s %s", ev.Seq, ev.Action, render(ev.Args))
			if ev.Rule != "" {
				line += "  <- " + ev.Rule
			}
			fmt.Fprintln(w, line)
		case "completion":
			fmt.Fprintf(w, "  [%d] COMP %s %s %s\n", ev.Seq, ev.Action, ev.OutputCase, render(ev.Result))
		}
		if verbose {
			fmt.Fprintf(w, "       id: %s\n", ev.ID)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Provenance ===")
	if len(result.Provenance) == 0 {
		fmt.Fprintln(w, "  (no rule firings)")
	}
	for _, edge := range result.Provenance {
		fmt.Fprintf(w, "  %s -[%s]-> %s\n", truncateID(edge.FromCompletion), edge.Rule, truncateID(edge.ToInvocation))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Invocations:  %d\n", result.Stats.Invocations)
	fmt.Fprintf(w, "  Completions:  %d\n", result.Stats.Completions)
	fmt.Fprintf(w, "  Rule firings: %d\n", result.Stats.RuleFirings)
}

// render writes obj as canonical JSON.
func render(obj ir.IRObject) string {
	if obj == nil {
		return "{}"
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

// truncateID shortens UUIDs for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
