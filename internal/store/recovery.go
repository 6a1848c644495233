package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/syncflow/internal/ir"
)

// FlowEvent is one entry of a flow's merged event stream.
type FlowEvent struct {
	Type       FlowEventType
	Seq        int64
	ID         string
	Invocation *ir.Invocation
	Completion *ir.Completion
}

// FlowEventType distinguishes invocations from completions.
type FlowEventType int

const (
	EventInvocation FlowEventType = iota
	EventCompletion
)

func (t FlowEventType) String() string {
	switch t {
	case EventInvocation:
		return "invocation"
	case EventCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// ReadFlowEvents returns a flow's invocations and completions merged into
// one stream ordered by seq, invocations before completions on ties.
func (s *Store) ReadFlowEvents(ctx context.Context, flowToken string) ([]FlowEvent, error) {
	invocations, completions, err := s.ReadFlow(ctx, flowToken)
	if err != nil {
		return nil, fmt.Errorf("read flow events: %w", err)
	}

	events := make([]FlowEvent, 0, len(invocations)+len(completions))
	for i := range invocations {
		inv := invocations[i]
		events = append(events, FlowEvent{Type: EventInvocation, Seq: inv.Seq, ID: inv.ID, Invocation: &inv})
	}
	for i := range completions {
		comp := completions[i]
		events = append(events, FlowEvent{Type: EventCompletion, Seq: comp.Seq, ID: comp.ID, Completion: &comp})
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})
	return events, nil
}

// PendingInvocations returns invocations without a completion across all
// flows. After a crash these are re-run on startup.
func (s *Store) PendingInvocations(ctx context.Context) ([]ir.Invocation, error) {
	return s.queryInvocations(ctx, `
		SELECT i.id, i.flow_token, i.action_uri, i.args, i.seq, i.engine_version, i.ir_version
		FROM invocations i
		LEFT JOIN completions c ON i.id = c.invocation_id
		WHERE c.id IS NULL
		ORDER BY i.seq ASC, i.id COLLATE BINARY ASC
	`)
}

// LastSeq returns the highest seq in the log, so the logical clock can
// resume past it.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			(SELECT COALESCE(MAX(seq), 0) FROM invocations),
			(SELECT COALESCE(MAX(seq), 0) FROM completions),
			(SELECT COALESCE(MAX(seq), 0) FROM rule_firings)
		)
	`).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return maxSeq, nil
}

// ListFlowTokens returns every flow token, ordered by first appearance.
func (s *Store) ListFlowTokens(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_token FROM invocations
		GROUP BY flow_token
		ORDER BY MIN(seq) ASC, flow_token ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list flow tokens: %w", err)
	}
	defer rows.Close()

	tokens := []string{}
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan flow token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow tokens: %w", err)
	}
	return tokens, nil
}
