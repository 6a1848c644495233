package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/syncflow/internal/ir"
)

const invocationColumns = `id, flow_token, action_uri, args, seq, engine_version, ir_version`

// ReadFlow returns the invocations and completions of a flow, each ordered
// by seq ASC, id ASC. Empty slices, never nil.
func (s *Store) ReadFlow(ctx context.Context, flowToken string) ([]ir.Invocation, []ir.Completion, error) {
	invocations, err := s.queryInvocations(ctx, `
		SELECT `+invocationColumns+`
		FROM invocations
		WHERE flow_token = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, flowToken)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.invocation_id, c.output_case, c.result, c.seq
		FROM completions c
		JOIN invocations i ON c.invocation_id = i.id
		WHERE i.flow_token = ?
		ORDER BY c.seq ASC, c.id COLLATE BINARY ASC
	`, flowToken)
	if err != nil {
		return nil, nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	completions := []ir.Completion{}
	for rows.Next() {
		comp, err := scanCompletion(rows)
		if err != nil {
			return nil, nil, err
		}
		completions = append(completions, comp)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate completions: %w", err)
	}
	return invocations, completions, nil
}

// ReadFlowRecords returns the completed actions of a flow, each invocation
// joined with its completion, ordered by completion seq. Pattern matching
// over flow history reads this.
func (s *Store) ReadFlowRecords(ctx context.Context, flowToken string) ([]ir.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.flow_token, i.action_uri, i.args, i.seq, i.engine_version, i.ir_version,
		       c.id, c.invocation_id, c.output_case, c.result, c.seq
		FROM invocations i
		JOIN completions c ON c.invocation_id = i.id
		WHERE i.flow_token = ?
		ORDER BY c.seq ASC, c.id COLLATE BINARY ASC
	`, flowToken)
	if err != nil {
		return nil, fmt.Errorf("read flow records: %w", err)
	}
	defer rows.Close()

	records := []ir.ActionRecord{}
	for rows.Next() {
		var (
			inv                ir.Invocation
			comp               ir.Completion
			actionURI          string
			argsJSON, resultJS string
		)
		err := rows.Scan(
			&inv.ID, &inv.FlowToken, &actionURI, &argsJSON, &inv.Seq, &inv.EngineVersion, &inv.IRVersion,
			&comp.ID, &comp.InvocationID, &comp.OutputCase, &resultJS, &comp.Seq,
		)
		if err != nil {
			return nil, fmt.Errorf("scan flow record: %w", err)
		}
		inv.ActionURI = ir.ActionRef(actionURI)
		if inv.Args, err = unmarshalObject(argsJSON); err != nil {
			return nil, fmt.Errorf("flow record %s: %w", inv.ID, err)
		}
		if comp.Result, err = unmarshalObject(resultJS); err != nil {
			return nil, fmt.Errorf("flow record %s: %w", comp.ID, err)
		}
		records = append(records, ir.ActionRecord{Invocation: inv, Completion: comp})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow records: %w", err)
	}
	return records, nil
}

// ReadInvocation returns one invocation. sql.ErrNoRows if absent.
func (s *Store) ReadInvocation(ctx context.Context, id string) (ir.Invocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	return scanInvocation(row)
}

// ReadCompletion returns one completion. sql.ErrNoRows if absent.
func (s *Store) ReadCompletion(ctx context.Context, id string) (ir.Completion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, invocation_id, output_case, result, seq
		FROM completions
		WHERE id = ?
	`, id)
	return scanCompletion(row)
}

// ReadCompletionFor returns the completion of an invocation, if any.
func (s *Store) ReadCompletionFor(ctx context.Context, invocationID string) (ir.Completion, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, invocation_id, output_case, result, seq
		FROM completions
		WHERE invocation_id = ?
	`, invocationID)
	comp, err := scanCompletion(row)
	if err == sql.ErrNoRows {
		return ir.Completion{}, false, nil
	}
	if err != nil {
		return ir.Completion{}, false, err
	}
	return comp, true, nil
}

// ReadFiringsForCompletion returns the rule firings a completion caused.
func (s *Store) ReadFiringsForCompletion(ctx context.Context, completionID string) ([]ir.RuleFiring, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, completion_id, rule_id, binding_hash, bindings, seq
		FROM rule_firings
		WHERE completion_id = ?
		ORDER BY seq ASC, id ASC
	`, completionID)
	if err != nil {
		return nil, fmt.Errorf("read firings: %w", err)
	}
	defer rows.Close()

	firings := []ir.RuleFiring{}
	for rows.Next() {
		var (
			f            ir.RuleFiring
			bindingsJSON string
		)
		if err := rows.Scan(&f.ID, &f.CompletionID, &f.RuleID, &f.BindingHash, &bindingsJSON, &f.Seq); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		if f.Bindings, err = unmarshalObject(bindingsJSON); err != nil {
			return nil, fmt.Errorf("firing %d: %w", f.ID, err)
		}
		firings = append(firings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firings: %w", err)
	}
	return firings, nil
}

// ReadProvenance returns the edges pointing at an invocation. Invocations
// started from outside the engine have none.
func (s *Store) ReadProvenance(ctx context.Context, invocationID string) ([]ir.ProvenanceEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_firing_id, invocation_id
		FROM provenance_edges
		WHERE invocation_id = ?
		ORDER BY id ASC
	`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("read provenance: %w", err)
	}
	defer rows.Close()

	edges := []ir.ProvenanceEdge{}
	for rows.Next() {
		var e ir.ProvenanceEdge
		if err := rows.Scan(&e.ID, &e.RuleFiringID, &e.InvocationID); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provenance: %w", err)
	}
	return edges, nil
}

// ReadTriggered returns the invocations produced by rules firing on a
// completion, in dispatch order.
func (s *Store) ReadTriggered(ctx context.Context, completionID string) ([]ir.Invocation, error) {
	return s.queryInvocations(ctx, `
		SELECT i.id, i.flow_token, i.action_uri, i.args, i.seq, i.engine_version, i.ir_version
		FROM invocations i
		JOIN provenance_edges pe ON pe.invocation_id = i.id
		JOIN rule_firings rf ON rf.id = pe.rule_firing_id
		WHERE rf.completion_id = ?
		ORDER BY i.seq ASC, i.id COLLATE BINARY ASC
	`, completionID)
}

func (s *Store) queryInvocations(ctx context.Context, query string, args ...any) ([]ir.Invocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	invocations := []ir.Invocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return invocations, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row scanner) (ir.Invocation, error) {
	var (
		inv       ir.Invocation
		actionURI string
		argsJSON  string
	)
	err := row.Scan(&inv.ID, &inv.FlowToken, &actionURI, &argsJSON, &inv.Seq, &inv.EngineVersion, &inv.IRVersion)
	if err == sql.ErrNoRows {
		return ir.Invocation{}, err
	}
	if err != nil {
		return ir.Invocation{}, fmt.Errorf("scan invocation: %w", err)
	}
	inv.ActionURI = ir.ActionRef(actionURI)
	if inv.Args, err = unmarshalObject(argsJSON); err != nil {
		return ir.Invocation{}, fmt.Errorf("invocation %s: %w", inv.ID, err)
	}
	return inv, nil
}

func scanCompletion(row scanner) (ir.Completion, error) {
	var (
		comp       ir.Completion
		resultJSON string
	)
	err := row.Scan(&comp.ID, &comp.InvocationID, &comp.OutputCase, &resultJSON, &comp.Seq)
	if err == sql.ErrNoRows {
		return ir.Completion{}, err
	}
	if err != nil {
		return ir.Completion{}, fmt.Errorf("scan completion: %w", err)
	}
	if comp.Result, err = unmarshalObject(resultJSON); err != nil {
		return ir.Completion{}, fmt.Errorf("completion %s: %w", comp.ID, err)
	}
	return comp, nil
}
