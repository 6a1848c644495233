package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/syncflow/internal/ir"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WriteInvocation appends an invocation. Writing the same ID twice is a
// no-op.
func (s *Store) WriteInvocation(ctx context.Context, inv ir.Invocation) error {
	if err := insertInvocation(ctx, s.db, inv); err != nil {
		return fmt.Errorf("write invocation: %w", err)
	}
	return nil
}

func insertInvocation(ctx context.Context, db execer, inv ir.Invocation) error {
	argsJSON, err := marshalObject(inv.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO invocations
		(id, flow_token, action_uri, args, seq, engine_version, ir_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		inv.ID,
		inv.FlowToken,
		string(inv.ActionURI),
		argsJSON,
		inv.Seq,
		inv.EngineVersion,
		inv.IRVersion,
	)
	return err
}

// WriteCompletion appends a completion. An invocation has at most one
// completion; a second write for the same invocation is ignored.
func (s *Store) WriteCompletion(ctx context.Context, comp ir.Completion) error {
	resultJSON, err := marshalObject(comp.Result)
	if err != nil {
		return fmt.Errorf("write completion: marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO completions
		(id, invocation_id, output_case, result, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		comp.ID,
		comp.InvocationID,
		comp.OutputCase,
		resultJSON,
		comp.Seq,
	)
	if err != nil {
		return fmt.Errorf("write completion: %w", err)
	}
	return nil
}

// HasFiring reports whether (completion, rule, binding hash) was claimed.
func (s *Store) HasFiring(ctx context.Context, completionID, ruleID, bindingHash string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rule_firings
		WHERE completion_id = ? AND rule_id = ? AND binding_hash = ?
	`, completionID, ruleID, bindingHash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check firing: %w", err)
	}
	return count > 0, nil
}

// WriteRuleFiringAtomic claims a firing and, if the claim is new, writes
// the invocations it produced and their provenance edges, all in one
// transaction.
//
// inserted is false when the firing already existed; nothing else is
// written in that case and the caller must not dispatch.
func (s *Store) WriteRuleFiringAtomic(
	ctx context.Context,
	firing ir.RuleFiring,
	invs []ir.Invocation,
) (firingID int64, inserted bool, err error) {
	bindingsJSON, err := marshalObject(firing.Bindings)
	if err != nil {
		return 0, false, fmt.Errorf("atomic rule firing: marshal bindings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("atomic rule firing: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO rule_firings
		(completion_id, rule_id, binding_hash, bindings, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(completion_id, rule_id, binding_hash) DO NOTHING
	`,
		firing.CompletionID,
		firing.RuleID,
		firing.BindingHash,
		bindingsJSON,
		firing.Seq,
	)
	if err != nil {
		return 0, false, fmt.Errorf("atomic rule firing: insert firing: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("atomic rule firing: rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM rule_firings
			WHERE completion_id = ? AND rule_id = ? AND binding_hash = ?
		`, firing.CompletionID, firing.RuleID, firing.BindingHash).Scan(&firingID)
		if err != nil {
			return 0, false, fmt.Errorf("atomic rule firing: select existing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("atomic rule firing: commit (existing): %w", err)
		}
		return firingID, false, nil
	}

	firingID, err = result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("atomic rule firing: last insert id: %w", err)
	}

	for _, inv := range invs {
		if err := insertInvocation(ctx, tx, inv); err != nil {
			return 0, false, fmt.Errorf("atomic rule firing: write invocation: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO provenance_edges
			(rule_firing_id, invocation_id)
			VALUES (?, ?)
			ON CONFLICT(rule_firing_id, invocation_id) DO NOTHING
		`, firingID, inv.ID)
		if err != nil {
			return 0, false, fmt.Errorf("atomic rule firing: write provenance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("atomic rule firing: commit: %w", err)
	}
	return firingID, true, nil
}
