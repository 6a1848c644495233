package concepts

import (
	"context"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

var (
	scoreOf = queryir.Select{
		From:   "preferences",
		Filter: queryir.Where("user_id", "user", "item", "item"),
		Fields: map[string]string{"score": "score"},
	}
	scoredItems = queryir.Select{
		From:   "preferences",
		Filter: queryir.Where("user_id", "user"),
		Fields: map[string]string{"item": "item"},
	}
)

// Preferencing stores one integer score per (user, item).
type Preferencing struct {
	st *State
}

func NewPreferencing(st *State) *Preferencing {
	return &Preferencing{st: st}
}

func (p *Preferencing) Name() string { return "Preferencing" }

func (p *Preferencing) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"addScore":    p.addScore,
		"removeScore": p.removeScore,
	}
}

func (p *Preferencing) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_getScore":    p.getScore,
		"_getAllItems": p.getAllItems,
	}
}

// addScore inserts or replaces the user's score for item.
func (p *Preferencing) addScore(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	user, item, err := pairArgs(args, "user", "item")
	if err != nil {
		return nil, err
	}
	score, err := intArg(args, "score")
	if err != nil {
		return nil, err
	}
	err = p.st.exec(ctx, `
		INSERT INTO preferences (id, user_id, item, score) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, item) DO UPDATE SET score = excluded.score
	`, p.st.newID(), user, item, score)
	if err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (p *Preferencing) removeScore(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	user, item, err := pairArgs(args, "user", "item")
	if err != nil {
		return nil, err
	}
	found, err := p.st.exists(ctx, scoreOf, ir.IRObject{"user": ir.IRString(user), "item": ir.IRString(item)})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, concept.Fail("User has not scored this item.")
	}
	if err := p.st.exec(ctx, `DELETE FROM preferences WHERE user_id = ? AND item = ?`, user, item); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (p *Preferencing) getScore(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, item, err := pairArgs(args, "user", "item")
	if err != nil {
		return nil, err
	}
	return p.st.query(ctx, scoreOf, ir.IRObject{"user": ir.IRString(user), "item": ir.IRString(item)})
}

func (p *Preferencing) getAllItems(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return p.st.query(ctx, scoredItems, ir.IRObject{"user": ir.IRString(user)})
}
