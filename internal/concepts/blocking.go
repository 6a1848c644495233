package concepts

import (
	"context"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

var (
	blockPair = queryir.Select{
		From:   "blocks",
		Filter: queryir.Where("blocker", "blocker", "blocked", "blocked"),
		Fields: map[string]string{"blocked": "user"},
	}
	blockedBy = queryir.Select{
		From:   "blocks",
		Filter: queryir.Where("blocker", "user"),
		Fields: map[string]string{"blocked": "user"},
	}
)

// Blocking lets a user hide other users from themselves.
type Blocking struct {
	st *State
}

func NewBlocking(st *State) *Blocking {
	return &Blocking{st: st}
}

func (b *Blocking) Name() string { return "Blocking" }

func (b *Blocking) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"blockUser":   b.blockUser,
		"unblockUser": b.unblockUser,
	}
}

func (b *Blocking) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_isUserBlocked": b.isUserBlocked,
		"_blockedUsers":  b.blockedUsers,
	}
}

func (b *Blocking) blocked(ctx context.Context, blocker, blocked string) (bool, error) {
	return b.st.exists(ctx, blockPair, ir.IRObject{"blocker": ir.IRString(blocker), "blocked": ir.IRString(blocked)})
}

// blockUser is idempotent.
func (b *Blocking) blockUser(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	blocker, target, err := pairArgs(args, "blocker", "userToBlock")
	if err != nil {
		return nil, err
	}
	if blocker == target {
		return nil, concept.Fail("Cannot block oneself.")
	}
	err = b.st.exec(ctx, `INSERT INTO blocks (blocker, blocked) VALUES (?, ?) ON CONFLICT DO NOTHING`, blocker, target)
	if err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (b *Blocking) unblockUser(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	blocker, target, err := pairArgs(args, "blocker", "userToUnblock")
	if err != nil {
		return nil, err
	}
	ok, err := b.blocked(ctx, blocker, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, concept.Fail("User is not blocked.")
	}
	if err := b.st.exec(ctx, `DELETE FROM blocks WHERE blocker = ? AND blocked = ?`, blocker, target); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

// isUserBlocked reports whether primaryUser has blocked secondaryUser.
func (b *Blocking) isUserBlocked(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	primary, secondary, err := pairArgs(args, "primaryUser", "secondaryUser")
	if err != nil {
		return nil, err
	}
	ok, err := b.blocked(ctx, primary, secondary)
	if err != nil {
		return nil, err
	}
	return single("result", ir.IRBool(ok)), nil
}

func (b *Blocking) blockedUsers(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return b.st.query(ctx, blockedBy, ir.IRObject{"user": ir.IRString(user)})
}
