package concepts

import (
	"context"
	"database/sql"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

var (
	friendsOf = queryir.Select{
		From:   "friends",
		Filter: queryir.Where("user_id", "user"),
		Fields: map[string]string{"friend_id": "friend"},
	}
	friendPair = queryir.Select{
		From:   "friends",
		Filter: queryir.Where("user_id", "user1", "friend_id", "user2"),
		Fields: map[string]string{"friend_id": "friend"},
	}
	pendingRequest = queryir.Select{
		From:   "friend_requests",
		Filter: queryir.Where("requester", "requester", "requestee", "requestee"),
		Fields: map[string]string{"requester": "requester"},
	}
	incomingRequests = queryir.Select{
		From:   "friend_requests",
		Filter: queryir.Where("requestee", "user"),
		Fields: map[string]string{"requester": "requester"},
	}
	outgoingRequests = queryir.Select{
		From:   "friend_requests",
		Filter: queryir.Where("requester", "user"),
		Fields: map[string]string{"requestee": "requestee"},
	}
)

// Friending tracks friend requests and mutual friendships.
type Friending struct {
	st *State
}

func NewFriending(st *State) *Friending {
	return &Friending{st: st}
}

func (f *Friending) Name() string { return "Friending" }

func (f *Friending) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"requestFriend": f.requestFriend,
		"acceptFriend":  f.acceptFriend,
		"rejectFriend":  f.rejectFriend,
		"removeFriend":  f.removeFriend,
	}
}

func (f *Friending) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_getAllFriends":                f.getAllFriends,
		"_areTheyFriends":               f.areTheyFriends,
		"_getAllIncomingFriendRequests": f.getIncoming,
		"_getAllOutgoingFriendRequests": f.getOutgoing,
	}
}

func (f *Friending) friends(ctx context.Context, a, b string) (bool, error) {
	return f.st.exists(ctx, friendPair, ir.IRObject{"user1": ir.IRString(a), "user2": ir.IRString(b)})
}

func (f *Friending) pending(ctx context.Context, requester, requestee string) (bool, error) {
	return f.st.exists(ctx, pendingRequest, ir.IRObject{
		"requester": ir.IRString(requester),
		"requestee": ir.IRString(requestee),
	})
}

func (f *Friending) requestFriend(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	requester, requestee, err := pairArgs(args, "requester", "requestee")
	if err != nil {
		return nil, err
	}
	if requester == requestee {
		return nil, concept.Fail("Cannot send a friend request to oneself.")
	}
	already, err := f.friends(ctx, requester, requestee)
	if err != nil {
		return nil, err
	}
	if already {
		return nil, concept.Fail("Users are already friends.")
	}
	for _, dir := range [][2]string{{requester, requestee}, {requestee, requester}} {
		exists, err := f.pending(ctx, dir[0], dir[1])
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, concept.Fail("A friend request already exists.")
		}
	}
	err = f.st.exec(ctx, `INSERT INTO friend_requests (requester, requestee) VALUES (?, ?)`, requester, requestee)
	if err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (f *Friending) acceptFriend(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	requester, requestee, err := pairArgs(args, "requester", "requestee")
	if err != nil {
		return nil, err
	}
	exists, err := f.pending(ctx, requester, requestee)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, concept.Fail("No pending friend request found.")
	}
	err = f.st.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM friend_requests WHERE requester = ? AND requestee = ?`, requester, requestee); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO friends (user_id, friend_id) VALUES (?, ?), (?, ?)`,
			requester, requestee, requestee, requester)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (f *Friending) rejectFriend(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	requester, requestee, err := pairArgs(args, "requester", "requestee")
	if err != nil {
		return nil, err
	}
	exists, err := f.pending(ctx, requester, requestee)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, concept.Fail("No pending friend request found to reject.")
	}
	err = f.st.exec(ctx, `DELETE FROM friend_requests WHERE requester = ? AND requestee = ?`, requester, requestee)
	if err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (f *Friending) removeFriend(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	remover, removed, err := pairArgs(args, "remover", "removed")
	if err != nil {
		return nil, err
	}
	already, err := f.friends(ctx, remover, removed)
	if err != nil {
		return nil, err
	}
	if !already {
		return nil, concept.Fail("These users are not friends.")
	}
	err = f.st.exec(ctx, `DELETE FROM friends WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`,
		remover, removed, removed, remover)
	if err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (f *Friending) getAllFriends(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return f.st.query(ctx, friendsOf, ir.IRObject{"user": ir.IRString(user)})
}

func (f *Friending) areTheyFriends(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	a, b, err := pairArgs(args, "user1", "user2")
	if err != nil {
		return nil, err
	}
	ok, err := f.friends(ctx, a, b)
	if err != nil {
		return nil, err
	}
	return single("areFriends", ir.IRBool(ok)), nil
}

func (f *Friending) getIncoming(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return f.st.query(ctx, incomingRequests, ir.IRObject{"user": ir.IRString(user)})
}

func (f *Friending) getOutgoing(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return f.st.query(ctx, outgoingRequests, ir.IRObject{"user": ir.IRString(user)})
}

func pairArgs(args ir.IRObject, a, b string) (string, string, error) {
	x, err := stringArg(args, a)
	if err != nil {
		return "", "", err
	}
	y, err := stringArg(args, b)
	if err != nil {
		return "", "", err
	}
	return x, y, nil
}
