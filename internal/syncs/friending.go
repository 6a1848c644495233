package syncs

import (
	"context"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/ir"
)

const userByUsernameRef ir.ActionRef = "UserAuthentication._getUserByUsername"

// username resolves the request field to the user variable as.
func username(field, as string) check {
	return lookup(userByUsernameRef, terms("username", field), vars("user", as), msgUserNotFound)
}

// Friending returns the rules serving friend requests and friend lists.
func Friending() []engine.Rule {
	var rules []engine.Rule

	// The caller sends a request to targetUsername.
	rules = append(rules, endpoint{
		id:     "friend-request",
		path:   "/friending/request",
		fields: []string{"session", "targetUsername"},
		checks: []check{
			session("requester", msgInvalidSession),
			username("targetUsername", "requestee"),
		},
		action: "Friending.requestFriend",
		args:   terms("requester", "requester", "requestee", "requestee"),
		reply:  map[string]ir.Term{"status": lit("sent")},
	}.rules()...)

	// The caller answers a request sent by requesterUsername.
	for _, ans := range []struct{ id, path, action, status string }{
		{"friend-accept", "/friending/accept", "Friending.acceptFriend", "accepted"},
		{"friend-reject", "/friending/reject", "Friending.rejectFriend", "rejected"},
	} {
		rules = append(rules, endpoint{
			id:     ans.id,
			path:   ans.path,
			fields: []string{"session", "requesterUsername"},
			checks: []check{
				session("requestee", msgInvalidSession),
				username("requesterUsername", "requester"),
			},
			action: ir.ActionRef(ans.action),
			args:   terms("requester", "requester", "requestee", "requestee"),
			reply:  map[string]ir.Term{"status": lit(ans.status)},
		}.rules()...)
	}

	rules = append(rules, endpoint{
		id:     "friend-remove",
		path:   "/friending/remove",
		fields: []string{"session", "friendUsername"},
		checks: []check{
			session("remover", msgInvalidSession),
			username("friendUsername", "removed"),
		},
		action: "Friending.removeFriend",
		args:   terms("remover", "remover", "removed", "removed"),
		reply:  map[string]ir.Term{"status": lit("removed")},
	}.rules()...)

	rules = append(rules, userList("friend-list", "/Friending/_getAllFriends",
		"Friending._getAllFriends", "friend", "friends")...)
	rules = append(rules, userList("friend-incoming", "/Friending/_getAllIncomingFriendRequests",
		"Friending._getAllIncomingFriendRequests", "requester", "requesters")...)
	rules = append(rules, userList("friend-outgoing", "/Friending/_getAllOutgoingFriendRequests",
		"Friending._getAllOutgoingFriendRequests", "requestee", "requestees")...)
	return rules
}

// userList answers path with the caller's rows of ref, each as {field: id},
// under result.
func userList(id, path string, ref ir.ActionRef, field, result string) []engine.Rule {
	return view{
		id:     id,
		path:   path,
		fields: []string{"session"},
		checks: []check{session("user", msgInvalidSession)},
		uses:   []ir.ActionRef{ref},
		binds:  []string{field, "entry", result},
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := authed.Query(ctx, q, ref, terms("user", "user"), vars(field, field))
			if err != nil {
				return binding.Set{}, err
			}
			rows, err = rows.Record("entry", map[string]binding.Var{field: binding.Var(field)})
			if err != nil {
				return binding.Set{}, err
			}
			return collectOr(authed, rows, "entry", binding.Var(result))
		},
		reply: terms(result, result),
	}.rules()
}
