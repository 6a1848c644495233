package syncs

import (
	"context"
	"fmt"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/ir"
)

const (
	allFriendsRef ir.ActionRef = "Friending._getAllFriends"
	usernameRef   ir.ActionRef = "UserAuthentication._getUsername"
)

var eventFriendVars = []string{"friend", "username", "event", "pal", "friends", "entry", "results"}

// friendSchedules joins the caller with each friend, the friend's
// username and every event on the friend's schedule.
func friendSchedules(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
	rows, err := authed.Query(ctx, q, allFriendsRef, terms("user", "user"), vars("friend", "friend"))
	if err != nil {
		return binding.Set{}, err
	}
	rows, err = rows.Query(ctx, q, usernameRef, terms("user", "friend"), vars("username", "username"))
	if err != nil {
		return binding.Set{}, err
	}
	return rows.Query(ctx, q, userScheduleRef, terms("user", "friend"), vars("event", "event"))
}

// byEvent groups rows into one {event, friends} entry per event, friends
// being the {friend, username} records attending it.
func byEvent(rows binding.Set) (binding.Set, error) {
	rows, err := rows.Record("pal", map[string]binding.Var{"friend": "friend", "username": "username"})
	if err != nil {
		return binding.Set{}, err
	}
	rows, err = rows.CollectAs([]binding.Var{requestVar, "event"}, "pal", "friends")
	if err != nil {
		return binding.Set{}, err
	}
	return rows.Record("entry", map[string]binding.Var{"event": "event", "friends": "friends"})
}

// EventFriends returns the rules that show which friends attend which
// events.
func EventFriends() []engine.Rule {
	var rules []engine.Rule

	rules = append(rules, view{
		id:     "friends-events",
		path:   "/getFriendsEvents",
		fields: []string{"session"},
		checks: []check{session("user", msgInvalidSession)},
		uses:   []ir.ActionRef{allFriendsRef, usernameRef, userScheduleRef},
		binds:  eventFriendVars,
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := friendSchedules(ctx, q, authed)
			if err != nil {
				return binding.Set{}, err
			}
			entries, err := byEvent(rows)
			if err != nil {
				return binding.Set{}, err
			}
			return collectOr(authed, entries, "entry", "results")
		},
		reply: terms("results", "results"),
	}.rules()...)

	// Only the requested events. With no friend attending any of them,
	// every requested event is listed with no friends.
	rules = append(rules, view{
		id:     "event-friends",
		path:   "/getEventFriends",
		fields: []string{"session", "events"},
		checks: []check{session("user", msgInvalidSession)},
		uses:   []ir.ActionRef{allFriendsRef, usernameRef, userScheduleRef},
		binds:  eventFriendVars,
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := friendSchedules(ctx, q, authed)
			if err != nil {
				return binding.Set{}, err
			}
			rows = rows.Filter(func(env binding.Env) bool {
				event, _ := env.Get("event")
				requested, _ := env.Get("events")
				return contains(requested, event)
			})
			entries, err := byEvent(rows)
			if err != nil {
				return binding.Set{}, err
			}
			found, err := entries.CollectAs([]binding.Var{requestVar}, "entry", "results")
			if err != nil {
				return binding.Set{}, err
			}
			empty, err := authed.Orphans(found).Map(noFriends)
			if err != nil {
				return binding.Set{}, err
			}
			return found.Union(empty), nil
		},
		reply: terms("results", "results"),
	}.rules()...)

	return rules
}

// noFriends binds results to one entry with no friends per requested
// event. Anything but an array requests no events.
func noFriends(env binding.Env) (binding.Env, error) {
	requested, _ := env.Get("events")
	list, _ := requested.(ir.IRArray)
	results := make(ir.IRArray, len(list))
	for i, ev := range list {
		results[i] = ir.IRObject{"event": ev, "friends": ir.IRArray{}}
	}
	next, ok := env.With("results", results)
	if !ok {
		return binding.Env{}, fmt.Errorf("results already bound")
	}
	return next, nil
}

func contains(list ir.IRValue, v ir.IRValue) bool {
	arr, ok := list.(ir.IRArray)
	if !ok || v == nil {
		return false
	}
	for _, item := range arr {
		if ir.Equal(item, v) {
			return true
		}
	}
	return false
}
