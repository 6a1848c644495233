package syncs

import (
	"context"
	"fmt"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/ir"
)

const (
	isGroupAdminRef  ir.ActionRef = "Grouping._isGroupAdmin"
	isGroupMemberRef ir.ActionRef = "Grouping._isGroupMember"
	isUserBlockedRef ir.ActionRef = "Blocking._isUserBlocked"
)

// admin gates a request on the caller administering group.
func admin() []check {
	return []check{
		session("user", msgInvalidSession),
		lookup(isGroupAdminRef, terms("group", "group", "user", "user"), vars("isAdmin", "isAdmin"), msgUnauthorized),
		holds("isAdmin", msgUnauthorized),
	}
}

// member gates a request on the caller belonging to group.
func member() []check {
	return []check{
		session("user", msgInvalidSession),
		lookup(isGroupMemberRef, terms("group", "group", "user", "user"), vars("inGroup", "inGroup"), msgUnauthorized),
		holds("inGroup", msgUnauthorized),
	}
}

// unblocked drops rows where the user in v has blocked the caller.
func unblocked(ctx context.Context, q binding.Querier, rows binding.Set, v string) (binding.Set, error) {
	rows, err := rows.Query(ctx, q, isUserBlockedRef,
		terms("primaryUser", v, "secondaryUser", "user"), vars("result", "blocked"))
	if err != nil {
		return binding.Set{}, err
	}
	return rows.Filter(func(env binding.Env) bool {
		val, _ := env.Get("blocked")
		b, ok := val.(ir.IRBool)
		return !ok || !bool(b)
	}), nil
}

// Grouping returns the rules serving groups.
func Grouping() []engine.Rule {
	var rules []engine.Rule

	rules = append(rules, endpoint{
		id:     "group-create",
		path:   "/Grouping/createGroup",
		fields: []string{"session", "name"},
		checks: []check{session("user", msgInvalidSession)},
		action: "Grouping.createGroup",
		args:   terms("name", "name", "admin", "user"),
		output: terms("group", "group"),
		reply:  terms("group", "group"),
	}.rules()...)

	rules = append(rules, endpoint{
		id:     "group-join",
		path:   "/Grouping/requestToJoin",
		fields: []string{"session", "group"},
		checks: []check{session("user", msgInvalidSession)},
		action: "Grouping.requestToJoin",
		args:   terms("group", "group", "requester", "user"),
	}.rules()...)

	// Administration. Only the group's admin may act.
	for _, ep := range []struct {
		id, path, action string
		fields           []string
	}{
		{"group-delete", "/Grouping/deleteGroup", "Grouping.deleteGroup", nil},
		{"group-rename", "/Grouping/renameGroup", "Grouping.renameGroup", []string{"newName"}},
		{"group-confirm", "/Grouping/confirmRequest", "Grouping.confirmRequest", []string{"requester"}},
		{"group-decline", "/Grouping/declineRequest", "Grouping.declineRequest", []string{"requester"}},
		{"group-remove-member", "/Grouping/removeMember", "Grouping.removeMember", []string{"member"}},
		{"group-adjust-role", "/Grouping/adjustRole", "Grouping.adjustRole", []string{"member", "newRole"}},
	} {
		args := terms("group", "group")
		for _, f := range ep.fields {
			args[f] = ir.Var(f)
		}
		rules = append(rules, endpoint{
			id:     ep.id,
			path:   ep.path,
			fields: append([]string{"session", "group"}, ep.fields...),
			checks: admin(),
			action: ir.ActionRef(ep.action),
			args:   args,
		}.rules()...)
	}

	rules = append(rules, view{
		id:     "group-members",
		path:   "/Grouping/_getMembers",
		fields: []string{"session", "group"},
		checks: member(),
		uses:   []ir.ActionRef{"Grouping._getMembers", isUserBlockedRef},
		binds:  []string{"member", "blocked", "entry", "members"},
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := authed.Query(ctx, q, "Grouping._getMembers", terms("group", "group"), vars("member", "member"))
			if err != nil {
				return binding.Set{}, err
			}
			rows, err = unblocked(ctx, q, rows, "member")
			if err != nil {
				return binding.Set{}, err
			}
			rows, err = rows.Record("entry", map[string]binding.Var{"member": "member"})
			if err != nil {
				return binding.Set{}, err
			}
			return collectOr(authed, rows, "entry", "members")
		},
		reply: terms("members", "members"),
	}.rules()...)

	rules = append(rules, view{
		id:     "group-requests",
		path:   "/Grouping/_getGroupRequests",
		fields: []string{"session", "group"},
		checks: admin(),
		uses:   []ir.ActionRef{"Grouping._getGroupRequests", isUserBlockedRef},
		binds:  []string{"joinRequester", "blocked", "entry", "requests"},
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := authed.Query(ctx, q, "Grouping._getGroupRequests", terms("group", "group"),
				vars("requestingUser", "joinRequester"))
			if err != nil {
				return binding.Set{}, err
			}
			rows, err = unblocked(ctx, q, rows, "joinRequester")
			if err != nil {
				return binding.Set{}, err
			}
			rows, err = rows.Record("entry", map[string]binding.Var{"requester": "joinRequester"})
			if err != nil {
				return binding.Set{}, err
			}
			return collectOr(authed, rows, "entry", "requests")
		},
		reply: terms("requests", "requests"),
	}.rules()...)

	rules = append(rules, view{
		id:     "group-admins",
		path:   "/Grouping/_getAdmins",
		fields: []string{"session", "group"},
		checks: member(),
		uses:   []ir.ActionRef{"Grouping._getAdmins"},
		binds:  []string{"admin", "admins"},
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := authed.Query(ctx, q, "Grouping._getAdmins", terms("group", "group"), vars("admin", "admin"))
			if err != nil {
				return binding.Set{}, err
			}
			return collectOr(authed, rows, "admin", "admins")
		},
		reply: terms("admins", "admins"),
	}.rules()...)

	// Which members of the requested groups attend which of the requested
	// events. Every requested event appears in the reply, mapped to the
	// groups with at least one visible member attending.
	rules = append(rules, view{
		id:     "group-members-in-events",
		path:   "/Grouping/_getMembersInEvents",
		fields: []string{"session", "groups", "events"},
		checks: []check{session("user", msgInvalidSession)},
		uses:   []ir.ActionRef{"Grouping._getMembers", isUserBlockedRef, userScheduleRef},
		binds:  []string{"group", "member", "blocked", "event", "users", "cell", "cells", "results"},
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := authed.Unnest("groups", "group").
				Query(ctx, q, "Grouping._getMembers", terms("group", "group"), vars("member", "member"))
			if err != nil {
				return binding.Set{}, err
			}
			rows, err = unblocked(ctx, q, rows, "member")
			if err != nil {
				return binding.Set{}, err
			}
			rows, err = rows.Query(ctx, q, userScheduleRef, terms("user", "member"), vars("event", "event"))
			if err != nil {
				return binding.Set{}, err
			}
			rows = rows.Filter(func(env binding.Env) bool {
				event, _ := env.Get("event")
				requested, _ := env.Get("events")
				return contains(requested, event)
			})
			cells, err := rows.CollectAs([]binding.Var{requestVar, "events", "event", "group"}, "member", "users")
			if err != nil {
				return binding.Set{}, err
			}
			cells, err = cells.Record("cell", map[string]binding.Var{"event": "event", "group": "group", "users": "users"})
			if err != nil {
				return binding.Set{}, err
			}
			found, err := cells.CollectAs([]binding.Var{requestVar, "events"}, "cell", "cells")
			if err != nil {
				return binding.Set{}, err
			}
			empty, err := authed.Orphans(found).Bind("cells", ir.IRArray{})
			if err != nil {
				return binding.Set{}, err
			}
			return found.Union(empty).Map(attendance)
		},
		reply: terms("results", "results"),
	}.rules()...)

	rules = append(rules, groupList("group-mine", "/Grouping/_getUserGroups", "Grouping._getUserGroups")...)
	rules = append(rules, groupList("group-my-requests", "/Grouping/_getUserRequests", "Grouping._getUserRequests")...)

	rules = append(rules, view{
		id:     "group-name",
		path:   "/Grouping/_getGroupName",
		fields: []string{"group"},
		checks: []check{
			lookup("Grouping._getGroupName", terms("group", "group"), vars("name", "name"), "Group not found"),
		},
		reply: terms("name", "name"),
	}.rules()...)

	rules = append(rules, view{
		id:     "group-is-member",
		path:   "/Grouping/_isGroupMember",
		fields: []string{"session", "group"},
		checks: []check{
			session("user", msgInvalidSession),
			lookup(isGroupMemberRef, terms("group", "group", "user", "user"), vars("inGroup", "inGroup"), msgUnauthorized),
		},
		reply: terms("inGroup", "inGroup"),
	}.rules()...)

	rules = append(rules, view{
		id:     "group-is-admin",
		path:   "/Grouping/_isGroupAdmin",
		fields: []string{"session", "group"},
		checks: []check{
			session("user", msgInvalidSession),
			lookup(isGroupAdminRef, terms("group", "group", "user", "user"), vars("isAdmin", "isAdmin"), msgUnauthorized),
		},
		reply: terms("isAdmin", "isAdmin"),
	}.rules()...)

	return rules
}

// groupList answers path with the group IDs ref returns for the caller.
func groupList(id, path string, ref ir.ActionRef) []engine.Rule {
	return view{
		id:     id,
		path:   path,
		fields: []string{"session"},
		checks: []check{session("user", msgInvalidSession)},
		uses:   []ir.ActionRef{ref},
		binds:  []string{"group", "groups"},
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := authed.Query(ctx, q, ref, terms("user", "user"), vars("group", "group"))
			if err != nil {
				return binding.Set{}, err
			}
			return collectOr(authed, rows, "group", "groups")
		},
		reply: terms("groups", "groups"),
	}.rules()
}

// attendance binds results to the event → group → users mapping built
// from cells. Every requested event has an entry, empty when no cell
// names it.
func attendance(env binding.Env) (binding.Env, error) {
	results := ir.IRObject{}
	requested, _ := env.Get("events")
	list, _ := requested.(ir.IRArray)
	for _, ev := range list {
		results[keyOf(ev)] = ir.IRObject{}
	}

	cells, _ := env.Get("cells")
	arr, _ := cells.(ir.IRArray)
	for _, c := range arr {
		cell, ok := c.(ir.IRObject)
		if !ok {
			continue
		}
		groups, ok := results[keyOf(cell["event"])].(ir.IRObject)
		if !ok {
			continue
		}
		users, _ := cell["users"].(ir.IRArray)
		groups[keyOf(cell["group"])] = distinct(users)
	}

	next, ok := env.With("results", results)
	if !ok {
		return binding.Env{}, fmt.Errorf("results already bound")
	}
	return next, nil
}

// keyOf renders v as an object key: strings as themselves, anything else
// in canonical form.
func keyOf(v ir.IRValue) string {
	if s, ok := v.(ir.IRString); ok {
		return string(s)
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func distinct(list ir.IRArray) ir.IRArray {
	out := make(ir.IRArray, 0, len(list))
	for _, v := range list {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
