package syncs

import (
	"context"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/ir"
)

const scheduleComparisonRef ir.ActionRef = "Scheduling._getScheduleComparison"

// eventEntry is the shape of one schedule entry in a reply.
var eventEntry = map[string]binding.Var{
	"event": "event",
	"name":  "name",
	"type":  "type",
	"times": "times",
	"score": "score",
}

// scheduleEntries expands each event of events into its catalog details
// and scorer's score for its course, or null when unscored, and collects
// them per request into results.
func scheduleEntries(ctx context.Context, q binding.Querier, authed, events binding.Set, scorer string) (binding.Set, error) {
	rows, err := events.Query(ctx, q, eventInfoRef, terms("event", "event"),
		vars("course", "course", "name", "name", "type", "type", "times", "times"))
	if err != nil {
		return binding.Set{}, err
	}
	rows, err = rows.LeftJoin(ctx, q, scoreRef, terms("user", scorer, "item", "course"),
		vars("score", "score"), ir.IRNull{})
	if err != nil {
		return binding.Set{}, err
	}
	rows, err = rows.Record("entry", eventEntry)
	if err != nil {
		return binding.Set{}, err
	}
	return collectOr(authed, rows, "entry", "results")
}

var scheduleVars = []string{"event", "course", "name", "type", "times", "score", "entry", "results"}

// Scheduling returns the rules serving schedules.
func Scheduling() []engine.Rule {
	var rules []engine.Rule

	for _, ep := range []struct{ id, path, action, status string }{
		{"schedule-add", "/Scheduling/scheduleEvent", "Scheduling.scheduleEvent", "scheduled"},
		{"schedule-remove", "/Scheduling/unscheduleEvent", "Scheduling.unscheduleEvent", "unscheduled"},
	} {
		rules = append(rules, endpoint{
			id:     ep.id,
			path:   ep.path,
			fields: []string{"session", "event"},
			checks: []check{session("user", msgUnauthorized)},
			action: ir.ActionRef(ep.action),
			args:   terms("user", "user", "event", "event"),
			reply:  map[string]ir.Term{"status": lit(ep.status)},
		}.rules()...)
	}

	// Another user's schedule with their scores.
	rules = append(rules, view{
		id:     "schedule-view",
		path:   "/Scheduling/_getUserSchedule",
		fields: []string{"session", "targetUser"},
		checks: []check{session("currentUser", msgUnauthorized)},
		uses:   []ir.ActionRef{userScheduleRef, eventInfoRef, scoreRef},
		binds:  scheduleVars,
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			events, err := authed.Query(ctx, q, userScheduleRef, terms("user", "targetUser"), vars("event", "event"))
			if err != nil {
				return binding.Set{}, err
			}
			return scheduleEntries(ctx, q, authed, events, "targetUser")
		},
		reply: terms("results", "results"),
	}.rules()...)

	// Events the caller shares with user2, with the caller's scores.
	rules = append(rules, view{
		id:     "schedule-compare",
		path:   "/Scheduling/_compareSchedules",
		fields: []string{"session", "user2"},
		checks: []check{session("user1", msgUnauthorized)},
		uses:   []ir.ActionRef{scheduleComparisonRef, eventInfoRef, scoreRef},
		binds:  scheduleVars,
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			events, err := authed.Query(ctx, q, scheduleComparisonRef, terms("user1", "user1", "user2", "user2"), vars("event", "event"))
			if err != nil {
				return binding.Set{}, err
			}
			return scheduleEntries(ctx, q, authed, events, "user1")
		},
		reply: terms("results", "results"),
	}.rules()...)

	return rules
}
