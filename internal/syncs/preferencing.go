package syncs

import (
	"context"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/ir"
)

const (
	userScheduleRef ir.ActionRef = "Scheduling._getUserSchedule"
	eventInfoRef    ir.ActionRef = "CourseCatalog._getEventInfo"
	scoreRef        ir.ActionRef = "Preferencing._getScore"
)

const msgNotScheduled = "Item not in user's schedule"

// scheduledCourse keeps the requests whose item is the course of an event
// in user's schedule.
func scheduledCourse(user, item string) check {
	return exists(msgNotScheduled, []ir.ActionRef{userScheduleRef, eventInfoRef},
		func(ctx context.Context, q binding.Querier, s binding.Set) (binding.Set, error) {
			s, err := s.Query(ctx, q, userScheduleRef, terms("user", user), vars("event", "event"))
			if err != nil {
				return binding.Set{}, err
			}
			s, err = s.Query(ctx, q, eventInfoRef, terms("event", "event"), vars("course", "course"))
			if err != nil {
				return binding.Set{}, err
			}
			return s.Filter(func(env binding.Env) bool {
				course, _ := env.Get("course")
				want, _ := env.Get(binding.Var(item))
				return course != nil && ir.Equal(course, want)
			}), nil
		})
}

// Preferencing returns the rules serving preference scores.
func Preferencing() []engine.Rule {
	var rules []engine.Rule

	// Scores are only accepted for courses the caller has scheduled.
	rules = append(rules, endpoint{
		id:     "score-add",
		path:   "/Preferencing/addScore",
		fields: []string{"session", "item", "score"},
		checks: []check{
			session("user", msgUnauthorized),
			scheduledCourse("user", "item"),
		},
		action: "Preferencing.addScore",
		args:   terms("user", "user", "item", "item", "score", "score"),
	}.rules()...)

	rules = append(rules, endpoint{
		id:     "score-remove",
		path:   "/Preferencing/removeScore",
		fields: []string{"session", "item"},
		checks: []check{session("user", msgUnauthorized)},
		action: "Preferencing.removeScore",
		args:   terms("user", "user", "item", "item"),
	}.rules()...)

	rules = append(rules, view{
		id:     "score-items",
		path:   "/Preferencing/_getAllItems",
		fields: []string{"session"},
		checks: []check{session("user", msgUnauthorized)},
		uses:   []ir.ActionRef{"Preferencing._getAllItems"},
		binds:  []string{"item", "results"},
		shape: func(ctx context.Context, q binding.Querier, authed binding.Set) (binding.Set, error) {
			rows, err := authed.Query(ctx, q, "Preferencing._getAllItems", terms("user", "user"), vars("item", "item"))
			if err != nil {
				return binding.Set{}, err
			}
			return collectOr(authed, rows, "item", "results")
		},
		reply: terms("results", "results"),
	}.rules()...)

	return rules
}
