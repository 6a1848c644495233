package concepts

import (
	"context"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

var (
	userSchedule = queryir.Select{
		From:   "schedules",
		Filter: queryir.Where("user_id", "user"),
		Fields: map[string]string{"event_id": "event"},
	}
	scheduledEvent = queryir.Select{
		From:   "schedules",
		Filter: queryir.Where("user_id", "user", "event_id", "event"),
		Fields: map[string]string{"event_id": "event"},
	}
	// Events both users have scheduled, in user1's order.
	scheduleComparison = queryir.Join{
		Left: queryir.Select{
			From:   "schedules",
			Filter: queryir.Where("user_id", "user1"),
			Fields: map[string]string{"event_id": "event"},
		},
		Right: queryir.Select{
			From:   "schedules",
			Filter: queryir.Where("user_id", "user2"),
			Fields: map[string]string{},
		},
		On: []queryir.On{{Left: "event_id", Right: "event_id"}},
	}
)

// Scheduling records which events each user attends.
type Scheduling struct {
	st *State
}

func NewScheduling(st *State) *Scheduling {
	return &Scheduling{st: st}
}

func (s *Scheduling) Name() string { return "Scheduling" }

func (s *Scheduling) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"scheduleEvent":   s.scheduleEvent,
		"unscheduleEvent": s.unscheduleEvent,
	}
}

func (s *Scheduling) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_getUserSchedule":       s.getUserSchedule,
		"_getScheduleComparison": s.getScheduleComparison,
	}
}

func (s *Scheduling) isScheduled(ctx context.Context, user, event string) (bool, error) {
	return s.st.exists(ctx, scheduledEvent, ir.IRObject{"user": ir.IRString(user), "event": ir.IRString(event)})
}

func (s *Scheduling) scheduleEvent(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	user, event, err := pairArgs(args, "user", "event")
	if err != nil {
		return nil, err
	}
	ok, err := s.isScheduled(ctx, user, event)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, concept.Fail("Event already scheduled.")
	}
	if err := s.st.exec(ctx, `INSERT INTO schedules (user_id, event_id) VALUES (?, ?)`, user, event); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (s *Scheduling) unscheduleEvent(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	user, event, err := pairArgs(args, "user", "event")
	if err != nil {
		return nil, err
	}
	ok, err := s.isScheduled(ctx, user, event)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, concept.Fail("Event not scheduled.")
	}
	if err := s.st.exec(ctx, `DELETE FROM schedules WHERE user_id = ? AND event_id = ?`, user, event); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (s *Scheduling) getUserSchedule(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return s.st.query(ctx, userSchedule, ir.IRObject{"user": ir.IRString(user)})
}

func (s *Scheduling) getScheduleComparison(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	a, b, err := pairArgs(args, "user1", "user2")
	if err != nil {
		return nil, err
	}
	return s.st.query(ctx, scheduleComparison, ir.IRObject{"user1": ir.IRString(a), "user2": ir.IRString(b)})
}
