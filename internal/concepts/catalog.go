package concepts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

var (
	courseByName = queryir.Select{
		From:   "courses",
		Filter: queryir.Where("name", "name"),
		Fields: map[string]string{"id": "course"},
	}
	courseByID = queryir.Select{
		From:   "courses",
		Filter: queryir.Where("id", "course"),
		Fields: map[string]string{"id": "course"},
	}
	allCourses = queryir.Select{
		From:    "courses",
		Fields:  map[string]string{"id": "course", "name": "name"},
		OrderBy: []string{"name"},
	}
	courseEvents = queryir.Select{
		From:   "course_events",
		Filter: queryir.Where("course_id", "course"),
		Fields: map[string]string{"id": "event", "event_type": "type"},
	}
	eventInfo = queryir.Join{
		Left: queryir.Select{
			From:   "course_events",
			Filter: queryir.Where("id", "event"),
			Fields: map[string]string{"id": "event", "course_id": "course", "event_type": "type", "times": "times"},
		},
		Right: queryir.Select{
			From:   "courses",
			Fields: map[string]string{"name": "name"},
		},
		On: []queryir.On{{Left: "course_id", Right: "id"}},
	}
)

// CourseCatalog holds the courses offered and the meeting times of their
// lectures, recitations and labs.
type CourseCatalog struct {
	st *State
}

func NewCourseCatalog(st *State) *CourseCatalog {
	return &CourseCatalog{st: st}
}

func (c *CourseCatalog) Name() string { return "CourseCatalog" }

func (c *CourseCatalog) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"createOrGetCourse": c.createOrGetCourse,
		"removeCourse":      c.removeCourse,
	}
}

func (c *CourseCatalog) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_getEventInfo": c.getEventInfo,
		"_getCourses":   c.getCourses,
	}
}

type courseEvent struct {
	kind  string
	times ir.IRObject
}

// createOrGetCourse defines a course by name. Redefining an existing course
// replaces its events but keeps the IDs of events whose type survives.
func (c *CourseCatalog) createOrGetCourse(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}
	info, err := optionalString(args, "info")
	if err != nil {
		return nil, err
	}
	tags, err := arrayArg(args, "tags")
	if err != nil {
		return nil, err
	}
	rawEvents, err := arrayArg(args, "events")
	if err != nil {
		return nil, err
	}
	events, err := parseCourseEvents(rawEvents)
	if err != nil {
		return nil, err
	}
	tagsJSON, err := ir.MarshalCanonical(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	rows, err := c.st.query(ctx, courseByName, ir.IRObject{"name": ir.IRString(name)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		id := c.st.newID()
		err = c.st.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO courses (id, name, tags, info) VALUES (?, ?, ?, ?)`,
				id, name, string(tagsJSON), info)
			if err != nil {
				return err
			}
			return c.st.insertEvents(ctx, tx, id, events, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("concepts: create course: %w", err)
		}
		return ir.IRObject{"course": ir.IRString(id)}, nil
	}

	course := rows[0]["course"]
	existing, err := c.st.query(ctx, courseEvents, ir.IRObject{"course": course})
	if err != nil {
		return nil, err
	}
	byType := make(map[string]string, len(existing))
	for _, row := range existing {
		byType[string(row["type"].(ir.IRString))] = string(row["event"].(ir.IRString))
	}
	err = c.st.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE courses SET tags = ?, info = ? WHERE id = ?`, string(tagsJSON), info, string(course.(ir.IRString)))
		if err != nil {
			return err
		}
		keep := make(map[string]bool, len(events))
		for _, ev := range events {
			keep[ev.kind] = true
		}
		for kind, id := range byType {
			if !keep[kind] {
				if _, err := tx.ExecContext(ctx, `DELETE FROM course_events WHERE id = ?`, id); err != nil {
					return err
				}
			}
		}
		return c.st.insertEvents(ctx, tx, string(course.(ir.IRString)), events, byType)
	})
	if err != nil {
		return nil, fmt.Errorf("concepts: update course: %w", err)
	}
	return ir.IRObject{"course": course}, nil
}

func (s *State) insertEvents(ctx context.Context, tx *sql.Tx, course string, events []courseEvent, existing map[string]string) error {
	for _, ev := range events {
		times, err := ir.MarshalCanonical(ev.times)
		if err != nil {
			return err
		}
		if id, ok := existing[ev.kind]; ok {
			if _, err := tx.ExecContext(ctx, `UPDATE course_events SET times = ? WHERE id = ?`, string(times), id); err != nil {
				return err
			}
			continue
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO course_events (id, course_id, event_type, times) VALUES (?, ?, ?, ?)`,
			s.newID(), course, ev.kind, string(times))
		if err != nil {
			return err
		}
	}
	return nil
}

func parseCourseEvents(raw ir.IRArray) ([]courseEvent, error) {
	events := make([]courseEvent, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, v := range raw {
		obj, ok := v.(ir.IRObject)
		if !ok {
			return nil, concept.Fail("Each event must be an object.")
		}
		kind, err := stringArg(obj, "type")
		if err != nil {
			return nil, err
		}
		if seen[kind] {
			return nil, concept.Failf("Duplicate event type %s.", kind)
		}
		seen[kind] = true
		times, ok := obj["times"].(ir.IRObject)
		if !ok {
			return nil, concept.Failf("Event %s has no meeting time.", kind)
		}
		start, err := clockMinutes(times, "startTime")
		if err != nil {
			return nil, err
		}
		end, err := clockMinutes(times, "endTime")
		if err != nil {
			return nil, err
		}
		if start >= end {
			return nil, concept.Failf("Invalid meeting time: startTime must be before endTime for event of type %s", kind)
		}
		if _, err := arrayArg(times, "days"); err != nil {
			return nil, err
		}
		events = append(events, courseEvent{kind: kind, times: times})
	}
	return events, nil
}

// clockMinutes reads an "HH:mm" field as minutes after midnight.
func clockMinutes(times ir.IRObject, field string) (int, error) {
	s, err := stringArg(times, field)
	if err != nil {
		return 0, err
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, concept.Failf("Invalid %s %q: expected HH:mm.", field, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c *CourseCatalog) removeCourse(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	course, err := stringArg(args, "course")
	if err != nil {
		return nil, err
	}
	found, err := c.st.exists(ctx, courseByID, ir.IRObject{"course": ir.IRString(course)})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, concept.Failf("Course with id '%s' not found", course)
	}
	if err := c.st.exec(ctx, `DELETE FROM courses WHERE id = ?`, course); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (c *CourseCatalog) getEventInfo(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	event, err := stringArg(args, "event")
	if err != nil {
		return nil, err
	}
	rows, err := c.st.query(ctx, eventInfo, ir.IRObject{"event": ir.IRString(event)})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		raw, _ := row["times"].(ir.IRString)
		times, err := decodeObject(string(raw))
		if err != nil {
			return nil, err
		}
		row["times"] = times
	}
	return rows, nil
}

func (c *CourseCatalog) getCourses(ctx context.Context, _ ir.IRObject) ([]ir.IRObject, error) {
	return c.st.query(ctx, allCourses, nil)
}
