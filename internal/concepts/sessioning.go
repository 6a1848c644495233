package concepts

import (
	"context"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

var sessionUser = queryir.Select{
	From:   "sessions",
	Filter: queryir.Where("id", "session"),
	Fields: map[string]string{"user_id": "user"},
}

// Sessioning maps session tokens to users.
type Sessioning struct {
	st *State
}

func NewSessioning(st *State) *Sessioning {
	return &Sessioning{st: st}
}

func (s *Sessioning) Name() string { return "Sessioning" }

func (s *Sessioning) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"create": s.create,
		"delete": s.delete,
	}
}

func (s *Sessioning) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_getUser": s.getUser,
	}
}

func (s *Sessioning) create(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	id := s.st.newID()
	if err := s.st.exec(ctx, `INSERT INTO sessions (id, user_id) VALUES (?, ?)`, id, user); err != nil {
		return nil, err
	}
	return ir.IRObject{"session": ir.IRString(id)}, nil
}

func (s *Sessioning) delete(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	session, err := stringArg(args, "session")
	if err != nil {
		return nil, err
	}
	found, err := s.st.exists(ctx, sessionUser, ir.IRObject{"session": ir.IRString(session)})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, concept.Fail("Session not found.")
	}
	if err := s.st.exec(ctx, `DELETE FROM sessions WHERE id = ?`, session); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (s *Sessioning) getUser(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	session, err := stringArg(args, "session")
	if err != nil {
		return nil, err
	}
	return s.st.query(ctx, sessionUser, ir.IRObject{"session": ir.IRString(session)})
}
