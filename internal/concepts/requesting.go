package concepts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

// ErrAlreadyAnswered is the failure message for a second respond.
const ErrAlreadyAnswered = "request already answered"

var getResponse = queryir.Select{
	From:   "requests",
	Filter: queryir.Where("id", "request"),
	Fields: map[string]string{"response": "response"},
}

// Requesting turns inbound requests into actions and collects the one
// response rules produce for each.
type Requesting struct {
	st *State

	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	done chan struct{}
	refs int
}

// NewRequesting returns the Requesting concept.
func NewRequesting(st *State) *Requesting {
	return &Requesting{st: st, waiters: make(map[string]*waiter)}
}

func (r *Requesting) Name() string { return "Requesting" }

func (r *Requesting) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"request": r.request,
		"respond": r.respond,
	}
}

func (r *Requesting) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_getResponse": r.getResponse,
	}
}

// request records an inbound request. Every argument besides path is kept
// as the request's input.
func (r *Requesting) request(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	fields := make(ir.IRObject, len(args))
	for k, v := range args {
		if k != "path" {
			fields[k] = v
		}
	}
	input, err := ir.MarshalCanonical(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request input: %w", err)
	}
	id := r.st.newID()
	if err := r.st.exec(ctx, `INSERT INTO requests (id, path, input) VALUES (?, ?, ?)`, id, path, string(input)); err != nil {
		return nil, err
	}
	return ir.IRObject{"request": ir.IRString(id)}, nil
}

// respond stores the response and wakes anyone awaiting it. A request is
// answered at most once.
func (r *Requesting) respond(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	id, err := stringArg(args, "request")
	if err != nil {
		return nil, err
	}
	response := make(ir.IRObject, len(args))
	for k, v := range args {
		if k != "request" {
			response[k] = v
		}
	}
	body, err := ir.MarshalCanonical(response)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	var existing sql.NullString
	err = r.st.db.QueryRowContext(ctx, `SELECT response FROM requests WHERE id = ?`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, concept.Fail("Request not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("concepts: read request: %w", err)
	}
	if existing.Valid {
		slog.Warn("duplicate respond", "request", id)
		return nil, concept.Fail(ErrAlreadyAnswered)
	}

	if err := r.st.exec(ctx, `UPDATE requests SET response = ? WHERE id = ? AND response IS NULL`, string(body), id); err != nil {
		return nil, err
	}
	r.wake(id)
	return ir.IRObject{}, nil
}

func (r *Requesting) getResponse(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	id, err := stringArg(args, "request")
	if err != nil {
		return nil, err
	}
	rows, err := r.st.query(ctx, getResponse, ir.IRObject{"request": ir.IRString(id)})
	if err != nil {
		return nil, err
	}
	out := []ir.IRObject{}
	for _, row := range rows {
		raw, ok := row["response"].(ir.IRString)
		if !ok {
			continue
		}
		obj, err := decodeObject(string(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, ir.IRObject{"response": obj})
	}
	return out, nil
}

// Await blocks until request has been answered or ctx is done.
func (r *Requesting) Await(ctx context.Context, request string) (ir.IRObject, error) {
	for {
		w := r.join(request)
		rows, err := r.getResponse(ctx, ir.IRObject{"request": ir.IRString(request)})
		if err != nil {
			r.leave(request, w)
			return nil, err
		}
		if len(rows) > 0 {
			r.leave(request, w)
			return rows[0]["response"].(ir.IRObject), nil
		}
		select {
		case <-ctx.Done():
			r.leave(request, w)
			return nil, ctx.Err()
		case <-w.done:
			r.leave(request, w)
		}
	}
}

func (r *Requesting) join(request string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[request]
	if !ok {
		w = &waiter{done: make(chan struct{})}
		r.waiters[request] = w
	}
	w.refs++
	return w
}

func (r *Requesting) leave(request string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.refs--
	if w.refs <= 0 && r.waiters[request] == w {
		delete(r.waiters, request)
	}
}

func (r *Requesting) wake(request string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.waiters[request]; ok {
		close(w.done)
		delete(r.waiters, request)
	}
}

func decodeObject(raw string) (ir.IRObject, error) {
	v, err := ir.UnmarshalIRValue([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("concepts: decode: %w", err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("concepts: decode: expected object, got %T", v)
	}
	return obj, nil
}
