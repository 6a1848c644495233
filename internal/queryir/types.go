package queryir

import "github.com/roach88/syncflow/internal/ir"

// Query is a sealed interface over Select and Join.
type Query interface {
	queryNode()
}

// Predicate is a sealed interface over filter conditions.
type Predicate interface {
	predicateNode()
}

// Select reads one table.
//
//	Select{
//	  From:   "friend_requests",
//	  Filter: And{Predicates: []Predicate{BoundEquals{Field: "requestee", Arg: "user"}}},
//	  Fields: map[string]string{"requester": "requester"},
//	}
//
// compiles to
//
//	SELECT requester AS requester FROM friend_requests WHERE requestee = ? ORDER BY rowid ASC
//
// Fields maps column → output field and must not be empty. OrderBy lists
// columns; when empty, rows come back in insertion order.
type Select struct {
	From    string
	Filter  Predicate
	Fields  map[string]string
	OrderBy []string
}

func (Select) queryNode() {}

// Join is an inner equi-join of two selects. The left side is aliased l,
// the right side r; each side's Filter and Fields refer to its own table.
//
//	SELECT l.event AS event FROM schedules AS l
//	JOIN schedules AS r ON l.event = r.event
//	WHERE l.user = ? AND r.user = ?
//	ORDER BY l.rowid ASC, r.rowid ASC
type Join struct {
	Left  Select
	Right Select
	On    []On
}

func (Join) queryNode() {}

// On equates a left column with a right column.
type On struct {
	Left  string
	Right string
}

// Equals compares a column with a literal.
type Equals struct {
	Field string
	Value ir.IRValue
}

func (Equals) predicateNode() {}

// BoundEquals compares a column with a query argument supplied at
// execution time.
type BoundEquals struct {
	Field string
	Arg   string
}

func (BoundEquals) predicateNode() {}

// And is a conjunction. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Where is shorthand for And over BoundEquals on each column → argument pair,
// in the given column order.
func Where(pairs ...string) Predicate {
	preds := make([]Predicate, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		preds = append(preds, BoundEquals{Field: pairs[i], Arg: pairs[i+1]})
	}
	return And{Predicates: preds}
}
