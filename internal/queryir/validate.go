package queryir

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/roach88/syncflow/internal/ir"
)

// identifiers are interpolated into SQL, so they are restricted.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that a query is well formed: known node types, safe
// identifiers, explicit fields, non-null literals and at least one join
// condition. All problems are reported together.
func Validate(q Query) error {
	v := &validator{}
	v.validateQuery(q)
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addf("nil query")
	case Select:
		v.validateSelect(query, true)
	case *Select:
		v.validateSelect(*query, true)
	case Join:
		v.validateJoin(query)
	case *Join:
		v.validateJoin(*query)
	default:
		v.addf("unknown query type %T", q)
	}
}

func (v *validator) validateSelect(sel Select, needFields bool) {
	v.ident("table", sel.From)
	if needFields && len(sel.Fields) == 0 {
		v.addf("select from %q: no fields (SELECT * is not allowed)", sel.From)
	}
	for col, out := range sel.Fields {
		v.ident("column", col)
		v.ident("output field", out)
	}
	for _, col := range sel.OrderBy {
		v.ident("order column", col)
	}
	v.validatePredicate(sel.Filter)
}

func (v *validator) validateJoin(join Join) {
	// one side may be a pure filter
	v.validateSelect(join.Left, false)
	v.validateSelect(join.Right, false)
	if len(join.Left.Fields)+len(join.Right.Fields) == 0 {
		v.addf("join %q with %q: no fields (SELECT * is not allowed)", join.Left.From, join.Right.From)
	}
	if len(join.On) == 0 {
		v.addf("join %q with %q: no ON condition (cross joins are not allowed)", join.Left.From, join.Right.From)
	}
	for _, on := range join.On {
		v.ident("join column", on.Left)
		v.ident("join column", on.Right)
	}
	seen := make(map[string]bool)
	for _, out := range join.Left.Fields {
		seen[out] = true
	}
	for _, out := range join.Right.Fields {
		if seen[out] {
			v.addf("join: output field %q selected on both sides", out)
		}
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
	case Equals:
		v.validateEquals(pred)
	case *Equals:
		v.validateEquals(*pred)
	case BoundEquals:
		v.ident("column", pred.Field)
		if pred.Arg == "" {
			v.addf("column %q compared with an unnamed argument", pred.Field)
		}
	case *BoundEquals:
		v.validatePredicate(*pred)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case *And:
		v.validatePredicate(*pred)
	default:
		v.addf("unknown predicate type %T", p)
	}
}

func (v *validator) validateEquals(eq Equals) {
	v.ident("column", eq.Field)
	switch eq.Value.(type) {
	case nil, ir.IRNull:
		v.addf("column %q compared with null; NULL never equals anything", eq.Field)
	case ir.IRArray, ir.IRObject:
		v.addf("column %q compared with a %T", eq.Field, eq.Value)
	}
}

func (v *validator) ident(kind, name string) {
	if !identPattern.MatchString(name) {
		v.addf("invalid %s name %q", kind, name)
	}
}
