package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncflow/internal/ir"
)

func compileOne(t *testing.T, src, id string) (*ir.RuleSpec, error) {
	t.Helper()
	v := cuecontext.New().CompileString(src)
	require.NoError(t, v.Err())
	return CompileSync(v.LookupPath(cue.MakePath(cue.Str("sync"), cue.Str(id))))
}

func TestCompileSyncBasic(t *testing.T) {
	rule, err := compileOne(t, `
		sync: "friend-request": {
			when: [{
				action: "Requesting.request"
				input: {path: "/friending/request", session: "$session", targetUsername: "$target"}
				output: {request: "$request"}
			}]
			where: [
				{query: "Sessioning._getUser", in: {session: "$session"}, out: {user: "$user"}},
				{query: "UserAuthentication._getUserByUsername", in: {username: "$target"}, out: {user: "$requestee"}},
			]
			then: [{
				action: "Friending.requestFriend"
				args: {requester: "$user", requestee: "$requestee"}
			}]
		}
	`, "friend-request")

	require.NoError(t, err)
	assert.Equal(t, "friend-request", rule.ID)
	require.Len(t, rule.When, 1)
	assert.Equal(t, ir.ActionRef("Requesting.request"), rule.When[0].Action)
	assert.Equal(t, ir.Lit(ir.IRString("/friending/request")), rule.When[0].Input["path"])
	assert.Equal(t, ir.Var("session"), rule.When[0].Input["session"])
	assert.Equal(t, ir.Var("request"), rule.When[0].Output["request"])
	assert.Empty(t, rule.When[0].Outcome)

	require.Len(t, rule.Where, 2)
	assert.Equal(t, ir.StepQuery, rule.Where[0].Kind)
	assert.Equal(t, ir.ActionRef("Sessioning._getUser"), rule.Where[0].Query)
	assert.Equal(t, map[string]string{"user": "user"}, rule.Where[0].Out)
	assert.Equal(t, map[string]string{"user": "requestee"}, rule.Where[1].Out)

	require.Len(t, rule.Then, 1)
	assert.Equal(t, ir.ActionRef("Friending.requestFriend"), rule.Then[0].Action)
	assert.Equal(t, ir.Var("requestee"), rule.Then[0].Args["requestee"])

	assert.Equal(t, []string{"request", "requestee", "session", "target", "user"}, rule.Vars)
	assert.Empty(t, Validate(*rule))
}

func TestCompileSyncTerms(t *testing.T) {
	rule, err := compileOne(t, `
		sync: "terms": {
			when: [{
				action: "A.b"
				input: {any: "_", dollar: "$$5", n: 3, ok: true, none: null, list: [1, "x"], obj: {k: "v"}}
			}]
			then: [{action: "C.d"}]
		}
	`, "terms")

	require.NoError(t, err)
	in := rule.When[0].Input
	assert.Equal(t, ir.Wildcard(), in["any"])
	assert.Equal(t, ir.Lit(ir.IRString("$5")), in["dollar"])
	assert.Equal(t, ir.Lit(ir.IRInt(3)), in["n"])
	assert.Equal(t, ir.Lit(ir.IRBool(true)), in["ok"])
	assert.Equal(t, ir.Lit(ir.IRNull{}), in["none"])
	assert.Equal(t, ir.Lit(ir.IRArray{ir.IRInt(1), ir.IRString("x")}), in["list"])
	assert.Equal(t, ir.Lit(ir.IRObject{"k": ir.IRString("v")}), in["obj"])
	assert.NotNil(t, rule.Then[0].Args)
}

func TestCompileSyncAllStepKinds(t *testing.T) {
	rule, err := compileOne(t, `
		sync: "steps": {
			vars: ["request", "user", "event", "score", "flag", "entry", "results", "seen"]
			when: [{action: "Requesting.request", output: {request: "$request"}}]
			where: [
				{query: "Sessioning._getUser", in: {session: "s"}, out: {user: "$user"}},
				{optional: "Preferencing._getScore", in: {user: "$user", item: "c"}, out: {score: "$score"}},
				{absent: "Blocking._isUserBlocked", in: {primaryUser: "$user"}},
				{filter: {left: "$score", op: "!=", right: null}},
				{bind: "$flag", value: true},
				{record: "$entry", fields: {who: "$user", score: "$score"}},
				{collect: "$entry", by: ["$request"], as: "$results"},
			]
			then: [{action: "Requesting.respond", args: {request: "$request", results: "$results"}}]
		}
	`, "steps")

	require.NoError(t, err)
	require.Len(t, rule.Where, 7)
	kinds := make([]ir.StepKind, len(rule.Where))
	for i, s := range rule.Where {
		kinds[i] = s.Kind
	}
	assert.Equal(t, []ir.StepKind{
		ir.StepQuery, ir.StepOptional, ir.StepAbsent, ir.StepFilter,
		ir.StepBind, ir.StepRecord, ir.StepCollect,
	}, kinds)

	assert.Equal(t, &ir.Condition{Left: "score", Op: ir.OpNe, Right: ir.Lit(ir.IRNull{})}, rule.Where[3].Condition)
	assert.Equal(t, "flag", rule.Where[4].As)
	assert.Equal(t, ir.Lit(ir.IRBool(true)), *rule.Where[4].Value)
	assert.Equal(t, map[string]string{"who": "user", "score": "score"}, rule.Where[5].Fields)
	assert.Equal(t, []string{"request"}, rule.Where[6].GroupBy)
	assert.Equal(t, "entry", rule.Where[6].Source)
	assert.Equal(t, "results", rule.Where[6].As)

	// Explicit vars are kept as written.
	assert.Equal(t, []string{"request", "user", "event", "score", "flag", "entry", "results", "seen"}, rule.Vars)
}

func TestCompileSyncOutcome(t *testing.T) {
	rule, err := compileOne(t, `
		sync: "on-error": {
			when: [{action: "Friending.requestFriend", outcome: "error", output: {error: "$error"}}]
			then: [{action: "Requesting.respond", args: {error: "$error"}}]
		}
	`, "on-error")
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeError, rule.When[0].Outcome)
}

func TestCompileSyncErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing when", `then: [{action: "C.d"}]`, "when"},
		{"missing then", `when: [{action: "A.b"}]`, "then"},
		{"when not a list", `when: {action: "A.b"}, then: [{action: "C.d"}]`, "when"},
		{"missing action", `when: [{input: {}}], then: [{action: "C.d"}]`, "when[0].action"},
		{"bad action ref", `when: [{action: "nodot"}], then: [{action: "C.d"}]`, "when[0].action"},
		{"bad outcome", `when: [{action: "A.b", outcome: "maybe"}], then: [{action: "C.d"}]`, "when[0].outcome"},
		{"float literal", `when: [{action: "A.b", input: {x: 1.5}}], then: [{action: "C.d"}]`, "when[0].input.x"},
		{"bad var name", `when: [{action: "A.b", input: {x: "$1x"}}], then: [{action: "C.d"}]`, "when[0].input.x"},
		{"step without kind", `when: [{action: "A.b"}], where: [{in: {}}], then: [{action: "C.d"}]`, "where[0]"},
		{"step with two kinds", `when: [{action: "A.b"}], where: [{query: "A._q", absent: "A._q"}], then: [{action: "C.d"}]`, "where[0]"},
		{"out not a var", `when: [{action: "A.b"}], where: [{query: "A._q", out: {x: "plain"}}], then: [{action: "C.d"}]`, "where[0].out.x"},
		{"bad filter op", `when: [{action: "A.b"}], where: [{filter: {left: "$x", op: "<", right: 1}}], then: [{action: "C.d"}]`, "where[0].filter.op"},
		{"bind without value", `when: [{action: "A.b"}], where: [{bind: "$x"}], then: [{action: "C.d"}]`, "where[0].value"},
		{"bad vars entry", `vars: ["ok", "not ok"], when: [{action: "A.b"}], then: [{action: "C.d"}]`, "vars[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileOne(t, `sync: "r": {`+tt.body+`}`, "r")
			require.Error(t, err)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileRulesSourceOrder(t *testing.T) {
	v := cuecontext.New().CompileString(`
		sync: "b-second": {
			when: [{action: "A.x"}]
			then: [{action: "B.y"}]
		}
		sync: "a-third": {
			when: [{action: "B.y"}]
			then: [{action: "C.z"}]
		}
	`)
	rules, err := CompileRules(v)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "b-second", rules[0].ID)
	assert.Equal(t, "a-third", rules[1].ID)
}

func TestCompileRulesNoSyncStruct(t *testing.T) {
	v := cuecontext.New().CompileString(`other: 1`)
	rules, err := CompileRules(v)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestCompileErrorCarriesPosition(t *testing.T) {
	v := cuecontext.New().CompileString(`sync: "r": {
	when: [{action: "A.b", outcome: "maybe"}]
	then: [{action: "C.d"}]
}`, cue.Filename("rules.cue"))
	_, err := CompileRules(v)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Pos.Line())
	assert.Contains(t, ce.Error(), "rules.cue:2:")
}
