package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/syncflow/internal/ir"
)

// GoldenDir is where golden traces live, relative to the test's package.
const GoldenDir = "testdata/golden"

// Snapshot renders a trace as canonical JSON. Seq numbers are left out:
// the order of events carries the causality, and the exact numbers shift
// whenever a rule firing is added or removed.
func Snapshot(name string, trace []TraceEvent) ([]byte, error) {
	events := make(ir.IRArray, len(trace))
	for i, ev := range trace {
		obj := ir.IRObject{
			"type":   ir.IRString(ev.Type),
			"flow":   ir.IRString(ev.Flow),
			"action": ir.IRString(ev.Action),
		}
		switch ev.Type {
		case EventInvocation:
			obj["args"] = nonNil(ev.Args)
			if ev.Rule != "" {
				obj["rule"] = ir.IRString(ev.Rule)
			}
		case EventCompletion:
			obj["output_case"] = ir.IRString(ev.OutputCase)
			obj["result"] = nonNil(ev.Result)
		}
		events[i] = obj
	}
	return ir.MarshalCanonical(ir.IRObject{
		"scenario": ir.IRString(name),
		"trace":    events,
	})
}

func nonNil(obj ir.IRObject) ir.IRObject {
	if obj == nil {
		return ir.IRObject{}
	}
	return obj
}

// RunWithGolden runs scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
//
// A scenario that fails its own expectations fails the test before the
// comparison.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	if !result.Pass {
		t.Errorf("scenario %s failed:\n%v", scenario.Name, result.Errors)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
