package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncflow/internal/ir"
)

// requestAction is the only action whose flow steps may check a response.
const requestAction = "Requesting.request"

// Scenario is one harness run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Rules is a directory of CUE rules registered after the application
	// rules. Relative to the scenario file.
	Rules string `yaml:"rules,omitempty"`

	// AppRules turns the built-in application rules off when false.
	AppRules *bool `yaml:"app_rules,omitempty"`

	// Setup runs before the flow, directly on the concepts. Each step must
	// succeed.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow is started through the engine, one flow per step.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ActionStep is a setup action.
type ActionStep struct {
	// Action is the action reference (e.g., "UserAuthentication.register").
	Action string `yaml:"action"`

	Args map[string]any `yaml:"args"`

	// Bind maps result fields to variable names.
	Bind map[string]string `yaml:"bind,omitempty"`
}

// FlowStep is one externally started action.
type FlowStep struct {
	// Invoke is the action reference to start.
	Invoke string `yaml:"invoke"`

	Args map[string]any `yaml:"args"`

	// Bind maps result fields of the step's completion to variable names.
	Bind map[string]string `yaml:"bind,omitempty"`

	// Expect checks the step's own completion. Nil skips the check.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	// Response is the expected response to a Requesting.request step,
	// matched as a subset.
	Response map[string]any `yaml:"response,omitempty"`

	// BindResponse maps response fields of a Requesting.request step to
	// variable names.
	BindResponse map[string]string `yaml:"bind_response,omitempty"`
}

// ExpectClause specifies expected completion behavior.
type ExpectClause struct {
	// Case is "success" or "error".
	Case string `yaml:"case"`

	// Result is matched as a subset: only the fields given are checked.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check action appears in trace with args
	// - "trace_order": Check actions appear in order
	// - "trace_count": Check action appears exactly N times
	// - "final_state": Query a concept state table and verify one row
	Type string `yaml:"type"`

	// Action is the action reference (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are matched as a subset (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Table is the concept state table (final_state).
	Table string `yaml:"table,omitempty"`

	// Where selects exactly one row (final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of invocations (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// useAppRules reports whether the application rules are registered.
func (s *Scenario) useAppRules() bool {
	return s.AppRules == nil || *s.AppRules
}

// LoadScenario reads and parses a scenario YAML file, resolving the rules
// directory against the file's directory. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the rules directory against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Rules != "" && !filepath.IsAbs(scenario.Rules) && basePath != "" {
		scenario.Rules = filepath.Join(basePath, scenario.Rules)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if !s.useAppRules() && s.Rules == "" {
		return fmt.Errorf("rules directory is required when app_rules is false")
	}

	if s.Rules != "" {
		info, err := os.Stat(s.Rules)
		if err != nil {
			return fmt.Errorf("rules directory not found: %s", s.Rules)
		}
		if !info.IsDir() {
			return fmt.Errorf("rules is not a directory: %s", s.Rules)
		}
	}

	for i, step := range s.Setup {
		if _, err := ir.ParseActionRef(step.Action); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Args == nil {
			return fmt.Errorf("setup[%d]: args is required (use empty map if no args)", i)
		}
	}

	for i, step := range s.Flow {
		if _, err := ir.ParseActionRef(step.Invoke); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Args == nil {
			return fmt.Errorf("flow[%d]: args is required (use empty map if no args)", i)
		}
		if step.Expect != nil && step.Expect.Case != ir.CaseSuccess && step.Expect.Case != ir.CaseError {
			return fmt.Errorf("flow[%d].expect: case must be %q or %q", i, ir.CaseSuccess, ir.CaseError)
		}
		if (step.Response != nil || step.BindResponse != nil) && step.Invoke != requestAction {
			return fmt.Errorf("flow[%d]: responses exist only for %s", i, requestAction)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
