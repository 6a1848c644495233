package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario(t *testing.T) {
	s := loadScenario(t, "study_group")

	assert.Equal(t, "study_group", s.Name)
	assert.NotEmpty(t, s.Description)
	assert.True(t, s.useAppRules())
	assert.Empty(t, s.Rules)
	require.NotEmpty(t, s.Setup)
	assert.Equal(t, "UserAuthentication.register", s.Setup[0].Action)
	require.NotEmpty(t, s.Flow)
	assert.Equal(t, requestAction, s.Flow[0].Invoke)
	assert.Equal(t, map[string]string{"group": "group"}, s.Flow[0].BindResponse)
}

func TestLoadScenario_RulesRelativeToFile(t *testing.T) {
	s := loadScenario(t, "auto_login")

	assert.False(t, s.useAppRules())
	assert.Equal(t, filepath.Join(scenarioDir, "..", "rules", "auto_login"), s.Rules)
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rules, 0o755))
	path := writeScenario(t, t.TempDir(), `
name: based
description: rules resolved against another directory
rules: rules
flow:
  - invoke: Sessioning.create
    args: {user: u}
`)

	s, err := LoadScenarioWithBasePath(path, dir)
	require.NoError(t, err)
	assert.Equal(t, rules, s.Rules)
}

func TestLoadScenario_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown field",
			content: "name: x\ndescription: d\nflows: []\n",
			wantErr: "field flows not found",
		},
		{
			name:    "missing name",
			content: "description: d\nflow: [{invoke: A.b, args: {}}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\nflow: [{invoke: A.b, args: {}}]\n",
			wantErr: "description is required",
		},
		{
			name:    "empty flow",
			content: "name: x\ndescription: d\nflow: []\n",
			wantErr: "flow list is required",
		},
		{
			name:    "bad action ref",
			content: "name: x\ndescription: d\nflow: [{invoke: nodot, args: {}}]\n",
			wantErr: "flow[0]",
		},
		{
			name:    "missing args",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b}]\n",
			wantErr: "flow[0]: args is required",
		},
		{
			name:    "setup missing args",
			content: "name: x\ndescription: d\nsetup: [{action: A.b}]\nflow: [{invoke: A.b, args: {}}]\n",
			wantErr: "setup[0]: args is required",
		},
		{
			name:    "bad case",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b, args: {}, expect: {case: maybe}}]\n",
			wantErr: `flow[0].expect: case must be "success" or "error"`,
		},
		{
			name:    "response on non-request",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b, args: {}, response: {}}]\n",
			wantErr: "responses exist only for Requesting.request",
		},
		{
			name:    "no rules without app rules",
			content: "name: x\ndescription: d\napp_rules: false\nflow: [{invoke: A.b, args: {}}]\n",
			wantErr: "rules directory is required",
		},
		{
			name:    "missing rules directory",
			content: "name: x\ndescription: d\nrules: nowhere\nflow: [{invoke: A.b, args: {}}]\n",
			wantErr: "rules directory not found",
		},
		{
			name:    "assertion without type",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b, args: {}}]\nassertions: [{action: A.b}]\n",
			wantErr: "assertions[0]: type is required",
		},
		{
			name:    "unknown assertion",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b, args: {}}]\nassertions: [{type: vibes}]\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "count without action",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b, args: {}}]\nassertions: [{type: trace_count, count: 1}]\n",
			wantErr: "action is required for trace_count",
		},
		{
			name:    "negative count",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b, args: {}}]\nassertions: [{type: trace_count, action: A.b, count: -1}]\n",
			wantErr: "count must be non-negative",
		},
		{
			name:    "order without actions",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b, args: {}}]\nassertions: [{type: trace_order}]\n",
			wantErr: "actions list is required",
		},
		{
			name:    "final state without expect",
			content: "name: x\ndescription: d\nflow: [{invoke: A.b, args: {}}]\nassertions: [{type: final_state, table: t}]\n",
			wantErr: "expect is required for final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, t.TempDir(), tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
