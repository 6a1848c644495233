package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate", autoLoginRules)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 1 rule(s) valid")
}

func TestValidate_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", autoLoginRules)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 1, resp.Data.Rules)
	assert.Empty(t, resp.Data.Errors)
}

func TestValidate_UnknownAction(t *testing.T) {
	dir := writeRules(t, `sync: "ghost": {
	when: [{action: "UserAuthentication.register", output: {user: "$user"}}]
	then: [{action: "Missing.action", args: {user: "$user"}}]
}
`)

	out, err := execute(t, "validate", dir)
	requireExitCode(t, err, ExitFailure)
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "[MISSING_ACTION] sync.ghost: no concept provides Missing.action")
}

func TestValidate_ApplicationRuleIDTaken(t *testing.T) {
	dir := writeRules(t, `sync: "friend-request": {
	when: [{action: "UserAuthentication.register", output: {user: "$user"}}]
	then: [{action: "Sessioning.create", args: {user: "$user"}}]
}
`)

	out, err := execute(t, "--format", "json", "validate", dir)
	requireExitCode(t, err, ExitFailure)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E117", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "already used by an application rule")
}

func TestValidate_CompileErrorsAreReported(t *testing.T) {
	out, err := execute(t, "validate", writeRules(t, missingThenRule))
	requireExitCode(t, err, ExitFailure)
	assert.Contains(t, out, "[E115]")
}

func TestValidate_MissingDirectory(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join(t.TempDir(), "absent"))
	requireExitCode(t, err, ExitCommandError)
	assert.Contains(t, out, "Error [E005]")
}
