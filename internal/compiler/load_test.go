package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncflow/internal/ir"
)

const autoLogin = `package rules

sync: "auto-login": {
	when: [{action: "UserAuthentication.register", output: {user: "$user"}}]
	then: [{action: "Sessioning.create", args: {user: "$user"}}]
}
`

func writeRules(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func loadCodes(errs []error) []string {
	codes := make([]string, 0, len(errs))
	for _, err := range errs {
		if le, ok := err.(*LoadError); ok {
			codes = append(codes, le.Code)
		}
	}
	return codes
}

func TestLoadDir(t *testing.T) {
	dir := writeRules(t, map[string]string{"login.cue": autoLogin})

	result, errs := LoadDir(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, 1, result.FileCount)

	rule := result.Rules[0]
	assert.Equal(t, "auto-login", rule.ID)
	assert.Equal(t, []string{"user"}, rule.Vars)
	assert.Equal(t, ir.ActionRef("Sessioning.create"), rule.Then[0].Action)
}

func TestLoadDirAcrossFiles(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"login.cue": autoLogin,
		"logout.cue": `package rules

sync: "logout-on-delete": {
	when: [{action: "Sessioning.delete", input: {session: "$session"}}]
	then: [{action: "Requesting.request", args: {path: "/loggedOut", session: "$session"}}]
}
`,
	})

	result, errs := LoadDir(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	assert.Len(t, result.Rules, 2)
	assert.Equal(t, 2, result.FileCount)
}

func TestLoadDirMissing(t *testing.T) {
	_, errs := LoadDir(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNotFound}, loadCodes(errs))
}

func TestLoadDirNotADirectory(t *testing.T) {
	dir := writeRules(t, map[string]string{"login.cue": autoLogin})
	_, errs := LoadDir(filepath.Join(dir, "login.cue"), LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNotFound}, loadCodes(errs))
}

func TestLoadDirNoFiles(t *testing.T) {
	dir := writeRules(t, map[string]string{"README": "nothing here"})
	_, errs := LoadDir(dir, LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNoFiles}, loadCodes(errs))
}

func TestLoadDirNoSyncStruct(t *testing.T) {
	dir := writeRules(t, map[string]string{"empty.cue": "package rules\n\nother: 1\n"})
	_, errs := LoadDir(dir, LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeGeneric}, loadCodes(errs))
}

func TestLoadDirCollectsEveryError(t *testing.T) {
	dir := writeRules(t, map[string]string{"bad.cue": `package rules

sync: "no-then": {
	when: [{action: "UserAuthentication.register", output: {user: "$user"}}]
}
sync: "bad-ref": {
	when: [{action: "register"}]
	then: [{action: "Sessioning.create", args: {}}]
}
sync: "query-then": {
	when: [{action: "UserAuthentication.register", output: {user: "$user"}}]
	then: [{action: "Sessioning._getUser", args: {session: "$user"}}]
}
`})

	result, errs := LoadDir(dir, LoadModeCollectAll)
	assert.Equal(t, []string{ErrMissingSyncClause, ErrInvalidActionRef, ErrInvalidThenClause}, loadCodes(errs))
	assert.Len(t, result.Rules, 1)

	_, errs = LoadDir(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestFieldErrorCode(t *testing.T) {
	tests := map[string]string{
		"when":              ErrMissingSyncClause,
		"then":              ErrMissingSyncClause,
		"when[0].action":    ErrInvalidActionRef,
		"where[2]":          ErrInvalidWhereClause,
		"then[0].args.user": ErrInvalidThenClause,
		"cue":               ErrCodeGeneric,
		"vars[1]":           ErrCodeGeneric,
	}
	for field, want := range tests {
		assert.Equal(t, want, FieldErrorCode(field), field)
	}
}
