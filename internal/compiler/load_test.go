package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gateRules = `package rules

rule: "gate-release": {
	category: "quality_gate"
	pattern:  "quality_gate_passed"
	when: {agent: "qa", action: "gate_passed"}
	then: {agent: "release", action: "start"}
	priority: 200
}
`

const releaseRules = `package rules

rule: "release-notify": {
	category: "workflow_transition"
	pattern:  "release_started"
	when: {agent: "release", action: "start"}
	then: {agent: "notifier", action: "send"}
}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadRules_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gate.cue", gateRules)
	writeFile(t, dir, "release.cue", releaseRules)
	writeFile(t, dir, "README.txt", "not cue")

	result, errs := LoadRules(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	require.NotNil(t, result)

	assert.Len(t, result.Files, 2)
	require.Len(t, result.Rules, 2)
	assert.Equal(t, "gate-release", result.Rules[0].ID)
	assert.Equal(t, "release-notify", result.Rules[1].ID)
	require.NotNil(t, result.Rules[0].Priority)
	assert.Equal(t, 200, *result.Rules[0].Priority)
	assert.Empty(t, result.Warnings)
}

func TestLoadRules_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gate.cue", gateRules)
	writeFile(t, dir, "release.cue", releaseRules)

	result, errs := LoadRules(path, LoadModeFailFast)
	require.Empty(t, errs)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, "gate-release", result.Rules[0].ID)
}

func TestLoadRules_CycleWarnings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "loop.cue", `package rules

rule: ping: {
	category: "workflow_transition"
	pattern:  "phase_completed"
	when: {agent: "a", action: "done"}
	then: {agent: "b", action: "done"}
}
rule: pong: {
	category: "workflow_transition"
	pattern:  "phase_completed"
	when: {agent: "b", action: "done"}
	then: {agent: "a", action: "done"}
}
`)

	result, errs := LoadRules(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, []string{"ping", "pong", "ping"}, result.Warnings[0].Path)
}

func TestLoadRules_CompileErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", `package rules

rule: good: {
	category: "file_update"
	pattern:  "file_modified"
	when: {agent: "a", action: "b"}
	then: {agent: "c", action: "d"}
}
rule: "no-then": {
	category: "file_update"
	pattern:  "file_modified"
	when: {agent: "a", action: "b"}
}
rule: "no-when": {
	category: "file_update"
	pattern:  "file_modified"
	then: {agent: "c", action: "d"}
}
`)

	t.Run("collect all", func(t *testing.T) {
		result, errs := LoadRules(dir, LoadModeCollectAll)
		require.Len(t, errs, 2)
		require.Len(t, result.Rules, 1)
		assert.Equal(t, "good", result.Rules[0].ID)

		var le *LoadError
		require.ErrorAs(t, errs[0], &le)
		assert.Equal(t, ErrCodeCompile, le.Code)
	})

	t.Run("fail fast", func(t *testing.T) {
		_, errs := LoadRules(dir, LoadModeFailFast)
		require.Len(t, errs, 1)
	})
}

func TestLoadRules_PathErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
		code  string
	}{
		{
			name:  "missing path",
			setup: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") },
			code:  ErrCodeNotFound,
		},
		{
			name:  "empty directory",
			setup: func(t *testing.T) string { return t.TempDir() },
			code:  ErrCodeNoFiles,
		},
		{
			name:  "not a cue file",
			setup: func(t *testing.T) string { return writeFile(t, t.TempDir(), "rules.yaml", "rule: {}") },
			code:  ErrCodeNoFiles,
		},
		{
			name:  "no rule struct",
			setup: func(t *testing.T) string { return filepath.Dir(writeFile(t, t.TempDir(), "x.cue", "package rules\n\nother: 1\n")) },
			code:  ErrCodeNoRules,
		},
		{
			name:  "syntax error",
			setup: func(t *testing.T) string { return filepath.Dir(writeFile(t, t.TempDir(), "x.cue", "package rules\n\nrule: {\n")) },
			code:  ErrCodeLoadFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := LoadRules(tt.setup(t), LoadModeCollectAll)
			require.Len(t, errs, 1)
			var le *LoadError
			require.ErrorAs(t, errs[0], &le)
			assert.Equal(t, tt.code, le.Code)
		})
	}
}
