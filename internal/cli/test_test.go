package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

const passingScenario = `name: cli_gate
description: "one gate rule fires once"
rules:
  - id: gate-docs
    category: quality_gate
    pattern: quality_gate_passed
    when: { agent: qa, action: gate_passed }
    then: { agent: docs, action: build }
flow:
  - dispatch: qa/gate_passed
    snapshot: { sha: abc }
assertions:
  - type: trace_count
    rule: gate-docs
    count: 1
`

const failingScenario = `name: cli_broken
description: "expects a rule that never runs"
rules:
  - id: gate-docs
    category: quality_gate
    pattern: quality_gate_passed
    when: { agent: qa, action: gate_passed }
    then: { agent: docs, action: build }
flow:
  - dispatch: qa/other
assertions:
  - type: trace_contains
    rule: gate-docs
`

func runTestCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	_, err := runTestCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := runTestCommand(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyDirJSON(t *testing.T) {
	out, err := runTestCommand(t, "json", t.TempDir())
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestTestCommandHarnessScenariosMatchGolden(t *testing.T) {
	out, err := runTestCommand(t, "text", harnessScenarios, "--golden-dir", harnessGolden)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ gate_fanout")
	assert.Contains(t, out, "✓ failure_isolation")
	assert.Contains(t, out, "✓ release_chain")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
}

func TestTestCommandFilter(t *testing.T) {
	out, err := runTestCommand(t, "json", harnessScenarios, "--golden-dir", harnessGolden, "--filter", "gate_*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "gate_fanout", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestTestCommandUpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "cli_gate.yaml", passingScenario)

	out, err := runTestCommand(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ cli_gate (golden updated)")

	goldenPath := goldenFilePath("", file, "cli_gate")
	data, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"cli_gate"`)

	_, err = runTestCommand(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario_name":"cli_gate","trace":[]}`), 0o644))
	out, err = runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a_pass.yaml", passingScenario)
	writeFile(t, dir, "b_fail.yaml", failingScenario)
	writeFile(t, dir, "c_bad.yaml", "name: [unclosed")

	out, err := runTestCommand(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, 3, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 2, resp.Data.Failed)

	byName := map[string]ScenarioResult{}
	for _, s := range resp.Data.Scenarios {
		byName[s.Name] = s
	}
	assert.True(t, byName["cli_gate"].Pass)
	assert.False(t, byName["cli_broken"].Pass)
	require.NotEmpty(t, byName["c_bad.yaml"].Errors)
	assert.Contains(t, byName["c_bad.yaml"].Errors[0], "failed to load scenario")
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gate_one.yaml", "")
	writeFile(t, dir, "gate_two.yml", "")
	writeFile(t, dir, "release.yaml", "")
	writeFile(t, dir, "notes.txt", "")

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	files, err = findScenarioFiles(dir, "gate_*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "gate_one.yaml"), filepath.Join(dir, "gate_two.yml")}, files)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("scenarios", "golden", "gate.golden"),
		goldenFilePath("", filepath.Join("scenarios", "gate.yaml"), "gate"))
	assert.Equal(t,
		filepath.Join("elsewhere", "gate.golden"),
		goldenFilePath("elsewhere", filepath.Join("scenarios", "gate.yaml"), "gate"))
}
