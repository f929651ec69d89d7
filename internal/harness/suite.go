package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ScenarioNotFoundError is returned when a scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario path %q does not exist", e.Path)
}

// FindScenarios returns the scenario files at path: the file itself, or
// every .yaml/.yml file directly inside a directory, sorted by name.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &ScenarioNotFoundError{Path: path}
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// SuiteResult contains results from running a set of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Results  []ScenarioOutcome `json:"results"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioOutcome is the result of one scenario in a suite.
type ScenarioOutcome struct {
	Name   string  `json:"name"`
	Path   string  `json:"path"`
	Result *Result `json:"result,omitempty"`
}

// ScenarioFailure represents a scenario that did not pass.
type ScenarioFailure struct {
	Name  string `json:"name,omitempty"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

// AllPassed reports whether every scenario passed.
func (r *SuiteResult) AllPassed() bool {
	return r.Failed == 0
}

func (r *SuiteResult) fail(name, path, msg string) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{Name: name, Path: path, Error: msg})
}

// RunSuite loads and runs every scenario at path. A scenario that cannot be
// loaded or run counts as failed; the suite carries on.
func RunSuite(path string) (*SuiteResult, error) {
	files, err := FindScenarios(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", path)
	}

	result := &SuiteResult{Results: []ScenarioOutcome{}}
	for _, file := range files {
		result.Total++

		scenario, err := LoadScenario(file)
		if err != nil {
			result.fail("", file, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		run, err := Run(scenario)
		if err != nil {
			result.fail(scenario.Name, file, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		result.Results = append(result.Results, ScenarioOutcome{Name: scenario.Name, Path: file, Result: run})

		if !run.Pass {
			result.fail(scenario.Name, file, fmt.Sprintf("scenario assertions failed: %v", run.Errors))
			continue
		}
		result.Passed++
	}
	return result, nil
}
