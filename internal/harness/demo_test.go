package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestdataScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err, "failed to load scenario %s", name)
	return scenario
}

// TestDemoScenarios runs the bundled scenarios and pins their traces.
func TestDemoScenarios(t *testing.T) {
	for _, name := range []string{"gate_fanout", "failure_isolation", "release_chain"} {
		t.Run(name, func(t *testing.T) {
			scenario := loadTestdataScenario(t, name)
			assert.Equal(t, name, scenario.Name, "scenario name should match its file")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario should pass: errors=%v", result.Errors)
			assert.NotEmpty(t, result.Trace)
		})
	}
}

// TestDemoScenariosReplay checks that two runs of a scenario produce the
// same trace, error text included.
func TestDemoScenariosReplay(t *testing.T) {
	scenario := loadTestdataScenario(t, "gate_fanout")

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace, "replay should produce an identical trace")
}

func TestDemoScenarioTraceShape(t *testing.T) {
	result, err := Run(loadTestdataScenario(t, "failure_isolation"))
	require.NoError(t, err)

	for i := 1; i < len(result.Trace); i++ {
		assert.Greater(t, result.Trace[i].Seq, result.Trace[i-1].Seq, "seq values should be strictly increasing")
	}

	// Every dispatch is followed by exactly Matched executions.
	for i := 0; i < len(result.Trace); {
		ev := result.Trace[i]
		require.Equal(t, EventDispatch, ev.Type, "trace[%d] should be a dispatch", i)
		for j := 1; j <= ev.Matched; j++ {
			assert.Equal(t, EventExecution, result.Trace[i+j].Type)
			assert.Equal(t, ev.Step, result.Trace[i+j].Step)
		}
		i += ev.Matched + 1
	}
}

func TestDemoScenarioFailureMessages(t *testing.T) {
	result, err := Run(loadTestdataScenario(t, "failure_isolation"))
	require.NoError(t, err)

	var failed []TraceEvent
	for _, ev := range result.Executions() {
		if ev.Status == "failed" {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 4)
	assert.Contains(t, failed[0].Error, "builder/start configured to fail")
	assert.Contains(t, failed[1].Error, "justification")
}
