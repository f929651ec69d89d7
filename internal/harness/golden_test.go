package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalTrace_Canonical(t *testing.T) {
	r := NewResult()
	r.AddDispatchTrace(1, "qa", "gate_passed", 1)
	r.AddExecutionTrace(1, "gate-release", "failed", false, 3, "operation failed: boom")

	got, err := MarshalTrace("demo", r.Trace)
	require.NoError(t, err)

	want := `{"scenario_name":"demo","trace":[` +
		`{"action":"gate_passed","agent":"qa","matched":1,"seq":1,"step":1,"type":"dispatch"},` +
		`{"duplicate":false,"order":3,"rule_id":"gate-release","seq":2,"status":"failed","step":1,"type":"execution"}]}`
	assert.Equal(t, want, string(got))
}

func TestMarshalTrace_Empty(t *testing.T) {
	got, err := MarshalTrace("empty", NewResult().Trace)
	require.NoError(t, err)
	assert.Equal(t, `{"scenario_name":"empty","trace":[]}`, string(got))
}

func TestMarshalTrace_IgnoresErrorText(t *testing.T) {
	a := NewResult()
	a.AddExecutionTrace(1, "r", "failed", false, 1, "execution s-0007 failed")
	b := NewResult()
	b.AddExecutionTrace(1, "r", "failed", false, 1, "execution s-0009 failed")

	ja, err := MarshalTrace("x", a.Trace)
	require.NoError(t, err)
	jb, err := MarshalTrace("x", b.Trace)
	require.NoError(t, err)
	assert.Equal(t, ja, jb)
}
