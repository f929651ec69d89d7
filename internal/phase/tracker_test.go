package phase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/testutil"
)

func newTracker(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	s := testutil.OpenStore(t)
	tr, err := NewTracker(s, append([]Option{WithClock(testutil.NewDeterministicClock())}, opts...)...)
	require.NoError(t, err)
	return tr
}

func TestCurrentState_NoRecords(t *testing.T) {
	tr := newTracker(t)

	st, err := tr.CurrentState(context.Background(), "/tmp/t")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Phase)
	assert.Equal(t, NoPhaseName, st.PhaseName)
	assert.Equal(t, TrackLegacy, st.Track)
	require.NotNil(t, st.NextCommand)
	assert.Equal(t, "/specify", *st.NextCommand)
	assert.Nil(t, st.RecordedAt)
}

func TestCurrentState_DefaultTrackOption(t *testing.T) {
	tr := newTracker(t, WithDefaultTrack(TrackStreamlined))

	st, err := tr.CurrentState(context.Background(), "/tmp/t")
	require.NoError(t, err)
	assert.Equal(t, TrackStreamlined, st.Track)
	assert.Equal(t, "/init", *st.NextCommand)
}

func TestNewTracker_UnknownDefaultTrack(t *testing.T) {
	_, err := NewTracker(testutil.OpenStore(t), WithDefaultTrack("waterfall"))
	require.Error(t, err)
}

func TestRecord_WalksLegacyTrack(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	m, err := MapFor(TrackLegacy)
	require.NoError(t, err)

	for i, p := range m.Phases {
		st, err := tr.Record(ctx, "/tmp/t", p.Key, nil)
		require.NoError(t, err, "phase %s", p.Key)
		assert.Equal(t, p.Number, st.Phase)
		assert.Equal(t, p.Name, st.PhaseName)

		current, err := tr.CurrentState(ctx, "/tmp/t")
		require.NoError(t, err)
		assert.Equal(t, st.Phase, current.Phase)
		if i == len(m.Phases)-1 {
			assert.Nil(t, current.NextCommand, "terminal phase has no next command")
		} else {
			require.NotNil(t, current.NextCommand)
			assert.Equal(t, m.Phases[i+1].Command, *current.NextCommand)
		}
	}
}

func TestRecord_FirstPhaseGivesSecondCommand(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	_, err := tr.Record(ctx, "/tmp/t", "init", ir.IRObject{"agent": ir.IRString("dev-1")})
	require.NoError(t, err)

	st, err := tr.CurrentState(ctx, "/tmp/t")
	require.NoError(t, err)
	assert.Equal(t, TrackStreamlined, st.Track, "first record picks the track")
	assert.Equal(t, 1, st.Phase)
	assert.Equal(t, "/develop", *st.NextCommand)
}

func TestRecord_SamePhaseAgain(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	_, err := tr.Record(ctx, "/tmp/t", "specify", nil)
	require.NoError(t, err)
	_, err = tr.Record(ctx, "/tmp/t", "specify", nil)
	require.NoError(t, err)

	transitions, err := tr.Transitions(ctx, "/tmp/t")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "specify", transitions[1].PreviousState)
	assert.Equal(t, "specify", transitions[1].CurrentState)
}

func TestRecord_Rejections(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	_, err := tr.Record(ctx, "/tmp/t", "plan", nil)
	require.Error(t, err, "cannot skip phase 1")
	assert.True(t, ir.IsValidationError(err))

	_, err = tr.Record(ctx, "/tmp/t", "deploy", nil)
	require.Error(t, err)
	var ve *ir.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Allowed, "ship")
	assert.Contains(t, ve.Allowed, "specify")

	_, err = tr.Record(ctx, "/tmp/t", "specify", nil)
	require.NoError(t, err)

	_, err = tr.Record(ctx, "/tmp/t", "develop", nil)
	require.Error(t, err, "tracks never intermix")
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "legacy")

	_, err = tr.Record(ctx, "/tmp/t", "tasks", nil)
	require.Error(t, err, "cannot skip plan")

	st, err := tr.CurrentState(ctx, "/tmp/t")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Phase, "rejected records write nothing")
}

func TestRecord_WorktreesAreIndependent(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	_, err := tr.Record(ctx, "/tmp/a", "specify", nil)
	require.NoError(t, err)
	_, err = tr.Record(ctx, "/tmp/a", "plan", nil)
	require.NoError(t, err)
	_, err = tr.Record(ctx, "/tmp/b", "init", nil)
	require.NoError(t, err)

	a, err := tr.CurrentState(ctx, "/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, "plan", a.PhaseKey)

	b, err := tr.CurrentState(ctx, "/tmp/b/")
	require.NoError(t, err)
	assert.Equal(t, "init", b.PhaseKey, "paths are cleaned before lookup")
}

func TestRecord_MetadataCarriesWorktree(t *testing.T) {
	s := testutil.OpenStore(t)
	tr, err := NewTracker(s)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = tr.Record(ctx, "/tmp/t", "specify", ir.IRObject{"agent": ir.IRString("dev-1")})
	require.NoError(t, err)

	rec, err := s.LatestWorkflowRecord(ctx, ir.ObjectWorktree, "/tmp/t")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("/tmp/t"), rec.Metadata["worktree"])
	assert.Equal(t, ir.IRString("legacy"), rec.Metadata["track"])
	assert.Equal(t, ir.IRInt(1), rec.Metadata["phase_number"])
	assert.Equal(t, ir.IRString("dev-1"), rec.Metadata["agent"])
}

func TestTransitions(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	for _, key := range []string{"init", "develop", "review"} {
		_, err := tr.Record(ctx, "/tmp/t", key, nil)
		require.NoError(t, err)
	}

	transitions, err := tr.Transitions(ctx, "/tmp/t")
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, "", transitions[0].PreviousState)
	assert.Equal(t, "init", transitions[0].CurrentState)
	assert.Equal(t, "init", transitions[1].PreviousState)
	assert.Equal(t, "develop", transitions[1].CurrentState)
	assert.Equal(t, "develop", transitions[2].PreviousState)
	assert.Equal(t, "review", transitions[2].CurrentState)
}

func TestNormalizeWorktree(t *testing.T) {
	_, err := NormalizeWorktree("  ")
	assert.True(t, ir.IsValidationError(err))

	got, err := NormalizeWorktree("/tmp/a/../b/")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b", got)
}
