package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dicom2svr/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.BeginRun(ctx, Run{ID: "r1", DicomDir: "/in", OutDir: "/out", Started: start}))
	require.NoError(t, s.RecordStep(ctx, Step{RunID: "r1", Name: models.StepConvert, Status: models.StatusRunning, Started: start}))
	require.NoError(t, s.RecordStep(ctx, Step{
		RunID: "r1", Name: models.StepConvert, Status: models.StatusDone,
		Started: start, Finished: start.Add(time.Minute),
	}))
	require.NoError(t, s.RecordStep(ctx, Step{
		RunID: "r1", Name: models.StepMask, Status: models.StatusFailed,
		Started: start.Add(2 * time.Minute), Finished: start.Add(3 * time.Minute), Error: "mask missing",
	}))
	require.NoError(t, s.FinishRun(ctx, "r1", models.StatusFailed, start.Add(3*time.Minute)))

	steps, err := s.Steps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, models.StepConvert, steps[0].Name)
	require.Equal(t, models.StatusDone, steps[0].Status)
	require.Equal(t, "mask missing", steps[1].Error)

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, models.StatusFailed, runs[0].Status)
	require.True(t, runs[0].Started.Equal(start))
}

func TestLastSuccessfulScopedByOutDir(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.BeginRun(ctx, Run{ID: "a", DicomDir: "/in", OutDir: "/out/a", Started: now}))
	require.NoError(t, s.BeginRun(ctx, Run{ID: "b", DicomDir: "/in", OutDir: "/out/b", Started: now}))
	require.NoError(t, s.RecordStep(ctx, Step{RunID: "a", Name: models.StepConvert, Status: models.StatusDone, Started: now, Finished: now}))

	st, err := s.LastSuccessful(ctx, "/out/a", models.StepConvert)
	require.NoError(t, err)
	require.Equal(t, "a", st.RunID)

	_, err = s.LastSuccessful(ctx, "/out/b", models.StepConvert)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFinishUnknownRun(t *testing.T) {
	s := openTestStore(t)
	err := s.FinishRun(context.Background(), "missing", models.StatusDone, time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}
