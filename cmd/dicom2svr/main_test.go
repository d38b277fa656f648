package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dicom2svr/internal/models"
	"dicom2svr/internal/testutil"
	"dicom2svr/pkg/config"
	"dicom2svr/pkg/state"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 130, exitCode(context.Canceled))
	require.Equal(t, 130, exitCode(fmt.Errorf("step convert: dcm2niix interrupted: %w", context.Canceled)))
	require.Equal(t, 1, exitCode(context.DeadlineExceeded))
	require.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestRunInterruptedReturnsCanceled(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--log-level", "error", "run", "--dicom", t.TempDir(), "--out", t.TempDir()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cmd.ExecuteContext(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 130, exitCode(err))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dicom2svr.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	require.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "mirtk", cfg.Tools.Mirtk)

	_, err = execute(t, "config", "init", path)
	require.Error(t, err)

	_, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)
}

func TestRunRequiresOut(t *testing.T) {
	_, err := execute(t, "run", "--dicom", t.TempDir())
	require.Error(t, err)
}

func TestRunRejectsUnknownStep(t *testing.T) {
	_, err := execute(t, "run", "--out", t.TempDir(), "--only", "convert,sharpen")
	require.ErrorContains(t, err, `unknown step "sharpen"`)
}

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps([]string{"mask", " qc"})
	require.NoError(t, err)
	require.Equal(t, []models.StepName{models.StepMask, models.StepQC}, steps)
}

func TestScanEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not dicom"), 0644))

	_, err := execute(t, "scan", dir)
	require.Error(t, err)
}

func TestQCPrintsStatistics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svr.nii.gz")
	testutil.WriteNIfTI(t, path, testutil.Volume{
		Dims:    []int{4, 4, 4},
		Spacing: []float64{0.8, 0.8, 0.8},
		Data:    testutil.Ramp(64),
	})
	report := filepath.Join(dir, "report.json")
	previews := filepath.Join(dir, "previews")

	out, err := execute(t, "qc", path, "--report", report, "--previews", previews)
	require.NoError(t, err)
	require.Contains(t, out, "Dimensions: 4 x 4 x 4 x 1")
	require.Contains(t, out, "Min / Max: 0.000 / 63.000")
	require.FileExists(t, report)
	require.FileExists(t, filepath.Join(previews, "preview_x.png"))
}

func TestHistoryListsRuns(t *testing.T) {
	outDir := t.TempDir()
	store, err := state.Open(filepath.Join(outDir, "state.db"))
	require.NoError(t, err)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, store.BeginRun(ctx, state.Run{ID: "run-1", DicomDir: "/study", OutDir: outDir, Started: started}))
	require.NoError(t, store.RecordStep(ctx, state.Step{
		RunID:    "run-1",
		Name:     models.StepConvert,
		Status:   models.StatusDone,
		Started:  started,
		Finished: started.Add(2 * time.Second),
	}))
	require.NoError(t, store.FinishRun(ctx, "run-1", models.StatusDone, started.Add(time.Minute)))
	require.NoError(t, store.Close())

	out, err := execute(t, "history", "--out", outDir)
	require.NoError(t, err)
	require.Contains(t, out, "run-1")
	require.True(t, strings.Contains(out, "convert") && strings.Contains(out, "2s"), out)
}

func TestHistoryWithoutRuns(t *testing.T) {
	outDir := t.TempDir()
	out, err := execute(t, "history", "--out", outDir)
	require.NoError(t, err)
	require.Contains(t, out, "No runs recorded")
}
