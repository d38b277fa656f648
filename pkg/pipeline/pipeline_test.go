package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dicom2svr/internal/models"
	"dicom2svr/internal/testutil"
	"dicom2svr/pkg/config"
	"dicom2svr/pkg/dicomscan"
	"dicom2svr/pkg/metrics"
	"dicom2svr/pkg/runner"
	"dicom2svr/pkg/state"
)

// toolbox simulates the external tools by writing the files they would.
type toolbox struct {
	t *testing.T
	// convertEmpty makes the converter exit cleanly without output.
	convertEmpty bool
	// emptyMask makes the editor save a mask without labels.
	emptyMask bool
	// editorUnsaved makes the editor exit without writing the draft.
	editorUnsaved bool
}

func (tb *toolbox) handle(inv runner.Invocation) (runner.Result, error) {
	t := tb.t
	switch inv.Name {
	case "dcm2niix":
		if tb.convertEmpty {
			return runner.Result{}, nil
		}
		out := inv.Args[slices.Index(inv.Args, "-o")+1]
		writeConverted(t, out, "400_loc", 400, []int{8, 8, 1})
		writeConverted(t, out, "401_cine_a", 401, []int{8, 8, 6, 2})
		writeConverted(t, out, "402_cine_b", 402, []int{8, 8, 4, 2})
	case "init-mask":
		testutil.WriteNIfTI(t, inv.Args[2], testutil.Volume{Dims: []int{8, 8, 6}, Spacing: []float64{1, 1, 3}})
	case "mask-editor":
		if tb.editorUnsaved {
			return runner.Result{}, nil
		}
		data := make([]float32, 8*8*6)
		if !tb.emptyMask {
			data[100] = 1
		}
		testutil.WriteNIfTI(t, inv.Args[3], testutil.Volume{Dims: []int{8, 8, 6}, Spacing: []float64{1, 1, 3}, Data: data})
	case "reconstruct":
		n := 8 * 8 * 6 * 2
		testutil.WriteNIfTI(t, inv.Args[1], testutil.Volume{
			Dims:    []int{8, 8, 6, 2},
			Spacing: []float64{0.8, 0.8, 0.8, 1},
			Data:    testutil.Ramp(n),
		})
	case "nii2dcm":
		out := inv.Args[1]
		if err := os.MkdirAll(out, 0755); err != nil {
			return runner.Result{}, err
		}
		if err := os.WriteFile(filepath.Join(out, "IM0001.dcm"), []byte("dicom"), 0644); err != nil {
			return runner.Result{}, err
		}
	default:
		return runner.Result{ExitCode: 127}, fmt.Errorf("unexpected tool %s", inv.Name)
	}
	return runner.Result{}, nil
}

func writeConverted(t *testing.T, dir, name string, series int, dims []int) {
	t.Helper()
	spacing := make([]float64, len(dims))
	for i := range spacing {
		spacing[i] = 1
	}
	spacing[2] = 3
	testutil.WriteNIfTI(t, filepath.Join(dir, name+".nii.gz"), testutil.Volume{Dims: dims, Spacing: spacing})
	sidecar := fmt.Sprintf(`{"SeriesNumber": %d, "SeriesDescription": %q}`, series, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(sidecar), 0644))
}

// writeStudy creates placeholder DICOM files named <series>/<instance>.dcm.
func writeStudy(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "study")
	for _, series := range []int{400, 401, 402} {
		for i := 1; i <= 2; i++ {
			path := filepath.Join(dir, strconv.Itoa(series), fmt.Sprintf("%d.dcm", i))
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
			require.NoError(t, os.WriteFile(path, []byte("dicom"), 0644))
		}
	}
	return dir
}

func fakeScanner() *dicomscan.Scanner {
	s := dicomscan.NewScanner()
	s.Parse = func(path string) (dicomscan.Instance, error) {
		series, err := strconv.Atoi(filepath.Base(filepath.Dir(path)))
		if err != nil {
			return dicomscan.Instance{}, err
		}
		instance, _ := strconv.Atoi(strings.TrimSuffix(filepath.Base(path), ".dcm"))
		return dicomscan.Instance{
			Path:           path,
			SeriesUID:      fmt.Sprintf("1.2.%d", series),
			SeriesNumber:   series,
			InstanceNumber: instance,
			Modality:       "MR",
		}, nil
	}
	return s
}

type fixture struct {
	cfg   *config.Config
	opts  Options
	fake  *runner.Fake
	tools *toolbox
	store *state.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tools := &toolbox{t: t}
	return &fixture{
		cfg: config.DefaultConfig(),
		opts: Options{
			DicomDir:    writeStudy(t),
			OutDir:      filepath.Join(t.TempDir(), "out"),
			Interactive: true,
		},
		fake:  &runner.Fake{Handler: tools.handle},
		tools: tools,
	}
}

func (f *fixture) withStore(t *testing.T) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store
}

func (f *fixture) run(t *testing.T) (*Manifest, error) {
	t.Helper()
	p, err := New(f.cfg, f.opts, Deps{
		Runner:  f.fake,
		Scanner: fakeScanner(),
		State:   f.store,
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	return p.Run(context.Background())
}

func (f *fixture) toolNames() []string {
	var names []string
	for _, inv := range f.fake.Calls() {
		names = append(names, inv.Name)
	}
	return names
}

func stepStatuses(m *Manifest) map[models.StepName]models.StepStatus {
	out := make(map[models.StepName]models.StepStatus)
	for _, s := range m.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestRunFullPipeline(t *testing.T) {
	f := newFixture(t)
	f.cfg.Output.MetricsFile = filepath.Join(t.TempDir(), "dicom2svr.prom")

	m, err := f.run(t)
	require.NoError(t, err)
	require.Equal(t, models.StatusDone, m.Status)
	require.Equal(t, []string{"dcm2niix", "init-mask", "mask-editor", "reconstruct", "nii2dcm"}, f.toolNames())

	for name, status := range stepStatuses(m) {
		require.Equal(t, models.StatusDone, status, "step %s", name)
	}
	require.Len(t, m.Steps, len(models.AllSteps))

	layout := NewLayout(f.opts.OutDir)
	require.Len(t, m.Stacks, 2)
	require.Equal(t, filepath.Join(layout.NIfTI, "stack1.nii.gz"), m.Stacks[0].Path)
	require.Equal(t, 401, m.Stacks[0].SeriesNumber)
	require.Equal(t, filepath.Join(layout.NIfTI, "stack2.nii.gz"), m.Stacks[1].Path)
	require.NoFileExists(t, filepath.Join(layout.NIfTI, "401_cine_a.nii.gz"))

	require.Equal(t, layout.Template(), m.Template)
	require.Equal(t, layout.Mask(), m.Mask)
	require.NoFileExists(t, layout.MaskDraft())
	require.Equal(t, filepath.Join(f.opts.DicomDir, "401", "1.dcm"), m.Reference)
	require.Len(t, m.Series, 3)

	dataset, err := os.ReadFile(layout.DatasetCSV())
	require.NoError(t, err)
	require.Equal(t, "image,label\nrecon/template.nii.gz,recon/mask.nii.gz\n", string(dataset))

	require.FileExists(t, layout.Report())
	require.FileExists(t, filepath.Join(layout.QC, "preview_z.png"))
	require.FileExists(t, f.cfg.Output.MetricsFile)

	saved, err := ReadManifest(layout.Manifest())
	require.NoError(t, err)
	require.Equal(t, m.RunID, saved.RunID)
	require.Equal(t, models.StatusDone, saved.Status)
}

func TestReconstructUsesAllStacksAndHeaderThickness(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t)
	require.NoError(t, err)

	var recon runner.Invocation
	for _, inv := range f.fake.Calls() {
		if inv.Name == "reconstruct" {
			recon = inv
		}
	}
	layout := NewLayout(f.opts.OutDir)
	require.Equal(t, "mirtk", recon.Path)
	require.Equal(t, []string{
		"reconstruct", layout.Output("svr_4d.nii.gz"), "2",
		filepath.Join(layout.NIfTI, "stack1.nii.gz"), filepath.Join(layout.NIfTI, "stack2.nii.gz"),
		"-template", layout.Template(), "-mask", layout.Mask(),
		"-thickness", "3", "3",
		"-resolution", "0.8", "-iterations", "3",
	}, recon.Args)
}

func TestRunWithoutMaskNonInteractive(t *testing.T) {
	f := newFixture(t)
	f.opts.Interactive = false

	m, err := f.run(t)
	require.ErrorIs(t, err, ErrMaskMissing)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, models.StepMask, stepErr.Step)

	require.Equal(t, models.StatusFailed, m.Status)
	require.Equal(t, []string{"dcm2niix"}, f.toolNames())
	require.Equal(t, models.StatusFailed, stepStatuses(m)[models.StepMask])
	_, ran := stepStatuses(m)[models.StepReconstruct]
	require.False(t, ran)
}

func TestRunRejectsEmptyMask(t *testing.T) {
	f := newFixture(t)
	f.tools.emptyMask = true

	_, err := f.run(t)
	require.ErrorIs(t, err, ErrEmptyMask)
	require.NoFileExists(t, NewLayout(f.opts.OutDir).Mask())
}

func TestRunEditorClosedWithoutSaving(t *testing.T) {
	f := newFixture(t)
	f.tools.editorUnsaved = true

	m, err := f.run(t)
	require.ErrorIs(t, err, ErrMaskMissing)
	require.NotErrorIs(t, err, ErrEmptyMask)
	require.Equal(t, []string{"dcm2niix", "init-mask", "mask-editor"}, f.toolNames())
	require.Equal(t, models.StatusFailed, stepStatuses(m)[models.StepMask])

	layout := NewLayout(f.opts.OutDir)
	require.FileExists(t, layout.MaskDraft())
	require.NoFileExists(t, layout.Mask())
}

func TestRunFailsWithoutConversionOutput(t *testing.T) {
	f := newFixture(t)
	f.tools.convertEmpty = true

	m, err := f.run(t)
	require.ErrorIs(t, err, ErrNoConversionOutput)
	require.Equal(t, models.StatusFailed, stepStatuses(m)[models.StepConvert])
}

func TestRunToolFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.Handler = func(inv runner.Invocation) (runner.Result, error) {
		if inv.Name == "dcm2niix" {
			return runner.Result{ExitCode: 2}, &runner.ExitError{Tool: inv.Name, Code: 2, Tail: []string{"bad input"}}
		}
		return f.tools.handle(inv)
	}

	m, err := f.run(t)
	var exitErr *runner.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 2, exitErr.Code)
	require.Contains(t, m.Steps[len(m.Steps)-1].Error, "bad input")
	require.Len(t, m.Steps[len(m.Steps)-1].Commands, 1)
}

func TestResumeAfterManualMask(t *testing.T) {
	f := newFixture(t)
	f.withStore(t)
	f.opts.Interactive = false

	_, err := f.run(t)
	require.ErrorIs(t, err, ErrMaskMissing)

	layout := NewLayout(f.opts.OutDir)
	data := make([]float32, 8*8*6)
	data[0] = 1
	testutil.WriteNIfTI(t, layout.Mask(), testutil.Volume{Dims: []int{8, 8, 6}, Spacing: []float64{1, 1, 3}, Data: data})

	f.opts.Resume = true
	m, err := f.run(t)
	require.NoError(t, err)

	statuses := stepStatuses(m)
	require.Equal(t, models.StatusSkipped, statuses[models.StepConvert])
	require.Equal(t, models.StatusSkipped, statuses[models.StepStacks])
	require.Equal(t, models.StatusSkipped, statuses[models.StepTemplate])
	require.Equal(t, models.StatusDone, statuses[models.StepMask])
	require.Equal(t, models.StatusDone, statuses[models.StepReconstruct])

	require.Equal(t, []string{"dcm2niix", "reconstruct", "nii2dcm"}, f.toolNames())
	require.Len(t, m.Stacks, 2)
	// The reference series comes from the restored template stack.
	require.Equal(t, filepath.Join(f.opts.DicomDir, "401", "1.dcm"), m.Reference)

	runs, err := f.store.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestResumeSkipsEverythingAfterSuccess(t *testing.T) {
	f := newFixture(t)
	f.withStore(t)

	_, err := f.run(t)
	require.NoError(t, err)
	calls := len(f.fake.Calls())

	f.opts.Resume = true
	m, err := f.run(t)
	require.NoError(t, err)
	require.Len(t, f.fake.Calls(), calls)

	for _, s := range m.Steps {
		if s.Name == models.StepPrepare {
			continue
		}
		require.Equal(t, models.StatusSkipped, s.Status, "step %s", s.Name)
	}
	layout := NewLayout(f.opts.OutDir)
	require.Equal(t, layout.Mask(), m.Mask)
	require.Equal(t, layout.Output("svr_4d.nii.gz"), m.Output)
}

func TestResumeRerunsStepWhoseOutputIsGone(t *testing.T) {
	f := newFixture(t)
	f.withStore(t)

	_, err := f.run(t)
	require.NoError(t, err)

	layout := NewLayout(f.opts.OutDir)
	require.NoError(t, os.Remove(layout.Report()))

	f.opts.Resume = true
	m, err := f.run(t)
	require.NoError(t, err)
	require.Equal(t, models.StatusDone, stepStatuses(m)[models.StepQC])
	require.Equal(t, models.StatusSkipped, stepStatuses(m)[models.StepReconstruct])
	require.FileExists(t, layout.Report())
}

func TestOnlySelectedSteps(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t)
	require.NoError(t, err)
	calls := len(f.fake.Calls())

	f.opts.Only = []models.StepName{models.StepReconstruct, models.StepQC}
	m, err := f.run(t)
	require.NoError(t, err)

	require.Equal(t, "reconstruct", f.fake.Calls()[calls].Name)
	require.Len(t, f.fake.Calls(), calls+1)

	statuses := stepStatuses(m)
	require.Equal(t, models.StatusSkipped, statuses[models.StepConvert])
	require.Equal(t, models.StatusSkipped, statuses[models.StepExport])
	require.Equal(t, models.StatusDone, statuses[models.StepReconstruct])
	require.Equal(t, models.StatusDone, statuses[models.StepQC])
}

func TestOnlyQCWithoutDicomDir(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t)
	require.NoError(t, err)

	f.opts.DicomDir = ""
	f.opts.Only = []models.StepName{models.StepQC}
	m, err := f.run(t)
	require.NoError(t, err)
	require.Equal(t, models.StatusDone, stepStatuses(m)[models.StepQC])
}

func TestExportDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Export.Enabled = false

	m, err := f.run(t)
	require.NoError(t, err)
	require.NotContains(t, f.toolNames(), "nii2dcm")
	require.Equal(t, models.StatusSkipped, stepStatuses(m)[models.StepExport])
	require.Empty(t, m.Reference)
}

func TestConfiguredMaskIsCopied(t *testing.T) {
	f := newFixture(t)
	f.opts.Interactive = false

	mask := filepath.Join(t.TempDir(), "mask.nii")
	data := make([]float32, 8*8*6)
	data[5] = 1
	testutil.WriteNIfTI(t, mask, testutil.Volume{Dims: []int{8, 8, 6}, Spacing: []float64{1, 1, 3}, Data: data})
	f.cfg.Mask.Path = mask

	_, err := f.run(t)
	require.NoError(t, err)
	require.NotContains(t, f.toolNames(), "mask-editor")
	require.FileExists(t, NewLayout(f.opts.OutDir).Mask())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DicomDir: "in"}, Deps{})
	require.Error(t, err)

	_, err = New(nil, Options{OutDir: "out"}, Deps{})
	require.Error(t, err)

	_, err = New(nil, Options{OutDir: "out", Only: []models.StepName{models.StepQC}}, Deps{})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Reconstruction.Iterations = 0
	_, err = New(cfg, Options{DicomDir: "in", OutDir: "out"}, Deps{})
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewResolvesRelativeDirectories(t *testing.T) {
	p, err := New(nil, Options{DicomDir: "study", OutDir: filepath.Join("runs", "case1")}, Deps{})
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(wd, "runs", "case1"), p.Layout().Root)
	require.True(t, filepath.IsAbs(p.Layout().Template()))
	require.Equal(t, filepath.Join(wd, "study"), p.opts.DicomDir)
}

func TestManifestOmitsUnfinishedTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, writeJSON(path, &Manifest{RunID: "r1", Started: time.Now(), Status: models.StatusRunning}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), `"finished"`)
	require.Contains(t, string(data), `"started"`)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, f.opts, Deps{Runner: f.fake, Scanner: fakeScanner(), Metrics: metrics.New()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, models.StatusFailed, m.Status)
	require.Empty(t, f.fake.Calls())
}
