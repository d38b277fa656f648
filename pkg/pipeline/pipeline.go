// Package pipeline sequences the external tools that turn a DICOM study into
// a reconstructed DICOM volume: conversion, stack preparation, masking,
// slice-to-volume reconstruction, export and quality control.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	xlog "dicom2svr/internal/log"
	"dicom2svr/internal/models"
	"dicom2svr/pkg/config"
	"dicom2svr/pkg/dicomscan"
	"dicom2svr/pkg/metrics"
	"dicom2svr/pkg/runner"
	"dicom2svr/pkg/state"
)

var (
	ErrNoConversionOutput = errors.New("converter produced no NIfTI files")
	ErrMaskMissing        = errors.New("mask missing")
	ErrEmptyMask          = errors.New("mask has no labelled voxels")
	ErrNoExportOutput     = errors.New("export produced no DICOM files")
)

// StepError wraps the failure of a single step.
type StepError struct {
	Step models.StepName
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Options selects what a run does.
type Options struct {
	DicomDir string
	OutDir   string

	// Resume skips steps that completed before and whose outputs still exist.
	Resume bool

	// Only restricts the run to the listed steps, all steps when empty.
	Only []models.StepName

	// Interactive allows the mask editor to be opened.
	Interactive bool
}

// Deps are the collaborators of a pipeline. Nil fields get defaults, except
// State which is optional.
type Deps struct {
	Runner  runner.Runner
	Scanner *dicomscan.Scanner
	State   *state.Store
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Pipeline runs the steps for one study.
type Pipeline struct {
	cfg    *config.Config
	opts   Options
	layout Layout

	runner  runner.Runner
	scanner *dicomscan.Scanner
	store   *state.Store
	metrics *metrics.Recorder
	now     func() time.Time
	logger  zerolog.Logger

	manifest *Manifest
	series   []models.Series
	stacks   []models.Stack
	template models.Stack

	// current collects the commands of the step being run
	current *models.StepResult
}

// step is one stage of the pipeline.
type step struct {
	name models.StepName
	run  func(ctx context.Context) error
	// complete reports whether the step's outputs are present on disk.
	complete func() bool
	// restore reloads in-memory state when the step is skipped.
	restore func() error
}

// New validates the options and prepares a pipeline.
func New(cfg *config.Config, opts Options, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.OutDir == "" {
		return nil, errors.New("output directory is required")
	}
	if opts.DicomDir == "" && needsDicom(opts.Only) {
		return nil, errors.New("DICOM input directory is required")
	}

	// Tools run from inside the output tree, so every path handed to them
	// must be absolute.
	var err error
	if opts.OutDir, err = filepath.Abs(opts.OutDir); err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	if opts.DicomDir != "" {
		if opts.DicomDir, err = filepath.Abs(opts.DicomDir); err != nil {
			return nil, fmt.Errorf("resolve DICOM directory: %w", err)
		}
	}

	p := &Pipeline{
		cfg:     cfg,
		opts:    opts,
		layout:  NewLayout(opts.OutDir),
		runner:  deps.Runner,
		scanner: deps.Scanner,
		store:   deps.State,
		metrics: deps.Metrics,
		now:     deps.Now,
	}
	if p.runner == nil {
		p.runner = runner.NewExec()
	}
	if p.scanner == nil {
		p.scanner = dicomscan.NewScanner()
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

func needsDicom(only []models.StepName) bool {
	if len(only) == 0 {
		return true
	}
	return slices.Contains(only, models.StepConvert) || slices.Contains(only, models.StepExport)
}

// Layout returns the output directory structure.
func (p *Pipeline) Layout() Layout { return p.layout }

func (p *Pipeline) steps() []step {
	output := p.layout.Output(p.cfg.Reconstruction.OutputName)
	return []step{
		{name: models.StepPrepare, run: p.prepare},
		{name: models.StepConvert, run: p.convert, complete: p.convertComplete},
		{name: models.StepStacks, run: p.prepareStacks, complete: p.stacksComplete, restore: p.loadStacks},
		{name: models.StepTemplate, run: p.selectTemplate, complete: fileExists(p.layout.Template()), restore: p.restoreTemplate},
		{name: models.StepMask, run: p.mask, complete: fileExists(p.layout.Mask()), restore: p.remember(&p.manifest.Mask, p.layout.Mask())},
		{name: models.StepReconstruct, run: p.reconstruct, complete: fileExists(output), restore: p.remember(&p.manifest.Output, output)},
		{name: models.StepExport, run: p.export, complete: p.exportComplete},
		{name: models.StepQC, run: p.qualityControl, complete: fileExists(p.layout.Report()), restore: p.remember(&p.manifest.Report, p.layout.Report())},
	}
}

// Run executes the selected steps in order and stops at the first failure.
// The manifest is returned even when a step fails.
func (p *Pipeline) Run(ctx context.Context) (*Manifest, error) {
	runID := uuid.NewString()
	ctx = xlog.ContextWithRunID(ctx, runID)
	p.logger = xlog.FromContext(ctx).With().Str(xlog.FieldComponent, "pipeline").Logger()

	p.manifest = &Manifest{
		RunID:    runID,
		DicomDir: p.opts.DicomDir,
		OutDir:   p.opts.OutDir,
		Started:  p.now(),
		Status:   models.StatusRunning,
	}

	if err := os.MkdirAll(p.opts.OutDir, 0755); err != nil {
		return p.manifest, fmt.Errorf("failed to create output directory: %w", err)
	}
	if p.store != nil {
		if err := p.store.BeginRun(ctx, state.Run{
			ID:       runID,
			DicomDir: p.opts.DicomDir,
			OutDir:   p.opts.OutDir,
			Started:  p.manifest.Started,
		}); err != nil {
			return p.manifest, fmt.Errorf("record run: %w", err)
		}
	}

	p.logger.Info().
		Str("dicom_dir", p.opts.DicomDir).
		Str("out_dir", p.opts.OutDir).
		Bool("resume", p.opts.Resume).
		Msg("pipeline started")

	runErr := p.runSteps(ctx)

	p.manifest.Finished = p.now()
	p.manifest.Status = models.StatusDone
	if runErr != nil {
		p.manifest.Status = models.StatusFailed
	} else {
		p.metrics.MarkSuccess(p.manifest.Finished)
	}

	// Bookkeeping must survive a cancelled run context.
	bg := context.WithoutCancel(ctx)
	if p.store != nil {
		if err := p.store.FinishRun(bg, runID, p.manifest.Status, p.manifest.Finished); err != nil {
			p.logger.Warn().Err(err).Msg("failed to record run result")
		}
	}
	if err := p.saveManifest(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to write manifest")
	}
	if path := p.cfg.Output.MetricsFile; path != "" {
		if err := p.metrics.WriteTextfile(path); err != nil {
			p.logger.Warn().Err(err).Str(xlog.FieldPath, path).Msg("failed to write metrics")
		}
	}

	event := p.logger.Info()
	if runErr != nil {
		event = p.logger.Error().Err(runErr)
	}
	event.Str(xlog.FieldStatus, string(p.manifest.Status)).
		Dur("elapsed", p.manifest.Finished.Sub(p.manifest.Started)).
		Msg("pipeline finished")

	return p.manifest, runErr
}

func (p *Pipeline) runSteps(ctx context.Context) error {
	for _, s := range p.steps() {
		if err := ctx.Err(); err != nil {
			return err
		}

		skip, reason := p.shouldSkip(ctx, s)
		if skip {
			if s.restore != nil {
				if err := s.restore(); err != nil {
					if reason != reasonCompleted && reason != reasonOutputs {
						// Later steps load what they need themselves.
						p.logger.Debug().Err(err).Str(xlog.FieldStep, string(s.name)).Msg("previous outputs not restored")
					} else {
						return &StepError{Step: s.name, Err: fmt.Errorf("restore previous outputs: %w", err)}
					}
				}
			}
			p.record(ctx, models.StepResult{Name: s.name, Status: models.StatusSkipped, Started: p.now()})
			p.logger.Info().Str(xlog.FieldStep, string(s.name)).Str("reason", reason).Msg("step skipped")
			continue
		}

		if err := p.runStep(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

const (
	reasonNotSelected = "not selected"
	reasonDisabled    = "export disabled"
	reasonOutputs     = "outputs present"
	reasonCompleted   = "completed previously"
)

func (p *Pipeline) shouldSkip(ctx context.Context, s step) (bool, string) {
	if s.name == models.StepPrepare {
		return false, ""
	}
	if len(p.opts.Only) > 0 && !slices.Contains(p.opts.Only, s.name) {
		return true, reasonNotSelected
	}
	if s.name == models.StepExport && !p.cfg.Export.Enabled {
		return true, reasonDisabled
	}
	if !p.opts.Resume || s.complete == nil || !s.complete() {
		return false, ""
	}
	if p.store == nil {
		return true, reasonOutputs
	}
	if _, err := p.store.LastSuccessful(ctx, p.opts.OutDir, s.name); err != nil {
		return false, ""
	}
	return true, reasonCompleted
}

// remember records an existing output of a skipped step in the manifest.
func (p *Pipeline) remember(field *string, path string) func() error {
	return func() error {
		if fileExists(path)() {
			*field = path
		}
		return nil
	}
}

func (p *Pipeline) runStep(ctx context.Context, s step) error {
	result := models.StepResult{Name: s.name, Status: models.StatusRunning, Started: p.now()}
	p.current = &result
	defer func() { p.current = nil }()

	logger := p.logger.With().Str(xlog.FieldStep, string(s.name)).Logger()
	logger.Info().Msg("step started")
	if p.store != nil {
		if err := p.store.RecordStep(ctx, state.Step{
			RunID:   p.manifest.RunID,
			Name:    s.name,
			Status:  models.StatusRunning,
			Started: result.Started,
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to record step start")
		}
	}

	err := s.run(ctx)

	result.Duration = p.now().Sub(result.Started)
	result.Status = models.StatusDone
	if err != nil {
		result.Status = models.StatusFailed
		result.Error = err.Error()
	}
	p.record(ctx, result)

	if err != nil {
		logger.Error().Err(err).Msg("step failed")
		return &StepError{Step: s.name, Err: err}
	}
	logger.Info().Int64(xlog.FieldDurationMS, result.Duration.Milliseconds()).Msg("step finished")
	return nil
}

// record stores a finished or skipped step everywhere it is tracked.
func (p *Pipeline) record(ctx context.Context, r models.StepResult) {
	p.manifest.Steps = append(p.manifest.Steps, r)
	p.metrics.ObserveStep(string(r.Name), string(r.Status), r.Duration)

	if p.store != nil {
		err := p.store.RecordStep(context.WithoutCancel(ctx), state.Step{
			RunID:    p.manifest.RunID,
			Name:     r.Name,
			Status:   r.Status,
			Started:  r.Started,
			Finished: r.Started.Add(r.Duration),
			Error:    r.Error,
		})
		if err != nil {
			p.logger.Warn().Err(err).Str(xlog.FieldStep, string(r.Name)).Msg("failed to record step")
		}
	}
	if err := p.saveManifest(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to write manifest")
	}
}

func (p *Pipeline) saveManifest() error {
	if _, err := os.Stat(p.layout.Root); err != nil {
		return err
	}
	return writeJSON(p.layout.Manifest(), p.manifest)
}

// exec runs a tool on behalf of the current step.
func (p *Pipeline) exec(ctx context.Context, inv runner.Invocation) (runner.Result, error) {
	res, err := p.runner.Run(ctx, inv)
	if p.current != nil {
		p.current.Commands = append(p.current.Commands, inv.Argv())
	}

	code := res.ExitCode
	var exitErr *runner.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.Code
	case err != nil && code == 0:
		code = -1
	}
	p.metrics.ObserveTool(inv.Name, code)
	return res, err
}

func fileExists(path string) func() bool {
	return func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Size() > 0
	}
}
