package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dicom2svr/pkg/runner"
)

// ErrMissingInput is returned when a stack, template or mask does not exist.
var ErrMissingInput = errors.New("missing reconstruction input")

// ErrNoOutput is returned when the toolkit exits cleanly without writing the volume.
var ErrNoOutput = errors.New("reconstruction produced no output")

// Params holds the inputs of one slice-to-volume reconstruction run.
type Params struct {
	// Tool is the toolkit executable, e.g. "mirtk".
	Tool string

	// Command is the toolkit subcommand, "reconstruct" for SVRTK.
	Command string

	// Stacks are the input stacks in the order they are passed to the toolkit.
	Stacks []string

	// Template defines the reconstruction space.
	Template string

	// Mask restricts registration and reconstruction to the region of interest.
	Mask string

	// Thickness holds one slice thickness per stack in mm.
	Thickness []float64

	// Resolution is the isotropic output resolution in mm.
	Resolution float64

	// Iterations is the number of registration/reconstruction cycles.
	Iterations int

	// Output is the path of the reconstructed volume.
	Output string

	// WorkDir receives the toolkit's intermediate files.
	WorkDir string

	ExtraArgs []string

	// Timeout bounds the toolkit run, zero disables the limit.
	Timeout time.Duration
}

// Validate checks the parameters without touching the filesystem.
func (p *Params) Validate() error {
	switch {
	case p.Tool == "" || p.Command == "":
		return errors.New("reconstruction tool and command are required")
	case len(p.Stacks) == 0:
		return fmt.Errorf("%w: no stacks", ErrMissingInput)
	case p.Template == "":
		return fmt.Errorf("%w: no template", ErrMissingInput)
	case p.Mask == "":
		return fmt.Errorf("%w: no mask", ErrMissingInput)
	case len(p.Thickness) != len(p.Stacks):
		return fmt.Errorf("%d thickness values for %d stacks", len(p.Thickness), len(p.Stacks))
	case p.Resolution <= 0:
		return fmt.Errorf("resolution must be positive, got %g", p.Resolution)
	case p.Iterations < 1:
		return fmt.Errorf("iterations must be at least 1, got %d", p.Iterations)
	case p.Output == "":
		return errors.New("reconstruction output path is required")
	}
	return nil
}

// BuildArgs returns the toolkit arguments:
//
//	<command> <output> <N> <stack_1> .. <stack_N>
//	  -template <template> -mask <mask>
//	  -thickness <t_1> .. <t_N> -resolution <r> -iterations <i> [extra]
func BuildArgs(p Params) []string {
	args := []string{p.Command, p.Output, strconv.Itoa(len(p.Stacks))}
	args = append(args, p.Stacks...)
	args = append(args, "-template", p.Template, "-mask", p.Mask, "-thickness")
	for _, th := range p.Thickness {
		args = append(args, formatFloat(th))
	}
	args = append(args,
		"-resolution", formatFloat(p.Resolution),
		"-iterations", strconv.Itoa(p.Iterations),
	)
	return append(args, p.ExtraArgs...)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Reconstructor runs the external slice-to-volume reconstruction.
type Reconstructor struct {
	params *Params
	runner runner.Runner
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params, r runner.Runner) *Reconstructor {
	return &Reconstructor{params: params, runner: r}
}

// Invocation returns the command Process would run.
func (r *Reconstructor) Invocation() runner.Invocation {
	return runner.Invocation{
		Name:    "reconstruct",
		Path:    r.params.Tool,
		Args:    BuildArgs(*r.params),
		Dir:     r.params.WorkDir,
		Timeout: r.params.Timeout,
	}
}

// Process checks that every input exists, runs the toolkit in WorkDir and
// verifies the output volume was written.
func (r *Reconstructor) Process(ctx context.Context) (runner.Result, error) {
	if err := r.params.Validate(); err != nil {
		return runner.Result{}, err
	}

	inputs := append([]string{r.params.Template, r.params.Mask}, r.params.Stacks...)
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			return runner.Result{}, fmt.Errorf("%w: %s", ErrMissingInput, in)
		}
	}

	if r.params.WorkDir != "" {
		if err := os.MkdirAll(r.params.WorkDir, 0755); err != nil {
			return runner.Result{}, fmt.Errorf("failed to create reconstruction directory: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(r.params.Output), 0755); err != nil {
		return runner.Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	res, err := r.runner.Run(ctx, r.Invocation())
	if err != nil {
		return res, err
	}

	info, err := os.Stat(r.params.Output)
	if err != nil || info.Size() == 0 {
		return res, fmt.Errorf("%w: %s", ErrNoOutput, r.params.Output)
	}
	return res, nil
}
