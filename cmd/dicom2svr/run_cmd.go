package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dicom2svr/internal/models"
	"dicom2svr/pkg/config"
	"dicom2svr/pkg/pipeline"
	"dicom2svr/pkg/state"
)

type runOptions struct {
	dicomDir       string
	outDir         string
	resume         bool
	only           []string
	nonInteractive bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconstruction pipeline on a DICOM study",
		Long: `Convert the DICOM study to NIfTI stacks, prepare the template and mask,
run the slice-to-volume reconstruction and export the result as DICOM.

A run without a mask stops at the mask step. Draw the mask (or let the editor
open with an interactive run) and continue with --resume.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			return runPipeline(cmd, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.dicomDir, "dicom", "", "Directory containing the DICOM study")
	cmd.Flags().StringVar(&opts.outDir, "out", "", "Output directory")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Skip steps that completed before and whose outputs still exist")
	cmd.Flags().StringSliceVar(&opts.only, "only", nil, "Run only these steps ("+stepList()+")")
	cmd.Flags().BoolVar(&opts.nonInteractive, "non-interactive", false, "Never open the mask editor")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func stepList() string {
	names := make([]string, len(models.AllSteps))
	for i, s := range models.AllSteps {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func parseSteps(values []string) ([]models.StepName, error) {
	var out []models.StepName
	for _, v := range values {
		step, ok := models.ParseStep(strings.TrimSpace(v))
		if !ok {
			return nil, fmt.Errorf("unknown step %q, expected one of %s", v, stepList())
		}
		out = append(out, step)
	}
	return out, nil
}

func runPipeline(cmd *cobra.Command, cfg *config.Config, opts *runOptions) error {
	only, err := parseSteps(opts.only)
	if err != nil {
		return err
	}

	outDir, err := filepath.Abs(opts.outDir)
	if err != nil {
		return err
	}
	dicomDir := opts.dicomDir
	if dicomDir != "" {
		if dicomDir, err = filepath.Abs(dicomDir); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	store, err := openStore(cfg, outDir)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	p, err := pipeline.New(cfg, pipeline.Options{
		DicomDir:    dicomDir,
		OutDir:      outDir,
		Resume:      opts.resume,
		Only:        only,
		Interactive: !opts.nonInteractive,
	}, pipeline.Deps{State: store})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out, "SLICE-TO-VOLUME RECONSTRUCTION")
	fmt.Fprintf(out, "Study:  %s\n", dicomDir)
	fmt.Fprintf(out, "Output: %s\n", outDir)
	fmt.Fprintln(out, "================================")

	startTime := time.Now()
	manifest, runErr := p.Run(cmd.Context())
	printSummary(out, manifest, time.Since(startTime))

	if errors.Is(runErr, pipeline.ErrMaskMissing) {
		fmt.Fprintf(out, "\nNo mask yet. Draw it over %s, save it as %s and rerun with --resume.\n",
			p.Layout().Template(), p.Layout().Mask())
	}
	return runErr
}

// openStore opens the run ledger, relative paths are resolved inside outDir.
func openStore(cfg *config.Config, outDir string) (*state.Store, error) {
	path := cfg.Output.StateDB
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(outDir, path)
	}
	store, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return store, nil
}

func printSummary(out io.Writer, m *pipeline.Manifest, elapsed time.Duration) {
	if m == nil {
		return
	}
	fmt.Fprintf(out, "\nRun %s finished with status %s in %.2f seconds\n", m.RunID, m.Status, elapsed.Seconds())
	fmt.Fprintln(out, "\nSteps:")
	for _, s := range m.Steps {
		line := fmt.Sprintf("- %-12s %-8s", s.Name, s.Status)
		if s.Duration > 0 {
			line += fmt.Sprintf(" %s", s.Duration.Round(time.Millisecond))
		}
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Fprintln(out, line)
	}

	if len(m.Stacks) > 0 {
		fmt.Fprintf(out, "\nStacks used: %d\n", len(m.Stacks))
	}
	for _, item := range []struct{ label, path string }{
		{"Template", m.Template},
		{"Mask", m.Mask},
		{"Reconstruction", m.Output},
		{"Quality report", m.Report},
	} {
		if item.path != "" {
			fmt.Fprintf(out, "%s: %s\n", item.label, item.path)
		}
	}
}
