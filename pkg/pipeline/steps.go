package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	xlog "dicom2svr/internal/log"
	"dicom2svr/internal/models"
	"dicom2svr/pkg/dicomscan"
	"dicom2svr/pkg/nifti"
	"dicom2svr/pkg/qc"
	"dicom2svr/pkg/reconstruction"
	"dicom2svr/pkg/runner"
	"dicom2svr/pkg/stacks"
	"dicom2svr/pkg/visualization"
)

func (p *Pipeline) prepare(ctx context.Context) error {
	for _, dir := range p.layout.Dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// convert runs dcm2niix over the DICOM directory.
func (p *Pipeline) convert(ctx context.Context) error {
	if info, err := os.Stat(p.opts.DicomDir); err != nil || !info.IsDir() {
		return fmt.Errorf("DICOM directory %q is not readable", p.opts.DicomDir)
	}

	series, err := p.scanner.Scan(ctx, p.opts.DicomDir)
	if err != nil {
		return err
	}
	p.series = series
	p.manifest.Series = summarize(series)

	// Leftovers from an earlier conversion would be picked up as extra stacks.
	removed, err := clearNIfTI(p.layout.NIfTI)
	if err != nil {
		return err
	}
	if removed > 0 {
		p.logger.Info().Int("files", removed).Str(xlog.FieldDir, p.layout.NIfTI).Msg("removed previous conversion output")
	}

	compress := "n"
	if p.cfg.Convert.Compress {
		compress = "y"
	}
	args := []string{"-z", compress, "-f", p.cfg.Convert.FilenameFormat, "-o", p.layout.NIfTI}
	args = append(args, p.cfg.Convert.ExtraArgs...)
	args = append(args, p.opts.DicomDir)

	if _, err := p.exec(ctx, runner.Invocation{
		Name:    "dcm2niix",
		Path:    p.cfg.Tools.Dcm2niix,
		Args:    args,
		Timeout: p.cfg.Timeouts.Convert,
	}); err != nil {
		return err
	}

	if !p.convertComplete() {
		return fmt.Errorf("%w in %s", ErrNoConversionOutput, p.layout.NIfTI)
	}
	return nil
}

func (p *Pipeline) convertComplete() bool {
	entries, err := os.ReadDir(p.layout.NIfTI)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if nifti.HasExtension(e.Name()) {
			return true
		}
	}
	return false
}

// clearNIfTI removes converted volumes, sidecars and the stack list from dir.
func clearNIfTI(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !(nifti.HasExtension(name) || strings.HasSuffix(name, ".json")) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// prepareStacks selects the usable volumes and renames them stack1..stackN.
func (p *Pipeline) prepareStacks(ctx context.Context) error {
	found, dropped, err := stacks.Discover(p.layout.NIfTI, stacks.Options{
		MinSlices: p.cfg.Stacks.MinSlices,
		Exclude:   p.cfg.Stacks.Exclude,
	})
	if err != nil {
		return err
	}
	for _, name := range dropped {
		p.logger.Info().Str(xlog.FieldPath, name).Msg("volume not used as a stack")
	}

	if err := stacks.Rename(found); err != nil {
		return err
	}
	for _, s := range found {
		p.logger.Info().
			Int(xlog.FieldStack, s.Index).
			Str("from", s.OriginalName).
			Int(xlog.FieldSlices, s.Slices()).
			Float64("thickness", s.SliceThickness).
			Msg("stack ready")
	}

	p.stacks = found
	p.manifest.Stacks = found
	p.metrics.SetStacks(len(found))
	return writeJSON(p.layout.StacksFile(), found)
}

func (p *Pipeline) stacksComplete() bool {
	var list []models.Stack
	if err := readJSON(p.layout.StacksFile(), &list); err != nil || len(list) == 0 {
		return false
	}
	for _, s := range list {
		if _, err := os.Stat(s.Path); err != nil {
			return false
		}
	}
	return true
}

func (p *Pipeline) loadStacks() error {
	var list []models.Stack
	if err := readJSON(p.layout.StacksFile(), &list); err != nil {
		return err
	}
	if len(list) == 0 {
		return stacks.ErrNoStacks
	}
	p.stacks = list
	p.manifest.Stacks = list
	p.metrics.SetStacks(len(list))
	return nil
}

func (p *Pipeline) ensureStacks() error {
	if p.stacks != nil {
		return nil
	}
	return p.loadStacks()
}

// selectTemplate copies the chosen stack to recon/template.nii.gz.
func (p *Pipeline) selectTemplate(ctx context.Context) error {
	if err := p.ensureStacks(); err != nil {
		return err
	}
	tmpl, err := stacks.SelectTemplate(p.stacks, p.cfg.Reconstruction.TemplateStack)
	if err != nil {
		return err
	}
	if err := copyVolume(tmpl.Path, p.layout.Template()); err != nil {
		return err
	}

	p.template = tmpl
	p.manifest.Template = p.layout.Template()
	p.logger.Info().Int(xlog.FieldStack, tmpl.Index).Str(xlog.FieldPath, tmpl.Path).Msg("template selected")
	return nil
}

func (p *Pipeline) restoreTemplate() error {
	if err := p.ensureStacks(); err != nil {
		return err
	}
	tmpl, err := stacks.SelectTemplate(p.stacks, p.cfg.Reconstruction.TemplateStack)
	if err != nil {
		return err
	}
	p.template = tmpl
	p.manifest.Template = p.layout.Template()
	return nil
}

// copyVolume writes a gzip-compressed copy of a NIfTI file. The toolkit and
// the mask editor both accept either form, so uncompressed input is stored
// compressed under the .nii.gz name.
func copyVolume(src, dst string) error {
	if strings.HasSuffix(strings.ToLower(src), ".gz") {
		return copyFile(src, dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	pending, err := renameio.NewPendingFile(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() { _ = pending.Cleanup() }()

	gz := gzip.NewWriter(pending)
	if _, err := io.Copy(gz, in); err != nil {
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", src, err)
	}
	return pending.CloseAtomicallyReplace()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	pending, err := renameio.NewPendingFile(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return pending.CloseAtomicallyReplace()
}

// mask provides recon/mask.nii.gz: a configured mask is copied, an existing
// one is kept, otherwise a draft is initialised and opened in the editor.
func (p *Pipeline) mask(ctx context.Context) error {
	target := p.layout.Mask()
	defer func() {
		if fileExists(target)() {
			p.manifest.Mask = target
		}
	}()

	switch {
	case p.cfg.Mask.Path != "":
		if err := copyVolume(p.cfg.Mask.Path, target); err != nil {
			return fmt.Errorf("use configured mask: %w", err)
		}
	case fileExists(target)():
		p.logger.Info().Str(xlog.FieldPath, target).Msg("using existing mask")
	default:
		if err := p.drawMask(ctx); err != nil {
			return err
		}
	}

	if err := checkMask(target); err != nil {
		return err
	}
	return p.writeDataset()
}

func (p *Pipeline) drawMask(ctx context.Context) error {
	target := p.layout.Mask()
	draft := p.layout.MaskDraft()
	interactive := p.opts.Interactive && p.cfg.Mask.Interactive

	if !interactive {
		return fmt.Errorf("%w: create %s over %s and rerun with --resume, or set mask.path",
			ErrMaskMissing, target, p.layout.Template())
	}

	vars := map[string]string{"template": p.layout.Template(), "mask": draft}
	if !fileExists(draft)() && len(p.cfg.Mask.InitArgs) > 0 {
		if _, err := p.exec(ctx, runner.Invocation{
			Name: "init-mask",
			Path: p.cfg.Tools.Mirtk,
			Args: runner.Expand(p.cfg.Mask.InitArgs, vars),
			Dir:  p.layout.Recon,
		}); err != nil {
			return err
		}
	}

	before, err := fileDigest(draft)
	if err != nil {
		return err
	}

	p.logger.Info().
		Str(xlog.FieldPath, draft).
		Msg("draw the brain mask in the editor, save it and close the editor to continue")
	if _, err := p.exec(ctx, runner.Invocation{
		Name:        "mask-editor",
		Path:        p.cfg.Tools.MaskEditor,
		Args:        runner.Expand(p.cfg.Mask.EditorArgs, vars),
		Dir:         p.layout.Recon,
		Interactive: true,
	}); err != nil {
		return err
	}

	if !fileExists(draft)() {
		return fmt.Errorf("%w: editor closed without saving %s", ErrMaskMissing, draft)
	}
	after, err := fileDigest(draft)
	if err != nil {
		return err
	}
	if err := checkMask(draft); err != nil {
		if bytes.Equal(before, after) && errors.Is(err, ErrEmptyMask) {
			return fmt.Errorf("%w: editor closed without saving %s", ErrMaskMissing, draft)
		}
		return err
	}
	return os.Rename(draft, target)
}

// fileDigest hashes the file at path, nil when it does not exist.
func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// checkMask rejects masks without a single labelled voxel.
func checkMask(path string) error {
	_, vol, err := nifti.ReadVolume(path)
	if err != nil {
		return fmt.Errorf("read mask: %w", err)
	}
	for _, v := range vol.Data {
		if v > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrEmptyMask, path)
}

// writeDataset lists the template with its mask as an image,label pair,
// paths relative to the output directory.
func (p *Pipeline) writeDataset() error {
	rel := func(path string) string {
		if r, err := filepath.Rel(p.layout.Root, path); err == nil {
			return r
		}
		return path
	}

	pending, err := renameio.NewPendingFile(p.layout.DatasetCSV())
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()

	w := csv.NewWriter(pending)
	if err := w.WriteAll([][]string{
		{"image", "label"},
		{rel(p.layout.Template()), rel(p.layout.Mask())},
	}); err != nil {
		return fmt.Errorf("write dataset list: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}

// reconstruct runs the slice-to-volume reconstruction over every stack.
func (p *Pipeline) reconstruct(ctx context.Context) error {
	if err := p.ensureStacks(); err != nil {
		return err
	}
	thickness, err := stacks.Thicknesses(p.stacks, p.cfg.Reconstruction.Thickness)
	if err != nil {
		return err
	}

	paths := make([]string, len(p.stacks))
	for i, s := range p.stacks {
		paths[i] = s.Path
	}

	rc := p.cfg.Reconstruction
	params := &reconstruction.Params{
		Tool:       p.cfg.Tools.Mirtk,
		Command:    rc.Command,
		Stacks:     paths,
		Template:   p.layout.Template(),
		Mask:       p.layout.Mask(),
		Thickness:  thickness,
		Resolution: rc.Resolution,
		Iterations: rc.Iterations,
		Output:     p.layout.Output(rc.OutputName),
		WorkDir:    filepath.Join(p.layout.Recon, "work"),
		ExtraArgs:  rc.ExtraArgs,
		Timeout:    p.cfg.Timeouts.Reconstruct,
	}

	r := reconstruction.NewReconstructor(params, runnerFunc(p.exec))
	if _, err := r.Process(ctx); err != nil {
		return err
	}
	p.manifest.Output = params.Output
	return nil
}

// runnerFunc adapts the pipeline's recording exec to runner.Runner.
type runnerFunc func(ctx context.Context, inv runner.Invocation) (runner.Result, error)

func (f runnerFunc) Run(ctx context.Context, inv runner.Invocation) (runner.Result, error) {
	return f(ctx, inv)
}

// export converts the reconstructed volume back to DICOM, borrowing patient
// and study attributes from a reference instance of the template's series.
func (p *Pipeline) export(ctx context.Context) error {
	input := p.layout.Output(p.cfg.Reconstruction.OutputName)
	if !fileExists(input)() {
		return fmt.Errorf("%w: %s", reconstruction.ErrNoOutput, input)
	}

	if p.series == nil {
		series, err := p.scanner.Scan(ctx, p.opts.DicomDir)
		if err != nil {
			return err
		}
		p.series = series
		p.manifest.Series = summarize(series)
	}
	if p.template.Index == 0 {
		// Only needed for the reference series; a missing stack list is not fatal.
		if err := p.restoreTemplate(); err != nil {
			p.logger.Debug().Err(err).Msg("template unknown, using first series as reference")
		}
	}
	reference := dicomscan.ReferenceInstance(p.series, p.template.SeriesNumber)
	if reference == "" {
		return fmt.Errorf("%w for export reference", dicomscan.ErrNoDICOM)
	}
	p.manifest.Reference = reference

	removed, err := clearDICOM(p.layout.DICOM)
	if err != nil {
		return err
	}
	if removed > 0 {
		p.logger.Info().Int("files", removed).Str(xlog.FieldDir, p.layout.DICOM).Msg("removed previous export")
	}

	vars := map[string]string{"input": input, "output": p.layout.DICOM, "reference": reference}
	if _, err := p.exec(ctx, runner.Invocation{
		Name:    "nii2dcm",
		Path:    p.cfg.Tools.Nii2dcm,
		Args:    runner.Expand(p.cfg.Export.Args, vars),
		Timeout: p.cfg.Timeouts.Export,
	}); err != nil {
		return err
	}

	n, err := countDICOM(p.layout.DICOM)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w in %s", ErrNoExportOutput, p.layout.DICOM)
	}
	p.logger.Info().Int("instances", n).Str(xlog.FieldDir, p.layout.DICOM).Msg("DICOM export written")
	return nil
}

func (p *Pipeline) exportComplete() bool {
	n, err := countDICOM(p.layout.DICOM)
	return err == nil && n > 0
}

func countDICOM(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(d.Name()), ".dcm") {
			n++
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return n, err
}

func clearDICOM(dir string) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(d.Name()), ".dcm") {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return removed, err
}

// qualityControl writes intensity statistics and previews of the output.
func (p *Pipeline) qualityControl(ctx context.Context) error {
	output := p.layout.Output(p.cfg.Reconstruction.OutputName)
	report, vol, err := qc.Analyze(output)
	if err != nil {
		return err
	}

	if p.cfg.Output.Previews {
		viewer, err := visualization.NewViewer(vol, 0)
		if err != nil {
			return err
		}
		previews, err := viewer.SavePreviews(p.layout.QC)
		if err != nil {
			return fmt.Errorf("save previews: %w", err)
		}
		report.Previews = previews
	}

	if err := qc.WriteReport(report, p.layout.Report()); err != nil {
		return err
	}
	p.manifest.Report = p.layout.Report()
	p.logger.Info().
		Ints("dims", report.Dims[:]).
		Float64("mean", report.Stats.Mean).
		Float64("entropy", report.Stats.Entropy).
		Msg("quality report written")
	return nil
}
