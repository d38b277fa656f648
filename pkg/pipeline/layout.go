package pipeline

import "path/filepath"

// Layout is the directory structure of a run's output directory.
type Layout struct {
	Root  string
	NIfTI string
	Recon string
	DICOM string
	QC    string
}

// NewLayout returns the layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{
		Root:  dir,
		NIfTI: filepath.Join(dir, "nifti"),
		Recon: filepath.Join(dir, "recon"),
		DICOM: filepath.Join(dir, "dicom"),
		QC:    filepath.Join(dir, "qc"),
	}
}

func (l Layout) Dirs() []string {
	return []string{l.NIfTI, l.Recon, l.DICOM, l.QC}
}

func (l Layout) StacksFile() string { return filepath.Join(l.NIfTI, "stacks.json") }
func (l Layout) Template() string   { return filepath.Join(l.Recon, "template.nii.gz") }
func (l Layout) Mask() string       { return filepath.Join(l.Recon, "mask.nii.gz") }
func (l Layout) MaskDraft() string  { return filepath.Join(l.Recon, "mask_draft.nii.gz") }
func (l Layout) DatasetCSV() string { return filepath.Join(l.Root, "dataset.csv") }
func (l Layout) Manifest() string   { return filepath.Join(l.Root, "manifest.json") }
func (l Layout) Report() string     { return filepath.Join(l.QC, "report.json") }

// Output is the reconstructed volume.
func (l Layout) Output(name string) string { return filepath.Join(l.Recon, name) }
