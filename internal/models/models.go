package models

import "time"

// Series represents one DICOM series found in the input directory
type Series struct {
	// UID is the SeriesInstanceUID shared by every instance of the series
	UID string `json:"uid"`

	// Number is the SeriesNumber as acquired on the scanner
	Number int `json:"number"`

	Description string `json:"description,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Modality    string `json:"modality,omitempty"`
	PatientID   string `json:"patientId,omitempty"`

	// SliceThickness is the nominal slice thickness in mm, 0 when absent
	SliceThickness float64 `json:"sliceThickness,omitempty"`

	// Instances holds file paths sorted by InstanceNumber
	Instances []string `json:"instances"`
}

// Stack represents one converted multi-slice NIfTI acquisition
type Stack struct {
	// Index is the 1-based position of the stack passed to the reconstruction
	Index int `json:"index"`

	// Path is the current location of the stack on disk
	Path string `json:"path"`

	// OriginalName is the file name the converter produced
	OriginalName string `json:"originalName"`

	// Sidecar is the BIDS JSON written next to the stack, if any
	Sidecar string `json:"sidecar,omitempty"`

	// Dims holds the voxel dimensions x, y, z and the number of frames
	Dims [4]int `json:"dims"`

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize [3]float64 `json:"voxelSize"`

	// SliceThickness is taken from the header spacing along z
	SliceThickness float64 `json:"sliceThickness"`

	// SeriesNumber and SeriesDescription come from the sidecar, when present
	SeriesNumber      int    `json:"seriesNumber,omitempty"`
	SeriesDescription string `json:"seriesDescription,omitempty"`
}

// Slices returns the number of acquired 2D slices in the stack
func (s Stack) Slices() int {
	frames := s.Dims[3]
	if frames < 1 {
		frames = 1
	}
	return s.Dims[2] * frames
}

// Volume represents a NIfTI volume loaded into memory
type Volume struct {
	// Data is the volume data as a 1D array, x fastest, then y, z and frame
	Data []float64

	// Width, Height, Depth are the dimensions of one frame in voxels
	Width, Height, Depth int

	// Frames is the number of volumes along the fourth dimension
	Frames int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// FrameLen is the number of voxels in a single 3D frame
func (v *Volume) FrameLen() int {
	return v.Width * v.Height * v.Depth
}

// Frame returns the voxels of frame t without copying
func (v *Volume) Frame(t int) []float64 {
	n := v.FrameLen()
	if t < 0 || t >= v.Frames || (t+1)*n > len(v.Data) {
		return nil
	}
	return v.Data[t*n : (t+1)*n]
}

// StepName identifies a pipeline step
type StepName string

const (
	StepPrepare     StepName = "prepare"
	StepConvert     StepName = "convert"
	StepStacks      StepName = "stacks"
	StepTemplate    StepName = "template"
	StepMask        StepName = "mask"
	StepReconstruct StepName = "reconstruct"
	StepExport      StepName = "export"
	StepQC          StepName = "qc"
)

// AllSteps lists every step in execution order
var AllSteps = []StepName{
	StepPrepare,
	StepConvert,
	StepStacks,
	StepTemplate,
	StepMask,
	StepReconstruct,
	StepExport,
	StepQC,
}

// ParseStep converts a step name given on the command line
func ParseStep(s string) (StepName, bool) {
	for _, step := range AllSteps {
		if string(step) == s {
			return step, true
		}
	}
	return "", false
}

// StepStatus is the outcome of a step
type StepStatus string

const (
	StatusRunning StepStatus = "running"
	StatusDone    StepStatus = "done"
	StatusSkipped StepStatus = "skipped"
	StatusFailed  StepStatus = "failed"
)

// StepResult records what happened to a single step of a run
type StepResult struct {
	Name     StepName      `json:"name"`
	Status   StepStatus    `json:"status"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`

	// Commands holds the argv of every external tool the step ran
	Commands [][]string `json:"commands,omitempty"`
}
