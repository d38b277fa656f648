package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"dicom2svr/internal/models"
)

// Viewer extracts 2D slices from one frame of a reconstructed volume
type Viewer struct {
	// volumeData holds the voxels of the selected frame
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// intensity window mapped onto the 16-bit grey range
	low, high float64
}

// NewViewer creates a viewer over frame t of vol, windowed to the frame's
// intensity range
func NewViewer(vol *models.Volume, t int) (*Viewer, error) {
	data := vol.Frame(t)
	if data == nil {
		return nil, fmt.Errorf("frame %d out of range (volume has %d frames)", t, vol.Frames)
	}

	v := &Viewer{
		volumeData: data,
		width:      vol.Width,
		height:     vol.Height,
		depth:      vol.Depth,
	}
	v.low, v.high = math.Inf(1), math.Inf(-1)
	for _, x := range data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		v.low = math.Min(v.low, x)
		v.high = math.Max(v.high, x)
	}
	return v, nil
}

func (v *Viewer) grey(x float64) color.Gray16 {
	if v.high <= v.low || math.IsNaN(x) {
		return color.Gray16{}
	}
	n := (x - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, n*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Sagittal: YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.height, v.depth))
		for z := 0; z < v.depth; z++ {
			for y := 0; y < v.height; y++ {
				idx := z*v.width*v.height + y*v.width + position
				img.SetGray16(y, v.depth-1-z, v.grey(v.volumeData[idx]))
			}
		}

	case "y", "Y":
		// Coronal: XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := z*v.width*v.height + position*v.width + x
				img.SetGray16(x, v.depth-1-z, v.grey(v.volumeData[idx]))
			}
		}

	case "z", "Z":
		// Axial: XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := position*v.width*v.height + y*v.width + x
				img.SetGray16(x, v.height-1-y, v.grey(v.volumeData[idx]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SavePreviews writes the middle slice along each axis to outputDir and
// returns the written paths
func (v *Viewer) SavePreviews(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	middle := map[string]int{"x": v.width / 2, "y": v.height / 2, "z": v.depth / 2}
	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, middle[axis])
		if err != nil {
			return paths, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("preview_%s.png", axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}

	return paths, nil
}
