package visualization

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"dicom2svr/internal/models"
)

// newTestVolume returns a volume where each z slice holds its own index
func newTestVolume(width, height, depth, frames int) *models.Volume {
	vol := &models.Volume{Width: width, Height: height, Depth: depth, Frames: frames}
	vol.Data = make([]float64, width*height*depth*frames)
	for t := 0; t < frames; t++ {
		for z := 0; z < depth; z++ {
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := t*width*height*depth + z*width*height + y*width + x
					vol.Data[idx] = float64(z)
				}
			}
		}
	}
	return vol
}

func TestNewViewerFrameRange(t *testing.T) {
	vol := newTestVolume(4, 3, 2, 2)

	if _, err := NewViewer(vol, 1); err != nil {
		t.Fatalf("Expected frame 1 to be valid, got %v", err)
	}
	if _, err := NewViewer(vol, 2); err == nil {
		t.Errorf("Expected error for frame 2")
	}
}

func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, err := NewViewer(newTestVolume(width, height, depth, 1), 0)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected %dx%d, got %dx%d", width, height, bounds.Dx(), bounds.Dy())
		}

		expected := uint16(float64(z) / float64(depth-1) * 65535)
		got := img.(*image.Gray16).Gray16At(0, 0).Y
		if got != expected {
			t.Errorf("Z slice %d: expected grey %d, got %d", z, expected, got)
		}
	}

	img, err := viewer.ExtractSlice("x", 0)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if img.Bounds().Dx() != height || img.Bounds().Dy() != depth {
		t.Errorf("Unexpected X slice bounds %v", img.Bounds())
	}

	img, err = viewer.ExtractSlice("y", height-1)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if img.Bounds().Dx() != width || img.Bounds().Dy() != depth {
		t.Errorf("Unexpected Y slice bounds %v", img.Bounds())
	}
}

func TestExtractSliceErrors(t *testing.T) {
	viewer, err := NewViewer(newTestVolume(4, 4, 4, 1), 0)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	cases := []struct {
		axis string
		pos  int
	}{
		{"x", 4}, {"y", 4}, {"z", 4}, {"z", -1}, {"w", 0},
	}
	for _, c := range cases {
		if _, err := viewer.ExtractSlice(c.axis, c.pos); err == nil {
			t.Errorf("Expected error for axis %s position %d", c.axis, c.pos)
		}
	}
}

func TestSavePreviews(t *testing.T) {
	viewer, err := NewViewer(newTestVolume(6, 6, 6, 1), 0)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "qc")
	paths, err := viewer.SavePreviews(dir)
	if err != nil {
		t.Fatalf("SavePreviews failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 previews, got %d", len(paths))
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			t.Fatalf("Failed to open preview: %v", err)
		}
		_, err = png.Decode(f)
		f.Close()
		if err != nil {
			t.Errorf("Preview %s is not a valid PNG: %v", p, err)
		}
	}
}
