package models

import "testing"

func TestStackSlices(t *testing.T) {
	s := Stack{Dims: [4]int{256, 256, 40, 0}}
	if got := s.Slices(); got != 40 {
		t.Errorf("Expected 40 slices, got %d", got)
	}

	s.Dims[3] = 3
	if got := s.Slices(); got != 120 {
		t.Errorf("Expected 120 slices for 3 frames, got %d", got)
	}
}

func TestVolumeFrame(t *testing.T) {
	v := &Volume{Width: 2, Height: 2, Depth: 1, Frames: 2}
	v.Data = []float64{0, 1, 2, 3, 4, 5, 6, 7}

	f := v.Frame(1)
	if len(f) != 4 || f[0] != 4 || f[3] != 7 {
		t.Errorf("Unexpected frame 1 contents: %v", f)
	}

	if v.Frame(2) != nil {
		t.Errorf("Expected nil for out of range frame")
	}
	if v.Frame(-1) != nil {
		t.Errorf("Expected nil for negative frame")
	}
}

func TestParseStep(t *testing.T) {
	for _, step := range AllSteps {
		got, ok := ParseStep(string(step))
		if !ok || got != step {
			t.Errorf("Expected %s to parse, got %q (ok=%v)", step, got, ok)
		}
	}

	if _, ok := ParseStep("segment"); ok {
		t.Errorf("Expected unknown step to be rejected")
	}
}
