// Package stacks discovers converted NIfTI stacks, gives them the canonical
// stack<N> names and picks the reconstruction template.
package stacks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"dicom2svr/internal/models"
	"dicom2svr/pkg/nifti"
)

var (
	ErrNoStacks       = errors.New("no usable stacks")
	ErrTemplateIndex  = errors.New("template stack index out of range")
	ErrThicknessCount = errors.New("thickness count does not match stack count")
	ErrRenameConflict = errors.New("rename target already exists")
)

// Options controls which converted volumes count as stacks.
type Options struct {
	MinSlices int
	Exclude   []string
}

// Discover lists the NIfTI volumes in dir ordered by file name, volumes that
// already carry a stack<N> name first in N order, dropping
// volumes with fewer than MinSlices slices and names matching Exclude.
// The returned stacks are numbered from 1 in that order.
func Discover(dir string, opts Options) (found []models.Stack, dropped []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && nifti.HasExtension(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return lessName(names[i], names[j]) })

	for _, name := range names {
		if excluded(name, opts.Exclude) {
			dropped = append(dropped, name)
			continue
		}

		path := filepath.Join(dir, name)
		h, err := nifti.ReadHeader(path)
		if err != nil {
			return nil, nil, err
		}
		s := h.Stack(path)
		if h.Depth() < opts.MinSlices {
			dropped = append(dropped, name)
			continue
		}

		s.OriginalName = name
		sidecar := filepath.Join(dir, nifti.TrimExtension(name)+".json")
		if _, err := os.Stat(sidecar); err == nil {
			s.Sidecar = sidecar
			meta, err := readSidecar(sidecar)
			if err != nil {
				return nil, nil, err
			}
			s.SeriesNumber = meta.SeriesNumber
			s.SeriesDescription = meta.SeriesDescription
		}
		s.Index = len(found) + 1
		found = append(found, s)
	}

	if len(found) == 0 {
		return nil, dropped, fmt.Errorf("%w in %s", ErrNoStacks, dir)
	}
	return found, dropped, nil
}

// sidecarMeta is the part of the converter's BIDS sidecar the pipeline reads.
type sidecarMeta struct {
	SeriesNumber      int    `json:"SeriesNumber"`
	SeriesDescription string `json:"SeriesDescription"`
}

func readSidecar(path string) (sidecarMeta, error) {
	var meta sidecarMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	return meta, nil
}

func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// canonicalIndex returns N for a file named stack<N>.nii or stack<N>.nii.gz.
func canonicalIndex(name string) (int, bool) {
	base := nifti.TrimExtension(name)
	if base == name || !strings.HasPrefix(base, "stack") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, "stack"))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func lessName(a, b string) bool {
	na, okA := canonicalIndex(a)
	nb, okB := canonicalIndex(b)
	switch {
	case okA && okB:
		if na != nb {
			return na < nb
		}
		return a < b
	case okA != okB:
		return okA
	}
	return a < b
}

// CanonicalName is the file name of stack index i.
func CanonicalName(i int, compressed bool) string {
	if compressed {
		return fmt.Sprintf("stack%d.nii.gz", i)
	}
	return fmt.Sprintf("stack%d.nii", i)
}

// Rename moves every stack (and its JSON sidecar) to its canonical name in the
// same directory and updates the paths in place. A target that exists and is
// not the stack itself is never overwritten.
func Rename(list []models.Stack) error {
	for i := range list {
		s := &list[i]
		dir := filepath.Dir(s.Path)
		compressed := strings.HasSuffix(strings.ToLower(s.Path), ".gz")
		target := filepath.Join(dir, CanonicalName(s.Index, compressed))

		if err := move(s.Path, target); err != nil {
			return err
		}
		s.Path = target

		if s.Sidecar != "" {
			sidecarTarget := filepath.Join(dir, fmt.Sprintf("stack%d.json", s.Index))
			if err := move(s.Sidecar, sidecarTarget); err != nil {
				return err
			}
			s.Sidecar = sidecarTarget
		}
	}
	return nil
}

func move(from, to string) error {
	if from == to {
		return nil
	}
	src, err := os.Stat(from)
	if err != nil {
		return err
	}
	if dst, err := os.Stat(to); err == nil {
		if os.SameFile(src, dst) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrRenameConflict, to)
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

// SelectTemplate returns the template stack. index is 1-based; 0 picks the
// stack with the most slices, the lowest index winning ties.
func SelectTemplate(list []models.Stack, index int) (models.Stack, error) {
	if len(list) == 0 {
		return models.Stack{}, ErrNoStacks
	}
	if index > 0 {
		if index > len(list) {
			return models.Stack{}, fmt.Errorf("%w: %d of %d", ErrTemplateIndex, index, len(list))
		}
		return list[index-1], nil
	}
	if index < 0 {
		return models.Stack{}, fmt.Errorf("%w: %d", ErrTemplateIndex, index)
	}

	best := list[0]
	for _, s := range list[1:] {
		if s.Slices() > best.Slices() {
			best = s
		}
	}
	return best, nil
}

// Thicknesses returns one slice thickness per stack: the configured list when
// its length matches, a single configured value repeated, or each stack's
// header spacing when nothing is configured.
func Thicknesses(list []models.Stack, configured []float64) ([]float64, error) {
	out := make([]float64, len(list))
	switch len(configured) {
	case 0:
		for i, s := range list {
			if s.SliceThickness <= 0 {
				return nil, fmt.Errorf("stack %d has no slice thickness in its header", s.Index)
			}
			out[i] = s.SliceThickness
		}
	case 1:
		for i := range out {
			out[i] = configured[0]
		}
	case len(list):
		copy(out, configured)
	default:
		return nil, fmt.Errorf("%w: %d values for %d stacks", ErrThicknessCount, len(configured), len(list))
	}
	return out, nil
}
