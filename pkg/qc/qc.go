// Package qc computes intensity statistics of reconstructed volumes.
package qc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"gonum.org/v1/gonum/stat"

	"dicom2svr/internal/models"
	"dicom2svr/pkg/nifti"
)

// Stats holds the intensity statistics of a volume.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Median float64 `json:"median"`
	P01    float64 `json:"p01"`
	P99    float64 `json:"p99"`

	// Entropy is the Shannon entropy of a 256 bin histogram, in bits.
	Entropy float64 `json:"entropy"`

	// Foreground is the fraction of voxels brighter than the 1st percentile.
	Foreground float64 `json:"foreground"`

	// NonFinite counts NaN and infinite voxels, which are excluded above.
	NonFinite int `json:"nonFinite"`
}

// Report describes one volume.
type Report struct {
	Path       string     `json:"path"`
	Generated  time.Time  `json:"generated"`
	Dims       [4]int     `json:"dims"`
	VoxelSize  [3]float64 `json:"voxelSize"`
	Datatype   int        `json:"datatype"`
	Compressed bool       `json:"compressed"`
	Stats      Stats      `json:"stats"`
	Previews   []string   `json:"previews,omitempty"`
}

// Analyze loads path and computes its report.
func Analyze(path string) (*Report, *models.Volume, error) {
	h, vol, err := nifti.ReadVolume(path)
	if err != nil {
		return nil, nil, err
	}
	stats, err := Compute(vol.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Report{
		Path:       path,
		Generated:  time.Now().UTC(),
		Dims:       [4]int{vol.Width, vol.Height, vol.Depth, vol.Frames},
		VoxelSize:  [3]float64{vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z},
		Datatype:   h.Datatype,
		Compressed: h.Compressed,
		Stats:      stats,
	}, vol, nil
}

// Compute returns the statistics of data, ignoring non-finite values.
func Compute(data []float64) (Stats, error) {
	var s Stats
	values := make([]float64, 0, len(data))
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			s.NonFinite++
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return s, fmt.Errorf("volume has no finite voxels")
	}

	sort.Float64s(values)
	s.Min = values[0]
	s.Max = values[len(values)-1]
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		s.StdDev = 0
	}
	s.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	s.P01 = stat.Quantile(0.01, stat.Empirical, values, nil)
	s.P99 = stat.Quantile(0.99, stat.Empirical, values, nil)
	s.Entropy = entropy(values, s.Min, s.Max)

	above := len(values) - sort.Search(len(values), func(i int) bool { return values[i] > s.P01 })
	s.Foreground = float64(above) / float64(len(values))
	return s, nil
}

// entropy computes the Shannon entropy of data over a 256 bin histogram
func entropy(data []float64, min, max float64) float64 {
	if max <= min {
		return 0
	}

	const numBins = 256
	dividers := make([]float64, numBins+1)
	floats := (max - min) / numBins
	for i := range dividers {
		dividers[i] = min + float64(i)*floats
	}
	// Histogram bins are half-open; widen the last edge so max is counted.
	dividers[numBins] = math.Nextafter(max, math.Inf(1))

	hist := stat.Histogram(nil, dividers, data, nil)
	n := float64(len(data))
	e := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / n
			e -= p * math.Log2(p)
		}
	}
	return e
}

// WriteReport writes r as indented JSON, atomically replacing path.
func WriteReport(r *Report, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal QC report: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write QC report: %w", err)
	}
	return nil
}
