// Package dicomscan indexes a directory of DICOM files into series.
package dicomscan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"

	xlog "dicom2svr/internal/log"
	"dicom2svr/internal/models"
)

// ErrNoDICOM is returned when a directory holds no readable DICOM instance.
var ErrNoDICOM = errors.New("no DICOM instances found")

// Instance is the subset of a DICOM header used to group and order files.
type Instance struct {
	Path           string
	SeriesUID      string
	SeriesNumber   int
	InstanceNumber int
	Description    string
	Protocol       string
	Modality       string
	PatientID      string
	SliceThickness float64
}

// ParseFunc reads the header of one file.
type ParseFunc func(path string) (Instance, error)

// Scanner walks a directory and groups DICOM instances by series.
type Scanner struct {
	Parse   ParseFunc
	Workers int
	Logger  zerolog.Logger
}

// NewScanner returns a scanner using the DICOM header parser.
func NewScanner() *Scanner {
	return &Scanner{
		Parse:   ParseInstance,
		Workers: runtime.GOMAXPROCS(0),
		Logger:  xlog.WithComponent("dicomscan"),
	}
}

// Scan parses every regular file under dir and returns its series ordered by
// series number. Files that are not DICOM are skipped.
func (s *Scanner) Scan(ctx context.Context, dir string) ([]models.Series, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), ".") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	var (
		mu        sync.Mutex
		instances []Instance
		skipped   int
	)
	g, gctx := errgroup.WithContext(ctx)
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inst, err := s.Parse(p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped++
				s.Logger.Debug().Err(err).Str(xlog.FieldPath, p).Msg("skipping non-DICOM file")
				return nil
			}
			instances = append(instances, inst)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(instances) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDICOM, dir)
	}

	series := Group(instances)
	s.Logger.Info().
		Int("instances", len(instances)).
		Int("series", len(series)).
		Int("skipped", skipped).
		Str(xlog.FieldDir, dir).
		Msg("indexed DICOM directory")
	return series, nil
}

// Group collects instances by SeriesInstanceUID, ordering instances by
// instance number (then path) and series by series number (then UID).
func Group(instances []Instance) []models.Series {
	byUID := make(map[string][]Instance)
	for _, inst := range instances {
		byUID[inst.SeriesUID] = append(byUID[inst.SeriesUID], inst)
	}

	out := make([]models.Series, 0, len(byUID))
	for uid, insts := range byUID {
		sort.Slice(insts, func(i, j int) bool {
			if insts[i].InstanceNumber != insts[j].InstanceNumber {
				return insts[i].InstanceNumber < insts[j].InstanceNumber
			}
			return insts[i].Path < insts[j].Path
		})

		first := insts[0]
		s := models.Series{
			UID:            uid,
			Number:         first.SeriesNumber,
			Description:    first.Description,
			Protocol:       first.Protocol,
			Modality:       first.Modality,
			PatientID:      first.PatientID,
			SliceThickness: first.SliceThickness,
		}
		for _, inst := range insts {
			s.Instances = append(s.Instances, inst.Path)
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// ParseInstance reads the header of a DICOM file, skipping pixel data.
func ParseInstance(path string) (Instance, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Instance{}, fmt.Errorf("failed to parse DICOM file %s: %w", path, err)
	}

	uid := stringValue(ds, tag.SeriesInstanceUID)
	if uid == "" {
		return Instance{}, fmt.Errorf("%s: missing SeriesInstanceUID", path)
	}

	thickness, _ := strconv.ParseFloat(stringValue(ds, tag.SliceThickness), 64)
	return Instance{
		Path:           path,
		SeriesUID:      uid,
		SeriesNumber:   intValue(ds, tag.SeriesNumber),
		InstanceNumber: intValue(ds, tag.InstanceNumber),
		Description:    stringValue(ds, tag.SeriesDescription),
		Protocol:       stringValue(ds, tag.ProtocolName),
		Modality:       stringValue(ds, tag.Modality),
		PatientID:      stringValue(ds, tag.PatientID),
		SliceThickness: thickness,
	}, nil
}

// stringValue returns the first value of t, or "" when absent.
func stringValue(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(strings.TrimRight(v[0], "\x00"))
		}
	case []int:
		if len(v) > 0 {
			return strconv.Itoa(v[0])
		}
	case []float64:
		if len(v) > 0 {
			return strconv.FormatFloat(v[0], 'f', -1, 64)
		}
	}
	return ""
}

func intValue(ds dicom.Dataset, t tag.Tag) int {
	n, err := strconv.Atoi(stringValue(ds, t))
	if err != nil {
		return 0
	}
	return n
}

// ReferenceInstance returns the first file of the series with the given
// series number, or of the first series when no series matches.
func ReferenceInstance(series []models.Series, number int) string {
	for _, s := range series {
		if number > 0 && s.Number == number && len(s.Instances) > 0 {
			return s.Instances[0]
		}
	}
	for _, s := range series {
		if len(s.Instances) > 0 {
			return s.Instances[0]
		}
	}
	return ""
}
