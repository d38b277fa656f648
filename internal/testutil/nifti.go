// Package testutil writes small synthetic imaging files for tests.
package testutil

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
	"os"
	"strings"
	"testing"
)

// Volume describes a synthetic float32 NIfTI-1 volume.
type Volume struct {
	Dims    []int     // x, y, z and optionally t
	Spacing []float64 // mm, same length as Dims
	Data    []float32 // len == product of Dims, nil for a zero volume
	// Slope, when non-zero, is stored as scl_slope.
	Slope     float32
	Inter     float32
	BigEndian bool
}

// WriteNIfTI writes v to path, gzip compressing when path ends in .gz.
func WriteNIfTI(t testing.TB, path string, v Volume) {
	t.Helper()

	var order binary.ByteOrder = binary.LittleEndian
	if v.BigEndian {
		order = binary.BigEndian
	}

	n := 1
	for _, d := range v.Dims {
		n *= d
	}
	data := v.Data
	if data == nil {
		data = make([]float32, n)
	}
	if len(data) != n {
		t.Fatalf("synthetic volume has %d voxels, dims want %d", len(data), n)
	}

	hdr := make([]byte, 352)
	order.PutUint32(hdr[0:], 348)
	order.PutUint16(hdr[40:], uint16(len(v.Dims)))
	for i, d := range v.Dims {
		order.PutUint16(hdr[42+2*i:], uint16(d))
	}
	order.PutUint16(hdr[70:], 16) // float32
	order.PutUint16(hdr[72:], 32)
	order.PutUint32(hdr[76:], math.Float32bits(1))
	for i, s := range v.Spacing {
		order.PutUint32(hdr[80+4*i:], math.Float32bits(float32(s)))
	}
	order.PutUint32(hdr[108:], math.Float32bits(352))
	order.PutUint32(hdr[112:], math.Float32bits(v.Slope))
	order.PutUint32(hdr[116:], math.Float32bits(v.Inter))
	copy(hdr[148:], "synthetic")
	copy(hdr[344:], "n+1\x00")

	var buf bytes.Buffer
	buf.Write(hdr)
	voxel := make([]byte, 4)
	for _, f := range data {
		order.PutUint32(voxel, math.Float32bits(f))
		buf.Write(voxel)
	}

	out := buf.Bytes()
	if strings.HasSuffix(path, ".gz") {
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		if _, err := w.Write(out); err != nil {
			t.Fatalf("gzip synthetic volume: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("gzip synthetic volume: %v", err)
		}
		out = gz.Bytes()
	}

	if err := os.WriteFile(path, out, 0644); err != nil {
		t.Fatalf("write synthetic volume: %v", err)
	}
}

// Ramp returns n voxels with values 0..n-1.
func Ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}
