// Package nifti reads NIfTI-1 volumes as written by dcm2niix and the
// reconstruction toolkit.
//
// Only the single-file variant (.nii, optionally gzip compressed) is read for
// voxel data. Header fields are exposed as far as the pipeline needs them:
// dimensions, spacing, datatype and intensity scaling.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"dicom2svr/internal/models"
)

var (
	ErrNotNIfTI            = errors.New("not a NIfTI-1 file")
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// HeaderSize is the fixed size of a NIfTI-1 header in bytes.
const HeaderSize = 348

// MaxVoxels bounds the voxel count accepted from a header.
const MaxVoxels = 1 << 30

// NIfTI-1 datatype codes.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// rawHeader mirrors the on-disk layout of nifti_1_header.
type rawHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Header holds the decoded header fields.
type Header struct {
	// NDim is the number of used dimensions (dim[0]).
	NDim int
	// Dim holds dim[1..7]; unused entries are 1.
	Dim [7]int
	// Pixdim holds pixdim[1..7], the spacing along each dimension.
	Pixdim [7]float64

	Datatype  int
	Bitpix    int
	VoxOffset int64
	SclSlope  float64
	SclInter  float64

	Description string
	// SingleFile is true for "n+1" (header and data in one file).
	SingleFile bool
	Compressed bool
	ByteOrder  binary.ByteOrder
}

func (h Header) Width() int  { return h.Dim[0] }
func (h Header) Height() int { return h.Dim[1] }
func (h Header) Depth() int  { return h.Dim[2] }

// Frames is the size of the fourth dimension, at least 1.
func (h Header) Frames() int {
	if h.NDim < 4 || h.Dim[3] < 1 {
		return 1
	}
	return h.Dim[3]
}

// NumVoxels is the number of voxels stored in the file.
func (h Header) NumVoxels() int {
	n := 1
	for i := 0; i < h.NDim && i < len(h.Dim); i++ {
		n *= h.Dim[i]
	}
	return n
}

// Stack converts the header into the pipeline's stack description.
func (h Header) Stack(path string) models.Stack {
	frames := 0
	if h.NDim >= 4 {
		frames = h.Frames()
	}
	return models.Stack{
		Path:           path,
		Dims:           [4]int{h.Width(), h.Height(), h.Depth(), frames},
		VoxelSize:      [3]float64{h.Pixdim[0], h.Pixdim[1], h.Pixdim[2]},
		SliceThickness: h.Pixdim[2],
	}
}

// ReadHeader reads only the header of a .nii or .nii.gz file.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	r, compressed, err := open(f)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	h, err := DecodeHeader(r)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	h.Compressed = compressed
	return h, nil
}

// ReadVolume loads the header and all voxels, applying intensity scaling.
func ReadVolume(path string) (Header, *models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	r, compressed, err := open(f)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	h, err := DecodeHeader(r)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	h.Compressed = compressed
	if !h.SingleFile {
		return h, nil, fmt.Errorf("%s: %w: header/image pairs are not supported", path, ErrNotNIfTI)
	}

	if skip := h.VoxOffset - HeaderSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return h, nil, fmt.Errorf("%s: skip to voxel data: %w", path, err)
		}
	}

	data, err := decodeVoxels(r, h)
	if err != nil {
		return h, nil, fmt.Errorf("%s: %w", path, err)
	}

	vol := &models.Volume{
		Data:   data,
		Width:  h.Width(),
		Height: h.Height(),
		Depth:  h.Depth(),
		Frames: h.Frames(),
	}
	vol.VoxelSize.X = h.Pixdim[0]
	vol.VoxelSize.Y = h.Pixdim[1]
	vol.VoxelSize.Z = h.Pixdim[2]
	return h, vol, nil
}

// open returns a reader over the decompressed stream.
func open(f io.Reader) (io.Reader, bool, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, false, ErrNotNIfTI
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, true, fmt.Errorf("gzip: %w", err)
		}
		return bufio.NewReader(gz), true, nil
	}
	return br, false, nil
}

// DecodeHeader parses the 348 byte header from r, detecting the byte order.
func DecodeHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, ErrNotNIfTI
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(buf) == HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(buf) == HeaderSize:
		order = binary.BigEndian
	default:
		return Header{}, ErrNotNIfTI
	}

	var raw rawHeader
	if err := binary.Read(bytes.NewReader(buf), order, &raw); err != nil {
		return Header{}, fmt.Errorf("decode header: %w", err)
	}

	var single bool
	switch string(raw.Magic[:3]) {
	case "n+1":
		single = true
	case "ni1":
	default:
		return Header{}, ErrNotNIfTI
	}

	ndim := int(raw.Dim[0])
	if ndim < 1 || ndim > 7 {
		return Header{}, fmt.Errorf("%w: dim[0]=%d", ErrNotNIfTI, ndim)
	}

	h := Header{
		NDim:        ndim,
		Datatype:    int(raw.Datatype),
		Bitpix:      int(raw.Bitpix),
		VoxOffset:   int64(raw.VoxOffset),
		SclSlope:    float64(raw.SclSlope),
		SclInter:    float64(raw.SclInter),
		Description: strings.TrimRight(string(raw.Descrip[:]), "\x00 "),
		SingleFile:  single,
		ByteOrder:   order,
	}
	voxels := 1
	for i := 0; i < 7; i++ {
		h.Dim[i] = 1
		if i < ndim {
			d := int(raw.Dim[i+1])
			if d < 1 {
				return Header{}, fmt.Errorf("%w: dim[%d]=%d", ErrNotNIfTI, i+1, d)
			}
			if voxels > MaxVoxels/d {
				return Header{}, fmt.Errorf("%w: more than %d voxels", ErrNotNIfTI, MaxVoxels)
			}
			voxels *= d
			h.Dim[i] = d
		}
		h.Pixdim[i] = math.Abs(float64(raw.Pixdim[i+1]))
	}
	if single && h.VoxOffset < HeaderSize {
		h.VoxOffset = HeaderSize + 4
	}
	return h, nil
}

func bytesPerVoxel(datatype int) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, datatype)
}

func decodeVoxels(r io.Reader, h Header) ([]float64, error) {
	size, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, err
	}
	n := h.NumVoxels()
	buf := make([]byte, n*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read %d voxels: %w", n, err)
	}

	slope, inter := h.SclSlope, h.SclInter
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}

	o := h.ByteOrder
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := buf[i*size : (i+1)*size]
		var v float64
		switch h.Datatype {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(o.Uint16(b)))
		case DTUint16:
			v = float64(o.Uint16(b))
		case DTInt32:
			v = float64(int32(o.Uint32(b)))
		case DTUint32:
			v = float64(o.Uint32(b))
		case DTFloat32:
			v = float64(math.Float32frombits(o.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(o.Uint64(b))
		}
		out[i] = v*slope + inter
	}
	return out, nil
}

// HasExtension reports whether name looks like a NIfTI file.
func HasExtension(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// TrimExtension strips .nii or .nii.gz from name.
func TrimExtension(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return name[:len(name)-len(".nii.gz")]
	case strings.HasSuffix(lower, ".nii"):
		return name[:len(name)-len(".nii")]
	}
	return name
}
