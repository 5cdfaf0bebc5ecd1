// Package volume holds the voxel-grid types exchanged between the
// preprocessing, inference, and reporting stages, plus a compact gzip-framed
// codec used for blob-store artifacts. Axis order is (Z, Y, X) throughout,
// matching the row-major layout produced by the DICOM decoding service.
package volume

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrBadMagic   = errors.New("volume: unrecognized header magic")
	ErrBadPayload = errors.New("volume: payload size mismatch")
)

// Volume is a scalar image volume (CT intensities, Hounsfield units or
// normalized). Data is indexed as Data[(z*Dims[1]+y)*Dims[2]+x].
type Volume struct {
	Dims    [3]int     // Z, Y, X
	Spacing [3]float64 // mm per voxel along Z, Y, X
	Data    []float32
}

// Mask is a label volume aligned with a Volume. Zero is background.
type Mask struct {
	Dims    [3]int
	Spacing [3]float64
	Labels  []uint8
}

// NewVolume allocates a zero-filled volume.
func NewVolume(dims [3]int, spacing [3]float64) *Volume {
	return &Volume{Dims: dims, Spacing: spacing, Data: make([]float32, dims[0]*dims[1]*dims[2])}
}

// NewMask allocates a zero-filled mask.
func NewMask(dims [3]int, spacing [3]float64) *Mask {
	return &Mask{Dims: dims, Spacing: spacing, Labels: make([]uint8, dims[0]*dims[1]*dims[2])}
}

func (v *Volume) At(z, y, x int) float32 {
	return v.Data[(z*v.Dims[1]+y)*v.Dims[2]+x]
}

func (v *Volume) Set(z, y, x int, val float32) {
	v.Data[(z*v.Dims[1]+y)*v.Dims[2]+x] = val
}

func (m *Mask) At(z, y, x int) uint8 {
	return m.Labels[(z*m.Dims[1]+y)*m.Dims[2]+x]
}

func (m *Mask) Set(z, y, x int, val uint8) {
	m.Labels[(z*m.Dims[1]+y)*m.Dims[2]+x] = val
}

const (
	codecMagic   = "SPV1"
	dtypeFloat32 = uint8(0)
	dtypeUint8   = uint8(1)
)

type header struct {
	Dtype   uint8
	Dims    [3]int64
	Spacing [3]float64
}

func writeHeader(w io.Writer, h header) error {
	if _, err := w.Write([]byte(codecMagic)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, h)
}

func readHeader(r io.Reader) (header, error) {
	var h header
	magic := make([]byte, len(codecMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return h, err
	}
	if string(magic) != codecMagic {
		return h, ErrBadMagic
	}
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, err
	}
	return h, nil
}

// EncodeVolume writes v as a gzip-compressed frame.
func EncodeVolume(w io.Writer, v *Volume) error {
	if err := writeHeader(w, header{
		Dtype:   dtypeFloat32,
		Dims:    [3]int64{int64(v.Dims[0]), int64(v.Dims[1]), int64(v.Dims[2])},
		Spacing: v.Spacing,
	}); err != nil {
		return fmt.Errorf("write volume header: %w", err)
	}
	zw := gzip.NewWriter(w)
	if err := binary.Write(zw, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("write volume payload: %w", err)
	}
	return zw.Close()
}

// DecodeVolume reads a frame written by EncodeVolume.
func DecodeVolume(r io.Reader) (*Volume, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Dtype != dtypeFloat32 {
		return nil, fmt.Errorf("%w: expected float32 volume, got dtype %d", ErrBadPayload, h.Dtype)
	}
	dims := [3]int{int(h.Dims[0]), int(h.Dims[1]), int(h.Dims[2])}
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("%w: non-positive dims %v", ErrBadPayload, dims)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open volume payload: %w", err)
	}
	defer zr.Close()

	v := NewVolume(dims, h.Spacing)
	if err := binary.Read(zr, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("read volume payload: %w", err)
	}
	return v, nil
}

// EncodeMask writes m as a gzip-compressed frame.
func EncodeMask(w io.Writer, m *Mask) error {
	if err := writeHeader(w, header{
		Dtype:   dtypeUint8,
		Dims:    [3]int64{int64(m.Dims[0]), int64(m.Dims[1]), int64(m.Dims[2])},
		Spacing: m.Spacing,
	}); err != nil {
		return fmt.Errorf("write mask header: %w", err)
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(m.Labels); err != nil {
		return fmt.Errorf("write mask payload: %w", err)
	}
	return zw.Close()
}

// DecodeMask reads a frame written by EncodeMask.
func DecodeMask(r io.Reader) (*Mask, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Dtype != dtypeUint8 {
		return nil, fmt.Errorf("%w: expected uint8 mask, got dtype %d", ErrBadPayload, h.Dtype)
	}
	dims := [3]int{int(h.Dims[0]), int(h.Dims[1]), int(h.Dims[2])}
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("%w: non-positive dims %v", ErrBadPayload, dims)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open mask payload: %w", err)
	}
	defer zr.Close()

	m := NewMask(dims, h.Spacing)
	if _, err := io.ReadFull(zr, m.Labels); err != nil {
		return nil, fmt.Errorf("read mask payload: %w", err)
	}
	return m, nil
}

// MinMax returns the intensity range of the volume.
func (v *Volume) MinMax() (float32, float32) {
	lo := float32(math.Inf(1))
	hi := float32(math.Inf(-1))
	for _, val := range v.Data {
		if val < lo {
			lo = val
		}
		if val > hi {
			hi = val
		}
	}
	return lo, hi
}
