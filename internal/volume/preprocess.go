package volume

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyVolume is returned when preprocessing finds no foreground voxels,
// e.g. a blanked-out or corrupt export. This is a deterministic data failure.
var ErrEmptyVolume = errors.New("volume: no foreground voxels")

// CropBox records the region removed by CropToForeground so the mask can be
// restored to the original geometry afterwards. Bounds are half-open.
type CropBox struct {
	ZMin, ZMax int
	YMin, YMax int
	XMin, XMax int
}

// CropToForeground trims the volume to the minimal box containing all voxels
// above the given air threshold. CT exports are padded with air (-1024 HU);
// cropping it away shrinks the tensor the model has to see.
func CropToForeground(v *Volume, threshold float32) (*Volume, CropBox, error) {
	box := CropBox{
		ZMin: v.Dims[0], YMin: v.Dims[1], XMin: v.Dims[2],
		ZMax: -1, YMax: -1, XMax: -1,
	}
	for z := 0; z < v.Dims[0]; z++ {
		for y := 0; y < v.Dims[1]; y++ {
			for x := 0; x < v.Dims[2]; x++ {
				if v.At(z, y, x) <= threshold {
					continue
				}
				if z < box.ZMin {
					box.ZMin = z
				}
				if z > box.ZMax {
					box.ZMax = z
				}
				if y < box.YMin {
					box.YMin = y
				}
				if y > box.YMax {
					box.YMax = y
				}
				if x < box.XMin {
					box.XMin = x
				}
				if x > box.XMax {
					box.XMax = x
				}
			}
		}
	}
	if box.ZMax < 0 {
		return nil, CropBox{}, ErrEmptyVolume
	}
	box.ZMax++
	box.YMax++
	box.XMax++

	dims := [3]int{box.ZMax - box.ZMin, box.YMax - box.YMin, box.XMax - box.XMin}
	out := NewVolume(dims, v.Spacing)
	for z := 0; z < dims[0]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[2]; x++ {
				out.Set(z, y, x, v.At(z+box.ZMin, y+box.YMin, x+box.XMin))
			}
		}
	}
	return out, box, nil
}

// ApplyWindow clamps intensities to the [center-width/2, center+width/2]
// window and z-score normalizes the result in place. Windowing must happen
// before resampling so interpolation does not bleed clipped extremes.
func ApplyWindow(v *Volume, center, width float64) {
	lo := float32(center - width/2)
	hi := float32(center + width/2)

	var sum, sumSq float64
	for i, val := range v.Data {
		if val < lo {
			val = lo
		}
		if val > hi {
			val = hi
		}
		v.Data[i] = val
		sum += float64(val)
		sumSq += float64(val) * float64(val)
	}

	n := float64(len(v.Data))
	mean := sum / n
	variance := sumSq/n - mean*mean
	std := math.Sqrt(math.Max(variance, 1e-8))

	for i := range v.Data {
		v.Data[i] = float32((float64(v.Data[i]) - mean) / std)
	}
}

// Resample interpolates the volume onto the target voxel spacing. Trilinear
// interpolation, suitable for intensity images; masks go through
// ResampleMask instead.
func Resample(v *Volume, target [3]float64) (*Volume, error) {
	dims, err := resampledDims(v.Dims, v.Spacing, target)
	if err != nil {
		return nil, err
	}
	out := NewVolume(dims, target)

	for z := 0; z < dims[0]; z++ {
		sz := float64(z) * target[0] / v.Spacing[0]
		for y := 0; y < dims[1]; y++ {
			sy := float64(y) * target[1] / v.Spacing[1]
			for x := 0; x < dims[2]; x++ {
				sx := float64(x) * target[2] / v.Spacing[2]
				out.Set(z, y, x, trilinear(v, sz, sy, sx))
			}
		}
	}
	return out, nil
}

// ResampleMask maps the mask onto the target spacing with nearest-neighbor
// lookup, preserving label values exactly.
func ResampleMask(m *Mask, target [3]float64) (*Mask, error) {
	dims, err := resampledDims(m.Dims, m.Spacing, target)
	if err != nil {
		return nil, err
	}
	out := NewMask(dims, target)

	for z := 0; z < dims[0]; z++ {
		sz := nearestIndex(z, target[0], m.Spacing[0], m.Dims[0])
		for y := 0; y < dims[1]; y++ {
			sy := nearestIndex(y, target[1], m.Spacing[1], m.Dims[1])
			for x := 0; x < dims[2]; x++ {
				sx := nearestIndex(x, target[2], m.Spacing[2], m.Dims[2])
				out.Set(z, y, x, m.At(sz, sy, sx))
			}
		}
	}
	return out, nil
}

// RestoreMask embeds a mask that was predicted on a cropped region back into
// the original volume geometry, zero-filling outside the crop box.
func RestoreMask(m *Mask, box CropBox, originalDims [3]int, originalSpacing [3]float64) *Mask {
	out := NewMask(originalDims, originalSpacing)
	for z := 0; z < m.Dims[0]; z++ {
		oz := z + box.ZMin
		if oz >= originalDims[0] {
			break
		}
		for y := 0; y < m.Dims[1]; y++ {
			oy := y + box.YMin
			if oy >= originalDims[1] {
				break
			}
			for x := 0; x < m.Dims[2]; x++ {
				ox := x + box.XMin
				if ox >= originalDims[2] {
					break
				}
				out.Set(oz, oy, ox, m.At(z, y, x))
			}
		}
	}
	return out
}

func resampledDims(dims [3]int, spacing, target [3]float64) ([3]int, error) {
	var out [3]int
	for i := range 3 {
		if target[i] <= 0 || spacing[i] <= 0 {
			return out, fmt.Errorf("volume: invalid spacing %v -> %v", spacing, target)
		}
		out[i] = int(math.Round(float64(dims[i]) * spacing[i] / target[i]))
		if out[i] < 1 {
			out[i] = 1
		}
	}
	return out, nil
}

func nearestIndex(i int, target, spacing float64, limit int) int {
	s := int(math.Round(float64(i) * target / spacing))
	if s >= limit {
		s = limit - 1
	}
	return s
}

func trilinear(v *Volume, z, y, x float64) float32 {
	z0, y0, x0 := int(z), int(y), int(x)
	z1, y1, x1 := z0+1, y0+1, x0+1
	if z0 >= v.Dims[0] {
		z0 = v.Dims[0] - 1
	}
	if y0 >= v.Dims[1] {
		y0 = v.Dims[1] - 1
	}
	if x0 >= v.Dims[2] {
		x0 = v.Dims[2] - 1
	}
	if z1 >= v.Dims[0] {
		z1 = z0
	}
	if y1 >= v.Dims[1] {
		y1 = y0
	}
	if x1 >= v.Dims[2] {
		x1 = x0
	}
	fz, fy, fx := z-float64(z0), y-float64(y0), x-float64(x0)

	c00 := lerp(v.At(z0, y0, x0), v.At(z0, y0, x1), fx)
	c01 := lerp(v.At(z0, y1, x0), v.At(z0, y1, x1), fx)
	c10 := lerp(v.At(z1, y0, x0), v.At(z1, y0, x1), fx)
	c11 := lerp(v.At(z1, y1, x0), v.At(z1, y1, x1), fx)

	c0 := lerp(c00, c01, fy)
	c1 := lerp(c10, c11, fy)
	return lerp(c0, c1, fz)
}

func lerp(a, b float32, f float64) float32 {
	return a + float32(f)*(b-a)
}

// Patch is one sliding-window origin within a volume.
type Patch struct {
	Z, Y, X int
}

// SlidingWindows enumerates patch origins covering dims with the given patch
// size and step fraction. Edge patches are clamped so the final window always
// ends exactly at the volume boundary.
func SlidingWindows(dims, patch [3]int, step float64) []Patch {
	if step <= 0 || step > 1 {
		step = 0.5
	}
	axes := make([][]int, 3)
	for i := range 3 {
		axes[i] = axisOffsets(dims[i], patch[i], step)
	}

	var out []Patch
	for _, z := range axes[0] {
		for _, y := range axes[1] {
			for _, x := range axes[2] {
				out = append(out, Patch{Z: z, Y: y, X: x})
			}
		}
	}
	return out
}

func axisOffsets(dim, patch int, step float64) []int {
	if patch >= dim {
		return []int{0}
	}
	stride := int(float64(patch) * step)
	if stride < 1 {
		stride = 1
	}
	var offs []int
	last := -1
	for o := 0; o <= dim-patch; o += stride {
		offs = append(offs, o)
		last = o
	}
	if last != dim-patch {
		offs = append(offs, dim-patch)
	}
	return offs
}
