package volume_test

import (
	"bytes"
	"testing"

	"github.com/medscanhq/segpipe/internal/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeCodec_Roundtrip(t *testing.T) {
	v := volume.NewVolume([3]int{4, 5, 6}, [3]float64{2.5, 1.0, 1.0})
	v.Set(0, 0, 0, -1024)
	v.Set(3, 4, 5, 812.5)
	v.Set(2, 2, 2, 40)

	var buf bytes.Buffer
	require.NoError(t, volume.EncodeVolume(&buf, v))

	got, err := volume.DecodeVolume(&buf)
	require.NoError(t, err)
	assert.Equal(t, v.Dims, got.Dims)
	assert.Equal(t, v.Spacing, got.Spacing)
	assert.Equal(t, v.Data, got.Data)
}

func TestMaskCodec_Roundtrip(t *testing.T) {
	m := volume.NewMask([3]int{3, 3, 3}, [3]float64{1, 1, 1})
	m.Set(1, 1, 1, 2)
	m.Set(2, 0, 0, 1)

	var buf bytes.Buffer
	require.NoError(t, volume.EncodeMask(&buf, m))

	got, err := volume.DecodeMask(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Labels, got.Labels)
}

func TestDecode_BadMagic(t *testing.T) {
	_, err := volume.DecodeVolume(bytes.NewReader([]byte("NOPE-not-a-volume")))
	assert.ErrorIs(t, err, volume.ErrBadMagic)
}

func TestDecode_DtypeMismatch(t *testing.T) {
	m := volume.NewMask([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	var buf bytes.Buffer
	require.NoError(t, volume.EncodeMask(&buf, m))

	_, err := volume.DecodeVolume(&buf)
	assert.ErrorIs(t, err, volume.ErrBadPayload)
}

func TestCropToForeground(t *testing.T) {
	v := volume.NewVolume([3]int{10, 10, 10}, [3]float64{1, 1, 1})
	for i := range v.Data {
		v.Data[i] = -1024
	}
	// Body occupies z 2..5, y 3..6, x 4..8 inclusive.
	for z := 2; z <= 5; z++ {
		for y := 3; y <= 6; y++ {
			for x := 4; x <= 8; x++ {
				v.Set(z, y, x, 100)
			}
		}
	}

	cropped, box, err := volume.CropToForeground(v, -500)
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 4, 5}, cropped.Dims)
	assert.Equal(t, 2, box.ZMin)
	assert.Equal(t, 6, box.ZMax)
	assert.Equal(t, 3, box.YMin)
	assert.Equal(t, 4, box.XMin)
	assert.Equal(t, float32(100), cropped.At(0, 0, 0))
}

func TestCropToForeground_AllAir(t *testing.T) {
	v := volume.NewVolume([3]int{4, 4, 4}, [3]float64{1, 1, 1})
	for i := range v.Data {
		v.Data[i] = -1024
	}
	_, _, err := volume.CropToForeground(v, -500)
	assert.ErrorIs(t, err, volume.ErrEmptyVolume)
}

func TestApplyWindow_ClampsAndNormalizes(t *testing.T) {
	v := volume.NewVolume([3]int{1, 1, 4}, [3]float64{1, 1, 1})
	copy(v.Data, []float32{-2000, -150, 250, 3000})

	volume.ApplyWindow(v, 50, 400) // window [-150, 250]

	// Extremes clamp to window edges, then everything is z-scored; the
	// clamped pairs must coincide and the mean must be ~0.
	assert.Equal(t, v.Data[0], v.Data[1])
	assert.Equal(t, v.Data[2], v.Data[3])
	var sum float32
	for _, val := range v.Data {
		sum += val
	}
	assert.InDelta(t, 0, sum, 1e-4)
}

func TestResample_Downsample(t *testing.T) {
	v := volume.NewVolume([3]int{8, 8, 8}, [3]float64{1, 1, 1})
	for i := range v.Data {
		v.Data[i] = float32(i % 7)
	}

	out, err := volume.Resample(v, [3]float64{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 4, 4}, out.Dims)
	assert.Equal(t, [3]float64{2, 2, 2}, out.Spacing)
}

func TestResampleMask_PreservesLabels(t *testing.T) {
	m := volume.NewMask([3]int{4, 4, 4}, [3]float64{2, 2, 2})
	for i := range m.Labels {
		m.Labels[i] = 3
	}

	out, err := volume.ResampleMask(m, [3]float64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, [3]int{8, 8, 8}, out.Dims)
	for _, l := range out.Labels {
		assert.Equal(t, uint8(3), l)
	}
}

func TestRestoreMask(t *testing.T) {
	m := volume.NewMask([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	for i := range m.Labels {
		m.Labels[i] = 1
	}
	box := volume.CropBox{ZMin: 1, ZMax: 3, YMin: 2, YMax: 4, XMin: 3, XMax: 5}

	out := volume.RestoreMask(m, box, [3]int{6, 6, 6}, [3]float64{1, 1, 1})
	assert.Equal(t, [3]int{6, 6, 6}, out.Dims)
	assert.Equal(t, uint8(1), out.At(1, 2, 3))
	assert.Equal(t, uint8(1), out.At(2, 3, 4))
	assert.Equal(t, uint8(0), out.At(0, 0, 0))
	assert.Equal(t, uint8(0), out.At(3, 4, 5))
}

func TestSlidingWindows_CoversEdges(t *testing.T) {
	wins := volume.SlidingWindows([3]int{10, 10, 10}, [3]int{4, 4, 4}, 0.5)
	require.NotEmpty(t, wins)

	covered := map[volume.Patch]bool{}
	var maxZ int
	for _, w := range wins {
		covered[w] = true
		if w.Z > maxZ {
			maxZ = w.Z
		}
	}
	// The final window along each axis must end at the boundary.
	assert.Equal(t, 6, maxZ)
	assert.True(t, covered[volume.Patch{Z: 6, Y: 6, X: 6}])
}

func TestSlidingWindows_PatchLargerThanVolume(t *testing.T) {
	wins := volume.SlidingWindows([3]int{3, 3, 3}, [3]int{8, 8, 8}, 0.5)
	assert.Equal(t, []volume.Patch{{Z: 0, Y: 0, X: 0}}, wins)
}
