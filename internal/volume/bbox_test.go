package volume_test

import (
	"testing"

	"github.com/medscanhq/segpipe/internal/volume"
	"github.com/stretchr/testify/assert"
)

func TestMaskBoundingBox_KnownBlock(t *testing.T) {
	m := volume.NewMask([3]int{20, 20, 20}, [3]float64{1, 1, 1})
	// Single contiguous lesion: z 5..9, y 7..11, x 2..4 inclusive.
	for z := 5; z <= 9; z++ {
		for y := 7; y <= 11; y++ {
			for x := 2; x <= 4; x++ {
				m.Set(z, y, x, 1)
			}
		}
	}

	box := volume.MaskBoundingBox(m, 1)
	assert.Equal(t, 2, box.XMin)
	assert.Equal(t, 4, box.XMax)
	assert.Equal(t, 7, box.YMin)
	assert.Equal(t, 11, box.YMax)
	assert.Equal(t, 5, box.ZMin)
	assert.Equal(t, 9, box.ZMax)
	assert.Equal(t, 5*5*3, box.Voxels)
	assert.Equal(t, "2,4,7,11,5,9", box.String())
}

func TestMaskBoundingBox_AllZero(t *testing.T) {
	m := volume.NewMask([3]int{8, 8, 8}, [3]float64{1, 1, 1})

	box := volume.MaskBoundingBox(m, 1)
	assert.True(t, box.Empty())
	assert.Equal(t, "", box.String())
}

func TestMaskBoundingBox_BelowThreshold(t *testing.T) {
	m := volume.NewMask([3]int{8, 8, 8}, [3]float64{1, 1, 1})
	m.Set(2, 2, 2, 1)
	m.Set(2, 2, 3, 1)

	// Two voxels under a 5-voxel floor count as noise, not pathology.
	box := volume.MaskBoundingBox(m, 5)
	assert.True(t, box.Empty())

	box = volume.MaskBoundingBox(m, 2)
	assert.False(t, box.Empty())
	assert.Equal(t, 2, box.Voxels)
}
