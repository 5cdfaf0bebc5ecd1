package engine

import (
	"context"
	"fmt"

	"github.com/medscanhq/segpipe/internal/volume"
	"github.com/medscanhq/segpipe/pkg/models"
)

// stepFraction is the sliding-window stride as a fraction of patch size.
// 0.5 gives 50% overlap between neighboring patches.
const stepFraction = 0.5

// Predict runs sliding-window inference over a preprocessed volume and
// returns the argmax label mask at the volume's geometry. Overlapping patch
// logits are averaged with uniform weights. onPatch, when non-nil, is called
// after each patch with (done, total).
func Predict(ctx context.Context, sess Session, v *volume.Volume, desc *models.ModelDescriptor, onPatch func(done, total int)) (*volume.Mask, error) {
	patch := desc.PatchSize
	numClasses := desc.NumClasses
	if numClasses < 2 {
		return nil, fmt.Errorf("engine: model %s has %d classes, need at least 2", desc.Name, numClasses)
	}

	// Volumes smaller than the patch along any axis are zero-padded up to
	// patch size; the mask is cut back to the input geometry at the end.
	work, padded := padToPatch(v, patch)
	dims := work.Dims
	voxels := dims[0] * dims[1] * dims[2]

	logits := make([]float32, numClasses*voxels)
	counts := make([]float32, voxels)

	windows := volume.SlidingWindows(dims, patch, stepFraction)
	patchVoxels := patch[0] * patch[1] * patch[2]
	input := make([]float32, patchVoxels)

	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		extractPatch(work, w, patch, input)
		out, err := sess.Run(input)
		if err != nil {
			return nil, fmt.Errorf("patch %d/%d at (%d,%d,%d): %w", i+1, len(windows), w.Z, w.Y, w.X, err)
		}
		if len(out) != numClasses*patchVoxels {
			return nil, fmt.Errorf("engine: model %s returned %d logits, want %d",
				desc.Name, len(out), numClasses*patchVoxels)
		}

		accumulate(logits, counts, out, dims, w, patch, numClasses)

		if onPatch != nil {
			onPatch(i+1, len(windows))
		}
	}

	mask := argmaxMask(logits, counts, dims, work.Spacing, numClasses)
	if padded {
		mask = cropMask(mask, v.Dims)
	}
	return mask, nil
}

func padToPatch(v *volume.Volume, patch [3]int) (*volume.Volume, bool) {
	dims := v.Dims
	padded := false
	for i := range 3 {
		if dims[i] < patch[i] {
			dims[i] = patch[i]
			padded = true
		}
	}
	if !padded {
		return v, false
	}
	out := volume.NewVolume(dims, v.Spacing)
	for z := 0; z < v.Dims[0]; z++ {
		for y := 0; y < v.Dims[1]; y++ {
			for x := 0; x < v.Dims[2]; x++ {
				out.Set(z, y, x, v.At(z, y, x))
			}
		}
	}
	return out, true
}

func extractPatch(v *volume.Volume, origin volume.Patch, patch [3]int, dst []float32) {
	i := 0
	for z := 0; z < patch[0]; z++ {
		for y := 0; y < patch[1]; y++ {
			for x := 0; x < patch[2]; x++ {
				dst[i] = v.At(origin.Z+z, origin.Y+y, origin.X+x)
				i++
			}
		}
	}
}

func accumulate(logits, counts, out []float32, dims [3]int, origin volume.Patch, patch [3]int, numClasses int) {
	voxels := dims[0] * dims[1] * dims[2]
	patchVoxels := patch[0] * patch[1] * patch[2]
	for c := 0; c < numClasses; c++ {
		classBase := c * voxels
		outBase := c * patchVoxels
		i := 0
		for z := 0; z < patch[0]; z++ {
			vz := origin.Z + z
			for y := 0; y < patch[1]; y++ {
				row := ((vz*dims[1] + origin.Y + y) * dims[2]) + origin.X
				for x := 0; x < patch[2]; x++ {
					logits[classBase+row+x] += out[outBase+i]
					i++
				}
			}
		}
	}
	i := 0
	for z := 0; z < patch[0]; z++ {
		vz := origin.Z + z
		for y := 0; y < patch[1]; y++ {
			row := ((vz*dims[1] + origin.Y + y) * dims[2]) + origin.X
			for x := 0; x < patch[2]; x++ {
				counts[row+x]++
				i++
			}
		}
	}
}

func argmaxMask(logits, counts []float32, dims [3]int, spacing [3]float64, numClasses int) *volume.Mask {
	voxels := dims[0] * dims[1] * dims[2]
	mask := volume.NewMask(dims, spacing)
	for i := 0; i < voxels; i++ {
		if counts[i] == 0 {
			continue
		}
		best := uint8(0)
		bestVal := logits[i] / counts[i]
		for c := 1; c < numClasses; c++ {
			val := logits[c*voxels+i] / counts[i]
			if val > bestVal {
				bestVal = val
				best = uint8(c)
			}
		}
		mask.Labels[i] = best
	}
	return mask
}

func cropMask(m *volume.Mask, dims [3]int) *volume.Mask {
	out := volume.NewMask(dims, m.Spacing)
	for z := 0; z < dims[0]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[2]; x++ {
				out.Set(z, y, x, m.At(z, y, x))
			}
		}
	}
	return out
}
