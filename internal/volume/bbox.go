package volume

import "fmt"

// BoundingBox is the minimal axis-aligned 3D box enclosing the positive-label
// voxels of a mask. Bounds are inclusive voxel indices. The zero value (all
// fields zero with Voxels == 0) represents "no finding".
type BoundingBox struct {
	XMin, XMax int
	YMin, YMax int
	ZMin, ZMax int
	Voxels     int
}

// Empty reports whether the box encloses no voxels.
func (b BoundingBox) Empty() bool {
	return b.Voxels == 0
}

// String renders the box as "x_min,x_max,y_min,y_max,z_min,z_max", the layout
// expected in report localization columns. Empty boxes render as "".
func (b BoundingBox) String() string {
	if b.Empty() {
		return ""
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", b.XMin, b.XMax, b.YMin, b.YMax, b.ZMin, b.ZMax)
}

// MaskBoundingBox computes the bounding box of all non-zero voxels. A mask
// with fewer than minVoxels positive voxels counts as empty; minVoxels <= 1
// means any single voxel counts.
func MaskBoundingBox(m *Mask, minVoxels int) BoundingBox {
	box := BoundingBox{
		XMin: m.Dims[2], YMin: m.Dims[1], ZMin: m.Dims[0],
		XMax: -1, YMax: -1, ZMax: -1,
	}
	for z := 0; z < m.Dims[0]; z++ {
		for y := 0; y < m.Dims[1]; y++ {
			for x := 0; x < m.Dims[2]; x++ {
				if m.At(z, y, x) == 0 {
					continue
				}
				box.Voxels++
				if x < box.XMin {
					box.XMin = x
				}
				if x > box.XMax {
					box.XMax = x
				}
				if y < box.YMin {
					box.YMin = y
				}
				if y > box.YMax {
					box.YMax = y
				}
				if z < box.ZMin {
					box.ZMin = z
				}
				if z > box.ZMax {
					box.ZMax = z
				}
			}
		}
	}
	if box.Voxels < max(minVoxels, 1) {
		return BoundingBox{}
	}
	return box
}
