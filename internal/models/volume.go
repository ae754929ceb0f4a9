package models

import "fmt"

// LabelVolume is one structure's mask as produced by the segmentation tool.
type LabelVolume struct {
	// Name is the structure name, derived from the mask filename
	Name string

	// Data is the 3D scalar grid as a 1D array, x fastest then y then z
	Data []float64

	// Width, Height, Depth are the grid dimensions in voxels
	Width  int
	Height int
	Depth  int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// Affine maps voxel indices to scanner space (row-major 4x4)
	Affine [4][4]float64
}

// Index returns the flat offset of voxel (x, y, z).
func (v *LabelVolume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel value at (x, y, z).
func (v *LabelVolume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Voxels returns the number of voxels in the grid.
func (v *LabelVolume) Voxels() int {
	return v.Width * v.Height * v.Depth
}

// SameGrid reports whether o has the same dimensions as v.
func (v *LabelVolume) SameGrid(o *LabelVolume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Validate checks that the grid is well formed.
func (v *LabelVolume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("volume %q has invalid dimensions %dx%dx%d", v.Name, v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Voxels() {
		return fmt.Errorf("volume %q has %d values, expected %d", v.Name, len(v.Data), v.Voxels())
	}
	if v.VoxelSize.X <= 0 || v.VoxelSize.Y <= 0 || v.VoxelSize.Z <= 0 {
		return fmt.Errorf("volume %q has non-positive spacing", v.Name)
	}
	return nil
}

// IdentityAffine returns an affine scaling voxel indices by the given spacing.
func IdentityAffine(sx, sy, sz float64) [4][4]float64 {
	return [4][4]float64{
		{sx, 0, 0, 0},
		{0, sy, 0, 0},
		{0, 0, sz, 0},
		{0, 0, 0, 1},
	}
}
