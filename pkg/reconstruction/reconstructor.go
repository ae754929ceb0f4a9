// Package reconstruction turns one structure's label volume into a raw
// triangle surface in physical (mm) coordinates.
package reconstruction

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"anatomesh/internal/models"
)

// DefaultLevel is the iso level used for binary masks.
const DefaultLevel = 0.5

// ErrInvalidVolume marks a malformed input volume. It is recoverable at the
// job level: the structure is skipped.
var ErrInvalidVolume = errors.New("invalid label volume")

// Reconstructor extracts isosurfaces from label volumes.
//
// Vertex coordinates are voxel indices scaled by the volume's spacing, so
// every structure from one study shares a coordinate system.
type Reconstructor struct {
	level float64
}

// NewReconstructor creates a reconstructor at the given iso level.
func NewReconstructor(level float64) *Reconstructor {
	return &Reconstructor{level: level}
}

// Reconstruct extracts the surface of vol. ok is false when the structure is
// absent (all-background mask, or nothing crosses the level); that is not an
// error.
func (r *Reconstructor) Reconstruct(vol *models.LabelVolume) (mesh models.SurfaceMesh, ok bool, err error) {
	if vol == nil {
		return models.SurfaceMesh{}, false, fmt.Errorf("%w: nil volume", ErrInvalidVolume)
	}
	if err := vol.Validate(); err != nil {
		return models.SurfaceMesh{}, false, fmt.Errorf("%w: %v", ErrInvalidVolume, err)
	}
	if floats.Max(vol.Data) <= 0 {
		return models.SurfaceMesh{}, false, nil
	}

	defer func() {
		if p := recover(); p != nil {
			mesh, ok = models.SurfaceMesh{}, false
			err = fmt.Errorf("%w: extraction of %q panicked: %v", ErrInvalidVolume, vol.Name, p)
		}
	}()

	mc := NewMarchingCubes(vol.Data, vol.Width, vol.Height, vol.Depth, r.level).
		SetScale(vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z)
	mesh = mc.Generate()
	if mesh.Empty() {
		return models.SurfaceMesh{}, false, nil
	}
	return mesh, true, nil
}
