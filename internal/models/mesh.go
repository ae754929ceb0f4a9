package models

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// SurfaceMesh is an indexed triangle surface in physical units.
type SurfaceMesh struct {
	// Vertices are positions in mm (voxel index scaled by spacing)
	Vertices []r3.Vec

	// Faces are triangles as three indices into Vertices
	Faces [][3]int

	// Normals are optional per-vertex unit normals
	Normals []r3.Vec
}

// Empty reports whether the mesh has no usable geometry.
func (m SurfaceMesh) Empty() bool {
	return len(m.Vertices) == 0 || len(m.Faces) == 0
}

// Validate checks that every face references an existing vertex.
func (m SurfaceMesh) Validate() error {
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return fmt.Errorf("face %d references vertex %d of %d", i, idx, n)
			}
		}
	}
	if m.Normals != nil && len(m.Normals) != n {
		return fmt.Errorf("mesh has %d normals for %d vertices", len(m.Normals), n)
	}
	return nil
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (m SurfaceMesh) Bounds() (min, max r3.Vec, ok bool) {
	if len(m.Vertices) == 0 {
		return r3.Vec{}, r3.Vec{}, false
	}
	min, max = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		min = r3.Vec{X: minf(min.X, v.X), Y: minf(min.Y, v.Y), Z: minf(min.Z, v.Z)}
		max = r3.Vec{X: maxf(max.X, v.X), Y: maxf(max.Y, v.Y), Z: maxf(max.Z, v.Z)}
	}
	return min, max, true
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
