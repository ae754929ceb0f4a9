package conditioning

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"anatomesh/internal/models"
)

// DegenerateArea is the triangle area in mm² at or below which a face is
// considered degenerate.
const DegenerateArea = 1e-12

// triangleArea returns the area of face f.
func triangleArea(vertices []r3.Vec, f [3]int) float64 {
	a, b, c := vertices[f[0]], vertices[f[1]], vertices[f[2]]
	return r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a))) / 2
}

// RemoveDegenerateFaces drops faces with repeated indices or near-zero area.
func RemoveDegenerateFaces(mesh models.SurfaceMesh) models.SurfaceMesh {
	faces := make([][3]int, 0, len(mesh.Faces))
	for _, f := range mesh.Faces {
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			continue
		}
		if triangleArea(mesh.Vertices, f) <= DegenerateArea {
			continue
		}
		faces = append(faces, f)
	}
	return models.SurfaceMesh{Vertices: mesh.Vertices, Faces: faces, Normals: mesh.Normals}
}

// faceKey identifies a face by its vertex set, ignoring winding.
func faceKey(f [3]int) [3]int {
	k := f
	sort.Ints(k[:])
	return k
}

// RemoveDuplicateFaces keeps the first of every group of faces that use the
// same three vertices.
func RemoveDuplicateFaces(mesh models.SurfaceMesh) models.SurfaceMesh {
	seen := make(map[[3]int]struct{}, len(mesh.Faces))
	faces := make([][3]int, 0, len(mesh.Faces))
	for _, f := range mesh.Faces {
		k := faceKey(f)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		faces = append(faces, f)
	}
	return models.SurfaceMesh{Vertices: mesh.Vertices, Faces: faces, Normals: mesh.Normals}
}

// RemoveUnreferencedVertices compacts the vertex list to the vertices used by
// at least one face, preserving their relative order.
func RemoveUnreferencedVertices(mesh models.SurfaceMesh) models.SurfaceMesh {
	remap := make([]int, len(mesh.Vertices))
	for i := range remap {
		remap[i] = -1
	}
	for _, f := range mesh.Faces {
		for _, idx := range f {
			remap[idx] = 0
		}
	}

	var vertices []r3.Vec
	var normals []r3.Vec
	for i, v := range mesh.Vertices {
		if remap[i] < 0 {
			continue
		}
		remap[i] = len(vertices)
		vertices = append(vertices, v)
		if mesh.Normals != nil {
			normals = append(normals, mesh.Normals[i])
		}
	}

	faces := make([][3]int, len(mesh.Faces))
	for i, f := range mesh.Faces {
		faces[i] = [3]int{remap[f[0]], remap[f[1]], remap[f[2]]}
	}
	return models.SurfaceMesh{Vertices: vertices, Faces: faces, Normals: normals}
}
