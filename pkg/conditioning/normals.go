package conditioning

import (
	"gonum.org/v1/gonum/spatial/r3"

	"anatomesh/internal/models"
)

// faceNormal returns the unnormalized normal of f; its length is twice the
// triangle area.
func faceNormal(vertices []r3.Vec, f [3]int) r3.Vec {
	a, b, c := vertices[f[0]], vertices[f[1]], vertices[f[2]]
	return r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
}

// VertexNormals returns area-weighted unit normals per vertex. Vertices with
// no usable incident face get +Z.
func VertexNormals(mesh models.SurfaceMesh) []r3.Vec {
	normals := make([]r3.Vec, len(mesh.Vertices))
	for _, f := range mesh.Faces {
		n := faceNormal(mesh.Vertices, f)
		for _, idx := range f {
			normals[idx] = r3.Add(normals[idx], n)
		}
	}
	for i, n := range normals {
		if l := r3.Norm(n); l > 0 {
			normals[i] = r3.Scale(1/l, n)
		} else {
			normals[i] = r3.Vec{Z: 1}
		}
	}
	return normals
}

type directedEdge struct{ from, to int }

// FixNormals makes face winding consistent within each connected component,
// orients every component so its signed volume is non-negative (outward
// normals for closed surfaces) and recomputes vertex normals.
func FixNormals(mesh models.SurfaceMesh) models.SurfaceMesh {
	faces := append([][3]int(nil), mesh.Faces...)

	edgeFaces := make(map[[2]int][]int, len(faces)*3/2)
	for i, f := range faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			if a > b {
				a, b = b, a
			}
			edgeFaces[[2]int{a, b}] = append(edgeFaces[[2]int{a, b}], i)
		}
	}

	hasEdge := func(f [3]int, e directedEdge) bool {
		for k := 0; k < 3; k++ {
			if f[k] == e.from && f[(k+1)%3] == e.to {
				return true
			}
		}
		return false
	}

	visited := make([]bool, len(faces))
	for seed := range faces {
		if visited[seed] {
			continue
		}

		component := []int{seed}
		visited[seed] = true
		for q := 0; q < len(component); q++ {
			fi := component[q]
			f := faces[fi]
			for k := 0; k < 3; k++ {
				e := directedEdge{f[k], f[(k+1)%3]}
				key := [2]int{e.from, e.to}
				if key[0] > key[1] {
					key[0], key[1] = key[1], key[0]
				}
				shared := edgeFaces[key]
				// only manifold edges carry orientation
				if len(shared) != 2 {
					continue
				}
				for _, nj := range shared {
					if nj == fi || visited[nj] {
						continue
					}
					// a consistent neighbour walks the shared edge the other way
					if hasEdge(faces[nj], e) {
						faces[nj][1], faces[nj][2] = faces[nj][2], faces[nj][1]
					}
					visited[nj] = true
					component = append(component, nj)
				}
			}
		}

		if signedVolume(mesh.Vertices, faces, component) < 0 {
			for _, fi := range component {
				faces[fi][1], faces[fi][2] = faces[fi][2], faces[fi][1]
			}
		}
	}

	out := models.SurfaceMesh{Vertices: mesh.Vertices, Faces: faces}
	out.Normals = VertexNormals(out)
	return out
}

// signedVolume returns the volume enclosed by the given faces, measured
// relative to their centroid so open patches do not depend on translation.
func signedVolume(vertices []r3.Vec, faces [][3]int, subset []int) float64 {
	var centroid r3.Vec
	for _, fi := range subset {
		f := faces[fi]
		centroid = r3.Add(centroid, r3.Add(vertices[f[0]], r3.Add(vertices[f[1]], vertices[f[2]])))
	}
	centroid = r3.Scale(1/float64(3*len(subset)), centroid)

	var vol float64
	for _, fi := range subset {
		f := faces[fi]
		a := r3.Sub(vertices[f[0]], centroid)
		b := r3.Sub(vertices[f[1]], centroid)
		c := r3.Sub(vertices[f[2]], centroid)
		vol += r3.Dot(a, r3.Cross(b, c)) / 6
	}
	return vol
}
