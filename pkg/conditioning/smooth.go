package conditioning

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"anatomesh/internal/models"
)

// Neighbors returns, for every vertex, the sorted distinct vertices it shares
// an edge with.
func Neighbors(mesh models.SurfaceMesh) [][]int {
	adj := make([][]int, len(mesh.Vertices))
	for _, f := range mesh.Faces {
		for i := 0; i < 3; i++ {
			a, b := f[i], f[(i+1)%3]
			adj[a] = append(adj[a], b)
			adj[b] = append(adj[b], a)
		}
	}
	for i, n := range adj {
		if len(n) < 2 {
			continue
		}
		sort.Ints(n)
		out := n[:1]
		for _, v := range n[1:] {
			if v != out[len(out)-1] {
				out = append(out, v)
			}
		}
		adj[i] = out
	}
	return adj
}

// LaplacianSmooth moves every vertex a fraction factor of the way toward the
// centroid of its neighbors, iterations times. Faces are shared with the
// input; vertices are not.
func LaplacianSmooth(mesh models.SurfaceMesh, iterations int, factor float64) (models.SurfaceMesh, error) {
	if iterations < 0 {
		return mesh, fmt.Errorf("negative iteration count %d", iterations)
	}
	if factor < 0 || factor > 1 {
		return mesh, fmt.Errorf("smoothing factor %g outside [0, 1]", factor)
	}

	adj := Neighbors(mesh)
	cur := append([]r3.Vec(nil), mesh.Vertices...)
	next := make([]r3.Vec, len(cur))
	for it := 0; it < iterations; it++ {
		for i, v := range cur {
			if len(adj[i]) == 0 {
				next[i] = v
				continue
			}
			var sum r3.Vec
			for _, j := range adj[i] {
				sum = r3.Add(sum, cur[j])
			}
			centroid := r3.Scale(1/float64(len(adj[i])), sum)
			next[i] = r3.Add(v, r3.Scale(factor, r3.Sub(centroid, v)))
		}
		cur, next = next, cur
	}

	return models.SurfaceMesh{Vertices: cur, Faces: mesh.Faces}, nil
}
