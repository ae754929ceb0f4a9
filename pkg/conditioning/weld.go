package conditioning

import (
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"anatomesh/internal/models"
)

// weldPoint is a mesh vertex that remembers its index once the kd-tree has
// reordered the slice.
type weldPoint struct {
	r3.Vec
	index int
}

// Compare implements the kdtree.Comparable interface
func (p weldPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(weldPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p weldPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p weldPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(weldPoint)
	d := r3.Sub(p.Vec, q.Vec)
	return r3.Dot(d, d)
}

// weldPoints satisfies kdtree.Interface
type weldPoints []weldPoint

func (p weldPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p weldPoints) Len() int                              { return len(p) }
func (p weldPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p weldPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(weldPlane{weldPoints: p, Dim: d}, kdtree.MedianOfRandoms(weldPlane{weldPoints: p, Dim: d}, 100))
}

// weldPlane implements sort.Interface and kdtree.SortSlicer for weldPoints
type weldPlane struct {
	weldPoints
	kdtree.Dim
}

func (p weldPlane) Less(i, j int) bool {
	return p.weldPoints[i].Compare(p.weldPoints[j], p.Dim) < 0
}

func (p weldPlane) Slice(start, end int) kdtree.SortSlicer {
	return weldPlane{weldPoints: p.weldPoints[start:end], Dim: p.Dim}
}

func (p weldPlane) Swap(i, j int) {
	p.weldPoints[i], p.weldPoints[j] = p.weldPoints[j], p.weldPoints[i]
}

// WeldVertices merges vertices closer than eps. Each vertex, in index order,
// absorbs the not yet merged vertices within eps of it; faces are re-pointed
// to the surviving vertex and faces that collapse or repeat are dropped. The merged
// vertices stay in the list until RemoveUnreferencedVertices runs.
func WeldVertices(mesh models.SurfaceMesh, eps float64) models.SurfaceMesh {
	if eps <= 0 || len(mesh.Vertices) < 2 {
		return mesh
	}

	points := make(weldPoints, len(mesh.Vertices))
	for i, v := range mesh.Vertices {
		points[i] = weldPoint{Vec: v, index: i}
	}
	tree := kdtree.New(points, false)

	target := make([]int, len(mesh.Vertices))
	for i := range target {
		target[i] = -1
	}
	merged := 0
	for i, v := range mesh.Vertices {
		if target[i] >= 0 {
			continue
		}
		target[i] = i
		keeper := kdtree.NewDistKeeper(eps * eps)
		tree.NearestSet(keeper, weldPoint{Vec: v, index: i})
		for _, c := range keeper.Heap {
			// the keeper is seeded with a sentinel carrying no point
			if c.Comparable == nil {
				continue
			}
			j := c.Comparable.(weldPoint).index
			if target[j] < 0 {
				target[j] = i
				merged++
			}
		}
	}
	if merged == 0 {
		return mesh
	}

	faces := make([][3]int, 0, len(mesh.Faces))
	for _, f := range mesh.Faces {
		g := [3]int{target[f[0]], target[f[1]], target[f[2]]}
		if g[0] == g[1] || g[1] == g[2] || g[0] == g[2] {
			continue
		}
		faces = append(faces, g)
	}
	// merged vertices can fold distinct faces onto one triple
	return RemoveDuplicateFaces(models.SurfaceMesh{Vertices: mesh.Vertices, Faces: faces, Normals: mesh.Normals})
}
