package conditioning

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"anatomesh/internal/models"
)

// ErrDecimation marks a decimation that could not produce a usable mesh.
var ErrDecimation = errors.New("decimation failed")

// TargetFaces returns the face count decimation aims for: ratio of faces,
// never below floor and never above faces.
func TargetFaces(faces int, ratio float64, floor int) int {
	target := int(math.Round(float64(faces) * ratio))
	if target < floor {
		target = floor
	}
	if target > faces {
		target = faces
	}
	return target
}

// collapse is a candidate edge contraction.
type collapse struct {
	cost   float64
	a, b   int
	pos    r3.Vec
	stampA int
	stampB int
}

type collapseQueue []collapse

func (q collapseQueue) Len() int            { return len(q) }
func (q collapseQueue) Less(i, j int) bool  { return q[i].cost < q[j].cost }
func (q collapseQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *collapseQueue) Push(x interface{}) { *q = append(*q, x.(collapse)) }
func (q *collapseQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// decimator holds the mutable state of a quadric edge-collapse run.
type decimator struct {
	pos      []r3.Vec
	faces    [][3]int
	alive    []bool
	live     int
	vfaces   []map[int]struct{}
	quadrics []*mat.SymDense
	stamp    []int
	removed  []bool
	queue    collapseQueue
}

// Decimate reduces mesh to at most target faces by quadric error edge
// collapse (Garland-Heckbert). Collapses that would flip a neighbouring face
// or break the link condition are rejected. If no collapse is possible the result may keep more faces
// than target, but never more than the input.
func Decimate(mesh models.SurfaceMesh, target int) (models.SurfaceMesh, error) {
	if target <= 0 {
		return mesh, fmt.Errorf("%w: target %d faces", ErrDecimation, target)
	}
	if len(mesh.Faces) <= target {
		return mesh, nil
	}

	d := &decimator{
		pos:      append([]r3.Vec(nil), mesh.Vertices...),
		faces:    append([][3]int(nil), mesh.Faces...),
		alive:    make([]bool, len(mesh.Faces)),
		live:     len(mesh.Faces),
		vfaces:   make([]map[int]struct{}, len(mesh.Vertices)),
		quadrics: make([]*mat.SymDense, len(mesh.Vertices)),
		stamp:    make([]int, len(mesh.Vertices)),
		removed:  make([]bool, len(mesh.Vertices)),
	}
	d.init()

	for d.live > target && d.queue.Len() > 0 {
		c := heap.Pop(&d.queue).(collapse)
		if d.removed[c.a] || d.removed[c.b] || d.stamp[c.a] != c.stampA || d.stamp[c.b] != c.stampB {
			continue
		}
		if !d.linkOK(c.a, c.b) || d.flips(c.a, c.b, c.pos) || d.flips(c.b, c.a, c.pos) {
			continue
		}
		d.contract(c)
	}

	out := d.result()
	if out.Empty() {
		return mesh, fmt.Errorf("%w: no faces left", ErrDecimation)
	}
	if len(out.Faces) > len(mesh.Faces) {
		return mesh, fmt.Errorf("%w: face count grew", ErrDecimation)
	}
	return out, nil
}

func (d *decimator) init() {
	for i := range d.quadrics {
		d.quadrics[i] = mat.NewSymDense(4, nil)
		d.vfaces[i] = make(map[int]struct{})
	}
	for fi, f := range d.faces {
		d.alive[fi] = true
		n := faceNormal(d.pos, f)
		l := r3.Norm(n)
		if l == 0 {
			for _, v := range f {
				d.vfaces[v][fi] = struct{}{}
			}
			continue
		}
		n = r3.Scale(1/l, n)
		plane := mat.NewVecDense(4, []float64{n.X, n.Y, n.Z, -r3.Dot(n, d.pos[f[0]])})
		for _, v := range f {
			d.quadrics[v].SymRankOne(d.quadrics[v], 1, plane)
			d.vfaces[v][fi] = struct{}{}
		}
	}

	seen := make(map[[2]int]struct{}, len(d.faces)*3/2)
	for _, f := range d.faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			if a > b {
				a, b = b, a
			}
			if _, ok := seen[[2]int{a, b}]; ok {
				continue
			}
			seen[[2]int{a, b}] = struct{}{}
			d.queue = append(d.queue, d.candidate(a, b))
		}
	}
	heap.Init(&d.queue)
}

// candidate computes the optimal contraction of edge a-b.
func (d *decimator) candidate(a, b int) collapse {
	q := mat.NewSymDense(4, nil)
	q.AddSym(d.quadrics[a], d.quadrics[b])

	cost := func(p r3.Vec) float64 {
		v := mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1})
		return math.Max(0, mat.Inner(v, q, v))
	}

	c := collapse{a: a, b: b, stampA: d.stamp[a], stampB: d.stamp[b]}

	A := mat.NewDense(3, 3, []float64{
		q.At(0, 0), q.At(0, 1), q.At(0, 2),
		q.At(1, 0), q.At(1, 1), q.At(1, 2),
		q.At(2, 0), q.At(2, 1), q.At(2, 2),
	})
	rhs := mat.NewVecDense(3, []float64{-q.At(0, 3), -q.At(1, 3), -q.At(2, 3)})
	var x mat.VecDense
	if err := x.SolveVec(A, rhs); err == nil {
		p := r3.Vec{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
		if !math.IsNaN(p.X) && !math.IsInf(p.X, 0) {
			c.pos, c.cost = p, cost(p)
			return c
		}
	}

	// singular system: fall back to the best of the endpoints and midpoint
	mid := r3.Scale(0.5, r3.Add(d.pos[a], d.pos[b]))
	c.pos, c.cost = mid, cost(mid)
	for _, p := range []r3.Vec{d.pos[a], d.pos[b]} {
		if e := cost(p); e < c.cost {
			c.pos, c.cost = p, e
		}
	}
	return c
}

// ring returns the vertices sharing a live face with v.
func (d *decimator) ring(v int) map[int]struct{} {
	r := make(map[int]struct{})
	for fi := range d.vfaces[v] {
		for _, u := range d.faces[fi] {
			if u != v {
				r[u] = struct{}{}
			}
		}
	}
	return r
}

// linkOK reports whether edge a-b satisfies the link condition: the only
// vertices adjacent to both a and b are the apexes of the faces on the edge.
// Collapsing an edge that fails it folds two faces onto the same triple.
func (d *decimator) linkOK(a, b int) bool {
	apex := make(map[int]struct{}, 2)
	for fi := range d.vfaces[a] {
		f := d.faces[fi]
		if f[0] != b && f[1] != b && f[2] != b {
			continue
		}
		for _, u := range f {
			if u != a && u != b {
				apex[u] = struct{}{}
			}
		}
	}
	ringA := d.ring(a)
	for u := range d.ring(b) {
		if u == a {
			continue
		}
		if _, shared := ringA[u]; !shared {
			continue
		}
		if _, ok := apex[u]; !ok {
			return false
		}
	}
	return true
}

// flips reports whether moving v to p inverts or degenerates any face around
// v that does not also contain other.
func (d *decimator) flips(v, other int, p r3.Vec) bool {
	for fi := range d.vfaces[v] {
		f := d.faces[fi]
		if f[0] == other || f[1] == other || f[2] == other {
			continue
		}
		before := faceNormal(d.pos, f)
		var corners [3]r3.Vec
		for k, idx := range f {
			if idx == v {
				corners[k] = p
			} else {
				corners[k] = d.pos[idx]
			}
		}
		after := r3.Cross(r3.Sub(corners[1], corners[0]), r3.Sub(corners[2], corners[0]))
		if r3.Norm(after) <= 2*DegenerateArea || r3.Dot(before, after) <= 0 {
			return true
		}
	}
	return false
}

// contract merges c.b into c.a at c.pos.
func (d *decimator) contract(c collapse) {
	a, b := c.a, c.b

	for fi := range d.vfaces[b] {
		f := d.faces[fi]
		if f[0] == a || f[1] == a || f[2] == a {
			d.alive[fi] = false
			d.live--
			for _, v := range f {
				delete(d.vfaces[v], fi)
			}
			continue
		}
		for k := range f {
			if f[k] == b {
				d.faces[fi][k] = a
			}
		}
		d.vfaces[a][fi] = struct{}{}
	}
	d.vfaces[b] = nil
	d.removed[b] = true

	d.pos[a] = c.pos
	d.quadrics[a].AddSym(d.quadrics[a], d.quadrics[b])
	d.stamp[a]++

	seen := make(map[int]struct{})
	var neighbours []int
	for fi := range d.vfaces[a] {
		for _, v := range d.faces[fi] {
			if _, ok := seen[v]; ok || v == a {
				continue
			}
			seen[v] = struct{}{}
			neighbours = append(neighbours, v)
		}
	}
	// map order is random; keep the queue reproducible
	sort.Ints(neighbours)
	for _, n := range neighbours {
		heap.Push(&d.queue, d.candidate(a, n))
	}
}

func (d *decimator) result() models.SurfaceMesh {
	var faces [][3]int
	for fi, f := range d.faces {
		if d.alive[fi] {
			faces = append(faces, f)
		}
	}
	mesh := RemoveDuplicateFaces(models.SurfaceMesh{Vertices: d.pos, Faces: faces})
	return RemoveUnreferencedVertices(mesh)
}
