package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"anatomesh/internal/models"
)

// cubeCorners are the unit offsets of a cell's corners; corner c sits at
// (c&1, c>>1&1, c>>2&1).
var cubeCorners = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
}

// cellTetrahedra splits a cell into six tetrahedra around the 0-7 diagonal.
// Neighbouring cells split their shared faces identically, so the surface
// has no cracks.
var cellTetrahedra = [6][4]int{
	{0, 1, 3, 7},
	{0, 1, 5, 7},
	{0, 2, 3, 7},
	{0, 2, 6, 7},
	{0, 4, 5, 7},
	{0, 4, 6, 7},
}

// MarchingCubes extracts an indexed isosurface from a scalar grid. Cells are
// decomposed into tetrahedra, which removes the ambiguous configurations of
// the classic 256-case table. The grid is treated as surrounded by one layer
// of background so structures touching the border still close.
type MarchingCubes struct {
	data                 []float64
	width, height, depth int
	isoLevel             float64
	background           float64
	scale                r3.Vec

	vertices []r3.Vec
	faces    [][3]int
	edges    map[uint64]int
}

// NewMarchingCubes prepares extraction of the isoLevel surface of data,
// laid out x fastest then y then z.
func NewMarchingCubes(data []float64, width, height, depth int, isoLevel float64) *MarchingCubes {
	return &MarchingCubes{
		data:       data,
		width:      width,
		height:     height,
		depth:      depth,
		isoLevel:   isoLevel,
		background: math.Min(0, isoLevel-1),
		scale:      r3.Vec{X: 1, Y: 1, Z: 1},
	}
}

// SetScale sets the physical size of a voxel along each axis.
func (mc *MarchingCubes) SetScale(x, y, z float64) *MarchingCubes {
	mc.scale = r3.Vec{X: x, Y: y, Z: z}
	return mc
}

// Generate runs the extraction. Triangles are wound counter-clockwise when
// seen from outside, i.e. from the side below the iso level.
func (mc *MarchingCubes) Generate() models.SurfaceMesh {
	mc.vertices = nil
	mc.faces = nil
	mc.edges = make(map[uint64]int)

	var vals [8]float64
	var pts [8][3]int
	for z := -1; z < mc.depth; z++ {
		for y := -1; y < mc.height; y++ {
			for x := -1; x < mc.width; x++ {
				inside, outside := 0, 0
				for c, off := range cubeCorners {
					pts[c] = [3]int{x + off[0], y + off[1], z + off[2]}
					vals[c] = mc.value(pts[c][0], pts[c][1], pts[c][2])
					if vals[c] > mc.isoLevel {
						inside++
					} else {
						outside++
					}
				}
				if inside == 0 || outside == 0 {
					continue
				}
				for _, tet := range cellTetrahedra {
					mc.polygonizeTetra(tet, &pts, &vals)
				}
			}
		}
	}

	return models.SurfaceMesh{Vertices: mc.vertices, Faces: mc.faces}
}

func (mc *MarchingCubes) value(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= mc.width || y >= mc.height || z >= mc.depth {
		return mc.background
	}
	return mc.data[z*mc.width*mc.height+y*mc.width+x]
}

func (mc *MarchingCubes) polygonizeTetra(tet [4]int, pts *[8][3]int, vals *[8]float64) {
	var in, out []int
	for _, c := range tet {
		if vals[c] > mc.isoLevel {
			in = append(in, c)
		} else {
			out = append(out, c)
		}
	}

	// direction from the inside corners to the outside ones
	var ci, co r3.Vec
	for _, c := range in {
		ci = r3.Add(ci, mc.position(pts[c]))
	}
	for _, c := range out {
		co = r3.Add(co, mc.position(pts[c]))
	}
	switch len(in) {
	case 0, 4:
		return
	case 1, 3:
		dir := r3.Sub(r3.Scale(1/float64(len(out)), co), r3.Scale(1/float64(len(in)), ci))
		var a, b, c int
		if len(in) == 1 {
			a = mc.edgeVertex(in[0], out[0], pts, vals)
			b = mc.edgeVertex(in[0], out[1], pts, vals)
			c = mc.edgeVertex(in[0], out[2], pts, vals)
		} else {
			a = mc.edgeVertex(in[0], out[0], pts, vals)
			b = mc.edgeVertex(in[1], out[0], pts, vals)
			c = mc.edgeVertex(in[2], out[0], pts, vals)
		}
		mc.emit(a, b, c, dir)
	case 2:
		dir := r3.Sub(r3.Scale(0.5, co), r3.Scale(0.5, ci))
		ac := mc.edgeVertex(in[0], out[0], pts, vals)
		ad := mc.edgeVertex(in[0], out[1], pts, vals)
		bd := mc.edgeVertex(in[1], out[1], pts, vals)
		bc := mc.edgeVertex(in[1], out[0], pts, vals)
		mc.emit(ac, ad, bd, dir)
		mc.emit(ac, bd, bc, dir)
	}
}

// emit appends a triangle whose normal agrees with dir.
func (mc *MarchingCubes) emit(a, b, c int, dir r3.Vec) {
	if a == b || b == c || a == c {
		return
	}
	pa, pb, pc := mc.vertices[a], mc.vertices[b], mc.vertices[c]
	n := r3.Cross(r3.Sub(pb, pa), r3.Sub(pc, pa))
	if r3.Dot(n, dir) < 0 {
		b, c = c, b
	}
	mc.faces = append(mc.faces, [3]int{a, b, c})
}

func (mc *MarchingCubes) position(p [3]int) r3.Vec {
	return r3.Vec{
		X: float64(p[0]) * mc.scale.X,
		Y: float64(p[1]) * mc.scale.Y,
		Z: float64(p[2]) * mc.scale.Z,
	}
}

// pointID numbers grid points including the background layer.
func (mc *MarchingCubes) pointID(p [3]int) uint64 {
	w, h := uint64(mc.width+2), uint64(mc.height+2)
	return uint64(p[0]+1) + uint64(p[1]+1)*w + uint64(p[2]+1)*w*h
}

// edgeVertex returns the shared vertex where the surface crosses edge i-o.
func (mc *MarchingCubes) edgeVertex(i, o int, pts *[8][3]int, vals *[8]float64) int {
	a, b := mc.pointID(pts[i]), mc.pointID(pts[o])
	if a > b {
		a, b = b, a
	}
	n := uint64(mc.width+2) * uint64(mc.height+2) * uint64(mc.depth+2)
	key := a*n + b
	if idx, ok := mc.edges[key]; ok {
		return idx
	}

	p1, p2 := mc.position(pts[i]), mc.position(pts[o])
	v1, v2 := vals[i], vals[o]
	t := 0.5
	if d := v2 - v1; d != 0 {
		t = (mc.isoLevel - v1) / d
	}
	t = math.Max(0, math.Min(1, t))
	p := r3.Add(p1, r3.Scale(t, r3.Sub(p2, p1)))

	idx := len(mc.vertices)
	mc.vertices = append(mc.vertices, p)
	mc.edges[key] = idx
	return idx
}
