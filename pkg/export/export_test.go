package export

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"pgregory.net/rapid"

	"anatomesh/internal/models"
	"anatomesh/pkg/anatomy"
	"anatomesh/pkg/conditioning"
	"anatomesh/pkg/reconstruction"
)

func classified(name string, mesh models.SurfaceMesh) models.ClassifiedStructure {
	return anatomy.Classifier{}.Structure(name, mesh, nil)
}

func triangle(offset r3.Vec) models.SurfaceMesh {
	return models.SurfaceMesh{
		Vertices: []r3.Vec{offset, r3.Add(offset, r3.Vec{X: 1}), r3.Add(offset, r3.Vec{Y: 1})},
		Faces:    [][3]int{{0, 1, 2}},
	}
}

// maskMesh reconstructs and conditions an 8x8x8 mask
func maskMesh(t *testing.T, inside func(x, y, z int) bool) models.SurfaceMesh {
	vol := &models.LabelVolume{Name: "mask", Width: 8, Height: 8, Depth: 8}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 1, 1, 1
	vol.Data = make([]float64, vol.Voxels())
	for z := 0; z < 8; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				if inside(x, y, z) {
					vol.Data[vol.Index(x, y, z)] = 1
				}
			}
		}
	}
	mesh, ok, err := reconstruction.NewReconstructor(0.5).Reconstruct(vol)
	require.NoError(t, err)
	require.True(t, ok)
	mesh, _ = conditioning.NewConditioner(conditioning.DefaultOptions(), nil).Condition(mesh)
	return mesh
}

func TestGlobalCenter(t *testing.T) {
	assert.Equal(t, r3.Vec{}, GlobalCenter(nil))

	structs := []models.ClassifiedStructure{
		classified("liver", triangle(r3.Vec{X: -2, Y: 0, Z: 4})),
		classified("aorta", triangle(r3.Vec{X: 3, Y: 5, Z: 0})),
		classified("empty", models.SurfaceMesh{}),
	}
	// x spans -2..4, y 0..6, z 0..4
	assert.Equal(t, r3.Vec{X: 1, Y: 3, Z: 2}, GlobalCenter(structs))
}

func TestWriteModelOffsetsIndices(t *testing.T) {
	structs := []models.ClassifiedStructure{
		classified("liver", triangle(r3.Vec{})),
		classified("aorta", triangle(r3.Vec{Z: 2})),
	}
	var buf bytes.Buffer
	n, err := WriteModel(&buf, structs, r3.Vec{}, MaterialFile)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	want := `mtllib materials.mtl
o digestive__liver
g digestive__liver
usemtl digestive__liver
v 0.000000 0.000000 0.000000
v 1.000000 0.000000 0.000000
v 0.000000 1.000000 0.000000
f 1 2 3
o arteries_cardiovascular__aorta
g arteries_cardiovascular__aorta
usemtl arteries_cardiovascular__aorta
v 0.000000 0.000000 2.000000
v 1.000000 0.000000 2.000000
v 0.000000 1.000000 2.000000
f 4 5 6
`
	assert.Equal(t, want, buf.String())
}

func TestWriteModelCenters(t *testing.T) {
	structs := []models.ClassifiedStructure{classified("liver", triangle(r3.Vec{X: 10, Y: 10, Z: 10}))}
	var buf bytes.Buffer
	_, err := WriteModel(&buf, structs, GlobalCenter(structs), MaterialFile)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "v -0.500000 -0.500000 0.000000\n")
}

func TestWriteMaterials(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMaterials(&buf, []models.ClassifiedStructure{classified("liver", triangle(r3.Vec{}))}))
	want := `newmtl digestive__liver
Ka 0.0 0.0 0.0
Kd 0.588 0.039 0.039
Ks 0.0 0.0 0.0
illum 1
d 1.0
Ns 0.0

`
	assert.Equal(t, want, buf.String())
}

func TestBuildSidecarLabelIDs(t *testing.T) {
	structs := []models.ClassifiedStructure{
		classified("liver", triangle(r3.Vec{})),
		classified("spleen", triangle(r3.Vec{})),
		classified("aorta", triangle(r3.Vec{})),
	}
	sidecar := BuildSidecar(structs, map[string]int{"liver": 2, "aorta": 1})

	require.Len(t, sidecar[models.SystemDigestive], 2)
	assert.Equal(t, "liver", sidecar[models.SystemDigestive][0].ObjectName)
	assert.Equal(t, 2, *sidecar[models.SystemDigestive][0].LabelID)
	assert.Nil(t, sidecar[models.SystemDigestive][1].LabelID)
	assert.Equal(t, [3]int{255, 0, 60}, sidecar[models.SystemArteries][0].Color)

	var buf bytes.Buffer
	require.NoError(t, WriteSidecar(&buf, sidecar))
	assert.Contains(t, buf.String(), `"label_id": 1`)
	assert.NotContains(t, buf.String(), `"label_id": null`)
}

func TestExportScenarioLiverAndAorta(t *testing.T) {
	cube := func(x, y, z int) bool { return x >= 1 && x <= 6 && y >= 1 && y <= 6 && z >= 1 && z <= 6 }
	sphere := func(x, y, z int) bool {
		dx, dy, dz := float64(x)-3.5, float64(y)-3.5, float64(z)-3.5
		return math.Sqrt(dx*dx+dy*dy+dz*dz) <= 3
	}
	structs := []models.ClassifiedStructure{
		classified("aorta", maskMesh(t, sphere)),
		classified("liver", maskMesh(t, cube)),
	}

	dir := t.TempDir()
	files, err := NewExporter(nil).Export(structs, map[string]int{"aorta": 1, "liver": 2}, dir)
	require.NoError(t, err)

	model, err := os.ReadFile(files.Model)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(model), "\no "))

	mtl, err := os.ReadFile(files.Materials)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(mtl), "newmtl "))
	assert.Contains(t, string(mtl), "newmtl digestive__liver\nKa 0.0 0.0 0.0\nKd 0.588 0.039 0.039\n")
	assert.Contains(t, string(mtl), "newmtl arteries_cardiovascular__aorta\nKa 0.0 0.0 0.0\nKd 1.000 0.000 0.235\n")

	objects := decodeFiles(t, files)
	require.Len(t, objects, 2)
	assert.Equal(t, models.SystemArteries, objects[0].System)
	assert.Equal(t, models.SystemDigestive, objects[1].System)
	assert.Equal(t, 2, *objects[1].LabelID)

	// no staging leftovers
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func decodeFiles(t *testing.T, files Files) []DecodedObject {
	t.Helper()
	var readers [3]*os.File
	for i, p := range files.Paths() {
		f, err := os.Open(p)
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		readers[i] = f
	}
	objects, err := Decode(readers[0], readers[1], readers[2])
	require.NoError(t, err)
	return objects
}

func TestExportRoundTrip(t *testing.T) {
	structs := []models.ClassifiedStructure{
		classified("liver", maskMesh(t, func(x, y, z int) bool { return x > 1 && y > 2 && z < 5 })),
		classified("spinal cord", triangle(r3.Vec{X: 4})),
		classified("kidney_left", maskMesh(t, func(x, y, z int) bool { return x+y+z < 9 })),
	}
	files, err := NewExporter(nil).Export(structs, nil, t.TempDir())
	require.NoError(t, err)

	objects := decodeFiles(t, files)
	require.Len(t, objects, len(structs))
	center := GlobalCenter(structs)
	for i, s := range structs {
		o := objects[i]
		assert.Equal(t, s.Name, o.Name)
		assert.Equal(t, s.System, o.System)
		assert.Equal(t, s.Color, o.Color)
		assert.Equal(t, s.Mesh.Faces, o.Mesh.Faces)
		require.Len(t, o.Mesh.Vertices, len(s.Mesh.Vertices))
		for j, v := range s.Mesh.Vertices {
			p := r3.Sub(v, center)
			assert.InDelta(t, p.X, o.Mesh.Vertices[j].X, 1e-6)
			assert.InDelta(t, p.Z, o.Mesh.Vertices[j].Z, 1e-6)
		}
	}
}

func TestExportIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	// a directory where the sidecar should go makes the last rename fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, SidecarFile), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SidecarFile, "keep"), []byte("x"), 0o644))

	_, err := NewExporter(nil).Export([]models.ClassifiedStructure{classified("liver", triangle(r3.Vec{}))}, nil, dir)
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(dir, ModelFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, MaterialFile))
	assert.True(t, os.IsNotExist(err))
}

func TestExportRejectsEmptyInput(t *testing.T) {
	_, err := NewExporter(nil).Export(nil, nil, t.TempDir())
	assert.ErrorIs(t, err, ErrNoStructures)
}

func TestDecodeRejectsInconsistentTrio(t *testing.T) {
	structs := []models.ClassifiedStructure{classified("liver", triangle(r3.Vec{}))}
	var model, mtl, side bytes.Buffer
	_, err := WriteModel(&model, structs, r3.Vec{}, MaterialFile)
	require.NoError(t, err)
	require.NoError(t, WriteSidecar(&side, BuildSidecar(structs, nil)))

	// no materials at all
	_, err = Decode(bytes.NewReader(model.Bytes()), &mtl, bytes.NewReader(side.Bytes()))
	assert.Error(t, err)

	// face pointing into another object
	bad := strings.Replace(model.String(), "f 1 2 3", "f 1 2 4", 1)
	require.NoError(t, WriteMaterials(&mtl, structs))
	_, err = Decode(strings.NewReader(bad), bytes.NewReader(mtl.Bytes()), bytes.NewReader(side.Bytes()))
	assert.Error(t, err)
}

func TestWriteModelOffsetIsVertexSum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "structures")
		structs := make([]models.ClassifiedStructure, n)
		want := 0
		for i := range structs {
			nv := rapid.IntRange(3, 12).Draw(t, "vertices")
			mesh := models.SurfaceMesh{Vertices: make([]r3.Vec, nv)}
			for j := range mesh.Vertices {
				mesh.Vertices[j] = r3.Vec{X: float64(j), Y: float64(i)}
			}
			nf := rapid.IntRange(1, 8).Draw(t, "faces")
			for j := 0; j < nf; j++ {
				mesh.Faces = append(mesh.Faces, [3]int{
					rapid.IntRange(0, nv-1).Draw(t, "a"),
					rapid.IntRange(0, nv-1).Draw(t, "b"),
					rapid.IntRange(0, nv-1).Draw(t, "c"),
				})
			}
			structs[i] = models.ClassifiedStructure{Mesh: mesh, Name: "s", System: models.SystemOther}
			want += nv
		}

		var first, second bytes.Buffer
		got, err := WriteModel(&first, structs, GlobalCenter(structs), MaterialFile)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("offset %d, expected %d", got, want)
		}
		if _, err := WriteModel(&second, structs, GlobalCenter(structs), MaterialFile); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first.Bytes(), second.Bytes()) {
			t.Fatal("export is not deterministic")
		}

		// every face index stays within the vertices written so far
		seen := 0
		for _, line := range strings.Split(first.String(), "\n") {
			switch {
			case strings.HasPrefix(line, "v "):
				seen++
			case strings.HasPrefix(line, "f "):
				for _, f := range strings.Fields(line)[1:] {
					var idx int
					for _, c := range f {
						idx = idx*10 + int(c-'0')
					}
					if idx < 1 || idx > seen {
						t.Fatalf("face index %d with %d vertices written", idx, seen)
					}
				}
			}
		}
	})
}
