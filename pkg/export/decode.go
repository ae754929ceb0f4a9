package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"anatomesh/internal/models"
)

// DecodedObject is one object recovered from an exported trio.
type DecodedObject struct {
	Label  string
	Name   string
	System models.SystemCategory

	// Mesh has object-local 0-based face indices
	Mesh models.SurfaceMesh

	// Color is the sidecar color; Diffuse is the material's Kd
	Color   models.RGB
	Diffuse [3]float64
	LabelID *int
}

type objObject struct {
	label    string
	material string
	start    int
	mesh     models.SurfaceMesh
}

// Decode parses a model, its materials and its sidecar and checks that they
// agree: every object needs a material of the same name and exactly one
// sidecar entry under its system.
func Decode(model, materials, sidecar io.Reader) ([]DecodedObject, error) {
	objects, err := parseModel(model)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	mats, err := parseMaterials(materials)
	if err != nil {
		return nil, fmt.Errorf("materials: %w", err)
	}
	var side Sidecar
	if err := json.NewDecoder(sidecar).Decode(&side); err != nil {
		return nil, fmt.Errorf("sidecar: %w", err)
	}

	entries := make(map[string]SidecarEntry)
	for system, list := range side {
		for _, e := range list {
			label := models.ObjectLabel(system, e.ObjectName)
			if _, dup := entries[label]; dup {
				return nil, fmt.Errorf("sidecar: duplicate entry %q", label)
			}
			entries[label] = e
		}
	}
	if len(entries) != len(objects) {
		return nil, fmt.Errorf("sidecar has %d entries for %d objects", len(entries), len(objects))
	}
	if len(mats) != len(objects) {
		return nil, fmt.Errorf("material library has %d materials for %d objects", len(mats), len(objects))
	}

	out := make([]DecodedObject, 0, len(objects))
	for _, o := range objects {
		if o.material != o.label {
			return nil, fmt.Errorf("object %q uses material %q", o.label, o.material)
		}
		kd, ok := mats[o.label]
		if !ok {
			return nil, fmt.Errorf("object %q has no material", o.label)
		}
		e, ok := entries[o.label]
		if !ok {
			return nil, fmt.Errorf("object %q has no sidecar entry", o.label)
		}
		system, name, ok := strings.Cut(o.label, "__")
		if !ok {
			return nil, fmt.Errorf("object label %q is not system__name", o.label)
		}
		for i, c := range e.Color {
			if math.Abs(float64(c)/255-kd[i]) > 0.001 {
				return nil, fmt.Errorf("object %q: material color %v disagrees with sidecar %v", o.label, kd, e.Color)
			}
		}
		out = append(out, DecodedObject{
			Label:   o.label,
			Name:    name,
			System:  models.SystemCategory(system),
			Mesh:    o.mesh,
			Color:   models.RGB{R: uint8(e.Color[0]), G: uint8(e.Color[1]), B: uint8(e.Color[2])},
			Diffuse: kd,
			LabelID: e.LabelID,
		})
	}
	return out, nil
}

func parseModel(r io.Reader) ([]*objObject, error) {
	var objects []*objObject
	var cur *objObject
	total := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "mtllib", "g":
		case "o":
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: malformed object", line)
			}
			cur = &objObject{label: restOf(sc.Text(), "o"), start: total}
			objects = append(objects, cur)
		case "usemtl":
			if cur == nil || len(fields) < 2 {
				return nil, fmt.Errorf("line %d: material outside an object", line)
			}
			cur.material = restOf(sc.Text(), "usemtl")
		case "v":
			if cur == nil || len(fields) != 4 {
				return nil, fmt.Errorf("line %d: malformed vertex", line)
			}
			var p [3]float64
			for i := range p {
				v, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				p[i] = v
			}
			cur.mesh.Vertices = append(cur.mesh.Vertices, r3.Vec{X: p[0], Y: p[1], Z: p[2]})
			total++
		case "f":
			if cur == nil || len(fields) != 4 {
				return nil, fmt.Errorf("line %d: malformed face", line)
			}
			var f [3]int
			for i := range f {
				idx, err := strconv.Atoi(fields[i+1])
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				local := idx - 1 - cur.start
				if local < 0 || local >= len(cur.mesh.Vertices) {
					return nil, fmt.Errorf("line %d: index %d outside object %q", line, idx, cur.label)
				}
				f[i] = local
			}
			cur.mesh.Faces = append(cur.mesh.Faces, f)
		default:
			return nil, fmt.Errorf("line %d: unsupported statement %q", line, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return objects, nil
}

func parseMaterials(r io.Reader) (map[string][3]float64, error) {
	mats := make(map[string][3]float64)
	cur := ""
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "newmtl":
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed material name %q", sc.Text())
			}
			cur = restOf(sc.Text(), "newmtl")
			if _, dup := mats[cur]; dup {
				return nil, fmt.Errorf("duplicate material %q", cur)
			}
			mats[cur] = [3]float64{}
		case "Kd":
			if cur == "" || len(fields) != 4 {
				return nil, fmt.Errorf("malformed diffuse color %q", sc.Text())
			}
			var kd [3]float64
			for i := range kd {
				v, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					return nil, err
				}
				kd[i] = v
			}
			mats[cur] = kd
		}
	}
	return mats, sc.Err()
}

// restOf returns the text after keyword; names may contain spaces.
func restOf(line, keyword string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), keyword))
}
