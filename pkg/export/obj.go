package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"

	"anatomesh/internal/models"
)

// SidecarEntry describes one exported structure in the JSON sidecar.
type SidecarEntry struct {
	ObjectName string `json:"object_name"`
	Color      [3]int `json:"color"`
	LabelID    *int   `json:"label_id,omitempty"`
}

// Sidecar groups entries by system category, in export order within a group.
type Sidecar map[models.SystemCategory][]SidecarEntry

// GlobalCenter returns the midpoint of the bounding box of every vertex of
// every structure, or the origin when there are none.
func GlobalCenter(structs []models.ClassifiedStructure) r3.Vec {
	var min, max r3.Vec
	found := false
	for _, s := range structs {
		lo, hi, ok := s.Mesh.Bounds()
		if !ok {
			continue
		}
		if !found {
			min, max, found = lo, hi, true
			continue
		}
		min = r3.Vec{X: minf(min.X, lo.X), Y: minf(min.Y, lo.Y), Z: minf(min.Z, lo.Z)}
		max = r3.Vec{X: maxf(max.X, hi.X), Y: maxf(max.Y, hi.Y), Z: maxf(max.Z, hi.Z)}
	}
	if !found {
		return r3.Vec{}
	}
	return r3.Scale(0.5, r3.Add(min, max))
}

// WriteModel writes the OBJ model: a material library reference, then per
// structure an object, a group, a material selection, its vertices moved by
// -center and its faces. Face indices are 1-based and global across the file.
// It returns the number of vertices written.
func WriteModel(w io.Writer, structs []models.ClassifiedStructure, center r3.Vec, materialLib string) (int, error) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "mtllib %s\n", materialLib)

	offset := 0
	buf := make([]byte, 0, 64)
	for _, s := range structs {
		label := s.ObjectLabel()
		fmt.Fprintf(bw, "o %s\ng %s\nusemtl %s\n", label, label, label)

		for _, v := range s.Mesh.Vertices {
			p := r3.Sub(v, center)
			buf = append(buf[:0], 'v', ' ')
			buf = strconv.AppendFloat(buf, p.X, 'f', 6, 64)
			buf = append(buf, ' ')
			buf = strconv.AppendFloat(buf, p.Y, 'f', 6, 64)
			buf = append(buf, ' ')
			buf = strconv.AppendFloat(buf, p.Z, 'f', 6, 64)
			buf = append(buf, '\n')
			bw.Write(buf)
		}
		for _, f := range s.Mesh.Faces {
			buf = append(buf[:0], 'f')
			for _, idx := range f {
				buf = append(buf, ' ')
				buf = strconv.AppendInt(buf, int64(idx+1+offset), 10)
			}
			buf = append(buf, '\n')
			bw.Write(buf)
		}
		offset += len(s.Mesh.Vertices)
	}
	return offset, bw.Flush()
}

// WriteMaterials writes one MTL material per structure, named by its object
// label, diffuse-only and fully opaque.
func WriteMaterials(w io.Writer, structs []models.ClassifiedStructure) error {
	bw := bufio.NewWriter(w)
	for _, s := range structs {
		r, g, b := s.Color.Normalized()
		fmt.Fprintf(bw, "newmtl %s\n", s.ObjectLabel())
		fmt.Fprintf(bw, "Ka 0.0 0.0 0.0\n")
		fmt.Fprintf(bw, "Kd %.3f %.3f %.3f\n", r, g, b)
		fmt.Fprintf(bw, "Ks 0.0 0.0 0.0\n")
		fmt.Fprintf(bw, "illum 1\n")
		fmt.Fprintf(bw, "d 1.0\n")
		fmt.Fprintf(bw, "Ns 0.0\n\n")
	}
	return bw.Flush()
}

// BuildSidecar groups structures by system. label_id is taken from labelIDs
// by structure name; with a nil map the structure's own LabelID is used.
func BuildSidecar(structs []models.ClassifiedStructure, labelIDs map[string]int) Sidecar {
	sidecar := make(Sidecar)
	for _, s := range structs {
		entry := SidecarEntry{ObjectName: s.Name, Color: s.Color.Array()}
		if labelIDs != nil {
			if id, ok := labelIDs[s.Name]; ok {
				entry.LabelID = &id
			}
		} else if s.LabelID != nil {
			id := *s.LabelID
			entry.LabelID = &id
		}
		sidecar[s.System] = append(sidecar[s.System], entry)
	}
	return sidecar
}

// WriteSidecar writes the sidecar as indented JSON.
func WriteSidecar(w io.Writer, sidecar Sidecar) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sidecar)
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
