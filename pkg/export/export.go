// Package export writes classified structures as one multi-object OBJ model
// with an MTL material library and a JSON sidecar grouping objects by
// anatomical system.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"anatomesh/internal/logging"
	"anatomesh/internal/models"
)

// Output file names.
const (
	ModelFile    = "Result.obj"
	MaterialFile = "materials.mtl"
	SidecarFile  = "Result.json"
)

// ErrNoStructures is returned when there is nothing to export.
var ErrNoStructures = errors.New("no structures to export")

// Files holds the paths of an exported trio.
type Files struct {
	Model     string
	Materials string
	Sidecar   string
}

// Paths returns the three paths in model, materials, sidecar order.
func (f Files) Paths() []string {
	return []string{f.Model, f.Materials, f.Sidecar}
}

// Exporter writes the model, materials and sidecar together.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates an exporter. A nil logger discards output.
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{logger: logging.OrNop(logger).With(zap.String("component", "exporter"))}
}

// Export writes the trio into outDir. The files are staged in a temporary
// directory and moved into place only once all three are complete; on error
// no file of the trio is left in outDir.
func (e *Exporter) Export(structs []models.ClassifiedStructure, labelIDs map[string]int, outDir string) (files Files, err error) {
	if len(structs) == 0 {
		return Files{}, ErrNoStructures
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Files{}, fmt.Errorf("create output directory: %w", err)
	}

	staging, err := os.MkdirTemp(outDir, ".export-")
	if err != nil {
		return Files{}, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	center := GlobalCenter(structs)
	written := 0
	err = writeFile(filepath.Join(staging, ModelFile), func(f *os.File) error {
		n, err := WriteModel(f, structs, center, MaterialFile)
		written = n
		return err
	})
	if err == nil {
		err = writeFile(filepath.Join(staging, MaterialFile), func(f *os.File) error {
			return WriteMaterials(f, structs)
		})
	}
	if err == nil {
		err = writeFile(filepath.Join(staging, SidecarFile), func(f *os.File) error {
			return WriteSidecar(f, BuildSidecar(structs, labelIDs))
		})
	}
	if err != nil {
		return Files{}, fmt.Errorf("export: %w", err)
	}

	files = Files{
		Model:     filepath.Join(outDir, ModelFile),
		Materials: filepath.Join(outDir, MaterialFile),
		Sidecar:   filepath.Join(outDir, SidecarFile),
	}
	var moved []string
	for _, dst := range files.Paths() {
		if err := os.Rename(filepath.Join(staging, filepath.Base(dst)), dst); err != nil {
			for _, m := range moved {
				os.Remove(m)
			}
			return Files{}, fmt.Errorf("export: publish %s: %w", filepath.Base(dst), err)
		}
		moved = append(moved, dst)
	}

	e.logger.Info("exported model",
		zap.Int("objects", len(structs)),
		zap.Int("vertices", written),
		zap.Float64s("center", []float64{center.X, center.Y, center.Z}),
		zap.String("dir", outDir))
	return files, nil
}

// writeFile creates path, runs fn on it and syncs it to disk.
func writeFile(path string, fn func(*os.File) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := fn(f); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Sync()
}
