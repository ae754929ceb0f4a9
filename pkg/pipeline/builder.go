// Package pipeline turns a directory of per-structure masks into the
// exported model bundle, and drives whole jobs from input to published
// artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"anatomesh/internal/logging"
	"anatomesh/internal/models"
	"anatomesh/pkg/anatomy"
	"anatomesh/pkg/archive"
	"anatomesh/pkg/conditioning"
	"anatomesh/pkg/config"
	"anatomesh/pkg/export"
	"anatomesh/pkg/labelmap"
	"anatomesh/pkg/metrics"
	"anatomesh/pkg/nifti"
	"anatomesh/pkg/reconstruction"
	"anatomesh/pkg/visualization"
)

// Bundle file names besides the exporter's trio.
const (
	LabelMapFile = "segmentations.nii.gz"
	ArchiveFile  = "result.zip"
)

// ErrNoValidStructures is returned when no mask yields a non-empty mesh.
var ErrNoValidStructures = errors.New("no valid structures")

// Result describes a built bundle. Artifacts maps file name to local path.
type Result struct {
	Structures []models.ClassifiedStructure
	Skipped    []string
	Artifacts  map[string]string
}

// Names returns the artifact file names in publish order.
func (r *Result) Names() []string {
	order := []string{export.ModelFile, export.MaterialFile, export.SidecarFile, ArchiveFile, LabelMapFile}
	for _, axis := range []string{"x", "y", "z"} {
		order = append(order, fmt.Sprintf("preview_%s.png", axis))
	}
	var names []string
	for _, n := range order {
		if _, ok := r.Artifacts[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

// Builder runs the mesh stages over a mask directory.
type Builder struct {
	cfg           *config.Config
	reconstructor *reconstruction.Reconstructor
	conditioner   *conditioning.Conditioner
	classifier    anatomy.Classifier
	exporter      *export.Exporter
	metrics       *metrics.Collector
	logger        *zap.Logger
}

// NewBuilder creates a builder from configuration. m may be nil.
func NewBuilder(cfg *config.Config, logger *zap.Logger, m *metrics.Collector) *Builder {
	logger = logging.OrNop(logger)
	return &Builder{
		cfg:           cfg,
		reconstructor: reconstruction.NewReconstructor(cfg.Processing.IsoLevel),
		conditioner:   conditioning.NewConditioner(conditioning.OptionsFromConfig(cfg), logger),
		exporter:      export.NewExporter(logger),
		metrics:       m,
		logger:        logger.With(zap.String("component", "pipeline")),
	}
}

// BuildModel is the local mode entry point: it meshes the masks in maskDir
// and writes the bundle into outDir with default settings.
func BuildModel(ctx context.Context, maskDir, outDir string) (*Result, error) {
	return NewBuilder(config.DefaultConfig(), nil, nil).Build(ctx, maskDir, outDir)
}

// Build meshes every mask in maskDir and writes the bundle into outDir.
// Structures are processed concurrently and reduced back to sorted-name
// order before export.
func (b *Builder) Build(ctx context.Context, maskDir, outDir string) (*Result, error) {
	paths, err := nifti.ListVolumes(maskDir)
	if err != nil {
		return nil, fmt.Errorf("list masks: %w", err)
	}
	b.logger.Info("found segmentation masks", zap.Int("count", len(paths)), zap.String("dir", maskDir))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	res := &Result{Artifacts: make(map[string]string)}

	var combined *labelmap.Combined
	if b.cfg.Export.CombinedLabelMap && len(paths) > 0 {
		start := time.Now()
		combined = b.buildLabelMap(paths)
		if combined.Volume != nil {
			path := filepath.Join(outDir, LabelMapFile)
			if err := combined.Write(path); err != nil {
				return nil, fmt.Errorf("write label map: %w", err)
			}
			res.Artifacts[LabelMapFile] = path
			if b.cfg.Export.Previews {
				b.savePreviews(combined, outDir, res)
			}
		}
		b.metrics.ObserveStage("label_map", time.Since(start))
	}

	start := time.Now()
	structs, skipped, err := b.meshAll(ctx, paths, combined)
	if err != nil {
		return nil, err
	}
	b.metrics.ObserveStage("mesh", time.Since(start))
	res.Structures, res.Skipped = structs, skipped
	if len(structs) == 0 {
		return nil, ErrNoValidStructures
	}

	start = time.Now()
	files, err := b.exporter.Export(structs, nil, outDir)
	if err != nil {
		return nil, err
	}
	res.Artifacts[export.ModelFile] = files.Model
	res.Artifacts[export.MaterialFile] = files.Materials
	res.Artifacts[export.SidecarFile] = files.Sidecar

	var entries []archive.Entry
	for _, name := range res.Names() {
		entries = append(entries, archive.Entry{Name: name, Path: res.Artifacts[name]})
	}
	zipPath := filepath.Join(outDir, ArchiveFile)
	if err := archive.Pack(zipPath, entries); err != nil {
		return nil, fmt.Errorf("package artifacts: %w", err)
	}
	res.Artifacts[ArchiveFile] = zipPath
	b.metrics.ObserveStage("export", time.Since(start))

	b.logger.Info("model bundle ready",
		zap.Int("structures", len(structs)),
		zap.Int("skipped", len(skipped)),
		zap.String("dir", outDir))
	return res, nil
}

// buildLabelMap paints masks in sorted order. Unreadable or mismatched masks
// are left out of the map and logged.
func (b *Builder) buildLabelMap(paths []string) *labelmap.Combined {
	lb := labelmap.NewBuilder()
	for _, p := range paths {
		vol, err := nifti.Read(p)
		if err == nil {
			_, err = lb.Add(vol)
		}
		if err != nil {
			b.logger.Warn("label map: skipping structure", zap.String("structure", nifti.StructureName(p)), zap.Error(err))
		}
	}
	c := lb.Combined()
	b.logger.Info("built combined label map", zap.Int("structures", len(c.Names)))
	return c
}

func (b *Builder) savePreviews(c *labelmap.Combined, outDir string, res *Result) {
	viewer := visualization.NewViewer(c.Volume, visualization.NewPalette(c.Names, anatomy.Color))
	paths, err := viewer.SavePreviews(outDir)
	if err != nil {
		b.logger.Warn("failed to render previews", zap.Error(err))
		return
	}
	for _, p := range paths {
		res.Artifacts[filepath.Base(p)] = p
	}
}

// meshAll runs reconstruct, condition and classify per mask on a bounded
// worker group. Per-structure failures are logged and skipped; only
// cancellation aborts.
func (b *Builder) meshAll(ctx context.Context, paths []string, combined *labelmap.Combined) ([]models.ClassifiedStructure, []string, error) {
	out := make([]*models.ClassifiedStructure, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	workers := b.cfg.Processing.NumWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = b.meshOne(p, combined)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var structs []models.ClassifiedStructure
	var skipped []string
	for i, s := range out {
		if s == nil {
			skipped = append(skipped, nifti.StructureName(paths[i]))
			continue
		}
		structs = append(structs, *s)
	}
	return structs, skipped, nil
}

func (b *Builder) meshOne(path string, combined *labelmap.Combined) (s *models.ClassifiedStructure) {
	name := nifti.StructureName(path)
	logger := b.logger.With(zap.String("structure", name))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("structure panicked", zap.Any("panic", r))
			b.metrics.RecordStructure(metrics.OutcomeFailed, 0)
			s = nil
		}
	}()

	vol, err := nifti.Read(path)
	if err != nil {
		logger.Warn("failed to read mask", zap.Error(err))
		b.metrics.RecordStructure(metrics.OutcomeFailed, 0)
		return nil
	}

	mesh, ok, err := b.reconstructor.Reconstruct(vol)
	if err != nil {
		logger.Warn("reconstruction failed", zap.Error(err))
		b.metrics.RecordStructure(metrics.OutcomeFailed, 0)
		return nil
	}
	if !ok {
		logger.Debug("skipping empty structure")
		b.metrics.RecordStructure(metrics.OutcomeEmpty, 0)
		return nil
	}

	mesh, report := b.conditioner.Condition(mesh)
	for _, step := range report.Failed() {
		b.metrics.RecordStepFailure(step.Name)
	}
	if mesh.Empty() {
		logger.Warn("conditioning left an empty mesh")
		b.metrics.RecordStructure(metrics.OutcomeEmpty, 0)
		return nil
	}

	cs := b.classifier.Structure(name, mesh, combined.LabelID(name))
	b.metrics.RecordStructure(metrics.OutcomeMeshed, len(mesh.Faces))
	logger.Debug("structure meshed",
		zap.String("system", string(cs.System)),
		zap.Int("vertices", len(mesh.Vertices)),
		zap.Int("faces", len(mesh.Faces)))
	return &cs
}
