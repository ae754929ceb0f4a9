// Package conditioning cleans up, smooths and simplifies raw isosurfaces.
//
// Every step is best-effort. A step that fails (returns an error, panics or
// yields an invalid mesh) is logged and recorded in the Report, and the mesh
// as it was before that step is passed on unchanged.
package conditioning

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"anatomesh/internal/logging"
	"anatomesh/internal/models"
	"anatomesh/pkg/config"
)

// Options controls which conditioning steps run and how.
type Options struct {
	Smooth           bool
	SmoothIterations int
	SmoothFactor     float64

	Decimate bool
	// DecimateThreshold is the face count above which decimation runs
	DecimateThreshold int
	// DecimateRatio is the fraction of faces to keep
	DecimateRatio float64
	// DecimateFloor is the minimum number of faces decimation may leave
	DecimateFloor int

	WeldEpsilon float64
}

// DefaultOptions returns the defaults used by the pipeline.
func DefaultOptions() Options {
	return Options{
		Smooth:            true,
		SmoothIterations:  20,
		SmoothFactor:      0.5,
		Decimate:          true,
		DecimateThreshold: 1000,
		DecimateRatio:     0.20,
		DecimateFloor:     100,
		WeldEpsilon:       1e-6,
	}
}

// OptionsFromConfig reads the conditioning section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	c := cfg.Conditioning
	return Options{
		Smooth:            c.Smooth,
		SmoothIterations:  c.SmoothIterations,
		SmoothFactor:      c.SmoothFactor,
		Decimate:          c.Decimate,
		DecimateThreshold: c.DecimateThreshold,
		DecimateRatio:     c.DecimateRatio,
		DecimateFloor:     c.DecimateFloor,
		WeldEpsilon:       c.WeldEpsilon,
	}
}

// Step names, in execution order.
const (
	StepDegenerate   = "remove_degenerate_faces"
	StepDuplicate    = "remove_duplicate_faces"
	StepWeld         = "merge_vertices"
	StepUnreferenced = "remove_unreferenced_vertices"
	StepSmooth       = "laplacian_smooth"
	StepDecimate     = "quadric_decimate"
	StepNormals      = "fix_normals"
)

// StepResult records the outcome of one conditioning step.
type StepResult struct {
	Name        string
	Skipped     bool
	Err         error
	FacesBefore int
	FacesAfter  int
}

// Report summarizes a Condition call.
type Report struct {
	Steps []StepResult
}

// Failed returns the steps that failed and were rolled back.
func (r Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Ran reports whether the named step ran and succeeded.
func (r Report) Ran(name string) bool {
	for _, s := range r.Steps {
		if s.Name == name {
			return !s.Skipped && s.Err == nil
		}
	}
	return false
}

// errEmptyResult marks a step that destroyed all geometry.
var errEmptyResult = errors.New("step produced an empty mesh")

// Conditioner applies the conditioning pipeline to meshes.
type Conditioner struct {
	opts   Options
	logger *zap.Logger
}

// NewConditioner creates a conditioner. A nil logger discards output.
func NewConditioner(opts Options, logger *zap.Logger) *Conditioner {
	return &Conditioner{
		opts:   opts,
		logger: logging.OrNop(logger).With(zap.String("component", "conditioner")),
	}
}

// Condition runs cleanup, optional smoothing, optional decimation and a final
// normal fix, in that order. It never returns an error.
func (c *Conditioner) Condition(mesh models.SurfaceMesh) (models.SurfaceMesh, Report) {
	var report Report

	mesh = c.step(&report, StepDegenerate, mesh, true, func(m models.SurfaceMesh) (models.SurfaceMesh, error) {
		return RemoveDegenerateFaces(m), nil
	})
	mesh = c.step(&report, StepDuplicate, mesh, true, func(m models.SurfaceMesh) (models.SurfaceMesh, error) {
		return RemoveDuplicateFaces(m), nil
	})
	mesh = c.step(&report, StepWeld, mesh, true, func(m models.SurfaceMesh) (models.SurfaceMesh, error) {
		return WeldVertices(m, c.opts.WeldEpsilon), nil
	})
	mesh = c.step(&report, StepUnreferenced, mesh, true, func(m models.SurfaceMesh) (models.SurfaceMesh, error) {
		return RemoveUnreferencedVertices(m), nil
	})

	mesh = c.step(&report, StepSmooth, mesh, c.opts.Smooth, func(m models.SurfaceMesh) (models.SurfaceMesh, error) {
		out, err := LaplacianSmooth(m, c.opts.SmoothIterations, c.opts.SmoothFactor)
		if err != nil {
			return m, err
		}
		out.Normals = VertexNormals(out)
		return out, nil
	})

	decimate := c.opts.Decimate && len(mesh.Faces) > c.opts.DecimateThreshold
	mesh = c.step(&report, StepDecimate, mesh, decimate, func(m models.SurfaceMesh) (models.SurfaceMesh, error) {
		return Decimate(m, TargetFaces(len(m.Faces), c.opts.DecimateRatio, c.opts.DecimateFloor))
	})

	mesh = c.step(&report, StepNormals, mesh, true, func(m models.SurfaceMesh) (models.SurfaceMesh, error) {
		return FixNormals(m), nil
	})

	return mesh, report
}

// step runs fn on mesh, returning mesh unchanged when fn fails.
func (c *Conditioner) step(report *Report, name string, mesh models.SurfaceMesh, enabled bool, fn func(models.SurfaceMesh) (models.SurfaceMesh, error)) (out models.SurfaceMesh) {
	res := StepResult{Name: name, FacesBefore: len(mesh.Faces), FacesAfter: len(mesh.Faces)}
	defer func() {
		report.Steps = append(report.Steps, res)
	}()

	if !enabled || mesh.Empty() {
		res.Skipped = true
		return mesh
	}

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
			c.logger.Warn("conditioning step failed", zap.String("step", name), zap.Error(res.Err))
			out = mesh
		}
	}()

	next, err := fn(mesh)
	if err == nil {
		err = next.Validate()
	}
	if err == nil && len(next.Faces) > len(mesh.Faces) {
		err = fmt.Errorf("face count grew from %d to %d", len(mesh.Faces), len(next.Faces))
	}
	if err == nil && next.Empty() && name != StepDegenerate {
		err = errEmptyResult
	}
	if err != nil {
		res.Err = err
		c.logger.Warn("conditioning step failed", zap.String("step", name), zap.Error(err))
		return mesh
	}

	res.FacesAfter = len(next.Faces)
	c.logger.Debug("conditioning step done",
		zap.String("step", name),
		zap.Int("faces_before", res.FacesBefore),
		zap.Int("faces_after", res.FacesAfter))
	return next
}
