package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"anatomesh/internal/logging"
	"anatomesh/internal/models"
	"anatomesh/pkg/blob"
	"anatomesh/pkg/config"
	"anatomesh/pkg/jobs"
	"anatomesh/pkg/metrics"
	"anatomesh/pkg/segmentation"
)

// Status side messages.
const (
	MessageProcessing = "AI is processing your study..."
	MessageCompleted  = "3D models ready to view"
)

// finalizeTimeout bounds the status writes and cleanup that run after the
// job's own context may already be cancelled.
const finalizeTimeout = 30 * time.Second

// JobIDPlaceholder is substituted in the configured output prefix.
const JobIDPlaceholder = "{jobId}"

// Deps wires the coordinator's collaborators.
type Deps struct {
	Jobs      jobs.Store
	Blobs     blob.Store
	Segmenter segmentation.Segmenter
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Collector // optional
	Now       func() time.Time   // optional
}

// Coordinator drives one job at a time from input to published artifacts.
type Coordinator struct {
	jobs      jobs.Store
	blobs     blob.Store
	segmenter segmentation.Segmenter
	cfg       *config.Config
	builder   *Builder
	metrics   *metrics.Collector
	now       func() time.Time
	logger    *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(d Deps) *Coordinator {
	cfg := d.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := logging.OrNop(d.Logger)
	return &Coordinator{
		jobs:      d.Jobs,
		blobs:     d.Blobs,
		segmenter: d.Segmenter,
		cfg:       cfg,
		builder:   NewBuilder(cfg, logger, d.Metrics),
		metrics:   d.Metrics,
		now:       now,
		logger:    logger.With(zap.String("component", "coordinator")),
	}
}

// Run executes job jobID. Every run that reaches processing ends with
// exactly one terminal status write attempt; a failed status write is
// logged and the run's own error is returned.
func (c *Coordinator) Run(ctx context.Context, jobID string) (err error) {
	logger := c.logger.With(zap.String("job_id", jobID))
	start := c.now()

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Deleted {
		return fmt.Errorf("job %s is deleted", jobID)
	}
	if _, err := c.jobs.ApplyTransition(ctx, jobID, models.Transition{
		To:      models.StatusProcessing,
		At:      c.now(),
		Message: MessageProcessing,
	}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	logger.Info("job started", zap.String("input", job.InputKey))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
			logger.Error("job panicked", zap.Any("panic", r))
			c.fail(ctx, logger, jobID, err)
		}
		c.metrics.RecordJob(c.outcome(err), c.now().Sub(start))
		if werr := c.metrics.WriteTextfile(c.cfg.Metrics.Textfile); werr != nil {
			logger.Warn("metrics textfile not written", zap.Error(werr))
		}
	}()

	artifacts, err := c.execute(ctx, logger, job)
	if err != nil {
		c.fail(ctx, logger, jobID, err)
		return err
	}

	wctx, cancel := detached(ctx)
	defer cancel()
	if _, err := c.jobs.ApplyTransition(wctx, jobID, models.Transition{
		To:        models.StatusCompleted,
		At:        c.now(),
		Message:   MessageCompleted,
		Artifacts: artifacts,
	}); err != nil {
		logger.Error("failed to record completion", zap.Error(err))
		c.discard(wctx, logger, artifacts)
		return fmt.Errorf("mark completed: %w", err)
	}
	logger.Info("job completed", zap.Int("artifacts", len(artifacts)))
	return nil
}

func (c *Coordinator) outcome(err error) string {
	if err != nil {
		return string(models.StatusFailed)
	}
	return string(models.StatusCompleted)
}

// execute runs the job inside a scratch workspace that is always removed.
func (c *Coordinator) execute(ctx context.Context, logger *zap.Logger, job models.Job) (models.Artifacts, error) {
	ws, err := os.MkdirTemp("", "anatomesh-job-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(ws); err != nil {
			logger.Warn("failed to remove workspace", zap.String("dir", ws), zap.Error(err))
		}
	}()

	start := time.Now()
	input, err := c.fetchInput(ctx, job.InputKey, filepath.Join(ws, "input"))
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveStage("download", time.Since(start))

	segDir := filepath.Join(ws, "segmentations")
	start = time.Now()
	if err := c.segmenter.Run(ctx, input, segDir); err != nil {
		return nil, err
	}
	c.metrics.ObserveStage("segmentation", time.Since(start))

	res, err := c.builder.Build(ctx, segDir, filepath.Join(ws, "output"))
	if err != nil {
		return nil, err
	}

	start = time.Now()
	artifacts, err := c.publish(ctx, logger, job.ID, res)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveStage("publish", time.Since(start))
	return artifacts, nil
}

// fetchInput downloads the study. A key ending in "/" names a series of
// files (e.g. a DICOM directory) and is fetched as a directory.
func (c *Coordinator) fetchInput(ctx context.Context, key, dir string) (string, error) {
	if key == "" {
		return "", errors.New("job has no input")
	}
	if !strings.HasSuffix(key, "/") {
		local := filepath.Join(dir, path.Base(key))
		if _, err := blob.Download(ctx, c.blobs, key, local); err != nil {
			return "", fmt.Errorf("download input: %w", err)
		}
		return local, nil
	}

	infos, err := c.blobs.List(ctx, key)
	if err != nil {
		return "", fmt.Errorf("list input: %w", err)
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("download input: %s: %w", key, blob.ErrNotFound)
	}
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, key)
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}
		if _, err := blob.Download(ctx, c.blobs, info.Key, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return "", fmt.Errorf("download input: %w", err)
		}
	}
	return dir, nil
}

// OutputPrefix returns the artifact key prefix for jobID.
func (c *Coordinator) OutputPrefix(jobID string) string {
	return strings.ReplaceAll(c.cfg.Storage.OutputPrefix, JobIDPlaceholder, jobID)
}

// publish uploads every artifact. On failure the already uploaded ones are
// removed so nothing partial stays behind.
func (c *Coordinator) publish(ctx context.Context, logger *zap.Logger, jobID string, res *Result) (models.Artifacts, error) {
	prefix := c.OutputPrefix(jobID)
	artifacts := make(models.Artifacts)
	for _, name := range res.Names() {
		key := prefix + name
		info, err := blob.Upload(ctx, c.blobs, key, res.Artifacts[name], contentType(name))
		if err != nil {
			c.discard(ctx, logger, artifacts)
			return nil, fmt.Errorf("publish %s: %w", name, err)
		}
		c.metrics.AddArtifactBytes(info.Size)
		artifacts[name] = key
		logger.Debug("artifact published", zap.String("key", key), zap.Int64("bytes", info.Size))
	}
	return artifacts, nil
}

// detached returns a context that outlives ctx's cancellation, for the
// writes that must still land after a shutdown signal.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// discard removes published artifacts, best-effort.
func (c *Coordinator) discard(ctx context.Context, logger *zap.Logger, artifacts models.Artifacts) {
	ctx, cancel := detached(ctx)
	defer cancel()
	for _, key := range artifacts {
		if _, err := c.blobs.Delete(ctx, key); err != nil {
			logger.Warn("failed to remove artifact", zap.String("key", key), zap.Error(err))
		}
	}
}

// fail records the terminal failure. The tool's own diagnostics are stored
// verbatim.
func (c *Coordinator) fail(ctx context.Context, logger *zap.Logger, jobID string, cause error) {
	logger.Error("job failed", zap.Error(cause))
	ctx, cancel := detached(ctx)
	defer cancel()
	if _, err := c.jobs.ApplyTransition(ctx, jobID, models.Transition{
		To:    models.StatusFailed,
		At:    c.now(),
		Error: FailureMessage(cause),
	}); err != nil {
		logger.Error("failed to record failure", zap.Error(err))
	}
}

// FailureMessage renders the user-visible error for a failed run.
func FailureMessage(err error) string {
	var toolErr *segmentation.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Error()
	}
	return err.Error()
}

// Status returns the read side of the status contract. Completed jobs get
// presigned artifact URLs when the blob driver supports them.
func (c *Coordinator) Status(ctx context.Context, jobID string) (models.StatusView, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return models.StatusView{}, err
	}
	view := job.View()
	if job.Status != models.StatusCompleted || len(job.Artifacts) == 0 {
		return view, nil
	}

	urls := make(map[string]string, len(job.Artifacts))
	for name, key := range job.Artifacts {
		u, err := c.blobs.PresignURL(ctx, key, blob.SignedURLOptions{})
		if errors.Is(err, blob.ErrUnsupported) {
			return view, nil
		}
		if err != nil {
			c.logger.Warn("failed to presign artifact", zap.String("job_id", jobID), zap.String("key", key), zap.Error(err))
			continue
		}
		urls[name] = u
	}
	if len(urls) > 0 {
		view.ArtifactURLs = urls
	}
	return view, nil
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".obj"):
		return "model/obj"
	case strings.HasSuffix(name, ".mtl"):
		return "model/mtl"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".zip"):
		return "application/zip"
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".nii.gz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
