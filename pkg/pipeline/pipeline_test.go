package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"anatomesh/internal/models"
	"anatomesh/pkg/anatomy"
	"anatomesh/pkg/blob"
	"anatomesh/pkg/config"
	"anatomesh/pkg/export"
	"anatomesh/pkg/jobs"
	"anatomesh/pkg/metrics"
	"anatomesh/pkg/nifti"
	"anatomesh/pkg/segmentation"
)

const (
	gridSize = 12
	inputKey = "uploads/u1/study.nii.gz"
)

type mask func(x, y, z int) bool

func cube(x, y, z int) bool {
	return x >= 2 && x < 10 && y >= 2 && y < 10 && z >= 2 && z < 10
}

func sphere(x, y, z int) bool {
	dx, dy, dz := float64(x)-5.5, float64(y)-5.5, float64(z)-5.5
	return math.Sqrt(dx*dx+dy*dy+dz*dz) <= 4
}

func empty(_, _, _ int) bool { return false }

func writeMask(t *testing.T, dir, name string, inside mask) {
	t.Helper()
	vol := &models.LabelVolume{Name: name, Width: gridSize, Height: gridSize, Depth: gridSize}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 1, 1, 1.5
	vol.Affine = models.IdentityAffine(1, 1, 1.5)
	vol.Data = make([]float64, vol.Voxels())
	for z := 0; z < gridSize; z++ {
		for y := 0; y < gridSize; y++ {
			for x := 0; x < gridSize; x++ {
				if inside(x, y, z) {
					vol.Data[vol.Index(x, y, z)] = 1
				}
			}
		}
	}
	require.NoError(t, nifti.Write(filepath.Join(dir, name+".nii.gz"), vol, nifti.DTUint8))
}

// fakeSegmenter writes fixed masks, or fails the way the tool would.
type fakeSegmenter struct {
	t      *testing.T
	masks  map[string]mask
	err    error
	panics bool

	mu     sync.Mutex
	calls  int
	input  string
	outDir string
}

func (f *fakeSegmenter) Run(_ context.Context, input, outDir string) error {
	f.mu.Lock()
	f.calls++
	f.input, f.outDir = input, outDir
	f.mu.Unlock()

	if f.panics {
		panic("segmenter exploded")
	}
	if _, err := os.Stat(input); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	require.NoError(f.t, os.MkdirAll(outDir, 0o755))
	for name, m := range f.masks {
		writeMask(f.t, outDir, name, m)
	}
	return nil
}

type harness struct {
	coord *Coordinator
	jobs  *jobs.Memory
	blobs blob.Store
	job   models.Job
	seg   *fakeSegmenter
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumWorkers = 2
	return cfg
}

func newHarness(t *testing.T, seg *fakeSegmenter, blobs blob.Store) *harness {
	t.Helper()
	ctx := context.Background()
	if blobs == nil {
		blobs = blob.NewMemory()
	}
	seg.t = t
	js := jobs.NewMemory()
	_, err := blobs.Put(ctx, inputKey, strings.NewReader("study"), blob.PutOptions{})
	require.NoError(t, err)
	job, err := js.Create(ctx, models.Job{UserID: "u1", InputKey: inputKey, Status: models.StatusQueued})
	require.NoError(t, err)

	coord := NewCoordinator(Deps{
		Jobs:      js,
		Blobs:     blobs,
		Segmenter: seg,
		Config:    testConfig(),
		Logger:    zap.NewNop(),
		Metrics:   metrics.NewCollector("test", nil),
	})
	return &harness{coord: coord, jobs: js, blobs: blobs, job: job, seg: seg}
}

func (h *harness) get(t *testing.T) models.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), h.job.ID)
	require.NoError(t, err)
	return job
}

func (h *harness) read(t *testing.T, key string) []byte {
	t.Helper()
	_, rc, err := h.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func (h *harness) results(t *testing.T) []blob.Info {
	t.Helper()
	infos, err := h.blobs.List(context.Background(), "results/")
	require.NoError(t, err)
	return infos
}

func TestRunLiverAndAorta(t *testing.T) {
	h := newHarness(t, &fakeSegmenter{masks: map[string]mask{"liver": cube, "aorta": sphere}}, nil)
	require.NoError(t, h.coord.Run(context.Background(), h.job.ID))

	job := h.get(t)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, MessageCompleted, job.Message)
	assert.Empty(t, job.ErrorMessage)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	prefix := "results/" + h.job.ID + "/"
	for _, name := range []string{export.ModelFile, export.MaterialFile, export.SidecarFile, ArchiveFile, LabelMapFile, "preview_z.png"} {
		assert.Equal(t, prefix+name, job.Artifacts[name], name)
	}

	objects, err := export.Decode(
		bytes.NewReader(h.read(t, job.Artifacts[export.ModelFile])),
		bytes.NewReader(h.read(t, job.Artifacts[export.MaterialFile])),
		bytes.NewReader(h.read(t, job.Artifacts[export.SidecarFile])),
	)
	require.NoError(t, err)
	require.Len(t, objects, 2)

	aorta, liver := objects[0], objects[1]
	assert.Equal(t, "aorta", aorta.Name)
	assert.Equal(t, models.SystemArteries, aorta.System)
	assert.Equal(t, anatomy.ArteryColor, aorta.Color)
	assert.Equal(t, "liver", liver.Name)
	assert.Equal(t, models.SystemDigestive, liver.System)
	assert.Equal(t, anatomy.LiverColor, liver.Color)
	require.NotNil(t, aorta.LabelID)
	require.NotNil(t, liver.LabelID)
	assert.Equal(t, 1, *aorta.LabelID)
	assert.Equal(t, 2, *liver.LabelID)

	var sidecar map[string][]map[string]any
	require.NoError(t, json.Unmarshal(h.read(t, job.Artifacts[export.SidecarFile]), &sidecar))
	assert.Len(t, sidecar, 2)
	assert.Len(t, sidecar["digestive"], 1)
	assert.Len(t, sidecar["arteries_cardiovascular"], 1)

	zipData := h.read(t, job.Artifacts[ArchiveFile])
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	require.NoError(t, err)
	var entries []string
	for _, f := range zr.File {
		entries = append(entries, f.Name)
	}
	assert.Subset(t, entries, []string{export.ModelFile, export.MaterialFile, export.SidecarFile, LabelMapFile})
	assert.NotContains(t, entries, ArchiveFile)

	_, err = os.Stat(h.seg.outDir)
	assert.True(t, os.IsNotExist(err), "workspace should be removed")
}

func TestRunSkipsEmptyStructure(t *testing.T) {
	h := newHarness(t, &fakeSegmenter{masks: map[string]mask{"liver": cube, "spleen": empty}}, nil)
	require.NoError(t, h.coord.Run(context.Background(), h.job.ID))

	job := h.get(t)
	require.Equal(t, models.StatusCompleted, job.Status)
	objects, err := export.Decode(
		bytes.NewReader(h.read(t, job.Artifacts[export.ModelFile])),
		bytes.NewReader(h.read(t, job.Artifacts[export.MaterialFile])),
		bytes.NewReader(h.read(t, job.Artifacts[export.SidecarFile])),
	)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "liver", objects[0].Name)
}

func TestRunNoValidStructures(t *testing.T) {
	h := newHarness(t, &fakeSegmenter{masks: map[string]mask{"liver": empty, "aorta": empty}}, nil)
	err := h.coord.Run(context.Background(), h.job.ID)
	require.ErrorIs(t, err, ErrNoValidStructures)

	job := h.get(t)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "no valid structures", job.ErrorMessage)
	assert.Empty(t, job.Artifacts)
	assert.Empty(t, h.results(t))
}

func TestRunToolFailure(t *testing.T) {
	diag := "RuntimeError: CUDA out of memory.\nTried to allocate 2.00 GiB\n"
	seg := &fakeSegmenter{err: &segmentation.ToolError{ExitCode: 1, Output: diag}}
	h := newHarness(t, seg, nil)

	err := h.coord.Run(context.Background(), h.job.ID)
	var toolErr *segmentation.ToolError
	require.ErrorAs(t, err, &toolErr)

	job := h.get(t)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, diag, job.ErrorMessage)
	assert.Empty(t, job.Artifacts)
	assert.Empty(t, h.results(t))
	assert.Equal(t, 1, seg.calls)
}

func TestRunMissingInput(t *testing.T) {
	h := newHarness(t, &fakeSegmenter{}, nil)
	_, err := h.blobs.Delete(context.Background(), inputKey)
	require.NoError(t, err)

	err = h.coord.Run(context.Background(), h.job.ID)
	require.ErrorIs(t, err, blob.ErrNotFound)
	assert.Equal(t, models.StatusFailed, h.get(t).Status)
	assert.Zero(t, h.seg.calls)
}

func TestRunRecoversPanic(t *testing.T) {
	h := newHarness(t, &fakeSegmenter{panics: true}, nil)
	err := h.coord.Run(context.Background(), h.job.ID)
	require.Error(t, err)

	job := h.get(t)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "segmenter exploded")
}

func TestRunRejectsTerminalJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSegmenter{masks: map[string]mask{"liver": cube}}, nil)
	_, err := h.jobs.ApplyTransition(ctx, h.job.ID, models.Transition{To: models.StatusFailed, Error: "cancelled"})
	require.NoError(t, err)

	err = h.coord.Run(ctx, h.job.ID)
	require.ErrorIs(t, err, jobs.ErrTerminal)
	assert.Zero(t, h.seg.calls)
	assert.Equal(t, "cancelled", h.get(t).ErrorMessage)
}

func TestRunUnknownJob(t *testing.T) {
	h := newHarness(t, &fakeSegmenter{}, nil)
	assert.ErrorIs(t, h.coord.Run(context.Background(), "nope"), jobs.ErrNotFound)
}

// flakyStore fails uploads of one key suffix.
type flakyStore struct {
	blob.Store
	failSuffix string
}

func (s *flakyStore) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if strings.HasSuffix(key, s.failSuffix) {
		return blob.Info{}, errors.New("connection reset")
	}
	return s.Store.Put(ctx, key, r, opts)
}

func TestRunPublishFailureLeavesNoArtifacts(t *testing.T) {
	store := &flakyStore{Store: blob.NewMemory(), failSuffix: ArchiveFile}
	h := newHarness(t, &fakeSegmenter{masks: map[string]mask{"liver": cube}}, store)

	err := h.coord.Run(context.Background(), h.job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	job := h.get(t)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Empty(t, job.Artifacts)
	assert.Empty(t, h.results(t))
}

func TestRunDirectoryInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSegmenter{masks: map[string]mask{"liver": cube}}, nil)
	for _, name := range []string{"IM0001.dcm", "IM0002.dcm"} {
		_, err := h.blobs.Put(ctx, "uploads/u1/series/"+name, strings.NewReader("dicom"), blob.PutOptions{})
		require.NoError(t, err)
	}
	job, err := h.jobs.Create(ctx, models.Job{UserID: "u1", InputKey: "uploads/u1/series/"})
	require.NoError(t, err)

	h.seg.masks = map[string]mask{"liver": cube}
	dir := ""
	h.coord.segmenter = segmenterFunc(func(ctx context.Context, input, outDir string) error {
		entries, err := os.ReadDir(input)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		dir = input
		return h.seg.Run(ctx, input, outDir)
	})
	require.NoError(t, h.coord.Run(ctx, job.ID))
	assert.NotEmpty(t, dir)
}

type segmenterFunc func(ctx context.Context, input, outDir string) error

func (f segmenterFunc) Run(ctx context.Context, input, outDir string) error { return f(ctx, input, outDir) }

func TestStatusPresignsArtifacts(t *testing.T) {
	ctx := context.Background()
	fs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	h := newHarness(t, &fakeSegmenter{masks: map[string]mask{"liver": cube}}, fs)

	view, err := h.coord.Status(ctx, h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, view.Status)
	assert.Nil(t, view.ArtifactURLs)

	require.NoError(t, h.coord.Run(ctx, h.job.ID))
	view, err = h.coord.Status(ctx, h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, view.Status)
	assert.Equal(t, "http://local.blob/results/"+h.job.ID+"/result.zip", view.ArtifactURLs[ArchiveFile])
}

func TestStatusWithoutPresignSupport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSegmenter{masks: map[string]mask{"liver": cube}}, nil)
	require.NoError(t, h.coord.Run(ctx, h.job.ID))

	view, err := h.coord.Status(ctx, h.job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, view.Artifacts)
	assert.Nil(t, view.ArtifactURLs)
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "boom\n", FailureMessage(&segmentation.ToolError{ExitCode: 2, Output: "boom\n"}))
	assert.Equal(t, "segmentation tool exited with code 137", FailureMessage(&segmentation.ToolError{ExitCode: 137}))
	assert.Equal(t, "no valid structures", FailureMessage(ErrNoValidStructures))
}

func TestBuildModelLocal(t *testing.T) {
	maskDir, outDir := t.TempDir(), t.TempDir()
	writeMask(t, maskDir, "liver", cube)
	writeMask(t, maskDir, "aorta", sphere)
	writeMask(t, maskDir, "spleen", empty)

	res, err := BuildModel(context.Background(), maskDir, outDir)
	require.NoError(t, err)
	require.Len(t, res.Structures, 2)
	assert.Equal(t, "aorta", res.Structures[0].Name)
	assert.Equal(t, "liver", res.Structures[1].Name)
	assert.Equal(t, []string{"spleen"}, res.Skipped)
	for _, name := range res.Names() {
		assert.FileExists(t, res.Artifacts[name])
	}
}

func TestBuildIsDeterministicAcrossWorkerCounts(t *testing.T) {
	maskDir := t.TempDir()
	writeMask(t, maskDir, "liver", cube)
	writeMask(t, maskDir, "aorta", sphere)
	writeMask(t, maskDir, "kidney_left", func(x, y, z int) bool { return x < 4 && y < 4 && z < 6 })

	build := func(workers int) []byte {
		cfg := testConfig()
		cfg.Processing.NumWorkers = workers
		out := t.TempDir()
		_, err := NewBuilder(cfg, nil, nil).Build(context.Background(), maskDir, out)
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(out, export.ModelFile))
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, build(1), build(4))
}

func TestBuildHonoursCancellation(t *testing.T) {
	maskDir := t.TempDir()
	writeMask(t, maskDir, "liver", cube)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBuilder(testConfig(), nil, nil).Build(ctx, maskDir, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRecordsFailureAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := jobs.NewSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	blobs := blob.NewMemory()
	_, err = blobs.Put(ctx, inputKey, strings.NewReader("study"), blob.PutOptions{})
	require.NoError(t, err)
	job, err := store.Create(ctx, models.Job{UserID: "u1", InputKey: inputKey, Status: models.StatusQueued})
	require.NoError(t, err)

	// the shutdown signal lands while the tool is running
	seg := segmenterFunc(func(ctx context.Context, _, _ string) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	coord := NewCoordinator(Deps{Jobs: store, Blobs: blobs, Segmenter: seg, Config: testConfig()})

	err = coord.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, context.Canceled.Error(), got.ErrorMessage)
}
