package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"anatomesh/internal/logging"
	"anatomesh/internal/models"
	"anatomesh/pkg/blob"
	"anatomesh/pkg/config"
	"anatomesh/pkg/jobs"
	"anatomesh/pkg/metrics"
	"anatomesh/pkg/pipeline"
	"anatomesh/pkg/segmentation"
)

const usage = `anatomesh converts segmented medical studies into colored multi-object 3D models.

Usage:
  anatomesh submit      -input FILE [-user ID] [-config FILE]
  anatomesh run         -job ID [-config FILE]
  anatomesh status      -job ID [-config FILE]
  anatomesh mesh        -masks DIR [-out DIR] [-config FILE]
  anatomesh init-config [-path FILE]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "submit":
		err = submit(ctx, args)
	case "run":
		err = run(ctx, args)
	case "status":
		err = status(ctx, args)
	case "mesh":
		err = mesh(ctx, args)
	case "init-config":
		err = initConfig(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

// env bundles what the job subcommands share.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	blobs  blob.Store
	jobs   jobs.Store
}

func setup(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Development)

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	store, err := jobs.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return &env{cfg: cfg, logger: logger, blobs: blobs, jobs: store}, nil
}

func (e *env) close() {
	_ = e.jobs.Close()
	_ = e.logger.Sync()
}

func (e *env) coordinator() *pipeline.Coordinator {
	return pipeline.NewCoordinator(pipeline.Deps{
		Jobs:      e.jobs,
		Blobs:     e.blobs,
		Segmenter: segmentation.NewRunner(e.cfg, e.logger),
		Config:    e.cfg,
		Logger:    e.logger,
		Metrics:   metrics.NewCollector(e.cfg.Metrics.Namespace, e.logger),
	})
}

// submit uploads a study and queues a job for it.
func submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	input := fs.String("input", "", "Study file to upload (NIfTI or zipped DICOM)")
	user := fs.String("user", "local", "Owning user id")
	_ = fs.Parse(args)
	if *input == "" {
		fs.Usage()
		os.Exit(2)
	}

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	id := jobs.NewID()
	key := fmt.Sprintf("uploads/%s/%s/%s", *user, id, filepath.Base(*input))
	if _, err := blob.Upload(ctx, e.blobs, key, *input, "application/octet-stream"); err != nil {
		return err
	}
	job, err := e.jobs.Create(ctx, models.Job{ID: id, UserID: *user, InputKey: key})
	if err != nil {
		return err
	}
	for _, to := range []models.Status{models.StatusUploaded, models.StatusQueued} {
		if _, err := e.jobs.ApplyTransition(ctx, job.ID, models.Transition{To: to}); err != nil {
			return err
		}
	}
	fmt.Println(job.ID)
	return nil
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	jobID := fs.String("job", "", "Job id to process")
	_ = fs.Parse(args)
	if *jobID == "" {
		fs.Usage()
		os.Exit(2)
	}

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	coord := e.coordinator()
	start := time.Now()
	runErr := coord.Run(ctx, *jobID)
	e.logger.Info("run finished", zap.String("job_id", *jobID), zap.Duration("elapsed", time.Since(start)))

	view, err := coord.Status(ctx, *jobID)
	if err != nil {
		return err
	}
	if err := printJSON(view); err != nil {
		return err
	}
	return runErr
}

func status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	jobID := fs.String("job", "", "Job id")
	_ = fs.Parse(args)
	if *jobID == "" {
		fs.Usage()
		os.Exit(2)
	}

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	view, err := e.coordinator().Status(ctx, *jobID)
	if err != nil {
		return err
	}
	return printJSON(view)
}

// mesh runs the mesh stages on masks already on disk.
func mesh(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mesh", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	masks := fs.String("masks", "", "Directory containing one NIfTI mask per structure")
	out := fs.String("out", "output", "Output directory")
	_ = fs.Parse(args)
	if *masks == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	defer func() { _ = logger.Sync() }()

	m := metrics.NewCollector(cfg.Metrics.Namespace, logger)
	start := time.Now()
	res, err := pipeline.NewBuilder(cfg, logger, m).Build(ctx, *masks, *out)
	if err != nil {
		return err
	}
	if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("metrics textfile not written", zap.Error(err))
	}

	fmt.Printf("Meshed %d structures (%d skipped) in %.2f seconds\n",
		len(res.Structures), len(res.Skipped), time.Since(start).Seconds())
	for _, name := range res.Names() {
		fmt.Printf("  %s\n", res.Artifacts[name])
	}
	return nil
}

func initConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("path", "anatomesh.yaml", "Where to write the default configuration")
	_ = fs.Parse(args)

	if _, err := os.Stat(*path); err == nil {
		return fmt.Errorf("%s already exists", *path)
	}
	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", *path)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
