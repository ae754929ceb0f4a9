// Package segmentation invokes the external segmentation tool that turns a
// study into one NIfTI mask per anatomical structure.
package segmentation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"anatomesh/internal/logging"
	"anatomesh/pkg/config"
)

// Placeholders substituted in the command template.
const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// waitDelay bounds how long output is drained after the tool is killed.
const waitDelay = 2 * time.Second

// ErrTimeout is returned when the tool exceeds its time budget.
var ErrTimeout = errors.New("segmentation tool timed out")

// ToolError reports a non-zero exit of the tool. Output is the tool's
// diagnostic text exactly as captured.
type ToolError struct {
	ExitCode int
	Output   string
}

// Error returns the captured diagnostic output unchanged, or the exit code
// when the tool printed nothing.
func (e *ToolError) Error() string {
	if strings.TrimSpace(e.Output) == "" {
		return fmt.Sprintf("segmentation tool exited with code %d", e.ExitCode)
	}
	return e.Output
}

// Segmenter produces per-structure masks in outDir from the study at input.
type Segmenter interface {
	Run(ctx context.Context, input, outDir string) error
}

// Runner runs the tool as a subprocess.
type Runner struct {
	command []string
	fast    bool
	device  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunner creates a runner from the segmentation and processing settings.
func NewRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	return &Runner{
		command: cfg.Segmentation.Command,
		fast:    cfg.Segmentation.Fast,
		device:  cfg.Segmentation.Device,
		timeout: cfg.Processing.ToolTimeout,
		logger:  logging.OrNop(logger).With(zap.String("component", "segmentation")),
	}
}

// Args returns the argv for one invocation.
func (r *Runner) Args(input, outDir string) []string {
	args := make([]string, 0, len(r.command)+1)
	for _, a := range r.command {
		a = strings.ReplaceAll(a, InputPlaceholder, input)
		a = strings.ReplaceAll(a, OutputPlaceholder, outDir)
		args = append(args, a)
	}
	if r.fast {
		args = append(args, "--fast")
	}
	return args
}

// Env returns the environment for one invocation; cpu mode hides every CUDA
// device from the tool.
func (r *Runner) Env() []string {
	env := os.Environ()
	if strings.EqualFold(r.device, "cpu") {
		env = append(env, "CUDA_VISIBLE_DEVICES=")
	}
	return env
}

// Run blocks until the tool exits or the timeout elapses.
func (r *Runner) Run(ctx context.Context, input, outDir string) error {
	args := r.Args(input, outDir)
	if len(args) == 0 {
		return errors.New("segmentation command is empty")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create segmentation output: %w", err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = r.Env()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherit the pipes must not outlive a killed tool
	cmd.WaitDelay = waitDelay

	r.logger.Info("running segmentation tool",
		zap.Strings("command", args),
		zap.String("device", r.device))
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		output := stderr.String()
		if strings.TrimSpace(output) == "" {
			output = stdout.String()
		}
		r.logger.Error("segmentation tool failed",
			zap.Int("exit_code", exitErr.ExitCode()),
			zap.Duration("elapsed", elapsed))
		return &ToolError{ExitCode: exitErr.ExitCode(), Output: output}
	}
	if err != nil {
		return fmt.Errorf("start segmentation tool: %w", err)
	}

	r.logger.Info("segmentation tool finished", zap.Duration("elapsed", elapsed))
	if stdout.Len() > 0 {
		r.logger.Debug("segmentation tool output", zap.String("stdout", stdout.String()))
	}
	return nil
}
