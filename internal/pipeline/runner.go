// internal/pipeline/runner.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"masterd/internal/utils"
)

// passthroughEnv is the short list of host variables scripts receive on top
// of their declared ones. Everything else stays invisible.
var passthroughEnv = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// Runner executes job scripts on the host. Output is captured under
// <DataDir>/logs, artifacts under <DataDir>/artifacts.
type Runner struct {
	DataDir string
	Workdir string
}

func NewRunner(dataDir, workdir string) *Runner {
	if workdir == "" {
		workdir = "."
	}
	return &Runner{DataDir: dataDir, Workdir: workdir}
}

// LogPath returns where a job's combined output is written.
func (r *Runner) LogPath(runID, jobName string) string {
	return filepath.Join(r.DataDir, "logs", runID, jobName+".log")
}

// ArtifactsDir returns where a job's collected artifacts land.
func (r *Runner) ArtifactsDir(runID, jobName string) string {
	return filepath.Join(r.DataDir, "artifacts", runID, jobName)
}

// JobResult is the outcome of executing one job, retries included.
type JobResult struct {
	Status   Status
	ExitCode int
	Attempts int
	Reason   string
}

// RunJob executes the job's scripts, honoring services, timeout, and retry.
// The returned status is success, failed, or canceled.
func (r *Runner) RunJob(ctx context.Context, spec *Spec, job JobSpec, run *Run) JobResult {
	log := utils.WithComponent("runner").With(
		zap.String(utils.FieldRunID, run.ID),
		zap.String(utils.FieldJob, job.Name))

	logPath := r.LogPath(run.ID, job.Name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return JobResult{Status: StatusFailed, ExitCode: -1, Reason: fmt.Sprintf("create log dir: %v", err)}
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return JobResult{Status: StatusFailed, ExitCode: -1, Reason: fmt.Sprintf("open log: %v", err)}
	}
	defer logFile.Close()

	env := r.jobEnv(spec, job, run)

	result := JobResult{Status: StatusFailed, ExitCode: -1}
	for attempt := 1; attempt <= job.Retry+1; attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			fmt.Fprintf(logFile, "\n== retry %d of %d ==\n", attempt-1, job.Retry)
			log.Info("retrying job", zap.Int("attempt", attempt))
		}

		status, exitCode, reason := r.runAttempt(ctx, job, env, logFile)
		result.Status = status
		result.ExitCode = exitCode
		result.Reason = reason
		if status != StatusFailed {
			break
		}
	}

	if result.Status == StatusSuccess && len(job.Artifacts) > 0 {
		if err := r.collectArtifacts(run.ID, job, log); err != nil {
			result.Status = StatusFailed
			result.Reason = fmt.Sprintf("collect artifacts: %v", err)
		}
	}

	log.Info("job finished",
		zap.String(utils.FieldStatus, string(result.Status)),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("attempts", result.Attempts))
	return result
}

// runAttempt starts the job's services and runs the script lines in order
// under a shared deadline. Services are torn down before it returns.
func (r *Runner) runAttempt(ctx context.Context, job JobSpec, env []string, logFile *os.File) (Status, int, string) {
	attemptCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	services, err := r.startServices(attemptCtx, job, logFile)
	if err != nil {
		if ctx.Err() != nil {
			return StatusCanceled, -1, "canceled while starting services"
		}
		return StatusFailed, -1, err.Error()
	}
	defer stopServices(services)

	for _, line := range job.Script {
		fmt.Fprintf(logFile, "$ %s\n", line)
		exitCode, err := runScript(attemptCtx, line, r.Workdir, env, logFile)
		if err != nil {
			if ctx.Err() != nil {
				return StatusCanceled, exitCode, "canceled"
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return StatusFailed, exitCode, fmt.Sprintf("timed out after %s", job.Timeout)
			}
			return StatusFailed, exitCode, err.Error()
		}
		if exitCode != 0 {
			return StatusFailed, exitCode, fmt.Sprintf("script exited with %d", exitCode)
		}
	}
	return StatusSuccess, 0, ""
}

// runScript executes one line through `sh -c` in its own process group so a
// timeout or cancellation kills the whole tree.
func runScript(ctx context.Context, line, dir string, env []string, out io.Writer) (int, error) {
	cmd := exec.Command("sh", "-c", line)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start script: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return -1, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitCode(), nil
			}
			return -1, fmt.Errorf("run script: %w", err)
		}
		return 0, nil
	}
}

// jobEnv builds the allowlisted environment: declared variables plus the
// passthrough set, never the full host environment.
func (r *Runner) jobEnv(spec *Spec, job JobSpec, run *Run) []string {
	vars := JobVars(spec, job, run)
	for _, key := range passthroughEnv {
		if _, ok := vars[key]; ok {
			continue
		}
		if v := os.Getenv(key); v != "" {
			vars[key] = v
		}
	}
	return EnvList(vars)
}

// collectArtifacts copies files matching the job's artifact globs into the
// run's artifacts directory. Patterns matching nothing are logged, not fatal.
func (r *Runner) collectArtifacts(runID string, job JobSpec, log *zap.Logger) error {
	destRoot := r.ArtifactsDir(runID, job.Name)
	for _, pattern := range job.Artifacts {
		matches, err := filepath.Glob(filepath.Join(r.Workdir, pattern))
		if err != nil {
			return fmt.Errorf("artifact pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			log.Warn("artifact pattern matched nothing", zap.String("pattern", pattern))
			continue
		}
		for _, match := range matches {
			rel, err := filepath.Rel(r.Workdir, match)
			if err != nil {
				rel = filepath.Base(match)
			}
			if err := copyTree(match, filepath.Join(destRoot, rel)); err != nil {
				return fmt.Errorf("copy artifact %q: %w", match, err)
			}
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dst, 0755); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// artifactRetention caps how long run artifacts and logs are kept.
const artifactRetention = 14 * 24 * time.Hour

// PruneArtifacts removes run log and artifact directories older than the
// retention window. It is safe to call from a background ticker.
func (r *Runner) PruneArtifacts(log *zap.Logger) {
	cutoff := time.Now().Add(-artifactRetention)
	for _, root := range []string{filepath.Join(r.DataDir, "logs"), filepath.Join(r.DataDir, "artifacts")} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(root, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				log.Warn("prune failed", zap.String(utils.FieldPath, path), zap.Error(err))
			}
		}
	}
}
