// internal/pipeline/services.go
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"masterd/internal/probe"
	"masterd/internal/utils"
)

// runningService is a started helper process (or a probed external one)
// belonging to a single job attempt.
type runningService struct {
	spec ServiceSpec
	cmd  *exec.Cmd
}

// startServices launches each declared service command and waits for its
// probe to report ready. On any failure the already started services are
// torn down before the error is returned.
func (r *Runner) startServices(ctx context.Context, job JobSpec, logW io.Writer) ([]*runningService, error) {
	log := utils.WithComponent("runner").With(zap.String(utils.FieldJob, job.Name))

	var started []*runningService
	for _, svc := range job.Services {
		rs := &runningService{spec: svc}
		if svc.Command != "" {
			cmd := exec.Command("sh", "-c", svc.Command)
			cmd.Dir = r.Workdir
			cmd.Env = serviceEnv()
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			cmd.Stdout = logW
			cmd.Stderr = logW
			if err := cmd.Start(); err != nil {
				stopServices(started)
				return nil, fmt.Errorf("service %q: start: %w", svc.Name, err)
			}
			rs.cmd = cmd
			log.Debug("service started",
				zap.String("service", svc.Name),
				zap.Int(utils.FieldPID, cmd.Process.Pid))
		}
		started = append(started, rs)

		if svc.Probe != "" {
			if err := probe.WaitReady(ctx, svc.Probe, svc.Timeout); err != nil {
				stopServices(started)
				return nil, fmt.Errorf("service %q: %w", svc.Name, err)
			}
			log.Debug("service ready", zap.String("service", svc.Name))
		}
	}
	return started, nil
}

// stopServices kills service process groups in reverse start order and reaps
// them. External probed services have no process and are untouched.
func stopServices(services []*runningService) {
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		if s.cmd == nil || s.cmd.Process == nil {
			continue
		}
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		_ = s.cmd.Wait()
	}
}

func serviceEnv() []string {
	var env []string
	for _, key := range passthroughEnv {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}
