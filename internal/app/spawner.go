package app

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// ExecSpawner launches the worker binary as a detached process per spawn.
// The worker inherits the environment; the queue key travels as a flag.
type ExecSpawner struct {
	WorkerBin string
}

// Spawn starts one worker for the queue key without waiting for it.
func (s *ExecSpawner) Spawn(ctx domain.Context, queueKey string) error {
	cmd := exec.Command(s.WorkerBin, "--queue-key", queueKey)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("op=app.spawn key=%s: %w", queueKey, err)
	}
	pid := cmd.Process.Pid
	lg := observability.LoggerFromContext(ctx)
	lg.Info("worker spawned", "queue_key", queueKey, "pid", pid)
	go func() {
		// Reap the child so finished workers do not linger as zombies.
		if err := cmd.Wait(); err != nil {
			lg.Warn("worker exited with error", "queue_key", queueKey, "pid", pid, "error", err)
		}
	}()
	return nil
}
