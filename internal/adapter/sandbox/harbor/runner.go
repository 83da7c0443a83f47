// Package harbor runs one trial through the external sandbox runner command.
// Lifecycle events arrive as JSON lines on the runner's stdout; the
// authoritative outcome is read from result.json in the job directory after
// the process exits.
package harbor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oddish-run/oddish/internal/domain"
)

// Runner executes the sandbox command for one trial at a time.
type Runner struct {
	Cmd           string
	JobsDir       string
	MinFreeDiskGB int
}

// New constructs a Runner.
func New(cmd, jobsDir string, minFreeDiskGB int) *Runner {
	return &Runner{Cmd: cmd, JobsDir: jobsDir, MinFreeDiskGB: minFreeDiskGB}
}

// event is one JSON line on the runner's stdout. Lines that do not parse are
// runner logs and are ignored.
type event struct {
	Event       string `json:"event"`
	Reward      *int   `json:"reward"`
	Error       string `json:"error"`
	VerifierRan bool   `json:"verifier_ran"`
}

// result is the shape of result.json.
type result struct {
	Reward        *int           `json:"reward"`
	Error         string         `json:"error"`
	ExitCode      int            `json:"exit_code"`
	DurationSec   float64        `json:"duration_sec"`
	ResultPath    string         `json:"result_path"`
	InputTokens   *int64         `json:"input_tokens"`
	CacheTokens   *int64         `json:"cache_tokens"`
	OutputTokens  *int64         `json:"output_tokens"`
	CostUSD       *float64       `json:"cost_usd"`
	PhaseTiming   map[string]any `json:"phase_timing"`
	HasTrajectory bool           `json:"has_trajectory"`
	VerifierRan   bool           `json:"verifier_ran"`
}

// Run executes the sandbox for one trial, forwarding lifecycle events to the
// hook while the process runs. A failed execution is reported in the outcome,
// not as an error; errors are reserved for setup problems.
func (r *Runner) Run(ctx domain.Context, spec domain.RunSpec, hook domain.HookCallback) (domain.RunnerOutcome, error) {
	if free, err := freeDiskGB(r.JobsDir); err == nil && free < r.MinFreeDiskGB {
		return domain.RunnerOutcome{
			Error: fmt.Sprintf("insufficient disk space: %dGB free, %dGB required", free, r.MinFreeDiskGB),
		}, nil
	}

	jobDir := filepath.Join(r.JobsDir, spec.TrialID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return domain.RunnerOutcome{}, fmt.Errorf("op=harbor.run mkdir %s: %w", jobDir, err)
	}

	args := []string{
		"run",
		"--trial-id", spec.TrialID,
		"--task-dir", spec.TaskDir,
		"--job-dir", jobDir,
		"--agent", spec.Agent,
		"--environment", spec.Environment,
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if len(spec.SandboxConfig) > 0 {
		raw, err := json.Marshal(spec.SandboxConfig)
		if err != nil {
			return domain.RunnerOutcome{}, fmt.Errorf("op=harbor.run sandbox_config: %w", err)
		}
		args = append(args, "--sandbox-config", string(raw))
	}

	cmd := exec.CommandContext(ctx, r.Cmd, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.RunnerOutcome{}, fmt.Errorf("op=harbor.run stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.RunnerOutcome{}, fmt.Errorf("op=harbor.run start %s: %w", r.Cmd, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lastEnd event
	for scanner.Scan() {
		ev, ok := parseEvent(scanner.Bytes())
		if !ok {
			continue
		}
		if ev.Event == string(domain.HookEnd) {
			lastEnd = ev
		}
		hook(ctx, domain.HookPayload{
			Event:       domain.HookEvent(ev.Event),
			Reward:      ev.Reward,
			Err:         ev.Error,
			VerifierRan: ev.VerifierRan,
		})
	}

	runErr := cmd.Wait()
	out := domain.RunnerOutcome{
		JobDir:      jobDir,
		DurationSec: time.Since(start).Seconds(),
		VerifierRan: lastEnd.VerifierRan,
	}

	res, resErr := readResult(jobDir)
	if resErr == nil {
		out.Reward = res.Reward
		out.Error = res.Error
		out.ExitCode = res.ExitCode
		if res.DurationSec > 0 {
			out.DurationSec = res.DurationSec
		}
		out.ResultPath = res.ResultPath
		out.InputTokens = res.InputTokens
		out.CacheTokens = res.CacheTokens
		out.OutputTokens = res.OutputTokens
		out.CostUSD = res.CostUSD
		out.PhaseTiming = res.PhaseTiming
		out.HasTrajectory = res.HasTrajectory
		out.VerifierRan = out.VerifierRan || res.VerifierRan
		return out, nil
	}

	// No result file: the run broke before producing one.
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
		}
		out.Error = fmt.Sprintf("sandbox runner failed: %v", runErr)
	} else {
		out.Error = fmt.Sprintf("sandbox runner produced no result: %v", resErr)
	}
	if tail := lastLines(stderr.String(), 10); tail != "" {
		out.Error += "; stderr: " + tail
	}
	slog.Warn("sandbox run ended without result",
		slog.String("trial_id", spec.TrialID), slog.String("error", out.Error))
	return out, nil
}

func parseEvent(line []byte) (event, bool) {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil || ev.Event == "" {
		return event{}, false
	}
	return ev, true
}

func readResult(jobDir string) (result, error) {
	raw, err := os.ReadFile(filepath.Join(jobDir, "result.json"))
	if err != nil {
		return result{}, err
	}
	var res result
	if err := json.Unmarshal(raw, &res); err != nil {
		return result{}, fmt.Errorf("result.json: %w", err)
	}
	return res, nil
}

func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func freeDiskGB(dir string) (int, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int(uint64(st.Bavail) * uint64(st.Bsize) / (1 << 30)), nil
}
