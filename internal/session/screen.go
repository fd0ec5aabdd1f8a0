package session

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"nexus/internal/nexuserr"
)

// ScreenRunner runs each job in its own detached `screen` session, named so
// that pgrep/pkill can find its process group by name alone, matching
// core/job.py's _launch_screen_process/kill_job/is_job_running.
type ScreenRunner struct{}

func NewScreenRunner() *ScreenRunner {
	return &ScreenRunner{}
}

func (r *ScreenRunner) Start(ctx context.Context, name, script string, env []string) error {
	cmd := exec.CommandContext(ctx, "screen", "-dmS", name, script)
	if len(env) > 0 {
		cmd.Env = env
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nexuserr.Wrap(nexuserr.CodeLaunchFailed, "screen -dmS "+name+": "+stderr.String(), err)
	}
	return nil
}

func (r *ScreenRunner) PID(ctx context.Context, name string) (int, bool, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-f", name).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return 0, false, nil
		}
		return 0, false, nexuserr.Wrap(nexuserr.CodeInternal, "pgrep -f "+name, err)
	}
	lines := strings.Fields(strings.TrimSpace(string(out)))
	if len(lines) == 0 {
		return 0, false, nil
	}
	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return 0, false, nexuserr.Wrap(nexuserr.CodeInternal, "parse pgrep output", err)
	}
	return pid, true, nil
}

func (r *ScreenRunner) IsAlive(ctx context.Context, name string) (bool, error) {
	_, alive, err := r.PID(ctx, name)
	return alive, err
}

func (r *ScreenRunner) Kill(ctx context.Context, name string) error {
	// Best-effort: ask screen to quit the session first, then force-kill
	// any surviving process by name, matching core/job.py's two-step kill.
	_ = exec.CommandContext(ctx, "screen", "-S", name, "-X", "quit").Run()

	if err := exec.CommandContext(ctx, "pkill", "-9", "-f", name).Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil
		}
		return nexuserr.Wrap(nexuserr.CodeInternal, "pkill -9 -f "+name, err)
	}
	return nil
}
