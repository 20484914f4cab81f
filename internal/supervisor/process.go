package supervisor

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	gops "github.com/shirou/gopsutil/v4/process"
)

// process is one tracked child in the in-memory table. done is closed when
// Wait returns, which is the only reliable "has exited" signal for a child we
// spawned ourselves.
type process struct {
	cmd       *exec.Cmd
	pid       int
	dir       string
	startedAt time.Time
	done      chan struct{}
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// launch starts cmd with stdout/stderr appended to the given log files and
// begins reaping it in the background. The files are closed after Wait
// returns so nothing holds the descriptors of a dead child.
func launch(cmd *exec.Cmd, stdoutPath, stderrPath string) (*process, error) {
	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 -- path built from workspace root
	if err != nil {
		return nil, err
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304
	if err != nil {
		stdout.Close()
		return nil, err
	}

	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, err
	}

	p := &process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		dir:       cmd.Dir,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	go func() {
		_ = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(p.done)
	}()

	return p, nil
}

// terminate performs two-phase shutdown of a tracked child: SIGTERM, bounded
// grace wait, SIGKILL, then a final wait so the child is fully reaped before
// the resource counts as released. Returns whether escalation was needed.
func (p *process) terminate(grace time.Duration) bool {
	if !p.alive() {
		return false
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Int("pid", p.pid).Msg("SIGTERM delivery failed")
	}

	select {
	case <-p.done:
		return false
	case <-time.After(grace):
	}

	log.Warn().Int("pid", p.pid).Dur("grace", grace).Msg("grace period elapsed, killing process")
	if err := p.cmd.Process.Kill(); err != nil {
		log.Debug().Err(err).Int("pid", p.pid).Msg("SIGKILL delivery failed")
	}
	<-p.done
	return true
}

// terminatePID applies the same two-phase shutdown to a process the
// supervisor does not track — the last-known pid from the store after a
// supervisor restart. Returns ErrNotRunning when no such process exists.
func terminatePID(ctx context.Context, pid int, grace time.Duration) error {
	proc, err := gops.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return ErrNotRunning
	}

	if err := proc.TerminateWithContext(ctx); err != nil {
		return ErrNotRunning
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		running, err := proc.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	log.Warn().Int("pid", pid).Msg("orphan ignored SIGTERM, killing")
	if err := proc.KillWithContext(ctx); err != nil {
		log.Error().Err(err).Int("pid", pid).Msg("could not confirm orphan termination")
	}
	return nil
}
