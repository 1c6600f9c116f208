package proxsmtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// osEnviron is a thin wrapper over os.Environ so tests can see exactly
// where the child's base environment comes from.
func osEnviron() []string {
	return os.Environ()
}

// ErrTimeout is returned by childProcess.wait when the child did not exit
// within the configured deadline.
var ErrTimeout = errors.New("proxsmtp: filter command timed out")

// ErrAbnormalExit is returned by a driver when the filter was signalled or
// stopped rather than exiting cleanly. Drivers treat this the same as any
// other hard error: no verdict was produced, so the caller falls back to a
// generic failure.
var ErrAbnormalExit = errors.New("proxsmtp: filter command terminated abnormally")

// childProcess is an owned handle on a forked filter command, grounded on
// fork_filter/wait_process/kill_process in the original daemon. Unlike the
// original's raw pipe(2)+fork(2)+dup2(2), fd plumbing is delegated to
// os/exec.Cmd, which already does "dup the configured ends onto
// stdin/stdout/stderr, close everything else" for us; this type adds
// deadline enforcement and SIGTERM-then-SIGKILL escalation on top of it.
type childProcess struct {
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}
}

// spawnOpts selects which standard pipes to create, mirroring fork_filter's
// (infd, outfd, errfd) parameters — only the requested ends are created.
type spawnOpts struct {
	stdin  bool
	stdout bool
	stderr bool
}

// spawnFilter forks command under /bin/sh -c, wiring only the requested
// pipes, and invokes setup before the subprocess environment is finalized
// so envelope-derived variables can be published into it, matching
// setup_forked in the original daemon.
func spawnFilter(command string, opts spawnOpts, setup func(env *[]string)) (*childProcess, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append([]string(nil), osEnviron()...)

	if setup != nil {
		setup(&cmd.Env)
	}

	cp := &childProcess{cmd: cmd, waitDone: make(chan struct{})}

	if opts.stdin {
		w, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("proxsmtp: couldn't create stdin pipe for filter command: %w", err)
		}
		cp.stdin = w
	}
	if opts.stdout {
		r, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("proxsmtp: couldn't create stdout pipe for filter command: %w", err)
		}
		cp.stdout = r
	}
	if opts.stderr {
		r, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("proxsmtp: couldn't create stderr pipe for filter command: %w", err)
		}
		cp.stderr = r
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proxsmtp: couldn't fork for filter command: %w", err)
	}

	// Reap through Process.Wait rather than cmd.Wait: cmd.Wait closes the
	// parent's pipe ends as soon as the child exits, which would pull them
	// out from under the driver's pump goroutines mid-read. The pipes are
	// closed by their pumps and by closePipes instead.
	go func() {
		state, err := cmd.Process.Wait()
		if err == nil && !state.Success() {
			err = &exec.ExitError{ProcessState: state}
		}
		cp.waitErr = err
		close(cp.waitDone)
	}()

	return cp, nil
}

// pid returns the forked process's PID, or 0 if it has not started.
func (c *childProcess) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// wait blocks for the child to exit, for at most timeout. It returns
// ErrTimeout without reaping the child — callers that time out must call
// terminate to reap it, matching the original's wait_process/kill_process
// split.
func (c *childProcess) wait(timeout time.Duration) error {
	select {
	case <-c.waitDone:
		return c.reapResult()
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// waitCtx is the same as wait but bound to a context instead of a fixed
// duration, for drivers that share one deadline across I/O and reap.
func (c *childProcess) waitCtx(ctx context.Context) error {
	select {
	case <-c.waitDone:
		return c.reapResult()
	case <-ctx.Done():
		return ErrTimeout
	}
}

// alreadyReaped reports whether cmd.Wait has already returned — once true,
// sending the pid any further signals risks hitting a PID the kernel has
// since recycled, so terminate must never be called after this is true.
func (c *childProcess) alreadyReaped() bool {
	select {
	case <-c.waitDone:
		return true
	default:
		return false
	}
}

func (c *childProcess) reapResult() error {
	c.waitOnce.Do(func() {})
	return c.waitErr
}

// exitCode returns the filter's exit status. ok is false for a signalled or
// stopped child — only a clean exit carries a usable code.
func exitCode(err error) (code int, ok bool) {
	if err == nil {
		return 0, true
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, isWS := ee.Sys().(syscall.WaitStatus); isWS {
			if ws.Exited() {
				return ws.ExitStatus(), true
			}
			return 0, false
		}
		return ee.ExitCode(), ee.ExitCode() >= 0
	}
	return 0, false
}

// terminate performs a graceful-then-forced shutdown: SIGTERM, wait up to
// timeout, then SIGKILL and wait again. ESRCH (process already gone) counts
// as success at every step.
func (c *childProcess) terminate(timeout time.Duration) {
	if c.cmd.Process == nil {
		return
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) && !errors.Is(err, syscall.ECHILD) {
		// best effort only: fall through and try SIGKILL anyway.
	}

	if err := c.wait(timeout); err == nil {
		return
	}

	_ = c.cmd.Process.Signal(syscall.SIGKILL)
	// Reap unconditionally: a SIGKILL'd process cannot ignore the signal,
	// so this is bounded by the kernel's own scheduling, not a filter bug.
	<-c.waitDone
}

// closePipes closes whichever of stdin/stdout/stderr are still open. Safe
// to call multiple times and on a childProcess that never opened some of
// them.
func (c *childProcess) closePipes() {
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.stdout != nil {
		c.stdout.Close()
	}
	if c.stderr != nil {
		c.stderr.Close()
	}
}

// reapStale performs a best-effort, non-blocking waitpid(-1, WNOHANG) sweep.
// It exists purely as documented defense in depth against a reap that was
// missed by an earlier bug, not because any code path here is known to leak
// a handle (see DESIGN.md's "stale-child reap" note).
func reapStale() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
