package proxsmtp

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// pipeDriver implements spec.md component 4.C: feed the cached body to the
// filter's stdin, drain stdout into a new cache, drain stderr into a reject
// accumulator, and turn the exit status into a Verdict.
//
// The original's single-threaded select(2) loop is replaced by one
// goroutine per descriptor coordinated through golang.org/x/sync/errgroup
// (pulled in for exactly this kind of fan-out, the way busybox42/elemta's
// queue and delivery workers use it) plus the shared activityClock from
// iopump.go, which reproduces the "one timeout shared across the whole fd
// set" semantics select(2) gave the original for free.
func pipeDriver(ctx context.Context, host Host, sctx *SessionContext, cfg Config) (string, error) {
	setup := func(env *[]string) { host.SetupForked(sctx, true, env) }

	cp, err := spawnFilter(cfg.Command, spawnOpts{stdin: true, stdout: true, stderr: true}, setup)
	if err != nil {
		host.Messagef(sctx, LogError, "couldn't create pipe for filter command: %v", err)
		return "", err
	}
	defer func() {
		cp.closePipes()
		if !cp.alreadyReaped() {
			cp.terminate(cfg.Timeout)
		}
	}()

	if err := host.WriteData(sctx, nil); err != nil {
		host.Messagef(sctx, LogError, "couldn't open output cache: %v", err)
		return "", err
	}

	stdin := cp.stdin.(*os.File)
	stdout := cp.stdout.(*os.File)
	stderr := cp.stderr.(*os.File)

	clock := newActivityClock(cfg.Timeout)
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reject RejectBuffer
	g, gctx := errgroup.WithContext(pumpCtx)

	g.Go(func() error { return pumpStdin(gctx, host, sctx, stdin, clock) })
	g.Go(func() error { return pumpStdout(gctx, host, sctx, stdout, clock) })
	g.Go(func() error { return pumpStderr(gctx, stderr, clock, &reject) })
	// watchQuit is deliberately not part of the group: it only ever exits via
	// cancel or pumpCtx.Done, neither of which fires until Wait returns, so
	// folding it into the errgroup it's supposed to help cancel would
	// deadlock every successful run.
	go watchQuit(pumpCtx, host, sctx, cancel)

	pumpErr := g.Wait()

	if err := host.WriteData(sctx, []byte{}); err != nil && pumpErr == nil {
		pumpErr = err
	}

	if pumpErr != nil {
		host.Messagef(sctx, LogError, "filter command pipe error: %v", pumpErr)
		return "", pumpErr
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer waitCancel()
	waitErr := cp.waitCtx(waitCtx)

	code, ok := exitCode(waitErr)
	if !ok {
		host.Messagef(sctx, LogError, "filter command terminated abnormally")
		return "", ErrAbnormalExit
	}

	if code == 0 {
		if err := host.DoneData(sctx, cfg.Header); err != nil {
			return "", err
		}
		return "FILTERED", nil
	}

	reason := reject.Finalize()
	if err := host.FailData(sctx, reason); err != nil {
		return "", err
	}
	return reason, nil
}

func pumpStdin(ctx context.Context, host Host, sctx *SessionContext, stdin *os.File, clock *activityClock) error {
	defer stdin.Close()

	var pending []byte
	for {
		if len(pending) == 0 {
			chunk, err := host.ReadData(sctx)
			if err != nil {
				return err
			}
			if len(chunk) == 0 {
				return nil
			}
			pending = chunk
		}

		n, err := pumpWrite(ctx, stdin, pending, clock)
		if err != nil {
			if isEPIPE(err) {
				for {
					chunk, rerr := host.ReadData(sctx)
					if rerr != nil || len(chunk) == 0 {
						break
					}
				}
				return nil
			}
			return err
		}
		pending = pending[n:]
	}
}

func pumpStdout(ctx context.Context, host Host, sctx *SessionContext, stdout *os.File, clock *activityClock) error {
	defer stdout.Close()

	buf := make([]byte, 1024)
	for {
		n, err, eof := pumpRead(ctx, stdout, buf, clock)
		if eof {
			return nil
		}
		if err != nil {
			return err
		}
		if n > 0 {
			if werr := host.WriteData(sctx, buf[:n]); werr != nil {
				return werr
			}
		}
	}
}

func pumpStderr(ctx context.Context, stderr *os.File, clock *activityClock, reject *RejectBuffer) error {
	defer stderr.Close()

	buf := make([]byte, 1024)
	for {
		n, err, eof := pumpRead(ctx, stderr, buf, clock)
		if eof {
			return nil
		}
		if err != nil {
			return err
		}
		if n > 0 {
			reject.Append(string(buf[:n]))
		}
	}
}

// watchQuit polls Host.IsQuit at pollGranularity, matching the original's
// per-iteration check of sp_is_quit() inside the select loop. It calls
// cancel itself instead of returning an error for a caller to relay, since
// nothing else is left to unblock it once its own I/O siblings finish.
func watchQuit(ctx context.Context, host Host, sctx *SessionContext, cancel context.CancelFunc) {
	ticker := time.NewTicker(pollGranularity)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if host.IsQuit() {
				cancel()
				return
			}
		}
	}
}
