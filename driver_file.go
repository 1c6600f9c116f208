package proxsmtp

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"
)

// fileDriver implements spec.md component 4.D: the body is already
// committed to the cache file before the filter runs; the filter is
// expected to locate it via the environment published by setup_forked, and
// signals its verdict purely through its exit code plus whatever it prints
// to stderr. Like process_file_command in the original, a decided verdict
// is reported to the host right here; only a hard failure that leaves no
// verdict decided is surfaced as an error for the caller to turn into a
// generic failure.
func fileDriver(ctx context.Context, host Host, sctx *SessionContext, cfg Config) (string, error) {
	if err := host.CacheData(sctx); err != nil {
		host.Messagef(sctx, LogError, "couldn't cache message data: %v", err)
		return "", err
	}

	setup := func(env *[]string) { host.SetupForked(sctx, true, env) }

	cp, err := spawnFilter(cfg.Command, spawnOpts{stderr: true}, setup)
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

	stderr := cp.stderr.(*os.File)
	clock := newActivityClock(cfg.Timeout)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reject RejectBuffer
	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(func() error { return pumpStderr(gctx, stderr, clock, &reject) })
	go watchQuit(pumpCtx, host, sctx, cancel)

	if pumpErr := g.Wait(); pumpErr != nil {
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
