package proxsmtp

import "context"

// Dispatcher is the daemon's filter-facing surface, grounded on
// cb_check_pre/cb_check_data in the original daemon. It owns no network
// state of its own: callers supply a Host that already terminated the
// client-facing SMTP session and knows how to move bytes and verdicts back
// across it.
type Dispatcher struct {
	cfg Config
}

// NewDispatcher builds a Dispatcher bound to a fixed, already-validated
// Config. The original re-read its config into process-global state once at
// startup; passing an immutable Config handle here gets the same "load
// once, never mutate during a session" behavior without the global.
func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// CheckPre implements cb_check_pre: a blanket reject policy short-circuits
// the session before the client is even allowed to start the envelope.
func (d *Dispatcher) CheckPre(sctx *SessionContext, host Host) error {
	if d.cfg.FilterType == FilterRejectAll {
		host.AddLog(sctx, "status=", "REJECTED")
		return host.FailMsg(sctx, d.cfg.Reject)
	}
	return nil
}

// CheckData implements cb_check_data: dispatch the cached body to the
// configured backend. Each backend driver issues the client-facing
// DoneData/FailData call itself as soon as it has a verdict, the same way
// process_pipe_command/process_smtp_command/process_file_command do in the
// original; CheckData's own job is picking the backend, running the stale-
// child sweep first, and turning a hard driver error into the one generic
// failure reply cb_check_data issues when r == -1.
func (d *Dispatcher) CheckData(ctx context.Context, sctx *SessionContext, host Host) error {
	if d.cfg.FilterType == FilterRejectAll {
		host.AddLog(sctx, "status=", "REJECTED")
		return host.FailData(sctx, d.cfg.Reject)
	}

	if err := host.StartData(sctx); err != nil {
		return err
	}

	// Every driver's contract assumes the body already exists in the
	// host's cache by the time it's entered; cache it here
	// once, up front, rather than leaving it to each driver to remember.
	// CacheData is idempotent, so a driver that also calls it (file, smtp)
	// is a harmless no-op the second time.
	if err := host.CacheData(sctx); err != nil {
		return err
	}

	if d.cfg.Command == "" {
		host.Messagef(sctx, LogWarning, "no filter command specified, passing message through")
		if err := host.DoneData(sctx, d.cfg.Header); err != nil {
			return err
		}
		host.AddLog(sctx, "status=", "FILTERED")
		return nil
	}

	// Best-effort sweep for filter children some earlier session's timeout
	// escalation failed to fully reap, matching the waitpid(WNOHANG) loop
	// cb_check_data ran before every dispatch.
	reapStale()

	status, err := d.run(ctx, host, sctx)
	if err != nil {
		if ferr := host.FailData(sctx, ""); ferr != nil {
			return ferr
		}
		host.AddLog(sctx, "status=", "FILTER-ERROR")
		return nil
	}

	host.AddLog(sctx, "status=", status)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, host Host, sctx *SessionContext) (string, error) {
	switch d.cfg.FilterType {
	case FilterPipe:
		return pipeDriver(ctx, host, sctx, d.cfg)
	case FilterSMTP:
		return smtpDriver(ctx, host, sctx, d.cfg)
	default:
		return fileDriver(ctx, host, sctx, d.cfg)
	}
}
