package proxsmtp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// smtpDriver implements spec.md component 4.E: the body is handed to a
// downstream MTA over a second SMTP conversation, extended with XCLIENT so
// the downstream server logs the original peer instead of this proxy,
// grounded on process_smtp_command in the original daemon, using the same
// line-oriented request/response dialog style as the rest of this package.
//
// Unlike the pipe and file drivers this is a single conversation over one
// socket, so there is no fd set to multiplex: each step gets its own
// deadline derived from cfg.Timeout instead of sharing an activityClock.
func smtpDriver(ctx context.Context, host Host, sctx *SessionContext, cfg Config) (string, error) {
	if err := host.CacheData(sctx); err != nil {
		host.Messagef(sctx, LogError, "couldn't cache message data: %v", err)
		return "", err
	}

	if sctx.Sender == "" || len(sctx.Recipients) == 0 {
		err := fmt.Errorf("missing sender or recipient")
		host.Messagef(sctx, LogError, "%v", err)
		return "", err
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(cfg.Command, "25"), cfg.Timeout)
	if err != nil {
		host.Messagef(sctx, LogError, "connect to filter command %q: %v", cfg.Command, err)
		return "", err
	}
	defer conn.Close()

	d := &smtpDialog{conn: conn, r: bufio.NewReader(conn), timeout: cfg.Timeout}

	if _, err := d.expect("", "220"); err != nil {
		host.Messagef(sctx, LogError, "smtp command: %v", err)
		return "", err
	}

	if _, err := d.expect("EHLO proxsmtp\r\n", "250"); err != nil {
		host.Messagef(sctx, LogError, "smtp command: %v", err)
		return "", err
	}

	xclient := xclientCommand(sctx)
	if _, err := d.expect(xclient, "220"); err != nil {
		host.Messagef(sctx, LogError, "smtp command: %v", err)
		return "", err
	}

	if _, err := d.expect(fmt.Sprintf("MAIL FROM: %s\r\n", sctx.Sender), "250"); err != nil {
		host.Messagef(sctx, LogError, "smtp command: %v", err)
		return "", err
	}

	for _, rcpt := range sctx.Recipients {
		line, err := d.expect(fmt.Sprintf("RCPT TO: %s\r\n", rcpt), "250")
		if err != nil {
			if line == "" {
				host.Messagef(sctx, LogError, "smtp command: %v", err)
				return "", err
			}
			reason := strings.TrimRight(line, "\r\n")
			if ferr := host.FailData(sctx, reason); ferr != nil {
				return "", ferr
			}
			return reason, nil
		}
	}

	if _, err := d.expect("DATA\r\n", "354"); err != nil {
		host.Messagef(sctx, LogError, "smtp command: %v", err)
		return "", err
	}

	if err := d.sendBody(ctx, host, sctx); err != nil {
		host.Messagef(sctx, LogError, "sending message body to filter command: %v", err)
		return "", err
	}

	line, err := d.send(".\r\n")
	if err != nil {
		host.Messagef(sctx, LogError, "smtp command: %v", err)
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")

	// QUIT is best-effort: the verdict is already decided by the dot reply.
	_, _ = d.send("QUIT\r\n")

	if strings.HasPrefix(line, "250") {
		if err := host.DoneData(sctx, cfg.Header); err != nil {
			return "", err
		}
		return "FILTERED", nil
	}

	if err := host.FailData(sctx, line); err != nil {
		return "", err
	}
	return line, nil
}

func xclientCommand(sctx *SessionContext) string {
	addr := sctx.PeerAddr
	prefix := ""
	if strings.Contains(addr, ":") && strings.Count(addr, ":") > 1 {
		prefix = "IPv6:"
	}
	if sctx.Helo != "" {
		return fmt.Sprintf("XCLIENT ADDR=%s%s HELO=%s\r\n", prefix, addr, sctx.Helo)
	}
	return fmt.Sprintf("XCLIENT ADDR=%s%s\r\n", prefix, addr)
}

// smtpDialog wraps the raw conversation with the downstream MTA, applying a
// fresh cfg.Timeout deadline to each exchange the way the original's
// recv(2)/send(2) pair implicitly relied on socket-level timeouts.
type smtpDialog struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// send writes data (if any) and reads back exactly one response line.
func (d *smtpDialog) send(data string) (string, error) {
	if err := d.conn.SetDeadline(time.Now().Add(d.timeout)); err != nil {
		return "", err
	}
	if data != "" {
		if _, err := d.conn.Write([]byte(data)); err != nil {
			return "", err
		}
	}
	line, err := d.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}

// expect sends data and requires the response to start with code, returning
// the raw response line either way so callers can surface it as a reject
// reason.
func (d *smtpDialog) expect(data, code string) (string, error) {
	line, err := d.send(data)
	if err != nil {
		return line, fmt.Errorf("%q: %w", strings.TrimSpace(data), err)
	}
	if !strings.HasPrefix(line, code) {
		return line, fmt.Errorf("%q: unexpected response %q", strings.TrimSpace(data), strings.TrimSpace(line))
	}
	return line, nil
}

// sendBody streams the cached message body straight onto the socket in the
// chunks Host.ReadData hands back, matching the original's 4096-byte
// read/send loop over the cache file.
func (d *smtpDialog) sendBody(ctx context.Context, host Host, sctx *SessionContext) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk, err := host.ReadData(sctx)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
			return err
		}
		if _, err := d.conn.Write(chunk); err != nil {
			return err
		}
	}
}
