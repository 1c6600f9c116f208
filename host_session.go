package proxsmtp

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// This file is Session's implementation of Host (filter.go), the seam the
// dispatcher uses to drive the client-facing side of a message without
// knowing anything about net.Conn, cache files, or SMTP wire syntax itself.

// StartData implements Host.StartData: the filter commits to running, so
// the client gets its "354 go ahead" and everything after this point is
// the message body until the terminating "." line.
func (s *Session) StartData(ctx *SessionContext) error {
	s.reply("354 End data with <CR><LF>.<CR><LF>")
	return nil
}

// CacheData implements Host.CacheData: read the dot-terminated body off the
// client connection and commit it to a fresh cache file, unescaping the
// leading-dot transparency rule as it goes. Grounded on the original's
// cache_message, which does the identical read-until-lone-dot loop before
// ever touching a filter.
func (s *Session) CacheData(ctx *SessionContext) error {
	if s.inCache != nil {
		return nil
	}

	f, err := os.OpenFile(s.cachePath(), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("proxsmtp: couldn't create cache file: %w", err)
	}

	for {
		line, err := s.client.ReadString('\n')
		if err != nil {
			f.Close()
			os.Remove(s.cachePath())
			return fmt.Errorf("proxsmtp: reading message body: %w", err)
		}

		if line == ".\r\n" || line == ".\n" {
			break
		}

		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if _, err := f.WriteString(line); err != nil {
			f.Close()
			os.Remove(s.cachePath())
			return fmt.Errorf("proxsmtp: writing cache file: %w", err)
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return err
	}

	s.inCache = f
	s.inReader = bufio.NewReaderSize(f, dataLineCap)
	return nil
}

// ReadData implements Host.ReadData: hand back the next chunk of the
// cached body, a nil slice at EOF.
func (s *Session) ReadData(ctx *SessionContext) ([]byte, error) {
	if s.inReader == nil {
		return nil, nil
	}
	buf := make([]byte, 4096)
	n, err := s.inReader.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// WriteData implements Host.WriteData: a zero-length call with no cache yet
// open starts one, a zero-length call with one already open ends writing by
// rewinding it to the start (it stays open for DoneData to read back), and
// anything else is appended — matching the pipe driver's "open, stream
// stdout chunks, close" calling convention.
func (s *Session) WriteData(ctx *SessionContext, p []byte) error {
	if len(p) == 0 {
		if s.outCache == nil {
			f, err := os.OpenFile(s.outCachePath(), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
			if err != nil {
				return fmt.Errorf("proxsmtp: couldn't create output cache file: %w", err)
			}
			s.outCache = f
			return nil
		}
		if _, err := s.outCache.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return nil
	}

	if s.outCache == nil {
		return fmt.Errorf("proxsmtp: WriteData called before output cache was opened")
	}
	_, err := s.outCache.Write(p)
	return err
}

// DoneData implements Host.DoneData: commit the accepted message,
// prepending header when non-empty. The body sent is the filter's rewritten
// output when one was written through WriteData, otherwise the original
// cache verbatim.
//
// For FilterSMTP the driver already handed the body to its one downstream
// peer itself (driver_smtp.go dials cfg.Command directly), so there is
// nothing left to deliver here — just acknowledge the client. Every other
// filter type relies on Session's own upstream connection, opened against
// MAIL FROM/RCPT TO as the envelope came in.
func (s *Session) DoneData(ctx *SessionContext, header string) error {
	if !s.needsUpstream() {
		s.reply("250 2.0.0 Ok: queued as " + s.id)
		return nil
	}

	src := s.inCache
	if s.outCache != nil {
		src = s.outCache
	}
	if src == nil {
		return fmt.Errorf("proxsmtp: DoneData called with no cached body")
	}

	reply, err := s.deliverUpstream(header, src)
	if err != nil {
		return err
	}
	s.reply(reply)
	return nil
}

// FailData implements Host.FailData: issue the terminal rejection for a
// message already past DATA. An empty reply falls back to cfg.Reject, the
// same generic-failure substitution cb_check_data performs for reply ==
// NULL in the original.
func (s *Session) FailData(ctx *SessionContext, reply string) error {
	if reply == "" {
		reply = s.cfg.Reject
	}
	s.reply(smtpReplyLine(reply, "554"))
	return nil
}

// FailMsg implements Host.FailMsg: the pre-DATA rejection cb_check_pre
// issues for a blanket reject policy.
func (s *Session) FailMsg(ctx *SessionContext, reply string) error {
	if reply == "" {
		reply = s.cfg.Reject
	}
	s.reply(smtpReplyLine(reply, "550"))
	return nil
}

// smtpReplyLine ensures reply starts with a 3-digit SMTP code, substituting
// fallback when the text doesn't already carry one (a filter's stderr line,
// or RejectBuffer's "Content Rejected" default, usually has none).
func smtpReplyLine(reply, fallback string) string {
	if len(reply) >= 4 && isDigit(reply[0]) && isDigit(reply[1]) && isDigit(reply[2]) && reply[3] == ' ' {
		return reply
	}
	return fallback + " " + reply
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// AddLog implements Host.AddLog. The dispatcher only ever calls this with
// key "status=" today, to report the final per-message verdict; anything
// else is folded into the structured log stream as a plain message.
func (s *Session) AddLog(ctx *SessionContext, key, value string) {
	if key == "status=" {
		s.lastStatus = value
		return
	}
	s.Messagef(ctx, LogInfo, "%s%s", key, value)
}

// minLogLevel gates what Messagef actually prints to the process log, set
// from the daemon's -d flag (cmd/proxsmtpd/main.go). Audit hooks still see
// every event regardless of this threshold — it only trims stderr noise.
var minLogLevel = LogInfo

// SetMinLogLevel adjusts the threshold Messagef applies to its own log.Printf
// call.
func SetMinLogLevel(l LogLevel) { minLogLevel = l }

// Messagef implements Host.Messagef, forwarding to both the process log and
// any loaded audit hooks.
func (s *Session) Messagef(ctx *SessionContext, level LogLevel, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	connID := s.id
	if ctx != nil {
		connID = ctx.ConnID
	}
	if level >= minLogLevel {
		log.Printf("[%s] %s: %s", connID, level, msg)
	}
	s.hooks.AfterLog(&LogEvent{
		ConnID:     connID,
		OccurredAt: time.Now(),
		Level:      level,
		Message:    msg,
	})
}

// SetupForked implements Host.SetupForked: publish the envelope the way
// setup_forked does in the original, so a pipe/file filter can read
// SENDER/RECIPIENTS/CLIENT_ADDR out of its own environment instead of
// parsing arguments.
func (s *Session) SetupForked(ctx *SessionContext, isFilter bool, env *[]string) {
	*env = append(*env,
		"SENDER="+ctx.Sender,
		"RECIPIENTS="+strings.Join(ctx.Recipients, " "),
		"CLIENT_ADDR="+ctx.PeerAddr,
		"CLIENT_HELO="+ctx.Helo,
	)
	if isFilter {
		*env = append(*env, "CACHE_FILE="+ctx.CacheName)
	}
}

// IsQuit implements Host.IsQuit.
func (s *Session) IsQuit() bool {
	return s.quit.Load()
}
