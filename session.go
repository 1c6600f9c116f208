package proxsmtp

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

const (
	crlf          = "\r\n"
	sessionBufCap = 32 * 1024
	dataLineCap   = 64 * 1024
)

var mailAddrRe = regexp.MustCompile(`<[^>]*>`)

// Session terminates one client SMTP connection and implements Host for
// the duration of each message's DATA phase: a line-oriented bufio dialog
// for talking to the client, and a mail-address pairing regex for
// populating the envelope, driving a Dispatcher instead of just logging
// traffic.
//
// The outer SMTP server is explicitly out of the dispatcher's own scope;
// Session is this daemon's implementation of that outer half.
type Session struct {
	id     string
	cfg    Config
	disp   *Dispatcher
	hooks  *HookSet
	quit   *atomic.Bool
	remote string // client's literal peer address, for XCLIENT

	client *bufio.Reader
	cw     *bufio.Writer
	conn   net.Conn

	upstream   net.Conn
	upstreamR  *bufio.Reader
	upstreamOK bool // true once MAIL/RCPT have been relayed there this transaction

	sender     string
	recipients []string
	helo       string

	inCache    *os.File
	inReader   *bufio.Reader
	outCache   *os.File
	lastStatus string

	startedAt time.Time
}

func newSession(conn net.Conn, cfg Config, disp *Dispatcher, hooks *HookSet, quit *atomic.Bool) *Session {
	return &Session{
		id:     GenID().String(),
		cfg:    cfg,
		disp:   disp,
		hooks:  hooks,
		quit:   quit,
		remote: stripPort(conn.RemoteAddr().String()),
		client: bufio.NewReaderSize(conn, sessionBufCap),
		cw:     bufio.NewWriterSize(conn, sessionBufCap),
		conn:   conn,
	}
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// run drives the SMTP command loop for the life of the connection.
func (s *Session) run() {
	defer s.conn.Close()
	defer s.closeUpstream()
	defer s.cleanupCache()

	s.reply("220 proxsmtp ready")

	for {
		line, err := s.client.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		verb, arg := splitCommand(line)
		switch strings.ToUpper(verb) {
		case "HELO", "EHLO":
			s.helo = arg
			s.reply("250 proxsmtp Hello " + arg)
		case "MAIL":
			s.handleMail(arg)
		case "RCPT":
			s.handleRcpt(arg)
		case "DATA":
			s.handleData()
		case "RSET":
			s.resetTransaction()
			s.reply("250 2.0.0 Ok")
		case "NOOP":
			s.reply("250 2.0.0 Ok")
		case "QUIT":
			s.reply("221 2.0.0 Bye")
			return
		default:
			s.reply("502 5.5.2 Command not recognized")
		}

		if s.quit.Load() {
			s.reply("421 4.3.2 Service shutting down")
			return
		}
	}
}

func (s *Session) handleMail(arg string) {
	if s.cfg.FilterType == FilterRejectAll {
		s.rejectPre()
		return
	}

	addr := extractAddr(arg)
	if addr == "" {
		s.reply("501 5.1.7 Bad sender address syntax")
		return
	}

	if s.needsUpstream() {
		reply, err := s.relayEnvelope(fmt.Sprintf("MAIL FROM:<%s>", addr))
		if err != nil {
			log.Printf("[%s] upstream MAIL FROM: %v", s.id, err)
			s.reply("451 4.3.0 Internal error")
			return
		}
		s.reply(reply)
		if !strings.HasPrefix(reply, "2") {
			return
		}
		s.upstreamOK = true
	} else {
		s.reply("250 2.1.0 Ok")
	}

	s.sender = addr
	s.recipients = nil
}

func (s *Session) handleRcpt(arg string) {
	addr := extractAddr(arg)
	if addr == "" {
		s.reply("501 5.1.3 Bad recipient address syntax")
		return
	}

	if s.needsUpstream() {
		reply, err := s.relayEnvelope(fmt.Sprintf("RCPT TO:<%s>", addr))
		if err != nil {
			log.Printf("[%s] upstream RCPT TO: %v", s.id, err)
			s.reply("451 4.3.0 Internal error")
			return
		}
		s.reply(reply)
		if !strings.HasPrefix(reply, "2") {
			return
		}
	} else {
		s.reply("250 2.1.5 Ok")
	}

	s.recipients = append(s.recipients, addr)
}

// rejectPre implements cb_check_pre: a blanket reject policy refuses the
// message before the client is even let past MAIL FROM.
func (s *Session) rejectPre() {
	sctx := s.sessionContext()
	if err := s.disp.CheckPre(sctx, s); err != nil {
		s.reply("451 4.3.0 Internal error")
	}
}

func (s *Session) handleData() {
	if s.sender == "" || len(s.recipients) == 0 {
		s.reply("503 5.5.1 MAIL and RCPT required before DATA")
		return
	}

	sctx := s.sessionContext()
	s.startedAt = time.Now()
	s.lastStatus = ""

	if err := s.disp.CheckData(context.Background(), sctx, s); err != nil {
		log.Printf("[%s] data phase error: %v", s.id, err)
		s.lastStatus = "FILTER-ERROR"
		s.reply("451 4.3.0 Internal error")
	}

	s.hooks.AfterVerdict(&VerdictEvent{
		ConnID:     s.id,
		OccurredAt: time.Now(),
		MailFrom:   s.sender,
		MailTo:     strings.Join(s.recipients, ","),
		Status:     s.lastStatus,
		Elapsed:    time.Since(s.startedAt),
	})

	s.resetTransaction()
}

func (s *Session) resetTransaction() {
	s.sender = ""
	s.recipients = nil
	s.cleanupCache()
	if s.upstreamOK {
		if err := s.sendUpstream("RSET"); err == nil {
			s.readUpstreamLine()
		}
	}
	s.upstreamOK = false
}

func (s *Session) sessionContext() *SessionContext {
	return &SessionContext{
		ConnID:     s.id,
		Sender:     s.sender,
		Recipients: s.recipients,
		Helo:       s.helo,
		PeerAddr:   s.remote,
		CacheName:  s.cachePath(),
	}
}

func (s *Session) reply(line string) {
	s.cw.WriteString(line + crlf)
	s.cw.Flush()
}

func splitCommand(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	i := strings.IndexByte(line, ' ')
	if i == -1 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

// extractAddr pulls the bracketed address out of a "FROM:<addr>" or
// "TO:<addr>" argument, tolerating the unbracketed form some clients send.
func extractAddr(arg string) string {
	if m := mailAddrRe.FindString(arg); m != "" {
		return strings.Trim(m, "<>")
	}
	if i := strings.IndexByte(arg, ':'); i != -1 {
		return strings.TrimSpace(arg[i+1:])
	}
	return ""
}

func (s *Session) cacheDir() string {
	if s.cfg.Directory != "" {
		return s.cfg.Directory
	}
	return os.TempDir()
}

func (s *Session) cachePath() string {
	return filepath.Join(s.cacheDir(), fmt.Sprintf("proxsmtp.%s.in", s.id))
}

func (s *Session) outCachePath() string {
	return filepath.Join(s.cacheDir(), fmt.Sprintf("proxsmtp.%s.out", s.id))
}

func (s *Session) cleanupCache() {
	if s.inCache != nil {
		s.inCache.Close()
		if !s.cfg.DebugFiles {
			os.Remove(s.cachePath())
		}
		s.inCache = nil
		s.inReader = nil
	}
	if s.outCache != nil {
		s.outCache.Close()
		if !s.cfg.DebugFiles {
			os.Remove(s.outCachePath())
		}
		s.outCache = nil
	}
}

func (s *Session) closeUpstream() {
	if s.upstream != nil {
		s.upstream.Close()
		s.upstream = nil
	}
}
