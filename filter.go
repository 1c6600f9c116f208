// Package proxsmtp implements the data-phase filter dispatcher of a
// transparent SMTP filtering proxy: once an inbound message's body has been
// captured, it drives a configured content filter (a pipe subprocess, a
// file-inspecting subprocess, a downstream SMTP server, or a blanket reject
// policy) to a verdict and reports that verdict back through a Host.
package proxsmtp

import "time"

// SessionContext is the subset of a borrowed host session the dispatcher
// reads. It is never owned or mutated by the core beyond what's documented
// on Host.
type SessionContext struct {
	ConnID     string
	Sender     string   // envelope MAIL FROM address
	Recipients []string // envelope RCPT TO addresses
	Helo       string   // optional HELO/EHLO argument
	PeerAddr   string   // client IP, literal (v4 or v6)
	CacheName  string   // path to the temp file holding the captured body
}

// Host is the set of operations the dispatcher needs from whatever front-end
// terminated the SMTP session and captured the envelope. The outer SMTP
// server, envelope accumulation, and cache-file primitives are explicitly
// out of this package's scope; Host is the seam.
type Host interface {
	// StartData tells the client to begin transmitting the DATA body.
	StartData(ctx *SessionContext) error
	// CacheData reads whatever of the client body hasn't been captured yet
	// and commits it to the cache file.
	CacheData(ctx *SessionContext) error
	// WriteData streams bytes into the message-out cache. A call with
	// len(p) == 0 opens (first call) or closes (matching call with the
	// stream already open) the cache for writing.
	WriteData(ctx *SessionContext, p []byte) error
	// ReadData pulls the next chunk of the captured body. It returns a nil
	// slice at end of input.
	ReadData(ctx *SessionContext) ([]byte, error)
	// DoneData commits the accepted message, prepending header when
	// non-empty.
	DoneData(ctx *SessionContext, header string) error
	// FailData issues an SMTP rejection to the client for the current
	// message. An empty reply means "use a generic failure".
	FailData(ctx *SessionContext, reply string) error
	// FailMsg issues a pre-DATA rejection.
	FailMsg(ctx *SessionContext, reply string) error
	// AddLog appends a structured key/value field to this message's log
	// line.
	AddLog(ctx *SessionContext, key, value string)
	// Messagef logs a diagnostic unrelated to any specific message.
	Messagef(ctx *SessionContext, level LogLevel, format string, args ...interface{})
	// SetupForked publishes envelope-derived environment variables for a
	// child about to be exec'd; isFilter distinguishes the pipe/file
	// filter child from any other forked helper.
	SetupForked(ctx *SessionContext, isFilter bool, env *[]string)
	// IsQuit reports whether the process is shutting down; checked inside
	// the dispatcher's I/O loops for cooperative cancellation.
	IsQuit() bool
}

// LogLevel mirrors the handful of syslog-style levels a message/messagex
// style host call cares about.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
	LogCritical
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarning:
		return "warning"
	case LogError:
		return "error"
	case LogCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// LogEvent is a single diagnostic line forwarded to audit Hooks (§2.3 of
// SPEC_FULL.md) — e.g. "timeout while listening to filter command".
type LogEvent struct {
	ConnID     string
	OccurredAt time.Time
	Level      LogLevel
	Message    string
}

// VerdictEvent is the one summary record a completed data hook produces,
// forwarded to audit Hooks alongside the plain log line.
type VerdictEvent struct {
	ConnID     string
	OccurredAt time.Time
	MailFrom   string
	MailTo     string
	Status     string
	Elapsed    time.Duration
}
