package proxsmtp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// FilterType selects which backend the dispatcher drives.
type FilterType int

const (
	FilterPipe FilterType = iota
	FilterFile
	FilterSMTP
	FilterRejectAll
)

func (t FilterType) String() string {
	switch t {
	case FilterPipe:
		return "pipe"
	case FilterFile:
		return "file"
	case FilterSMTP:
		return "smtp"
	case FilterRejectAll:
		return "reject"
	default:
		return "unknown"
	}
}

func parseFilterType(s string) (FilterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pipe":
		return FilterPipe, nil
	case "file":
		return FilterFile, nil
	case "smtp":
		return FilterSMTP, nil
	case "reject":
		return FilterRejectAll, nil
	default:
		return 0, fmt.Errorf("invalid value for FilterType (must specify 'pipe', 'file', 'smtp' or 'reject'), got %q", s)
	}
}

const (
	defaultReject  = "530 Email Rejected"
	defaultTimeout = 30 * time.Second
)

// Config is the process-wide, immutable-after-load configuration, covering
// both the original filter settings and the listener/upstream addresses
// this daemon's own SMTP front-end needs.
type Config struct {
	FilterType FilterType
	Command    string // shell command for pipe/file; dotted-quad IPv4 for smtp
	Reject     string // SMTP reply line for filter_type=reject or no diagnostic
	Timeout    time.Duration
	Directory  string // temp directory for cache/work files
	Header     string // header line injected into accepted messages; "" disables
	DebugFiles bool   // keep cache/temp files around after the data hook returns

	// ListenAddr is the address the proxy's SMTP front-end accepts client
	// connections on.
	ListenAddr string
	// UpstreamAddr is the next-hop MTA an accepted pipe/file-filtered
	// message is actually delivered to. Unused when FilterType is smtp,
	// since Command already names that backend's one and only downstream
	// peer. Empty means "discover the true destination via SO_ORIGINAL_DST",
	// for a transparently redirected listener.
	UpstreamAddr string
}

// DefaultConfig returns this daemon's default configuration.
func DefaultConfig() Config {
	return Config{
		FilterType: FilterPipe,
		Reject:     defaultReject,
		Timeout:    defaultTimeout,
		Directory:  os.TempDir(),
		ListenAddr: ":10025",
	}
}

// LoadConfig parses a proxsmtpd.conf-style file: one "Key value" pair per
// line, "#" comments, blank lines ignored, keys matched case-insensitively.
// This is the original daemon's own config grammar (cb_parse_option in
// original_source/src/proxsmtpd.c) — not a generic serialization format —
// so it's parsed by hand rather than through a YAML/TOML library; see
// DESIGN.md.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("proxsmtp: couldn't open config file: %w", err)
	}
	defer f.Close()
	return parseConfig(f)
}

func parseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, ok := splitConfigLine(line)
		if !ok {
			return Config{}, fmt.Errorf("proxsmtp: config line %d: malformed entry %q", lineNo, line)
		}

		if err := cfg.apply(name, value); err != nil {
			return Config{}, fmt.Errorf("proxsmtp: config line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("proxsmtp: reading config: %w", err)
	}

	return cfg, nil
}

func splitConfigLine(line string) (name, value string, ok bool) {
	i := strings.IndexAny(line, " \t")
	if i == -1 {
		return line, "", true
	}
	return line[:i], strings.TrimSpace(line[i+1:]), true
}

// apply implements cb_parse_option's case-insensitive key matching.
// Unrecognized keys are ignored, matching the original, which returns 0
// (not an error) for an unknown option and lets the generic config loader
// decide what to do with it.
func (c *Config) apply(name, value string) error {
	switch {
	case strings.EqualFold(name, "FilterCommand"):
		c.Command = value
	case strings.EqualFold(name, "TempDirectory"):
		c.Directory = value
	case strings.EqualFold(name, "FilterTimeout"):
		secs, err := strconv.Atoi(value)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid setting: FilterTimeout")
		}
		c.Timeout = time.Duration(secs) * time.Second
	case strings.EqualFold(name, "FilterType"):
		ft, err := parseFilterType(value)
		if err != nil {
			return err
		}
		c.FilterType = ft
	case strings.EqualFold(name, "FilterReject"):
		c.Reject = value
	case strings.EqualFold(name, "Header"):
		h := strings.TrimLeft(value, " \t")
		if h == "" {
			c.Header = ""
		} else {
			c.Header = h
		}
	case strings.EqualFold(name, "DebugFiles"):
		c.DebugFiles = isTruthy(value)
	case strings.EqualFold(name, "ListenAddress"):
		c.ListenAddr = value
	case strings.EqualFold(name, "OutAddress"):
		c.UpstreamAddr = value
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
