package proxsmtp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// soOriginalDst is the getsockopt option that recovers a transparently
// redirected connection's true destination.
const soOriginalDst = 80

// needsUpstream reports whether this filter type requires Session to hold
// its own connection to a downstream MTA. FilterSMTP dials its one and
// only peer itself (driver_smtp.go); FilterRejectAll never gets past
// cb_check_pre. Everything else — pipe, file, and the no-filter-command
// passthrough case — needs a real next hop for the message Session
// eventually accepts.
func (s *Session) needsUpstream() bool {
	return s.cfg.FilterType == FilterPipe || s.cfg.FilterType == FilterFile
}

// ensureUpstream lazily dials the downstream MTA and performs its greeting
// handshake, the way the original transparently redirected proxy opened one
// outbound connection per inbound connection rather than per message.
func (s *Session) ensureUpstream() error {
	if s.upstream != nil {
		return nil
	}

	addr, err := s.upstreamAddr()
	if err != nil {
		return fmt.Errorf("proxsmtp: resolving upstream address: %w", err)
	}

	conn, err := net.DialTimeout("tcp", addr, s.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("proxsmtp: connecting to upstream %s: %w", addr, err)
	}

	s.upstream = conn
	s.upstreamR = bufio.NewReader(conn)

	if _, err := s.readUpstreamLine(); err != nil {
		s.closeUpstream()
		return fmt.Errorf("proxsmtp: upstream greeting: %w", err)
	}

	if err := s.sendUpstream("EHLO proxsmtp"); err != nil {
		s.closeUpstream()
		return err
	}
	if err := s.drainUpstreamMultiline(); err != nil {
		s.closeUpstream()
		return fmt.Errorf("proxsmtp: upstream EHLO: %w", err)
	}

	return nil
}

// upstreamAddr picks Config.UpstreamAddr when set, otherwise recovers the
// connection's true destination via SO_ORIGINAL_DST — the behavior a
// listener running behind an iptables REDIRECT/DNAT rule needs.
func (s *Session) upstreamAddr() (string, error) {
	if s.cfg.UpstreamAddr != "" {
		return s.cfg.UpstreamAddr, nil
	}

	tcpConn, ok := s.conn.(*net.TCPConn)
	if !ok {
		return "", fmt.Errorf("no UpstreamAddr configured and connection is not TCP")
	}
	f, err := tcpConn.File()
	if err != nil {
		return "", err
	}
	defer f.Close()

	mreq, err := syscall.GetsockoptIPv6Mreq(int(f.Fd()), syscall.IPPROTO_IP, soOriginalDst)
	if err != nil {
		return "", fmt.Errorf("SO_ORIGINAL_DST: %w", err)
	}

	ip := net.IPv4(mreq.Multiaddr[4], mreq.Multiaddr[5], mreq.Multiaddr[6], mreq.Multiaddr[7])
	port := uint16(mreq.Multiaddr[2])<<8 + uint16(mreq.Multiaddr[3])
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)), nil
}

func (s *Session) sendUpstream(line string) error {
	if err := s.upstream.SetWriteDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return err
	}
	_, err := s.upstream.Write([]byte(line + crlf))
	return err
}

func (s *Session) readUpstreamLine() (string, error) {
	if err := s.upstream.SetReadDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return "", err
	}
	return s.upstreamR.ReadString('\n')
}

// drainUpstreamMultiline reads a full "250-..." / "250 ..." reply block,
// stopping at the first line without a hyphen after the code.
func (s *Session) drainUpstreamMultiline() error {
	for {
		line, err := s.readUpstreamLine()
		if err != nil {
			return err
		}
		if len(line) < 4 || line[3] != '-' {
			if len(line) < 3 || !strings.HasPrefix(line, "2") {
				return fmt.Errorf("unexpected response %q", strings.TrimSpace(line))
			}
			return nil
		}
	}
}

// relayEnvelope sends an envelope command (MAIL FROM/RCPT TO/RSET) to the
// upstream MTA and returns its trimmed reply line, so the Session caller
// can forward the upstream's own verdict straight back to the client.
func (s *Session) relayEnvelope(line string) (string, error) {
	if err := s.ensureUpstream(); err != nil {
		return "", err
	}
	if err := s.sendUpstream(line); err != nil {
		return "", err
	}
	reply, err := s.readUpstreamLine()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// deliverUpstream forwards the already-filtered body to the connected
// downstream MTA and returns its final reply, for DoneData to relay back
// to the client verbatim.
func (s *Session) deliverUpstream(header string, body io.ReadSeeker) (string, error) {
	if err := s.ensureUpstream(); err != nil {
		return "", err
	}

	if err := s.sendUpstream("DATA"); err != nil {
		return "", err
	}
	line, err := s.readUpstreamLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, "354") {
		return "", fmt.Errorf("upstream refused DATA: %q", strings.TrimSpace(line))
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	if err := s.upstream.SetWriteDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return "", err
	}
	if header != "" {
		if _, err := io.WriteString(s.upstream, header+crlf); err != nil {
			return "", err
		}
	}
	if _, err := io.Copy(s.upstream, body); err != nil {
		return "", err
	}
	if err := s.sendUpstream("."); err != nil {
		return "", err
	}

	line, err = s.readUpstreamLine()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
