package proxsmtp

import "strings"

// rejectBufferMax bounds how much of a filter's stderr we keep around as a
// candidate SMTP reply line.
const rejectBufferMax = 256

// defaultRejectedReason is substituted when a rejecting filter produced no
// usable diagnostic on stderr.
const defaultRejectedReason = "Content Rejected"

// RejectBuffer distills arbitrary, possibly-chunked filter stderr into a
// single trimmed line suitable for use as an SMTP reply. It mirrors
// buffer_reject_message/final_reject_message from the original C daemon,
// fixed for the empty-buffer edge case called out as latent there: indexing
// buf[len(buf)-1] when buf is empty used to be a read past the end of the
// line.
type RejectBuffer struct {
	buf string
}

// Append feeds one chunk of stderr into the buffer. See spec component 4.A
// for the exact algorithm this implements.
func (r *RejectBuffer) Append(chunk string) {
	trimmed := strings.TrimRightFunc(chunk, isSpaceByte)
	sawNewline := strings.ContainsRune(chunk[len(trimmed):], '\n')

	if trimmed == "" {
		return
	}

	var line string
	hadEmbeddedNewline := false
	if i := strings.LastIndexByte(trimmed, '\n'); i != -1 {
		line = trimmed[i+1:]
		hadEmbeddedNewline = true
	} else {
		line = trimmed
	}

	if hadEmbeddedNewline {
		r.buf = ""
	} else if strings.HasSuffix(r.buf, "\n") {
		r.buf = ""
	}

	line = strings.TrimLeftFunc(line, isSpaceByte)
	r.appendBounded(line)

	if sawNewline {
		r.appendBounded("\n")
	}
}

func (r *RejectBuffer) appendBounded(s string) {
	room := rejectBufferMax - len(r.buf)
	if room <= 0 {
		return
	}
	if len(s) > room {
		s = s[:room]
	}
	r.buf += s
}

// Finalize returns the SMTP reply line this buffer distills to. An empty
// buffer (no meaningful stderr was ever seen) finalizes to the generic
// "Content Rejected" line, matching final_reject_message in the original.
func (r *RejectBuffer) Finalize() string {
	if r.buf == "" {
		return defaultRejectedReason
	}
	return strings.TrimRightFunc(r.buf, isSpaceByte)
}

func isSpaceByte(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
