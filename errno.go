package proxsmtp

import (
	"errors"
	"io"
	"syscall"
)

// isRetryable reports whether a pipe I/O error is the Go-level EAGAIN/EINTR
// equivalent — effectively never true for blocking *os.File pipes since the
// runtime poller already retries those internally, but kept so the intent
// reads the same as the original daemon's own "EAGAIN/EINTR retry silently"
// rule.
func isRetryable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

func isEOFError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

// isEPIPE reports whether err is (or wraps) EPIPE — the filter closed its
// stdin before consuming the whole body. Not treated as an error: the
// remaining input is drained and the filter is allowed to produce its
// verdict from whatever it already read.
func isEPIPE(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
