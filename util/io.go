package util

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, use of a closed connection, broken pipe, or
// connection reset.  These show up on the surviving leg of a bridge
// while the other leg is being torn down and should not be logged as
// transport errors.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// CloseWrite half-closes conn when the concrete type supports it
// (*net.TCPConn, SSH channels) and reports whether it did.  Callers
// fall back to a full Close when it returns false.
func CloseWrite(conn net.Conn) bool {
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return false
	}
	return cw.CloseWrite() == nil
}
