package providers

import (
	"context"
	"errors"
	"net"
)

// temporary is implemented by errors (e.g. *net.OpError) that know
// whether a retry is likely to succeed.
type temporary interface {
	Temporary() bool
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isTemporary(err error) bool {
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
