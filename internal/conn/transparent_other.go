//go:build !linux && !freebsd && !openbsd

package conn

import (
	"errors"
	"syscall"
)

func transparentControl(string, string, syscall.RawConn) error {
	return errors.New("transparent listening is not supported on this platform")
}

const transparentSupported = false
