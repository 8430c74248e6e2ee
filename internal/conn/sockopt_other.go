//go:build !linux

package conn

import (
	"net"
	"time"
)

func setUserTimeout(*net.TCPConn, time.Duration) error {
	return nil
}
