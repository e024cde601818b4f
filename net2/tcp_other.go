//go:build !linux

package net2

import (
	"net"
	"syscall"
	"time"
)

// TCP_USER_TIMEOUT is linux only.
func SetTCPUserTimeout(tcpConn *net.TCPConn, timeout time.Duration) error {
	return nil
}

func ControlWithTCPUserTimeout(rawConn syscall.RawConn, timeout time.Duration) error {
	return nil
}
