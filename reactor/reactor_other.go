//go:build !linux
// +build !linux

// File: reactor/reactor_other.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"bufio"
	"errors"
	"net"
)

func newNativeWaiter(net.Conn, *bufio.Reader) (Waiter, error) {
	return nil, errors.New("reactor: no native waiter on this platform")
}
