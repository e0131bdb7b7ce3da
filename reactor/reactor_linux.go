//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based readiness waiter.

package reactor

import (
	"bufio"
	"errors"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// epollWaiter watches one socket through a private epoll instance. The
// socket stays registered with the Go netpoller; level-triggered interest
// here does not disturb it.
type epollWaiter struct {
	epfd   int
	br     *bufio.Reader
	events [1]unix.EpollEvent
}

func newNativeWaiter(conn net.Conn, br *bufio.Reader) (Waiter, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.New("reactor: connection exposes no descriptor")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var ctlErr error
	err = rc.Control(func(fd uintptr) {
		ev := &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP,
			Fd:     int32(fd),
		}
		ctlErr = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, int(fd), ev)
	})
	if err == nil {
		err = ctlErr
	}
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	return &epollWaiter{epfd: epfd, br: br}, nil
}

// Wait reports Readable while input is pending even if the peer already shut
// down its side, so a trailing close frame is still delivered.
func (w *epollWaiter) Wait(timeout time.Duration) (Readiness, error) {
	if w.br.Buffered() > 0 {
		return Readable, nil
	}
	n, err := unix.EpollWait(w.epfd, w.events[:], int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return NotReady, nil
		}
		return Hangup, err
	}
	if n == 0 {
		return NotReady, nil
	}
	ev := w.events[0].Events
	switch {
	case ev&unix.EPOLLIN != 0:
		return Readable, nil
	case ev&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0:
		return Hangup, nil
	}
	return NotReady, nil
}

func (w *epollWaiter) Close() error {
	return unix.Close(w.epfd)
}
