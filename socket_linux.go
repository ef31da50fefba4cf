// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import (
	"net"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"golang.org/x/sys/unix"
)

func systemSetupUDPSocket(conn *net.UDPConn, logger logr.Logger) {
	sc, err := conn.SyscallConn()
	if err != nil {
		logger.V(1).Info("could not access raw socket", "error", err.Error())
		return
	}
	callErr := sc.Control(func(fd uintptr) {
		// Datagrams here are small and fixed-size; forcing don't-fragment
		// surfaces any path that could not carry them.
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		if err != nil {
			logger.V(1).Info("could not set IP_MTU_DISCOVER option on UDP socket", "error", err.Error())
		}
	})
	if callErr != nil {
		logger.V(1).Info("could not configure UDP socket", "error", callErr.Error())
	}
}

// systemReceive does one non-blocking recvfrom against the socket, so an
// empty queue comes back as 0 bytes instead of a wait.
func systemReceive(conn *net.UDPConn, buf []byte, logger logr.Logger) (int, Address) {
	sc, err := conn.SyscallConn()
	if err != nil {
		logger.V(1).Info("could not access raw socket", "error", err.Error())
		return 0, Address{}
	}
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	readErr := sc.Read(func(fd uintptr) bool {
		for {
			n, from, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
			if rerr == syscall.EINTR {
				continue
			}
			return true
		}
	})
	if readErr != nil {
		logger.V(1).Info("raw read failed", "error", readErr.Error())
		return 0, Address{}
	}
	if rerr != nil {
		if rerr != syscall.EAGAIN && rerr != syscall.EWOULDBLOCK {
			logger.V(1).Info("recvfrom failed", "error", rerr.Error())
		}
		return 0, Address{}
	}
	sa4, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return 0, Address{}
	}
	return n, NewAddress(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3], uint16(sa4.Port))
}

func systemWaitReadable(conn *net.UDPConn, timeout time.Duration, logger logr.Logger) {
	sc, err := conn.SyscallConn()
	if err != nil {
		time.Sleep(timeout)
		return
	}
	callErr := sc.Control(func(fd uintptr) {
		deadline := time.Now().Add(timeout)
		var fds [1]unix.PollFd
		for {
			wait := time.Until(deadline)
			if wait <= 0 {
				return
			}
			fds[0] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
			_, err := unix.Poll(fds[:], int(wait.Milliseconds())+1)
			if err == syscall.EINTR {
				continue
			}
			if err != nil {
				logger.V(1).Info("poll failed", "error", err.Error())
			}
			return
		}
	})
	if callErr != nil {
		time.Sleep(timeout)
	}
}
