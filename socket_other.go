// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !linux
// +build !linux

package rudp

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/go-logr/logr"
)

func systemSetupUDPSocket(conn *net.UDPConn, logger logr.Logger) {}

// systemReceive approximates a non-blocking read with a near-immediate
// deadline: queued datagrams come back right away, an empty queue costs at
// most a millisecond.
func systemReceive(conn *net.UDPConn, buf []byte, logger logr.Logger) (int, Address) {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		logger.V(1).Info("could not arm read deadline", "error", err.Error())
		return 0, Address{}
	}
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			logger.V(1).Info("recvfrom failed", "error", err.Error())
		}
		return 0, Address{}
	}
	return n, AddressFromUDP(from)
}

func systemWaitReadable(conn *net.UDPConn, timeout time.Duration, logger logr.Logger) {
	time.Sleep(timeout)
}
