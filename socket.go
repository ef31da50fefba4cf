// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
)

// socketBufferSize is requested for both the kernel read and write buffers,
// so short stalls of the tick loop do not drop datagrams on the floor.
const socketBufferSize = 2 * 1024 * 1024

// ErrSocketOpen is returned by Open when the Socket is already bound.
var ErrSocketOpen = errors.New("socket is already open")

// Socket is a non-blocking UDP datagram socket bound to one local port. It
// moves whole datagrams and knows nothing about protocol ids or sequencing;
// Connection layers those on top. A Socket belongs to exactly one owner and
// must not be shared.
type Socket struct {
	logger logr.Logger
	conn   *net.UDPConn
	port   int
}

// NewSocket returns an unopened Socket that logs through the given logger.
func NewSocket(logger logr.Logger) *Socket {
	return &Socket{logger: logger}
}

// Open binds the socket to 0.0.0.0:port. Port 0 asks the kernel to pick.
// Opening an already-open socket fails.
func (s *Socket) Open(port int) error {
	if s.conn != nil {
		return ErrSocketOpen
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("could not bind udp port %d: %w", port, err)
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not set read buffer size: %w", err)
	}
	if err := conn.SetWriteBuffer(socketBufferSize); err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not set write buffer size: %w", err)
	}
	systemSetupUDPSocket(conn, s.logger)

	acquireSocketRuntime()
	s.conn = conn
	s.port = conn.LocalAddr().(*net.UDPAddr).Port
	s.logger.V(1).Info("socket opened", "port", s.port)
	return nil
}

// IsOpen reports whether the socket is currently bound.
func (s *Socket) IsOpen() bool { return s.conn != nil }

// Port returns the bound local port, or 0 when closed.
func (s *Socket) Port() int {
	if s.conn == nil {
		return 0
	}
	return s.port
}

// Close releases the port. It is safe to call on a closed socket.
func (s *Socket) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.V(1).Info("socket close failed", "error", err.Error())
	}
	s.conn = nil
	releaseSocketRuntime()
}

// Send transmits one datagram to destination. There are no partial sends.
// A false return means the datagram was not handed to the kernel; the
// failure is transient and the caller is expected to carry on.
func (s *Socket) Send(destination Address, data []byte) bool {
	if s.conn == nil || len(data) == 0 {
		return false
	}
	_, err := s.conn.WriteToUDP(data, destination.UDPAddr())
	if err != nil {
		s.logger.V(1).Info("sendto failed", "destination", destination.String(), "error", err.Error())
		return false
	}
	return true
}

// Receive fetches one queued datagram into buf, returning the number of
// bytes and the source address. It never waits for a datagram: when nothing
// is queued it returns 0 (at once on Linux, within about a millisecond on
// the portable fallback).
func (s *Socket) Receive(buf []byte) (int, Address) {
	if s.conn == nil {
		return 0, Address{}
	}
	return systemReceive(s.conn, buf, s.logger)
}

// WaitReadable parks the caller until a datagram is queued on the socket or
// the timeout passes, whichever is first. It is the idle half of the tick
// loop; Receive still does the reading.
func (s *Socket) WaitReadable(timeout time.Duration) {
	if s.conn == nil || timeout <= 0 {
		return
	}
	systemWaitReadable(s.conn, timeout, s.logger)
}
