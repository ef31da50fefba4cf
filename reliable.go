// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import (
	"time"

	"github.com/go-logr/logr"
)

// ReliableConnection composes a ReliabilitySystem over a Connection: every
// outgoing payload gains a 12-byte (seq, ack, ack_bits) header behind the
// protocol id, and every inbound header is fed back for acknowledgement
// and loss accounting. Payload delivery stays best-effort: nothing is
// reordered, buffered or retransmitted.
type ReliableConnection struct {
	conn        *Connection
	reliability ReliabilitySystem
	scratch     []byte
}

// NewReliableConnection builds a stopped reliable connection with the
// given protocol id and timeout (seconds).
func NewReliableConnection(logger logr.Logger, protocolID uint32, timeout float64) *ReliableConnection {
	return &ReliableConnection{
		conn: NewConnection(logger, protocolID, timeout),
	}
}

// Start binds the local port.
func (rc *ReliableConnection) Start(port int) error { return rc.conn.Start(port) }

// Stop closes the socket and resets connection and reliability state.
func (rc *ReliableConnection) Stop() {
	rc.conn.Stop()
	rc.reliability.Reset()
}

// IsRunning reports whether the connection has been started.
func (rc *ReliableConnection) IsRunning() bool { return rc.conn.IsRunning() }

// Listen enters server mode. Any prior reliability state is discarded.
func (rc *ReliableConnection) Listen() {
	rc.conn.Listen()
	rc.reliability.Reset()
}

// Connect enters client mode, locked to address. Any prior reliability
// state is discarded.
func (rc *ReliableConnection) Connect(address Address) {
	rc.conn.Connect(address)
	rc.reliability.Reset()
}

// IsConnecting reports an in-progress client handshake.
func (rc *ReliableConnection) IsConnecting() bool { return rc.conn.IsConnecting() }

// ConnectFailed reports that a client handshake, or an established client
// connection, timed out.
func (rc *ReliableConnection) ConnectFailed() bool { return rc.conn.ConnectFailed() }

// IsConnected reports an established virtual connection.
func (rc *ReliableConnection) IsConnected() bool { return rc.conn.IsConnected() }

// IsListening reports a server waiting for its first peer.
func (rc *ReliableConnection) IsListening() bool { return rc.conn.IsListening() }

// RemoteAddress is the locked peer, or the zero Address before locking.
func (rc *ReliableConnection) RemoteAddress() Address { return rc.conn.RemoteAddress() }

// LocalPort is the bound port.
func (rc *ReliableConnection) LocalPort() int { return rc.conn.LocalPort() }

// WaitReadable parks the caller until a datagram arrives or the timeout
// passes. See Socket.WaitReadable.
func (rc *ReliableConnection) WaitReadable(timeout time.Duration) {
	rc.conn.socket.WaitReadable(timeout)
}

// ReliabilitySystem exposes the per-connection statistics: RTT, counters,
// bandwidth, and the acks gathered this tick.
func (rc *ReliableConnection) ReliabilitySystem() *ReliabilitySystem {
	return &rc.reliability
}

// SendPacket stamps payload with the next sequence number and the current
// ack state of the peer, then emits it as one datagram. False means the
// packet went nowhere: no peer locked, or the kernel refused the send.
func (rc *ReliableConnection) SendPacket(payload []byte) bool {
	seq := rc.reliability.LocalSequence()
	ack, ackBits := rc.reliability.GenerateAckBits()

	packet := rc.grow(HeaderBytes + len(payload))
	writeHeader(packet, seq, ack, ackBits)
	copy(packet[HeaderBytes:], payload)

	if !rc.conn.SendPacket(packet) {
		return false
	}
	rc.reliability.PacketSent(len(payload))
	return true
}

// ReceivePacket fetches one queued datagram, feeds its reliability header
// to the acknowledgement machinery, and copies the remaining payload into
// buf. Packets shorter than the header are dropped. Returns the payload
// length, or 0 when nothing valid was available.
func (rc *ReliableConnection) ReceivePacket(buf []byte) int {
	packet := rc.grow(HeaderBytes + len(buf))
	bytesRead := rc.conn.ReceivePacket(packet)
	if bytesRead == 0 {
		return 0
	}
	if bytesRead < HeaderBytes {
		return 0
	}
	seq, ack, ackBits := readHeader(packet)
	rc.reliability.PacketReceived(seq, bytesRead-HeaderBytes)
	rc.reliability.ProcessAck(ack, ackBits)
	return copy(buf, packet[HeaderBytes:bytesRead])
}

// Update advances the connection timeout and the reliability clocks by dt
// seconds. A connection that drops here takes its reliability state with
// it, so a later reconnect starts clean.
func (rc *ReliableConnection) Update(dt float64) {
	wasConnected := rc.conn.IsConnected()
	rc.conn.Update(dt)
	if wasConnected && !rc.conn.IsConnected() {
		rc.reliability.Reset()
		return
	}
	rc.reliability.Update(dt)
}

func (rc *ReliableConnection) grow(n int) []byte {
	if cap(rc.scratch) < n {
		rc.scratch = make([]byte, n)
	}
	return rc.scratch[:n]
}
