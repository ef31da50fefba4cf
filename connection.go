// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import (
	"encoding/binary"

	"github.com/go-logr/logr"
)

// ConnectionMode says how a Connection acquires its peer.
type ConnectionMode int

const (
	// ModeNone is the mode before Listen or Connect has been called.
	ModeNone ConnectionMode = iota
	// ModeClient locks the peer address up front via Connect.
	ModeClient
	// ModeServer learns the peer from the first valid inbound datagram.
	ModeServer
)

type connectionState int

const (
	stateDisconnected connectionState = iota
	stateListening
	stateConnecting
	stateConnectFailed
	stateConnected
)

func (s connectionState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateListening:
		return "listening"
	case stateConnecting:
		return "connecting"
	case stateConnectFailed:
		return "connect failed"
	case stateConnected:
		return "connected"
	}
	return "unknown"
}

// DefaultTimeout is how long a connection survives without a valid packet
// from its peer.
const DefaultTimeout = 10.0 // seconds

// Connection is a virtual connection over one Socket: a locked peer
// address, a liveness state machine, and protocol-id gating of everything
// inbound. Payloads pass through untouched apart from the 4-byte
// protocol-id prefix.
type Connection struct {
	logger     logr.Logger
	protocolID uint32
	timeout    float64

	socket  Socket
	mode    ConnectionMode
	running bool
	state   connectionState
	address Address

	timeoutAccumulator float64
	scratch            []byte
}

// NewConnection builds a stopped Connection. Packets not prefixed with
// protocolID are invisible to it; timeout is in seconds.
func NewConnection(logger logr.Logger, protocolID uint32, timeout float64) *Connection {
	return &Connection{
		logger:     logger,
		protocolID: protocolID,
		timeout:    timeout,
		socket:     Socket{logger: logger},
		state:      stateDisconnected,
	}
}

// Start binds the local port. Starting an already-started connection fails.
func (c *Connection) Start(port int) error {
	if c.running {
		return ErrSocketOpen
	}
	if err := c.socket.Open(port); err != nil {
		return err
	}
	c.logger.Info("connection started", "port", c.socket.Port())
	c.running = true
	return nil
}

// Stop closes the socket and resets to Disconnected. Safe when stopped.
func (c *Connection) Stop() {
	if !c.running {
		return
	}
	c.clearData()
	c.socket.Close()
	c.running = false
	c.logger.Info("connection stopped")
}

// IsRunning reports whether Start has succeeded and Stop not been called.
func (c *Connection) IsRunning() bool { return c.running }

// Listen puts the connection in server mode, waiting to lock onto the
// first peer that sends a valid datagram.
func (c *Connection) Listen() {
	c.logger.Info("server listening for connection")
	c.clearData()
	c.mode = ModeServer
	c.state = stateListening
}

// Connect puts the connection in client mode, locked to the given peer.
func (c *Connection) Connect(address Address) {
	c.logger.Info("client connecting", "server", address.String())
	c.clearData()
	c.mode = ModeClient
	c.state = stateConnecting
	c.address = address
}

// IsConnecting reports an in-progress client handshake.
func (c *Connection) IsConnecting() bool { return c.state == stateConnecting }

// ConnectFailed reports that a client handshake, or an established client
// connection, timed out.
func (c *Connection) ConnectFailed() bool { return c.state == stateConnectFailed }

// IsConnected reports an established virtual connection.
func (c *Connection) IsConnected() bool { return c.state == stateConnected }

// IsListening reports a server waiting for its first peer.
func (c *Connection) IsListening() bool { return c.state == stateListening }

// Mode returns how the peer address is (or will be) acquired.
func (c *Connection) Mode() ConnectionMode { return c.mode }

// RemoteAddress is the locked peer, or the zero Address before locking.
func (c *Connection) RemoteAddress() Address { return c.address }

// LocalPort is the bound port.
func (c *Connection) LocalPort() int { return c.socket.Port() }

// Update advances the timeout clock. A connection that has gone timeout
// seconds without a valid inbound packet fails the handshake when
// connecting or drops when connected; a dropped server goes straight back
// to listening, a dropped client ends in the failed state.
func (c *Connection) Update(dt float64) {
	if !c.running {
		return
	}
	c.timeoutAccumulator += dt
	if c.timeoutAccumulator <= c.timeout {
		return
	}
	switch c.state {
	case stateConnecting:
		c.logger.Info("connect timed out")
		c.clearData()
		c.state = stateConnectFailed
	case stateConnected:
		c.logger.Info("connection timed out")
		c.clearData()
		if c.mode == ModeServer {
			c.state = stateListening
		} else {
			c.state = stateConnectFailed
		}
	}
}

// SendPacket prepends the protocol id and emits one datagram to the locked
// peer. It drops silently (returns false) when no peer is known.
func (c *Connection) SendPacket(data []byte) bool {
	if !c.running || c.address.IsZero() {
		return false
	}
	packet := c.grow(protocolIDBytes + len(data))
	binary.BigEndian.PutUint32(packet, c.protocolID)
	copy(packet[protocolIDBytes:], data)
	return c.socket.Send(c.address, packet)
}

// ReceivePacket fetches one queued datagram, if any, writing its payload
// (protocol id stripped) into buf and returning the payload length.
// Datagrams with the wrong protocol id, from the wrong peer, or carrying
// no payload are dropped and return 0 without touching the timeout clock.
func (c *Connection) ReceivePacket(buf []byte) int {
	if !c.running {
		return 0
	}
	packet := c.grow(protocolIDBytes + len(buf))
	bytesRead, sender := c.socket.Receive(packet)
	if bytesRead <= protocolIDBytes {
		return 0
	}
	if binary.BigEndian.Uint32(packet) != c.protocolID {
		c.logger.V(1).Info("dropping packet with wrong protocol id", "from", sender.String())
		return 0
	}
	if c.mode == ModeServer && !c.IsConnected() {
		c.logger.Info("server accepts connection", "client", sender.String())
		c.state = stateConnected
		c.address = sender
	}
	if sender != c.address {
		c.logger.V(1).Info("dropping packet from unknown peer", "from", sender.String())
		return 0
	}
	if c.mode == ModeClient && c.state == stateConnecting {
		c.logger.Info("client completes connection with server")
		c.state = stateConnected
	}
	c.timeoutAccumulator = 0
	return copy(buf, packet[protocolIDBytes:bytesRead])
}

func (c *Connection) clearData() {
	c.state = stateDisconnected
	c.timeoutAccumulator = 0
	c.address = Address{}
}

// grow returns the connection's scratch buffer with at least n bytes.
func (c *Connection) grow(n int) []byte {
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	return c.scratch[:n]
}
