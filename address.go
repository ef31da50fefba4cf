// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import (
	"fmt"
	"net"
)

// Address identifies one endpoint of a virtual connection: an IPv4 address
// packed into a 32-bit integer, plus a UDP port. The zero Address is "no
// address" and is what a Connection holds before a peer is locked.
type Address struct {
	addr uint32
	port uint16
}

// NewAddress builds an Address from the four dotted-quad octets and a port.
func NewAddress(a, b, c, d byte, port uint16) Address {
	return Address{
		addr: uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d),
		port: port,
	}
}

// AddressFromUDP converts a *net.UDPAddr as returned by the socket layer.
// Non-IPv4 addresses map to the zero Address.
func AddressFromUDP(udpAddr *net.UDPAddr) Address {
	if udpAddr == nil {
		return Address{}
	}
	ip4 := udpAddr.IP.To4()
	if ip4 == nil {
		return Address{}
	}
	return NewAddress(ip4[0], ip4[1], ip4[2], ip4[3], uint16(udpAddr.Port))
}

// Port returns the UDP port.
func (a Address) Port() uint16 { return a.port }

// IP returns the IPv4 address.
func (a Address) IP() net.IP {
	return net.IPv4(byte(a.addr>>24), byte(a.addr>>16), byte(a.addr>>8), byte(a.addr))
}

// UDPAddr converts back to the form the socket layer wants.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP(), Port: int(a.port)}
}

// IsZero reports whether no address has been set.
func (a Address) IsZero() bool { return a == Address{} }

// Less imposes a total order (address first, then port), so addresses can
// be used as sort keys.
func (a Address) Less(other Address) bool {
	if a.addr != other.addr {
		return a.addr < other.addr
	}
	return a.port < other.port
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		byte(a.addr>>24), byte(a.addr>>16), byte(a.addr>>8), byte(a.addr), a.port)
}
