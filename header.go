// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import "encoding/binary"

// Reliability header layout, after the protocol-id prefix:
//
//	0       4       8       12
//	+-------+-------+--------+
//	|  seq  |  ack  |ack_bits|
//	+-------+-------+--------+
//
// All fields big-endian.
const (
	// HeaderBytes is the size of the reliability header every packet
	// carries on the wire.
	HeaderBytes = 12

	// protocolIDBytes is the size of the protocol-id prefix in front of
	// the reliability header.
	protocolIDBytes = 4
)

func writeHeader(buf []byte, seq, ack, ackBits uint32) {
	binary.BigEndian.PutUint32(buf[0:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ack)
	binary.BigEndian.PutUint32(buf[8:12], ackBits)
}

func readHeader(buf []byte) (seq, ack, ackBits uint32) {
	seq = binary.BigEndian.Uint32(buf[0:4])
	ack = binary.BigEndian.Uint32(buf[4:8])
	ackBits = binary.BigEndian.Uint32(buf[8:12])
	return seq, ack, ackBits
}
