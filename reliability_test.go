// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPayloadSize = 256

func TestPacketSentTracking(t *testing.T) {
	r := NewReliabilitySystem()
	for i := 0; i < 5; i++ {
		r.PacketSent(testPayloadSize)
	}
	require.Equal(t, uint32(5), r.SentPackets())
	require.Equal(t, uint32(5), r.LocalSequence())
	require.Len(t, r.sentQueue, 5)
	require.Len(t, r.pendingAckQueue, 5)
	for i, info := range r.sentQueue {
		require.Equal(t, uint32(i), info.Sequence)
		require.Equal(t, testPayloadSize, info.Size)
		require.Equal(t, 0.0, info.TimeSinceSent)
	}
}

func TestSequenceWraparound(t *testing.T) {
	r := NewReliabilitySystem()
	r.localSequence = math.MaxUint32 - 1

	for i := 0; i < 5; i++ {
		r.PacketSent(testPayloadSize)
	}
	want := []uint32{math.MaxUint32 - 1, math.MaxUint32, 0, 1, 2}
	require.Len(t, r.sentQueue, 5)
	for i, info := range r.sentQueue {
		require.Equal(t, want[i], info.Sequence)
	}
	require.True(t, sequenceMoreRecent(1, math.MaxUint32))
}

func TestPacketReceivedTracksRemoteSequence(t *testing.T) {
	r := NewReliabilitySystem()
	r.PacketReceived(0, testPayloadSize)
	r.PacketReceived(1, testPayloadSize)
	require.Equal(t, uint32(1), r.RemoteSequence())

	// older arrival does not move the high-water mark
	r.PacketReceived(0, testPayloadSize)
	require.Equal(t, uint32(1), r.RemoteSequence())
	require.Equal(t, uint32(3), r.ReceivedPackets())
}

func TestDuplicateReceivesCountButDoNotQueue(t *testing.T) {
	r := NewReliabilitySystem()
	r.PacketReceived(7, testPayloadSize)
	r.PacketReceived(7, testPayloadSize)
	r.PacketReceived(7, testPayloadSize)
	require.Equal(t, uint32(3), r.ReceivedPackets())
	require.Len(t, r.receivedQueue, 1)
}

func TestGenerateAckBits(t *testing.T) {
	r := NewReliabilitySystem()
	// sequences 0..9 arrive, with 5, 7 and 9 missing
	for seq := uint32(0); seq < 10; seq++ {
		if seq == 5 || seq == 7 || seq == 9 {
			continue
		}
		r.PacketReceived(seq, testPayloadSize)
	}
	ack, ackBits := r.GenerateAckBits()
	require.Equal(t, uint32(8), ack)
	// bits count down from ack-1: 7 missing (bit 0), 6 present (bit 1), 5
	// missing (bit 2), 4..0 present (bits 3..7)
	require.Equal(t, uint32(0b11111010), ackBits)
}

func TestGenerateAckBitsAcrossWraparound(t *testing.T) {
	r := NewReliabilitySystem()
	for _, seq := range []uint32{math.MaxUint32 - 1, math.MaxUint32, 0, 1} {
		r.PacketReceived(seq, testPayloadSize)
	}
	ack, ackBits := r.GenerateAckBits()
	require.Equal(t, uint32(1), ack)
	// 0 at bit 0, MaxUint32 at bit 1, MaxUint32-1 at bit 2
	require.Equal(t, uint32(0b111), ackBits)
}

func TestSequencesFarBehindContributeNoAckBit(t *testing.T) {
	r := NewReliabilitySystem()
	r.PacketReceived(0, testPayloadSize)
	r.PacketReceived(100, testPayloadSize)
	require.Len(t, r.receivedQueue, 2)

	ack, ackBits := r.GenerateAckBits()
	require.Equal(t, uint32(100), ack)
	require.Zero(t, ackBits)
}

func TestProcessAck(t *testing.T) {
	r := NewReliabilitySystem()
	for i := 0; i < 4; i++ {
		r.PacketSent(testPayloadSize)
	}
	r.Update(0.05) // everything pending ages to 50 ms

	// peer saw 0, 1 and 3; ack anchors at 3 with 1 and 0 in the bitfield
	r.ProcessAck(3, 1<<1|1<<2)

	require.Equal(t, uint32(3), r.AckedPackets())
	require.Equal(t, []uint32{0, 1, 3}, append([]uint32(nil), r.Acks()...))
	require.Len(t, r.pendingAckQueue, 1)
	require.Equal(t, uint32(2), r.pendingAckQueue[0].Sequence)
	require.InDelta(t, 0.05*rttSmoothing*(1+(1-rttSmoothing)+(1-rttSmoothing)*(1-rttSmoothing)), r.RoundTripTime(), 1e-9)
}

func TestProcessAckIsIdempotent(t *testing.T) {
	r := NewReliabilitySystem()
	r.PacketSent(testPayloadSize)
	r.Update(0.01)
	r.ProcessAck(0, 0)
	require.Equal(t, uint32(1), r.AckedPackets())

	// replaying the same ack has nothing left to match
	r.ProcessAck(0, 0)
	require.Equal(t, uint32(1), r.AckedPackets())
	require.Equal(t, uint32(0), r.LostPackets())
	require.Empty(t, r.pendingAckQueue)
}

func TestAckForLostPacketDoesNotResurrectIt(t *testing.T) {
	r := NewReliabilitySystem()
	r.PacketSent(testPayloadSize)
	r.Update(1.1) // ages past the window: declared lost
	require.Equal(t, uint32(1), r.LostPackets())
	require.Equal(t, uint32(0), r.AckedPackets())

	r.ProcessAck(0, 0)
	require.Equal(t, uint32(1), r.LostPackets())
	require.Equal(t, uint32(0), r.AckedPackets())
}

func TestLossAccounting(t *testing.T) {
	r := NewReliabilitySystem()
	for i := 0; i < 40; i++ {
		r.PacketSent(testPayloadSize)
	}
	r.Update(0.05)

	// acks arrive for everything except 5, 7 and 9
	for seq := uint32(0); seq < 40; seq++ {
		if seq == 5 || seq == 7 || seq == 9 {
			continue
		}
		r.ProcessAck(seq, 0)
	}
	require.Equal(t, uint32(37), r.AckedPackets())
	require.Equal(t, uint32(0), r.LostPackets())
	require.Len(t, r.pendingAckQueue, 3)

	// the unacked three age past one second and become losses
	r.Update(1.0)
	require.Equal(t, uint32(3), r.LostPackets())
	require.Equal(t, uint32(37), r.AckedPackets())
	require.Empty(t, r.pendingAckQueue)
}

func TestSentEqualsAckedPlusLostPlusPending(t *testing.T) {
	r := NewReliabilitySystem()
	for i := 0; i < 30; i++ {
		r.PacketSent(testPayloadSize)
		if i%3 == 0 {
			r.ProcessAck(uint32(i), 0)
		}
		if i%7 == 0 {
			r.Update(1.1) // push stragglers into loss
		}
		total := r.AckedPackets() + r.LostPackets() + uint32(len(r.pendingAckQueue))
		require.Equal(t, r.SentPackets(), total)
	}
}

func TestAgingEmptiesAllQueues(t *testing.T) {
	r := NewReliabilitySystem()
	r.PacketSent(testPayloadSize)
	r.PacketReceived(0, testPayloadSize)
	r.ProcessAck(0, 0)
	r.PacketSent(testPayloadSize)

	r.Update(1.5)
	require.Empty(t, r.sentQueue)
	require.Empty(t, r.pendingAckQueue)
	require.Empty(t, r.receivedQueue)
	require.Empty(t, r.ackedQueue)
}

func TestAgingEvictsReorderedArrivals(t *testing.T) {
	r := NewReliabilitySystem()
	r.PacketReceived(10, testPayloadSize)
	r.Update(0.9)
	// an older sequence arrives late and sorts ahead of the staler entry
	r.PacketReceived(5, testPayloadSize)
	r.Update(0.2)

	// the stale seq-10 entry is gone even though it was not at the front
	require.Len(t, r.receivedQueue, 1)
	require.Equal(t, uint32(5), r.receivedQueue[0].Sequence)

	// and the survivor ages out on schedule
	r.Update(1.0)
	require.Empty(t, r.receivedQueue)
}

func TestRTTConvergence(t *testing.T) {
	const trueRTT = 0.1
	r := NewReliabilitySystem()
	for i := 0; i < 50; i++ {
		seq := r.LocalSequence()
		r.PacketSent(testPayloadSize)
		r.Update(trueRTT)
		r.ProcessAck(seq, 0)
	}
	require.InDelta(t, trueRTT, r.RoundTripTime(), trueRTT*0.1)
}

func TestBandwidthTracksTrailingWindow(t *testing.T) {
	r := NewReliabilitySystem()
	for i := 0; i < 10; i++ {
		r.PacketSent(100)
	}
	r.Update(0.1)
	// 1000 bytes over the one-second window
	require.InDelta(t, 1000*8.0/1000.0, r.SentBandwidth(), 1e-9)
	require.Zero(t, r.AckedBandwidth())

	r.ProcessAck(9, 0xFFFFFFFF)
	r.Update(0.1)
	require.InDelta(t, 1000*8.0/1000.0, r.AckedBandwidth(), 1e-9)

	// once everything ages out the window drains to zero
	r.Update(1.0)
	require.Zero(t, r.SentBandwidth())
	require.Zero(t, r.AckedBandwidth())
}

func TestResetClearsEverything(t *testing.T) {
	r := NewReliabilitySystem()
	r.PacketSent(testPayloadSize)
	r.PacketReceived(3, testPayloadSize)
	r.Update(0.1)
	r.Reset()
	require.Zero(t, r.SentPackets())
	require.Zero(t, r.ReceivedPackets())
	require.Zero(t, r.LocalSequence())
	require.Zero(t, r.RemoteSequence())
	require.Zero(t, r.RoundTripTime())
	require.Empty(t, r.sentQueue)
	require.Empty(t, r.pendingAckQueue)
	require.Empty(t, r.receivedQueue)
	require.Empty(t, r.ackedQueue)
}
