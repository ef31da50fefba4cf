// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

const (
	// rttMaximum bounds how long a packet stays interesting. Anything
	// unacked for longer is declared lost, and the rolling bandwidth
	// window is this wide.
	rttMaximum = 1.0 // seconds

	// rttSmoothing is the weight of each new round-trip sample in the
	// exponentially weighted estimate.
	rttSmoothing = 0.1
)

// PacketInfo is the bookkeeping record for one tracked packet.
type PacketInfo struct {
	// Sequence is the packet's sequence number.
	Sequence uint32
	// TimeSinceSent is how long ago the packet entered the queue, in
	// seconds, advanced on every Update.
	TimeSinceSent float64
	// Size is the payload byte count charged to bandwidth accounting.
	Size int
}

// packetQueue is an ordered list of PacketInfo. Queues stay small (one
// second of traffic) so linear scans are fine.
type packetQueue []PacketInfo

func (q packetQueue) exists(sequence uint32) bool {
	for i := range q {
		if q[i].Sequence == sequence {
			return true
		}
	}
	return false
}

// insertSorted places info by wraparound-aware sequence order, newest last.
func (q *packetQueue) insertSorted(info PacketInfo) {
	for i := len(*q) - 1; i >= 0; i-- {
		if sequenceMoreRecent(info.Sequence, (*q)[i].Sequence) {
			*q = append(*q, PacketInfo{})
			copy((*q)[i+2:], (*q)[i+1:])
			(*q)[i+1] = info
			return
		}
	}
	*q = append(*q, PacketInfo{})
	copy((*q)[1:], *q)
	(*q)[0] = info
}

// ReliabilitySystem stamps outgoing packets with sequence numbers, turns
// the peer's headers into acknowledgements and loss, and keeps the rolling
// statistics the flow-control layer feeds on. It is pure bookkeeping: it
// owns no socket and moves no bytes.
type ReliabilitySystem struct {
	localSequence  uint32
	remoteSequence uint32

	sentPackets     uint32
	receivedPackets uint32
	lostPackets     uint32
	ackedPackets    uint32

	sentBandwidth  float64
	ackedBandwidth float64
	rtt            float64

	acks []uint32

	sentQueue       packetQueue
	pendingAckQueue packetQueue
	receivedQueue   packetQueue
	ackedQueue      packetQueue
}

// NewReliabilitySystem returns a reset ReliabilitySystem.
func NewReliabilitySystem() *ReliabilitySystem {
	r := &ReliabilitySystem{}
	r.Reset()
	return r
}

// Reset drops all queues, counters and estimates back to their initial
// state. Called when the owning connection is torn down or re-established.
func (r *ReliabilitySystem) Reset() {
	r.localSequence = 0
	r.remoteSequence = 0
	r.sentPackets = 0
	r.receivedPackets = 0
	r.lostPackets = 0
	r.ackedPackets = 0
	r.sentBandwidth = 0
	r.ackedBandwidth = 0
	r.rtt = 0
	r.acks = r.acks[:0]
	r.sentQueue = r.sentQueue[:0]
	r.pendingAckQueue = r.pendingAckQueue[:0]
	r.receivedQueue = r.receivedQueue[:0]
	r.ackedQueue = r.ackedQueue[:0]
}

// PacketSent records that a packet of the given payload size was handed to
// the socket. It consumes the current local sequence number.
func (r *ReliabilitySystem) PacketSent(size int) {
	if r.sentQueue.exists(r.localSequence) {
		// Sequence reuse means the counter lapped the ageing window. The
		// existing record is kept; this packet goes untracked and the
		// local sequence does not advance.
		return
	}
	info := PacketInfo{Sequence: r.localSequence, Size: size}
	r.sentQueue = append(r.sentQueue, info)
	r.pendingAckQueue = append(r.pendingAckQueue, info)
	r.sentPackets++
	r.localSequence++
}

// PacketReceived records a verified inbound packet. Duplicates still count
// toward ReceivedPackets but are tracked only once.
func (r *ReliabilitySystem) PacketReceived(sequence uint32, size int) {
	r.receivedPackets++
	if r.receivedQueue.exists(sequence) {
		return
	}
	r.receivedQueue.insertSorted(PacketInfo{Sequence: sequence, Size: size})
	if sequenceMoreRecent(sequence, r.remoteSequence) {
		r.remoteSequence = sequence
	}
}

// GenerateAckBits builds the (ack, ack_bits) pair describing everything
// observed from the peer: ack is the most recent remote sequence, and bit i
// of ack_bits covers sequence ack-1-i.
func (r *ReliabilitySystem) GenerateAckBits() (ack, ackBits uint32) {
	ack = r.remoteSequence
	for i := range r.receivedQueue {
		seq := r.receivedQueue[i].Sequence
		if seq == ack || sequenceMoreRecent(seq, ack) {
			continue
		}
		if bit := bitIndexForSequence(seq, ack); bit <= 31 {
			ackBits |= 1 << bit
		}
	}
	return ack, ackBits
}

// ProcessAck walks the pending-ack queue against an (ack, ack_bits) pair
// from the peer. Every match yields an RTT sample and moves the packet to
// the acked queue; sequences already declared lost stay lost.
func (r *ReliabilitySystem) ProcessAck(ack, ackBits uint32) {
	if len(r.pendingAckQueue) == 0 {
		return
	}
	kept := r.pendingAckQueue[:0]
	for _, info := range r.pendingAckQueue {
		acked := false
		if info.Sequence == ack {
			acked = true
		} else if !sequenceMoreRecent(info.Sequence, ack) {
			if bit := bitIndexForSequence(info.Sequence, ack); bit <= 31 {
				acked = ackBits>>bit&1 != 0
			}
		}
		if acked {
			r.rtt += (info.TimeSinceSent - r.rtt) * rttSmoothing
			r.ackedQueue.insertSorted(info)
			r.acks = append(r.acks, info.Sequence)
			r.ackedPackets++
		} else {
			kept = append(kept, info)
		}
	}
	r.pendingAckQueue = kept
}

// Update advances every tracked packet's age by dt seconds, ages out
// anything older than the one-second window (counting unacked casualties
// as lost), and recomputes the rolling bandwidth figures. The acks list
// starts fresh each tick.
func (r *ReliabilitySystem) Update(dt float64) {
	r.acks = r.acks[:0]
	r.advanceQueueTime(dt)
	r.updateQueues()
	r.updateStats()
}

func (r *ReliabilitySystem) advanceQueueTime(dt float64) {
	for _, q := range []packetQueue{r.sentQueue, r.pendingAckQueue, r.receivedQueue, r.ackedQueue} {
		for i := range q {
			q[i].TimeSinceSent += dt
		}
	}
}

// ageEpsilon keeps a packet aged by exactly the window width from being
// dropped by float noise one tick early.
const ageEpsilon = 0.001

func (r *ReliabilitySystem) updateQueues() {
	// sentQueue and pendingAckQueue are appended in send order, so their
	// fronts are always the oldest entries.
	for len(r.sentQueue) > 0 && r.sentQueue[0].TimeSinceSent > rttMaximum+ageEpsilon {
		r.sentQueue = r.sentQueue[1:]
	}
	for len(r.pendingAckQueue) > 0 && r.pendingAckQueue[0].TimeSinceSent > rttMaximum+ageEpsilon {
		r.pendingAckQueue = r.pendingAckQueue[1:]
		r.lostPackets++
	}
	// receivedQueue and ackedQueue are ordered by sequence, which under
	// reordered arrivals is not age order: a late-arriving older sequence
	// sorts ahead of a staler entry. Filter the whole queue.
	r.receivedQueue = dropAged(r.receivedQueue)
	r.ackedQueue = dropAged(r.ackedQueue)
}

func dropAged(q packetQueue) packetQueue {
	kept := q[:0]
	for _, info := range q {
		if info.TimeSinceSent <= rttMaximum+ageEpsilon {
			kept = append(kept, info)
		}
	}
	return kept
}

func (r *ReliabilitySystem) updateStats() {
	sentBytes := 0
	for i := range r.sentQueue {
		sentBytes += r.sentQueue[i].Size
	}
	ackedBytes := 0
	for i := range r.ackedQueue {
		ackedBytes += r.ackedQueue[i].Size
	}
	r.sentBandwidth = float64(sentBytes) / rttMaximum * 8.0 / 1000.0
	r.ackedBandwidth = float64(ackedBytes) / rttMaximum * 8.0 / 1000.0
}

// LocalSequence is the sequence number the next outgoing packet will carry.
func (r *ReliabilitySystem) LocalSequence() uint32 { return r.localSequence }

// RemoteSequence is the most recent sequence observed from the peer.
func (r *ReliabilitySystem) RemoteSequence() uint32 { return r.remoteSequence }

// Acks lists the sequences confirmed by the peer since the last Update.
// The slice is reused; callers must not hold it across ticks.
func (r *ReliabilitySystem) Acks() []uint32 { return r.acks }

// SentPackets is the running count of packets handed to the socket.
func (r *ReliabilitySystem) SentPackets() uint32 { return r.sentPackets }

// ReceivedPackets is the running count of verified inbound packets,
// duplicates included.
func (r *ReliabilitySystem) ReceivedPackets() uint32 { return r.receivedPackets }

// LostPackets is the running count of packets that aged out unacked.
func (r *ReliabilitySystem) LostPackets() uint32 { return r.lostPackets }

// AckedPackets is the running count of packets the peer confirmed.
func (r *ReliabilitySystem) AckedPackets() uint32 { return r.ackedPackets }

// SentBandwidth is the outbound rate over the trailing second, in kbps.
func (r *ReliabilitySystem) SentBandwidth() float64 { return r.sentBandwidth }

// AckedBandwidth is the acknowledged rate over the trailing second, in kbps.
func (r *ReliabilitySystem) AckedBandwidth() float64 { return r.ackedBandwidth }

// RoundTripTime is the smoothed round-trip estimate, in seconds.
func (r *ReliabilitySystem) RoundTripTime() float64 { return r.rtt }
