// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

const fcTick = 1.0 / 30.0

func runFlow(fc *FlowControl, seconds, rttMS float64) {
	for t := 0.0; t < seconds; t += fcTick {
		fc.Update(fcTick, rttMS)
	}
}

func TestFlowControlStartsBad(t *testing.T) {
	fc := NewFlowControl(logr.Discard())
	require.Equal(t, badSendRate, fc.SendRate())
	require.Equal(t, initialPenaltyTime, fc.penaltyTime)
}

func TestFlowControlEscalation(t *testing.T) {
	fc := NewFlowControl(logr.Discard())

	// 5 s of 50 ms round trips clears the initial 4 s penalty
	runFlow(fc, 5.0, 50)
	require.Equal(t, goodSendRate, fc.SendRate())

	// one bad sample drops to bad mode; the good streak was under 10 s,
	// so the penalty doubles
	fc.Update(fcTick, 400)
	require.Equal(t, badSendRate, fc.SendRate())
	require.Equal(t, 8.0, fc.penaltyTime)

	// 8 s of good conditions earns good mode back with penalty intact
	runFlow(fc, 8.01, 50)
	require.Equal(t, goodSendRate, fc.SendRate())
	require.Equal(t, 8.0, fc.penaltyTime)

	// a further 10 s of good time halves the penalty
	runFlow(fc, 10.01, 50)
	require.Equal(t, goodSendRate, fc.SendRate())
	require.Equal(t, 4.0, fc.penaltyTime)
}

func TestFlowControlPenaltyCapsAtMaximum(t *testing.T) {
	fc := NewFlowControl(logr.Discard())
	for i := 0; i < 10; i++ {
		// recover just past the current penalty, then fail immediately
		runFlow(fc, fc.penaltyTime+fcTick*2, 50)
		require.Equal(t, goodSendRate, fc.SendRate())
		fc.Update(fcTick, 400)
	}
	require.Equal(t, maxPenaltyTime, fc.penaltyTime)
}

func TestFlowControlPenaltyFloorsAtMinimum(t *testing.T) {
	fc := NewFlowControl(logr.Discard())
	runFlow(fc, 5.0, 50) // reach good mode
	runFlow(fc, 120.0, 50)
	require.Equal(t, minPenaltyTime, fc.penaltyTime)
}

func TestFlowControlBadRTTResetsGoodStreak(t *testing.T) {
	fc := NewFlowControl(logr.Discard())
	runFlow(fc, 3.0, 50) // under the 4 s penalty, still bad
	require.Equal(t, badSendRate, fc.SendRate())
	fc.Update(fcTick, 400) // streak resets
	runFlow(fc, 3.9, 50)
	require.Equal(t, badSendRate, fc.SendRate())
	runFlow(fc, 0.2, 50)
	require.Equal(t, goodSendRate, fc.SendRate())
}

func TestFlowControlReset(t *testing.T) {
	fc := NewFlowControl(logr.Discard())
	runFlow(fc, 5.0, 50)
	require.Equal(t, goodSendRate, fc.SendRate())
	fc.Reset()
	require.Equal(t, badSendRate, fc.SendRate())
	require.Equal(t, initialPenaltyTime, fc.penaltyTime)
}
