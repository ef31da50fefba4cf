// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import "github.com/go-logr/logr"

const (
	// rttThresholdMS separates good network conditions from bad.
	rttThresholdMS = 250.0

	// goodSendRate and badSendRate are the two packet rates the governor
	// switches between, in packets per second.
	goodSendRate = 30.0
	badSendRate  = 10.0

	minPenaltyTime     = 1.0  // seconds
	maxPenaltyTime     = 60.0 // seconds
	initialPenaltyTime = 4.0  // seconds

	// goodStreakForTrust is how long conditions must have been good for a
	// drop to bad mode to go unpunished, and how long a good streak must
	// run before the penalty starts shrinking again.
	goodStreakForTrust = 10.0 // seconds
)

type flowMode int

const (
	flowGood flowMode = iota
	flowBad
)

// FlowControl picks the send rate from recent round-trip time with
// hysteresis: dropping to bad mode is instant, earning back good mode
// takes a penalty period that doubles on each hasty promotion and decays
// only after sustained good conditions.
type FlowControl struct {
	logger logr.Logger

	mode                        flowMode
	penaltyTime                 float64
	goodConditionsTime          float64
	penaltyReductionAccumulator float64
}

// NewFlowControl returns a governor in its initial (bad, conservative)
// state.
func NewFlowControl(logger logr.Logger) *FlowControl {
	fc := &FlowControl{logger: logger}
	fc.Reset()
	fc.logger.Info("flow control initialized")
	return fc
}

// Reset drops back to bad mode with the initial penalty.
func (fc *FlowControl) Reset() {
	fc.mode = flowBad
	fc.penaltyTime = initialPenaltyTime
	fc.goodConditionsTime = 0
	fc.penaltyReductionAccumulator = 0
}

// Update feeds the governor one tick of dt seconds with the current
// round-trip time in milliseconds.
func (fc *FlowControl) Update(dt, rttMS float64) {
	if fc.mode == flowGood {
		if rttMS > rttThresholdMS {
			fc.logger.Info("*** dropping to bad mode ***")
			fc.mode = flowBad
			if fc.goodConditionsTime < goodStreakForTrust && fc.penaltyTime < maxPenaltyTime {
				fc.penaltyTime *= 2
				if fc.penaltyTime > maxPenaltyTime {
					fc.penaltyTime = maxPenaltyTime
				}
				fc.logger.Info("penalty time increased", "penalty", fc.penaltyTime)
			}
			fc.goodConditionsTime = 0
			fc.penaltyReductionAccumulator = 0
			return
		}

		fc.goodConditionsTime += dt
		fc.penaltyReductionAccumulator += dt

		if fc.penaltyReductionAccumulator > goodStreakForTrust && fc.penaltyTime > minPenaltyTime {
			fc.penaltyTime /= 2
			if fc.penaltyTime < minPenaltyTime {
				fc.penaltyTime = minPenaltyTime
			}
			fc.logger.Info("penalty time reduced", "penalty", fc.penaltyTime)
			fc.penaltyReductionAccumulator = 0
		}
		return
	}

	if rttMS <= rttThresholdMS {
		fc.goodConditionsTime += dt
	} else {
		fc.goodConditionsTime = 0
	}

	if fc.goodConditionsTime > fc.penaltyTime {
		fc.logger.Info("*** upgrading to good mode ***")
		fc.goodConditionsTime = 0
		fc.penaltyReductionAccumulator = 0
		fc.mode = flowGood
	}
}

// SendRate returns the packets-per-second budget for the current mode.
func (fc *FlowControl) SendRate() float64 {
	if fc.mode == flowGood {
		return goodSendRate
	}
	return badSendRate
}
