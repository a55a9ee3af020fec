// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package fsm

import (
	"fmt"
	"time"

	"github.com/uecs-ccm/actuatord/internal/intent"
	"github.com/uecs-ccm/actuatord/internal/registry"
)

// BuildJob translates a caller-facing ControlIntent into the ephemeral
// MotionJob the FSM executes, resolving the three target shapes of
// spec.md §6 against the actuator's descriptor. It returns
// intent.ReasonOutOfRange wrapped in an error for an invalid target
// (spec.md §7 OUT_OF_RANGE).
func BuildJob(desc registry.Descriptor, ci intent.ControlIntent, jobID string, now time.Time) (intent.MotionJob, error) {
	job := intent.MotionJob{
		ActuatorID:  ci.ActuatorID,
		Level:       ci.Level,
		Origin:      ci.Origin,
		JobID:       jobID,
		SubmittedAt: now,
	}

	switch desc.Kind {
	case registry.KindOnOff:
		switch ci.Target.Kind {
		case intent.TargetBinary:
			job.TargetState = ci.Target.Value != 0
		default:
			return intent.MotionJob{}, outOfRange("onoff actuator requires a binary target")
		}

	case registry.KindDuration:
		switch ci.Target.Kind {
		case intent.TargetPercent:
			if ci.Target.Value < 0 || ci.Target.Value > 100 {
				return intent.MotionJob{}, outOfRange("percent target must be 0-100")
			}
			job.TargetPct = round(ci.Target.Value)
		case intent.TargetBinary:
			if ci.Target.Value != 0 {
				job.TargetPct = 100
			}
		case intent.TargetSeconds:
			if desc.HasLimit {
				return intent.MotionJob{}, outOfRange("actuator has a physical limit; submit a percent target, not seconds")
			}
			if ci.Target.Value <= 0 {
				return intent.MotionJob{}, outOfRange("seconds target must be > 0")
			}
			job.DurationSec = ci.Target.Value
		default:
			return intent.MotionJob{}, outOfRange("unknown target kind")
		}
	default:
		return intent.MotionJob{}, outOfRange(fmt.Sprintf("unknown actuator kind %q", desc.Kind))
	}

	return job, nil
}

type rangeErr struct{ msg string }

func (e rangeErr) Error() string            { return e.msg }
func (e rangeErr) Reason() intent.RejectReason { return intent.ReasonOutOfRange }

func outOfRange(msg string) error { return rangeErr{msg} }

// computeMotion resolves direction and planned duration for a
// duration-kind, has_limit actuator moving from fromPct to job.TargetPct
// (spec.md §4.4 "Duration calculation").
func computeMotion(desc registry.Descriptor, fromPct int, targetPct int) (dir intent.Direction, dur time.Duration, noop bool) {
	if targetPct == fromPct {
		return intent.DirNone, 0, true
	}
	if targetPct > fromPct {
		secs := desc.FullOpenSec * float64(targetPct-fromPct) / 100
		return intent.DirOpen, secondsToDuration(secs), false
	}
	secs := desc.FullCloseSec * float64(fromPct-targetPct) / 100
	return intent.DirClose, secondsToDuration(secs), false
}

func secondsToDuration(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}

// freezePosition implements the preemption freeze formula of spec.md
// §4.4: elapsed/planned clamped to [0,1], linearly interpolated between
// the motion's start position and its target, clamped to [0,100].
func freezePosition(fromPct, targetPct int, elapsed, planned time.Duration) int {
	if planned <= 0 {
		return clampPct(fromPct)
	}
	frac := float64(elapsed) / float64(planned)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	p := float64(fromPct) + float64(targetPct-fromPct)*frac
	return clampPct(round(p))
}
