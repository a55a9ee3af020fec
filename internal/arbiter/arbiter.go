// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package arbiter implements the PriorityArbiter of spec.md §4.5: a
// pure function of (actuator_state, new_level, same_actuator) yielding
// a disposition. It holds no state and performs no I/O so the table in
// §4.5, including its PREEMPT-SAME exception, can be exhaustively unit
// tested (spec.md §8 round-trip properties map directly to table rows).
package arbiter

import (
	"github.com/uecs-ccm/actuatord/internal/intent"
	"github.com/uecs-ccm/actuatord/internal/state"
)

// Decision is the arbiter's internal verdict, richer than the four
// external intent.Disposition values: the FSM needs to distinguish
// ACCEPT (nothing to interrupt), PREEMPT (interrupt and freeze
// position), and PreemptSame (the same-actuator L3-over-L3 operator
// override, spec.md §4.5 footnote) even though all three collapse to
// the external "accepted" disposition (spec.md §6).
type Decision int

const (
	DecAccept Decision = iota
	DecPreempt
	DecPreemptSame
	DecWait
	DecLock
	DecReject
)

// Verdict is the full result of a Decide call.
type Verdict struct {
	Decision Decision
	Reason   intent.RejectReason // set only when Decision == DecReject
}

// External maps an internal Decision to the four-valued wire
// disposition of spec.md §6.
func (v Verdict) External() intent.Disposition {
	switch v.Decision {
	case DecAccept, DecPreempt, DecPreemptSame:
		return intent.DispAccepted
	case DecWait:
		return intent.DispQueued
	case DecLock:
		return intent.DispLocked
	default:
		return intent.DispRejected
	}
}

// Decide implements the table of spec.md §4.5. current is the
// actuator's phase and, when moving, its current_level; incoming is
// the level of the newly submitted command. Decide is always called
// per-actuator, so "same_actuator" in the spec's table header is
// implicit: every call is same-actuator by construction.
func Decide(current state.Phase, currentLevel intent.Level, incoming intent.Level) Verdict {
	switch current {
	case state.PhaseIdle:
		return Verdict{Decision: DecAccept}

	case state.PhaseMoving:
		return decideMoving(currentLevel, incoming)

	case state.PhaseCooling:
		if incoming <= intent.L2 {
			return Verdict{Decision: DecPreempt}
		}
		return Verdict{Decision: DecReject, Reason: intent.ReasonCooling}

	case state.PhaseCalibrating:
		switch {
		case incoming == intent.L1:
			return Verdict{Decision: DecPreempt}
		case incoming == intent.L2:
			// Calibration is itself L2-priority (spec.md §4.5 footnote): an
			// L2 command is accepted outright, not flagged as a preemption
			// of a caller-visible motion.
			return Verdict{Decision: DecAccept}
		default:
			return Verdict{Decision: DecReject, Reason: intent.ReasonCalibrating}
		}

	default:
		return Verdict{Decision: DecReject, Reason: intent.ReasonLocked}
	}
}

// decideMoving implements the three documented MOVING rows (current
// level L2, L3, L4) plus a conservative row for MOVING@L1: nothing
// ranks above emergency, so only another L1 may preempt it and every
// other incoming level locks (spec.md §4.5 documents no MOVING@L1 row;
// this resolves that silence the way L1's other documented behavior —
// "L1 never waits", spec.md §4.4 — implies: L1 is never queued against).
func decideMoving(currentLevel, incoming intent.Level) Verdict {
	switch currentLevel {
	case intent.L1:
		if incoming == intent.L1 {
			return Verdict{Decision: DecPreempt}
		}
		return Verdict{Decision: DecLock}

	case intent.L2:
		switch incoming {
		case intent.L1, intent.L2:
			return Verdict{Decision: DecPreempt}
		default:
			return Verdict{Decision: DecWait}
		}

	case intent.L3:
		switch incoming {
		case intent.L1, intent.L2:
			return Verdict{Decision: DecPreempt}
		case intent.L3:
			// Operator override, not a LOCK, contrary to the default
			// same-level rule (spec.md §4.5 footnote).
			return Verdict{Decision: DecPreemptSame}
		default:
			return Verdict{Decision: DecWait}
		}

	case intent.L4:
		switch incoming {
		case intent.L1, intent.L2, intent.L3:
			return Verdict{Decision: DecPreempt}
		default:
			return Verdict{Decision: DecLock}
		}

	default:
		return Verdict{Decision: DecLock}
	}
}
