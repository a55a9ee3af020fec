// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package fsm

import (
	"context"
	"time"

	"github.com/uecs-ccm/actuatord/internal/bus"
	"github.com/uecs-ccm/actuatord/internal/intent"
	"github.com/uecs-ccm/actuatord/internal/registry"
	"github.com/uecs-ccm/actuatord/internal/state"
)

// handleTimerFire dispatches on the armed timer's kind, which
// distinguishes the four reasons an Actuator ever waits on a timer
// (spec.md §4.4).
func (a *Actuator) handleTimerFire(ctx context.Context) {
	switch a.ar.kind {
	case timerMotion:
		a.completeMotion(ctx)
	case timerReversalWait:
		a.completeReversalWait(ctx)
	case timerCooling:
		a.completeCooling(ctx)
	case timerCalibration:
		a.completeCalibration(ctx)
	}
}

// completeMotion is the normal (non-preempted) end of a motion: the
// target is reached, the bus goes idle, and - unless cooling_sec is
// zero - a cooling window opens before the actuator can move again
// (spec.md §4.4 "Duration calculation", §4.3).
func (a *Actuator) completeMotion(ctx context.Context) {
	a.disarmWatchdog()
	job := a.ar.job
	if a.desc.Kind == registry.KindDuration {
		if a.desc.HasLimit {
			a.st.PositionPct = clampPct(a.ar.targetPct)
		}
		_ = a.bus.Send(ctx, a.id, bus.Off, job.Level)
	} else {
		// onoff has no motion to end: the ON/OFF sent at dispatch *is*
		// the final state (spec.md §3 "for onoff, 0 or 100 only"), so
		// completion just records it rather than sending a second,
		// contradicting OFF.
		if a.ar.targetState {
			a.st.PositionPct = 100
		} else {
			a.st.PositionPct = 0
		}
		a.st.LastDirection = state.DirNone
	}
	a.ar = armed{}
	a.enterCooling(ctx)
}

// completeReversalWait is reached once the cooling gap between an OFF
// and a preempting job's ON has elapsed; the job committed at
// preemption time now actually starts (spec.md §4.4 "Reversal
// cooling").
func (a *Actuator) completeReversalWait(ctx context.Context) {
	job := a.ar.job
	a.ar = armed{}
	a.startMotionNow(ctx, job, make(chan intent.Response, 1))
}

// completeCooling returns the actuator to IDLE and drains whatever
// commands accumulated in its level queues while it was moving or
// cooling (spec.md §4.6).
func (a *Actuator) completeCooling(ctx context.Context) {
	a.ar = armed{}
	a.st.Phase = state.PhaseIdle
	a.st.CurrentLevel = 0
	a.persist()
	a.drainQueues(ctx)
}

// completeCalibration ends a CALIBRATING run: position is reset to 0
// (the known, fully-closed reference) and the daily-sweep timestamp is
// stamped (spec.md §4.7, §8 scenario 5).
func (a *Actuator) completeCalibration(ctx context.Context) {
	a.ar = armed{}
	_ = a.bus.Send(ctx, a.id, bus.Off, intent.L2)
	a.st.PositionPct = 0
	a.st.Phase = state.PhaseIdle
	a.st.CurrentLevel = 0
	a.st.LastDirection = state.DirNone
	a.st.LastCalibratedAt = a.now()
	a.persist()
	a.drainQueues(ctx)
}

// enterCooling opens a COOLING window of cooling_sec, or skips
// straight to IDLE when the descriptor carries none.
func (a *Actuator) enterCooling(ctx context.Context) {
	cooling := secondsToDuration(a.desc.CoolingSec)
	if cooling <= 0 {
		a.st.Phase = state.PhaseIdle
		a.st.CurrentLevel = 0
		a.persist()
		a.drainQueues(ctx)
		return
	}
	a.st.Phase = state.PhaseCooling
	a.st.CoolingEndsAt = a.now().Add(cooling)
	a.persist()
	a.ar = armed{kind: timerCooling, timer: time.NewTimer(cooling), startedAt: a.now(), plannedDur: cooling}
}

// handleWatchdogFire is the max_continuous_sec overrun guard: a motion
// that never completed within 1.2x its longest possible planned
// duration is forced off and into COOLING, on the assumption that a
// stuck relay or a miscalibrated descriptor is holding it open or
// closed longer than physically expected (spec.md §4.7).
func (a *Actuator) handleWatchdogFire(ctx context.Context) {
	if a.ar.kind != timerMotion {
		return
	}
	ar := a.ar
	a.log.Warn("motion overrun watchdog fired, forcing COOLING", "actuator", a.id, "job_id", ar.job.JobID)
	if ar.timer != nil {
		ar.timer.Stop()
	}
	a.ar = armed{}

	if a.desc.Kind == registry.KindDuration && a.desc.HasLimit {
		a.st.PositionPct = clampPct(ar.targetPct)
	}
	_ = a.bus.Send(ctx, a.id, bus.Off, ar.job.Level)
	a.enterCooling(ctx)
}
