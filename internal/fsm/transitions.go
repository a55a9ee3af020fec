// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package fsm

import (
	"context"
	"time"

	"github.com/uecs-ccm/actuatord/internal/arbiter"
	"github.com/uecs-ccm/actuatord/internal/bus"
	"github.com/uecs-ccm/actuatord/internal/intent"
	"github.com/uecs-ccm/actuatord/internal/registry"
	"github.com/uecs-ccm/actuatord/internal/state"
)

// calibrationSentinel marks a jobRequest as a calibration trigger
// (TriggerCalibration), distinguishing it from an ordinary caller job
// without adding a second inbox channel.
const calibrationSentinel = -1

// handleRequest is the single entry point for every inbound job or
// calibration trigger. It implements the full transition table of
// spec.md §4.4 by consulting arbiter.Decide and then dispatching to
// the appropriate start/preempt helper.
func (a *Actuator) handleRequest(ctx context.Context, req jobRequest) {
	if req.job.DurationSec == calibrationSentinel {
		a.handleCalibrationTrigger(ctx, req)
		return
	}

	currentLevel := intent.Level(a.st.CurrentLevel)
	v := arbiter.Decide(a.st.Phase, currentLevel, req.job.Level)

	switch v.Decision {
	case arbiter.DecReject:
		req.reply <- intent.Response{Disposition: intent.DispRejected, Reason: v.Reason, EtaSec: a.blockingEtaSec()}
		return

	case arbiter.DecLock:
		req.reply <- intent.Response{Disposition: intent.DispLocked, EtaSec: a.remainingMotionSec()}
		return

	case arbiter.DecWait:
		a.enqueue(req)
		return

	case arbiter.DecAccept:
		if a.st.Phase == state.PhaseCalibrating {
			// L2 during calibration: cancel it and start fresh, no freeze
			// math (calibration has no externally meaningful in-flight
			// position, spec.md §4.5 footnote).
			a.stopTimer()
			a.disarmWatchdog()
			_ = a.bus.Send(ctx, a.id, bus.Off, req.job.Level)
			a.dispatchNewJob(ctx, req.job, req.reply, 0)
			return
		}
		a.dispatchNewJob(ctx, req.job, req.reply, 0)
		return

	case arbiter.DecPreempt, arbiter.DecPreemptSame:
		a.preempt(ctx, req)
		return
	}
}

// enqueue pushes a waiting job into its level's queue (spec.md §4.6).
// Since CommandQueue entries are not synchronously replied to until
// dequeued, the caller gets an immediate "queued" acknowledgement.
func (a *Actuator) enqueue(req jobRequest) {
	q := a.queues[req.job.Level]
	dropped := q.Push(req.job, a.now())
	if dropped {
		a.log.Warn("queue overflow, dropped oldest entry", "actuator", a.id, "level", req.job.Level)
	}
	req.reply <- intent.Response{Disposition: intent.DispQueued, EtaSec: a.remainingMotionSec(), JobID: req.job.JobID}
}

// blockingEtaSec reports the ending time of the condition currently
// blocking a REJECT (spec.md §4.5 "REJECT reports the ending time of
// the blocking condition").
func (a *Actuator) blockingEtaSec() float64 {
	switch a.st.Phase {
	case state.PhaseCooling:
		return secondsUntil(a.st.CoolingEndsAt, a.now())
	case state.PhaseCalibrating:
		return secondsUntil(a.st.MotionEndsAt, a.now())
	default:
		return 0
	}
}

// remainingMotionSec reports motion_ends_at - now (spec.md §4.5 "LOCK
// reports the remaining motion_ends_at - now").
func (a *Actuator) remainingMotionSec() float64 {
	return secondsUntil(a.st.MotionEndsAt, a.now())
}

func secondsUntil(t time.Time, now time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// preempt implements every MOVING/COOLING/CALIBRATING row that
// interrupts in-flight state (spec.md §4.4 transitions table).
func (a *Actuator) preempt(ctx context.Context, req jobRequest) {
	switch a.st.Phase {
	case state.PhaseMoving:
		a.preemptMoving(ctx, req)
	case state.PhaseCooling:
		// "cancel cooling; start new job" (spec.md §4.4) - no wait, the
		// actuator is already de-energised.
		a.stopTimer()
		a.dispatchNewJob(ctx, req.job, req.reply, 0)
	case state.PhaseCalibrating:
		// L1 preempt of calibration: the close run is cut short and
		// LastCalibratedAt is cleared. No calibration is queued to follow;
		// the next one is the daily sweep's or an operator-triggered run.
		a.stopTimer()
		a.disarmWatchdog()
		_ = a.bus.Send(ctx, a.id, bus.Off, req.job.Level)
		a.dispatchNewJob(ctx, req.job, req.reply, 0)
		a.st.LastCalibratedAt = time.Time{}
	default:
		a.dispatchNewJob(ctx, req.job, req.reply, 0)
	}
}

// preemptMoving freezes the estimated position, sends OFF, and
// computes the reversal-vs-same-direction cooling wait before the new
// job's ON (spec.md §4.4 "Position freeze on preemption", "Reversal
// cooling").
func (a *Actuator) preemptMoving(ctx context.Context, req jobRequest) {
	elapsed := a.now().Sub(a.ar.startedAt)

	// Irrigation-class emergency OFF: spec.md §4.8/§8 "L1 emergency OFF of
	// irrigation while MOVING: OFF sent immediately, position_pct ... is
	// not updated ... and cooling is skipped."
	if !a.desc.HasLimit && req.job.Level == intent.L1 {
		a.stopTimer()
		a.disarmWatchdog()
		_ = a.bus.Send(ctx, a.id, bus.Off, intent.L1)
		a.st.Phase = state.PhaseIdle
		a.st.LastDirection = state.DirNone
		a.persist()
		req.reply <- intent.Response{Disposition: intent.DispAccepted, JobID: req.job.JobID}
		a.drainQueues(ctx)
		return
	}

	if a.desc.Kind == registry.KindDuration && a.desc.HasLimit && a.ar.kind == timerMotion {
		a.st.PositionPct = freezePosition(a.ar.fromPct, a.ar.targetPct, elapsed, a.ar.plannedDur)
	}
	prevDir := a.ar.direction
	a.stopTimer()
	a.disarmWatchdog()
	_ = a.bus.Send(ctx, a.id, bus.Off, req.job.Level)
	a.persist()

	wait := a.coolingWait(req.job, prevDir)
	a.dispatchNewJob(ctx, req.job, req.reply, wait)
}

// coolingWait returns the wait between OFF and the new ON: zero for an
// L1 preempting level, reversal_cooling_sec if the new job reverses
// direction relative to the interrupted one (prevDir), cooling_sec
// otherwise (spec.md §4.4 "Reversal cooling").
func (a *Actuator) coolingWait(job intent.MotionJob, prevDir intent.Direction) time.Duration {
	if job.Level == intent.L1 {
		return 0
	}
	if !a.desc.HasLimit {
		// Irrigation has no reversal concept; always same-direction cooling.
		return secondsToDuration(a.desc.CoolingSec)
	}
	newDir, _, _ := computeMotion(a.desc, a.st.PositionPct, job.TargetPct)
	if prevDir == "" || prevDir == intent.DirNone || newDir == intent.DirNone || newDir == prevDir {
		return secondsToDuration(a.desc.CoolingSec)
	}
	return secondsToDuration(a.desc.ReversalCoolingSec)
}

// dispatchNewJob either starts job immediately (wait == 0) or arms a
// timerReversalWait so the event loop can still arbitrate an
// even-higher-priority arrival during the wait (spec.md §4.4 direction
// of travel is committed, but the actuator has not yet re-energised).
func (a *Actuator) dispatchNewJob(ctx context.Context, job intent.MotionJob, reply chan intent.Response, wait time.Duration) {
	if wait <= 0 {
		a.startMotionNow(ctx, job, reply)
		return
	}
	a.st.Phase = state.PhaseMoving
	a.st.CurrentLevel = int(job.Level)
	a.persist()
	a.ar = armed{kind: timerReversalWait, timer: time.NewTimer(wait), job: job, startedAt: a.now(), plannedDur: wait}
	reply <- intent.Response{Disposition: intent.DispAccepted, JobID: job.JobID}
}

// startMotionNow validates, safety-clamps, sends ON and arms the
// motion + watchdog timers for job.
func (a *Actuator) startMotionNow(ctx context.Context, job intent.MotionJob, reply chan intent.Response) {
	dir, plannedDur, targetPct, targetState, noop, rejectReason := a.resolveAndClamp(job)
	if rejectReason != "" {
		reply <- intent.Response{Disposition: intent.DispRejected, Reason: rejectReason}
		return
	}
	if noop {
		// "Sending L3 'move to current position' is a no-op success
		// without touching the bus" (spec.md §8).
		reply <- intent.Response{Disposition: intent.DispAccepted, JobID: job.JobID}
		a.st.Phase = state.PhaseIdle
		a.persist()
		return
	}

	value := bus.On
	if a.desc.Kind == registry.KindOnOff && !targetState {
		value = bus.Off
	}
	_ = a.bus.Send(ctx, a.id, value, job.Level)

	a.ar = armed{
		kind:       timerMotion,
		timer:      time.NewTimer(plannedDur),
		startedAt:  a.now(),
		plannedDur: plannedDur,
		direction:  dir,
		targetPct:  targetPct,
		targetState: targetState,
		job:        job,
		fromPct:    a.st.PositionPct,
	}
	if a.desc.Kind == registry.KindDuration && a.desc.HasLimit && a.watchdogs != nil {
		// Only travel actuators need the overrun guard: irrigation
		// self-terminates via max_duration_sec, onoff motion is instant
		// (spec.md §4.7). The deadline is owned by the Scheduler's
		// heap-backed WatchdogRegistrar, not a local timer.
		deadline := a.now().Add(secondsToDuration(a.desc.MaxContinuousSec()))
		a.watchdogs.Arm(a.id, deadline, a.watchdogFire)
	}

	a.st.Phase = state.PhaseMoving
	a.st.CurrentLevel = int(job.Level)
	a.st.LastDirection = state.Direction(dir)
	a.st.MotionStartedAt = a.now()
	a.st.MotionEndsAt = a.now().Add(plannedDur)
	a.persist()

	reply <- intent.Response{Disposition: intent.DispAccepted, JobID: job.JobID, EtaSec: plannedDur.Seconds()}
}

// resolveAndClamp computes the motion parameters for job and applies
// the SafetyGuard bounds of spec.md §4.8 (irrigation absolute cap,
// travel cap, rain interlock).
func (a *Actuator) resolveAndClamp(job intent.MotionJob) (dir intent.Direction, dur time.Duration, targetPct int, targetState bool, noop bool, reject intent.RejectReason) {
	if a.desc.Kind == registry.KindOnOff {
		targetState = job.TargetState
		if a.rain != nil && a.rain() && a.desc.RoofWindow && job.Level == intent.L4 && targetState {
			return intent.DirNone, 0, 0, false, false, intent.ReasonRain
		}
		return intent.DirNone, 0, 0, targetState, false, ""
	}

	if !a.desc.HasLimit {
		// Irri-class: caller supplies duration directly, clamped to
		// max_duration_sec regardless of level (spec.md §3 invariant 4,
		// §4.8, §8 "Irrigation clamp").
		secs := a.guard.ClampIrrigation(job.DurationSec, a.desc)
		return intent.DirOpen, secondsToDuration(secs), 100, true, false, ""
	}

	dir, dur, noop = computeMotion(a.desc, a.st.PositionPct, job.TargetPct)
	if noop {
		return dir, 0, job.TargetPct, false, true, ""
	}
	if a.rain != nil && a.rain() && a.desc.RoofWindow && job.Level == intent.L4 && dir == intent.DirOpen {
		return dir, 0, job.TargetPct, false, false, intent.ReasonRain
	}
	dur = secondsToDuration(a.guard.ClampTravel(dur.Seconds(), a.desc))
	return dir, dur, job.TargetPct, false, false, ""
}

func (a *Actuator) drainQueues(ctx context.Context) {
	if a.st.Phase != state.PhaseIdle {
		return
	}
	for _, lvl := range []intent.Level{intent.L1, intent.L2, intent.L3, intent.L4} {
		q := a.queues[lvl]
		for !q.Empty() {
			ent, expired, ok := q.Pop(a.now())
			for _, e := range expired {
				a.log.Info("queued job expired", "actuator", a.id, "job_id", e.Job.JobID)
			}
			if !ok {
				break
			}
			reply := make(chan intent.Response, 1)
			a.handleRequest(ctx, jobRequest{job: ent.Job, reply: reply})
			<-reply
			return
		}
	}
}
