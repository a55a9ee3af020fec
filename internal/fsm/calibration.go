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

// handleCalibrationTrigger routes a calibration request through the
// same arbiter as an ordinary job, since calibration carries L2
// priority (spec.md §4.5 footnote, §4.7). onoff actuators have no
// travel estimate to recalibrate and reject outright.
func (a *Actuator) handleCalibrationTrigger(ctx context.Context, req jobRequest) {
	if a.desc.Kind != registry.KindDuration {
		req.reply <- intent.Response{Disposition: intent.DispRejected, Reason: intent.ReasonOutOfRange}
		return
	}
	if a.st.Phase == state.PhaseCalibrating {
		req.reply <- intent.Response{Disposition: intent.DispAccepted}
		return
	}

	currentLevel := intent.Level(a.st.CurrentLevel)
	v := arbiter.Decide(a.st.Phase, currentLevel, intent.L2)

	switch v.Decision {
	case arbiter.DecReject:
		req.reply <- intent.Response{Disposition: intent.DispRejected, Reason: v.Reason, EtaSec: a.blockingEtaSec()}
	case arbiter.DecLock:
		req.reply <- intent.Response{Disposition: intent.DispLocked, EtaSec: a.remainingMotionSec()}
	case arbiter.DecWait:
		a.enqueue(req)
	case arbiter.DecPreempt, arbiter.DecPreemptSame, arbiter.DecAccept:
		if a.st.Phase == state.PhaseMoving {
			a.stopTimer()
			a.disarmWatchdog()
			_ = a.bus.Send(ctx, a.id, bus.Off, intent.L2)
		} else if a.st.Phase == state.PhaseCooling {
			a.stopTimer()
		}
		a.startCalibration(ctx, req)
	}
}

// startCalibration arms the calibrating-close run: full_close_sec*1.2
// driving toward position 0 (spec.md §4.4, §4.7, §8 scenario 5).
func (a *Actuator) startCalibration(ctx context.Context, req jobRequest) {
	dur := secondsToDuration(a.desc.CalibrationSec())
	_ = a.bus.Send(ctx, a.id, bus.On, intent.L2)

	a.ar = armed{
		kind:       timerCalibration,
		timer:      time.NewTimer(dur),
		startedAt:  a.now(),
		plannedDur: dur,
		direction:  intent.DirClose,
		targetPct:  0,
		fromPct:    a.st.PositionPct,
	}
	a.st.Phase = state.PhaseCalibrating
	a.st.CurrentLevel = int(intent.L2)
	a.st.LastDirection = state.DirClose
	a.st.MotionStartedAt = a.now()
	a.st.MotionEndsAt = a.now().Add(dur)
	a.persist()

	req.reply <- intent.Response{Disposition: intent.DispAccepted, EtaSec: dur.Seconds()}
}
