// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package fsm implements the ActuatorFSM of spec.md §4.4: one state
// machine per actuator id, the safety-relevant heart of the system.
//
// Each Actuator runs as its own goroutine reading from an inbox
// channel, generalized from the teacher's node.go actor (channel
// inbox, Timer/Ding pair, Handler.Handle) from a discrete-event
// simulation clock to the real wall clock: Node.Timer there becomes
// time.NewTimer here, and Ding becomes an ordinary timer-channel case
// in the same select loop that reads the inbox. Because exactly one
// goroutine ever mutates an Actuator's state.ActuatorState, the
// "exclusive per-actuator lock" spec.md §4.4/§5 requires falls out of
// the actor pattern for free — there is no separate mutex for st.
package fsm

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/uecs-ccm/actuatord/internal/arbiter"
	"github.com/uecs-ccm/actuatord/internal/bus"
	"github.com/uecs-ccm/actuatord/internal/intent"
	"github.com/uecs-ccm/actuatord/internal/queue"
	"github.com/uecs-ccm/actuatord/internal/registry"
	"github.com/uecs-ccm/actuatord/internal/safety"
	"github.com/uecs-ccm/actuatord/internal/state"
)

// timerKind distinguishes what an armed timer means to handleTimerFire
// and handleWatchdogFire, since all of them resolve to the same
// time.Timer-backed select case.
type timerKind int

const (
	timerNone timerKind = iota
	timerMotion
	timerCooling
	timerCalibration
	timerReversalWait
)

// armed describes the one outstanding timer an Actuator may have at a
// time (spec.md §3 invariant 2: "no concurrent MOVING for the same
// actuator id").
type armed struct {
	kind        timerKind
	timer       *time.Timer
	startedAt   time.Time
	plannedDur  time.Duration
	direction   intent.Direction
	targetPct   int
	targetState bool
	job         intent.MotionJob // the job this timer will execute (set for timerReversalWait)
	fromPct     int              // position at motion start, for the freeze formula
}

// jobRequest is one inbox message: a submitted job plus the channel to
// reply on.
type jobRequest struct {
	job   intent.MotionJob
	reply chan intent.Response
}

// Persister is the subset of *state.Store an Actuator needs.
type Persister interface {
	Put(id string, st state.ActuatorState) error
}

// WatchdogRegistrar is the max-continuous overrun guard an Actuator
// delegates to rather than arming its own timer for (spec.md §4.7;
// SPEC_FULL.md's Scheduler/FSM split: per-actuator motion and cooling
// timers stay local to the Actuator goroutine, but the overrun
// watchdog is a cross-cutting concern the Scheduler owns, centralized
// behind one container/heap timer-priority-queue instead of one
// goroutine-local time.Timer per actuator). Arm replaces any
// previously armed deadline for actuatorID; the registrar sends on
// fire (non-blocking) when a deadline elapses before Disarm is called.
type WatchdogRegistrar interface {
	Arm(actuatorID string, deadline time.Time, fire chan<- struct{})
	Disarm(actuatorID string)
}

// Actuator is one instance of the per-actuator state machine.
type Actuator struct {
	id        string
	desc      registry.Descriptor
	bus       bus.Adapter
	store     Persister
	log       *slog.Logger
	guard     *safety.Guard
	rain      safety.RainInterlock
	watchdogs WatchdogRegistrar

	clock func() time.Time // injectable for deterministic tests

	st state.ActuatorState
	ar armed

	watchdogFire chan struct{} // signaled by watchdogs when this actuator's deadline elapses

	queues map[intent.Level]*queue.Queue

	inbox chan jobRequest

	// lastOprAgreeAt and oprMismatch track when the optional opr
	// corroborator disagrees with the estimated phase for longer than
	// one retransmission window (spec.md §9), see handleOprReading.
	lastOprAgreeAt time.Time
	oprMismatch    bool
}

// New constructs an Actuator. It does not start the goroutine; call
// Run for that.
func New(id string, desc registry.Descriptor, adapter bus.Adapter, store Persister, log *slog.Logger, guard *safety.Guard, rain safety.RainInterlock, watchdogs WatchdogRegistrar, initial state.ActuatorState) *Actuator {
	queueTTL := 30 * time.Second
	a := &Actuator{
		id:           id,
		desc:         desc,
		bus:          adapter,
		store:        store,
		log:          log,
		guard:        guard,
		rain:         rain,
		watchdogs:    watchdogs,
		clock:        time.Now,
		st:           initial,
		watchdogFire: make(chan struct{}, 1),
		inbox:        make(chan jobRequest, 4),
		queues: map[intent.Level]*queue.Queue{
			intent.L1: queue.New(queue.DefaultCapacity, queueTTL),
			intent.L2: queue.New(queue.DefaultCapacity, queueTTL),
			intent.L3: queue.New(queue.DefaultCapacity, queueTTL),
			intent.L4: queue.New(queue.DefaultCapacity, queueTTL),
		},
	}
	if a.st.Phase == "" {
		a.st.Phase = state.PhaseIdle
	}
	return a
}

// ID returns the actuator's id.
func (a *Actuator) ID() string { return a.id }

// Snapshot returns a copy of the actuator's current persisted-shape state.
func (a *Actuator) Snapshot() state.ActuatorState { return a.st }

// Submit sends job to the actuator's inbox and waits for its
// disposition. It is safe to call concurrently from multiple callers;
// the FSM goroutine linearises arrivals (spec.md §5 "Ordering
// guarantees").
func (a *Actuator) Submit(ctx context.Context, job intent.MotionJob) (intent.Response, error) {
	req := jobRequest{job: job, reply: make(chan intent.Response, 1)}
	select {
	case a.inbox <- req:
	case <-ctx.Done():
		return intent.Response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return intent.Response{}, ctx.Err()
	}
}

// TriggerCalibration requests the actuator begin calibration. It is a
// no-op if the actuator is onoff-kind (calibration only applies to
// duration actuators with a travel estimate to reset, spec.md §4.4
// invariant 5) or already calibrating.
func (a *Actuator) TriggerCalibration(ctx context.Context) error {
	req := jobRequest{job: intent.MotionJob{ActuatorID: a.id, Level: intent.L2, Origin: "calibration"}, reply: make(chan intent.Response, 1)}
	req.job.DurationSec = -1 // sentinel: calibrate, see handleRequest
	select {
	case a.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the actuator's event loop until ctx is cancelled. On
// cancellation, any in-flight motion is stopped with an OFF send
// before the goroutine exits (spec.md §9: "the core's responsibility
// ends at sending the OFF on shutdown").
func (a *Actuator) Run(ctx context.Context) {
	oprCh := a.subscribeOpr(ctx)
	for {
		select {
		case <-ctx.Done():
			a.shutdown(ctx)
			return
		case req := <-a.inbox:
			a.handleRequest(ctx, req)
		case <-a.timerC():
			a.handleTimerFire(ctx)
		case <-a.watchdogFire:
			a.handleWatchdogFire(ctx)
		case r := <-oprCh:
			a.handleOprReading(r)
		}
	}
}

// timerC returns the channel of the currently armed timer, or nil (a
// permanently-blocking case) when no timer is armed.
func (a *Actuator) timerC() <-chan time.Time {
	if a.ar.timer == nil {
		return nil
	}
	return a.ar.timer.C
}

// disarmWatchdog cancels any outstanding overrun deadline registered
// for this actuator with the Scheduler's WatchdogRegistrar.
func (a *Actuator) disarmWatchdog() {
	if a.watchdogs != nil {
		a.watchdogs.Disarm(a.id)
	}
}

func (a *Actuator) now() time.Time { return a.clock() }

func (a *Actuator) persist() {
	if err := a.store.Put(a.id, a.st); err != nil {
		a.log.Warn("persist failed", "actuator", a.id, "err", err)
	}
}

func (a *Actuator) shutdown(ctx context.Context) {
	if a.st.Phase == state.PhaseMoving || a.st.Phase == state.PhaseCalibrating || a.ar.kind == timerMotion {
		a.stopTimer()
		a.disarmWatchdog()
		_ = a.bus.Send(context.Background(), a.id, bus.Off, intent.L1)
	}
}

func (a *Actuator) stopTimer() {
	if a.ar.timer != nil {
		a.ar.timer.Stop()
	}
	a.ar = armed{}
}

func round(f float64) int {
	return int(math.Round(f))
}

func clampPct(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
