// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package scheduler owns the process-wide wiring spec.md §9 describes:
// one fsm.Actuator goroutine per registered actuator, plus the
// cross-cutting daily/startup calibration sweep. It generalises the
// teacher's Sim, which drives one goroutine per node to completion and
// multiplexes their output round-robin; here there is no round ever to
// finish, so golang.org/x/sync/errgroup takes the place of Sim's
// hand-rolled scheduling loop to supervise the actuator goroutines and
// propagate the first error or a ctx cancellation to every one of them.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/uecs-ccm/actuatord/internal/bus"
	"github.com/uecs-ccm/actuatord/internal/fsm"
	"github.com/uecs-ccm/actuatord/internal/intent"
	"github.com/uecs-ccm/actuatord/internal/registry"
	"github.com/uecs-ccm/actuatord/internal/safety"
	"github.com/uecs-ccm/actuatord/internal/state"
)

// ErrUnknownActuator mirrors registry.ErrUnknownActuator at the
// scheduler boundary so callers need not import internal/registry.
var ErrUnknownActuator = registry.ErrUnknownActuator

// watchdogEntry is one actuator's outstanding max-continuous overrun
// deadline, ordered into the Scheduler's min-heap by deadline
// (grounded on joeycumines-go-utilpkg/eventloop/loop.go's timerHeap:
// the same container/heap.Interface shape, generalized from a single
// task callback to a per-actuator fire channel).
type watchdogEntry struct {
	actuatorID string
	deadline   time.Time
	fire       chan<- struct{}
	index      int
}

type watchdogHeap []*watchdogEntry

func (h watchdogHeap) Len() int            { return len(h) }
func (h watchdogHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h watchdogHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *watchdogHeap) Push(x any) {
	e := x.(*watchdogEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *watchdogHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the top-level object cmd/actuatord constructs: it owns
// every actuator's goroutine, the daily calibration sweep, and the
// cross-actuator max-continuous watchdog timer queue.
type Scheduler struct {
	reg   *registry.Registry
	bus   bus.Adapter
	store *state.Store
	log   *slog.Logger
	guard *safety.Guard
	rain  safety.RainInterlock

	actuators map[string]*fsm.Actuator

	// watchdog state: a single container/heap priority queue of overrun
	// deadlines across every actuator, dispatched by one goroutine
	// (runWatchdogDispatcher) instead of one goroutine-local time.Timer
	// per actuator (spec.md §4.7, SPEC_FULL.md's Scheduler/FSM split).
	wdMu   sync.Mutex
	wdHeap watchdogHeap
	wdByID map[string]*watchdogEntry
	wdWake chan struct{}
}

// New builds a Scheduler and every Actuator it will run, seeding each
// from the state snapshot already loaded by store.Load (spec.md §4.2,
// §9). It does not start any goroutines; call Run for that.
func New(reg *registry.Registry, adapter bus.Adapter, store *state.Store, log *slog.Logger, guard *safety.Guard, rain safety.RainInterlock) *Scheduler {
	snap := store.Snapshot()
	s := &Scheduler{
		reg:       reg,
		bus:       adapter,
		store:     store,
		log:       log,
		guard:     guard,
		rain:      rain,
		actuators: make(map[string]*fsm.Actuator),
		wdByID:    make(map[string]*watchdogEntry),
		wdWake:    make(chan struct{}, 1),
	}
	for _, d := range reg.Descriptors() {
		initial := snap.Actuators[d.ID]
		s.actuators[d.ID] = fsm.New(d.ID, d, adapter, store, log.With("actuator", d.ID), guard, rain, s, initial)
	}
	return s
}

// Arm implements fsm.WatchdogRegistrar: it replaces any previously
// armed deadline for actuatorID and wakes runWatchdogDispatcher so it
// can re-evaluate the earliest pending deadline.
func (s *Scheduler) Arm(actuatorID string, deadline time.Time, fire chan<- struct{}) {
	s.wdMu.Lock()
	if e, ok := s.wdByID[actuatorID]; ok {
		e.deadline = deadline
		e.fire = fire
		heap.Fix(&s.wdHeap, e.index)
	} else {
		e := &watchdogEntry{actuatorID: actuatorID, deadline: deadline, fire: fire}
		s.wdByID[actuatorID] = e
		heap.Push(&s.wdHeap, e)
	}
	s.wdMu.Unlock()
	s.wakeDispatcher()
}

// Disarm implements fsm.WatchdogRegistrar: it cancels actuatorID's
// outstanding deadline, if any.
func (s *Scheduler) Disarm(actuatorID string) {
	s.wdMu.Lock()
	if e, ok := s.wdByID[actuatorID]; ok {
		heap.Remove(&s.wdHeap, e.index)
		delete(s.wdByID, actuatorID)
	}
	s.wdMu.Unlock()
	s.wakeDispatcher()
}

func (s *Scheduler) wakeDispatcher() {
	select {
	case s.wdWake <- struct{}{}:
	default:
	}
}

// runWatchdogDispatcher is the single goroutine that owns the
// watchdog heap's timer: it always sleeps until the earliest armed
// deadline, re-evaluating whenever Arm/Disarm signals wdWake (spec.md
// §4.7 "Timers must survive coalescing" - a missed tick is detected by
// comparing time.Now() against the armed deadline, not by relying on
// a timer that fired exactly on time).
func (s *Scheduler) runWatchdogDispatcher(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d, ok := s.nextDeadline()
		if !ok {
			stopTimer(timer)
			select {
			case <-ctx.Done():
				return
			case <-s.wdWake:
				continue
			}
		}

		wait := time.Until(d)
		if wait < 0 {
			wait = 0
		}
		stopTimer(timer)
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wdWake:
			continue
		case <-timer.C:
			s.fireExpired(time.Now())
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (s *Scheduler) nextDeadline() (time.Time, bool) {
	s.wdMu.Lock()
	defer s.wdMu.Unlock()
	if len(s.wdHeap) == 0 {
		return time.Time{}, false
	}
	return s.wdHeap[0].deadline, true
}

// fireExpired pops every entry whose deadline is at or before now and
// signals its actuator's fire channel, non-blocking (the channel is
// buffered by the Actuator; a pending signal coalesces rather than
// stalling the dispatcher).
func (s *Scheduler) fireExpired(now time.Time) {
	s.wdMu.Lock()
	var due []*watchdogEntry
	for len(s.wdHeap) > 0 && !s.wdHeap[0].deadline.After(now) {
		e := heap.Pop(&s.wdHeap).(*watchdogEntry)
		delete(s.wdByID, e.actuatorID)
		due = append(due, e)
	}
	s.wdMu.Unlock()

	for _, e := range due {
		select {
		case e.fire <- struct{}{}:
		default:
		}
	}
}

// Run starts every actuator's goroutine and the calibration sweep, and
// blocks until ctx is cancelled or one of them returns an error.
// needsStartupCalibration is true when the restored snapshot was
// either absent or from an unclean shutdown (spec.md §4.7 "a startup
// calibration when ... the state snapshot was loaded from an unclean
// shutdown").
func (s *Scheduler) Run(ctx context.Context, needsStartupCalibration bool) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, a := range s.actuators {
		a := a
		g.Go(func() error {
			a.Run(gctx)
			return nil
		})
	}

	cal := s.reg.Calibration()
	if cal.OnStartup || needsStartupCalibration {
		// An unclean-shutdown snapshot forces recalibration regardless of
		// on_startup (spec.md §4.2/§5: "schedules an immediate calibration
		// before any L3/L4 command is honoured"; §8 scenario 5 is
		// unconditional for an unclean snapshot).
		s.log.Info("running startup calibration sweep")
		s.calibrateAll(gctx)
	}

	g.Go(func() error {
		s.runDailySweep(gctx, cal.DailyResetHour)
		return nil
	})

	g.Go(func() error {
		s.runWatchdogDispatcher(gctx)
		return nil
	})

	return g.Wait()
}

// Submit resolves actuatorID against the registry, builds a MotionJob
// from ci, and forwards it to that actuator's inbox (spec.md §6).
func (s *Scheduler) Submit(ctx context.Context, ci intent.ControlIntent) (intent.Response, error) {
	a, desc, err := s.lookup(ci.ActuatorID)
	if err != nil {
		return intent.Response{Disposition: intent.DispRejected, Reason: intent.ReasonUnknownActuator}, nil
	}
	if !ci.Level.Valid() {
		return intent.Response{}, errors.Errorf("invalid level %d", ci.Level)
	}
	job, err := fsm.BuildJob(desc, ci, uuid.NewString(), time.Now())
	if err != nil {
		return intent.Response{Disposition: intent.DispRejected, Reason: intent.ReasonOutOfRange}, nil
	}
	return a.Submit(ctx, job)
}

// TriggerCalibration starts an out-of-band calibration run on one
// actuator (spec.md §6 "operator-triggered calibration").
func (s *Scheduler) TriggerCalibration(ctx context.Context, actuatorID string) error {
	a, _, err := s.lookup(actuatorID)
	if err != nil {
		return err
	}
	return a.TriggerCalibration(ctx)
}

// Snapshot returns the current persisted view of every actuator, for
// the operator status surface (spec.md §9 supplemented feature).
func (s *Scheduler) Snapshot() state.Snapshot {
	return s.store.Snapshot()
}

func (s *Scheduler) lookup(id string) (*fsm.Actuator, registry.Descriptor, error) {
	desc, err := s.reg.Describe(id)
	if err != nil {
		return nil, registry.Descriptor{}, err
	}
	return s.actuators[id], desc, nil
}

func (s *Scheduler) calibrateAll(ctx context.Context) {
	for id, a := range s.actuators {
		if err := a.TriggerCalibration(ctx); err != nil {
			s.log.Warn("calibration sweep failed", "actuator", id, "err", err)
		}
	}
}

// runDailySweep recalibrates every actuator once per day at
// resetHour, local time (spec.md §4.7 "daily reset").
func (s *Scheduler) runDailySweep(ctx context.Context, resetHour int) {
	for {
		d := untilNextHour(time.Now(), resetHour)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			s.log.Info("running daily calibration sweep")
			s.calibrateAll(ctx)
		}
	}
}

func untilNextHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
