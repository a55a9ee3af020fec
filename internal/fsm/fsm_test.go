// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package fsm

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uecs-ccm/actuatord/internal/bus"
	"github.com/uecs-ccm/actuatord/internal/intent"
	"github.com/uecs-ccm/actuatord/internal/registry"
	"github.com/uecs-ccm/actuatord/internal/safety"
	"github.com/uecs-ccm/actuatord/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWatchdog is a test-local stand-in for the Scheduler's heap-backed
// WatchdogRegistrar: fsm tests construct Actuators directly, without a
// Scheduler, so each actuator id gets its own time.AfterFunc timer
// instead of a shared container/heap priority queue.
type fakeWatchdog struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newFakeWatchdog() *fakeWatchdog {
	return &fakeWatchdog{timers: make(map[string]*time.Timer)}
}

func (w *fakeWatchdog) Arm(actuatorID string, deadline time.Time, fire chan<- struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[actuatorID]; ok {
		t.Stop()
	}
	w.timers[actuatorID] = time.AfterFunc(time.Until(deadline), func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	})
}

func (w *fakeWatchdog) Disarm(actuatorID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[actuatorID]; ok {
		t.Stop()
		delete(w.timers, actuatorID)
	}
}

func roofWindowDesc() registry.Descriptor {
	return registry.Descriptor{
		ID:                 "VenSdWin",
		Kind:               registry.KindDuration,
		HasLimit:           true,
		RoofWindow:         true,
		FullOpenSec:        0.2,
		FullCloseSec:       0.2,
		CoolingSec:         0.03,
		ReversalCoolingSec: 0.05,
	}
}

func onoffDesc() registry.Descriptor {
	return registry.Descriptor{
		ID:         "Fan1",
		Kind:       registry.KindOnOff,
		CoolingSec: 0.03,
	}
}

func irriDesc() registry.Descriptor {
	return registry.Descriptor{
		ID:             "Irri1",
		Kind:           registry.KindDuration,
		HasLimit:       false,
		FullOpenSec:    1,
		FullCloseSec:   1,
		MaxDurationSec: 0.3,
		CoolingSec:     0.02,
	}
}

func newTestActuator(t *testing.T, desc registry.Descriptor) (*Actuator, *bus.MemBus) {
	t.Helper()
	b := bus.NewMemBus()
	store := state.Open(filepath.Join(t.TempDir(), "state.json"))
	guard := safety.NewGuard()
	a := New(desc.ID, desc, b, store, testLogger(), guard, nil, newFakeWatchdog(), state.ActuatorState{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	return a, b
}

func submit(t *testing.T, a *Actuator, target float64, level intent.Level) intent.Response {
	t.Helper()
	job, err := BuildJob(a.desc, intent.ControlIntent{
		ActuatorID: a.id,
		Target:     intent.Target{Kind: intent.TargetPercent, Value: target},
		Level:      level,
	}, "job-"+level.String(), time.Now())
	require.NoError(t, err)
	resp, err := a.Submit(context.Background(), job)
	require.NoError(t, err)
	return resp
}

func TestAcceptFromIdleOpensAndCools(t *testing.T) {
	a, b := newTestActuator(t, roofWindowDesc())

	resp := submit(t, a, 100, intent.L3)
	assert.Equal(t, intent.DispAccepted, resp.Disposition)

	time.Sleep(50 * time.Millisecond)
	last, ok := b.LastSent("VenSdWin")
	require.True(t, ok)
	assert.Equal(t, bus.On, last.Value)

	// full_open_sec (200ms) + cooling_sec (30ms), generous margin.
	time.Sleep(400 * time.Millisecond)
	last, ok = b.LastSent("VenSdWin")
	require.True(t, ok)
	assert.Equal(t, bus.Off, last.Value)
	snap := a.Snapshot()
	assert.Equal(t, state.PhaseIdle, snap.Phase)
	assert.Equal(t, 100, snap.PositionPct)
}

func TestL2PreemptsL3WithPositionFreezeAndReversalCooling(t *testing.T) {
	a, b := newTestActuator(t, roofWindowDesc())

	resp := submit(t, a, 100, intent.L3)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	// Preempt roughly 40% into the 200ms open run.
	time.Sleep(80 * time.Millisecond)
	resp = submit(t, a, 0, intent.L2)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	snap := a.Snapshot()
	assert.InDelta(t, 40, snap.PositionPct, 20, "position should freeze near the elapsed fraction of travel")

	last, ok := b.LastSent("VenSdWin")
	require.True(t, ok)
	assert.Equal(t, bus.Off, last.Value, "preemption must immediately send OFF")

	// Reversal cooling (50ms) must elapse before the new close motion starts.
	time.Sleep(20 * time.Millisecond)
	snap = a.Snapshot()
	assert.Equal(t, state.PhaseMoving, snap.Phase, "actuator stays MOVING through the reversal wait, not yet re-energised")

	time.Sleep(300 * time.Millisecond)
	snap = a.Snapshot()
	assert.Equal(t, state.PhaseIdle, snap.Phase)
	assert.Equal(t, 0, snap.PositionPct)
}

func TestL4WaitsBehindL3(t *testing.T) {
	a, _ := newTestActuator(t, roofWindowDesc())

	resp := submit(t, a, 100, intent.L3)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	resp = submit(t, a, 50, intent.L4)
	assert.Equal(t, intent.DispQueued, resp.Disposition)
}

func TestL4LocksBehindL4(t *testing.T) {
	a, _ := newTestActuator(t, roofWindowDesc())

	resp := submit(t, a, 100, intent.L4)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	resp = submit(t, a, 50, intent.L4)
	assert.Equal(t, intent.DispLocked, resp.Disposition)
}

func TestSameTargetIsNoopSuccess(t *testing.T) {
	a, b := newTestActuator(t, roofWindowDesc())
	resp := submit(t, a, 0, intent.L3) // already at position 0
	assert.Equal(t, intent.DispAccepted, resp.Disposition)
	assert.Empty(t, b.Sent(), "a no-op move must never touch the bus")
}

func TestIrrigationL1EmergencyOffSkipsCoolingAndPosition(t *testing.T) {
	a, b := newTestActuator(t, irriDesc())

	job, err := BuildJob(a.desc, intent.ControlIntent{
		ActuatorID: a.id,
		Target:     intent.Target{Kind: intent.TargetSeconds, Value: 1},
		Level:      intent.L4,
	}, "job-l4", time.Now())
	require.NoError(t, err)
	resp, err := a.Submit(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	time.Sleep(20 * time.Millisecond)

	offJob, err := BuildJob(a.desc, intent.ControlIntent{
		ActuatorID: a.id,
		Target:     intent.Target{Kind: intent.TargetBinary, Value: 0},
		Level:      intent.L1,
	}, "job-l1-off", time.Now())
	require.NoError(t, err)
	resp, err = a.Submit(context.Background(), offJob)
	require.NoError(t, err)
	assert.Equal(t, intent.DispAccepted, resp.Disposition)

	time.Sleep(10 * time.Millisecond)
	last, ok := b.LastSent("Irri1")
	require.True(t, ok)
	assert.Equal(t, bus.Off, last.Value)

	snap := a.Snapshot()
	assert.Equal(t, state.PhaseIdle, snap.Phase, "emergency OFF returns straight to IDLE, skipping cooling")
	assert.Equal(t, 0, snap.PositionPct, "irrigation never tracks position")
}

func TestCalibrationDrivesToZeroAndStampsTimestamp(t *testing.T) {
	a, b := newTestActuator(t, roofWindowDesc())

	require.NoError(t, a.TriggerCalibration(context.Background()))

	last, ok := b.LastSent("VenSdWin")
	require.True(t, ok)
	assert.Equal(t, bus.On, last.Value)

	snap := a.Snapshot()
	assert.Equal(t, state.PhaseCalibrating, snap.Phase)

	// calibration_sec = full_close_sec * 1.2 = 240ms, generous margin.
	time.Sleep(400 * time.Millisecond)
	snap = a.Snapshot()
	assert.Equal(t, state.PhaseIdle, snap.Phase)
	assert.Equal(t, 0, snap.PositionPct)
	assert.False(t, snap.LastCalibratedAt.IsZero())
}

func TestOnOffTurnOnHoldsPosition100AndStaysOn(t *testing.T) {
	a, b := newTestActuator(t, onoffDesc())

	job, err := BuildJob(a.desc, intent.ControlIntent{
		ActuatorID: a.id,
		Target:     intent.Target{Kind: intent.TargetBinary, Value: 1},
		Level:      intent.L3,
	}, "job-on", time.Now())
	require.NoError(t, err)
	resp, err := a.Submit(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	// cooling_sec (30ms), generous margin; onoff motion completes
	// immediately, there is no travel duration to wait out.
	time.Sleep(200 * time.Millisecond)

	last, ok := b.LastSent("Fan1")
	require.True(t, ok)
	assert.Equal(t, bus.On, last.Value, "turning on must not be followed by a spurious OFF")
	assert.Len(t, b.Sent(), 1, "an onoff ON command sends exactly one logical command")

	snap := a.Snapshot()
	assert.Equal(t, 100, snap.PositionPct)
	assert.Equal(t, state.PhaseIdle, snap.Phase)
}

func TestOnOffTurnOffHoldsPosition0(t *testing.T) {
	a, b := newTestActuator(t, onoffDesc())

	job, err := BuildJob(a.desc, intent.ControlIntent{
		ActuatorID: a.id,
		Target:     intent.Target{Kind: intent.TargetBinary, Value: 0},
		Level:      intent.L3,
	}, "job-off", time.Now())
	require.NoError(t, err)
	resp, err := a.Submit(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	time.Sleep(200 * time.Millisecond)

	last, ok := b.LastSent("Fan1")
	require.True(t, ok)
	assert.Equal(t, bus.Off, last.Value)

	snap := a.Snapshot()
	assert.Equal(t, 0, snap.PositionPct)
	assert.Equal(t, state.PhaseIdle, snap.Phase)
}

func TestOprDivergenceLogsOnceThenClears(t *testing.T) {
	a, _ := newTestActuator(t, roofWindowDesc())

	resp := submit(t, a, 100, intent.L3)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	// actuator believes it is MOVING (commanded ON); an opr reading of
	// OFF disagrees and should be logged once it has persisted past the
	// retransmission window, then cleared once they agree again.
	b, ok := a.bus.(*bus.MemBus)
	require.True(t, ok)

	b.PublishOpr("VenSdWin", bus.OprReading{Value: bus.Off, ObservedAt: time.Now()})
	time.Sleep(10 * time.Millisecond)
	b.PublishOpr("VenSdWin", bus.OprReading{Value: bus.Off, ObservedAt: time.Now().Add(200 * time.Millisecond)})
	time.Sleep(10 * time.Millisecond)
	assert.True(t, a.oprMismatch, "divergence persisting past the retransmission window should be flagged")

	b.PublishOpr("VenSdWin", bus.OprReading{Value: bus.On, ObservedAt: time.Now().Add(210 * time.Millisecond)})
	time.Sleep(10 * time.Millisecond)
	assert.False(t, a.oprMismatch, "agreement clears the flag")
}

func TestQueuedJobDrainsOnReturnToIdle(t *testing.T) {
	a, b := newTestActuator(t, roofWindowDesc())

	resp := submit(t, a, 100, intent.L3)
	require.Equal(t, intent.DispAccepted, resp.Disposition)

	resp = submit(t, a, 30, intent.L4)
	require.Equal(t, intent.DispQueued, resp.Disposition)

	// full_open_sec (200ms) + cooling_sec (30ms) + drained L4 motion, generous margin.
	time.Sleep(600 * time.Millisecond)

	last, ok := b.LastSent("VenSdWin")
	require.True(t, ok)
	assert.Equal(t, bus.Off, last.Value)
	snap := a.Snapshot()
	assert.Equal(t, 30, snap.PositionPct)
}
