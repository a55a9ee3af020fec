// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/uecs-ccm/actuatord/internal/intent"
	"github.com/uecs-ccm/actuatord/internal/state"
)

func TestDecideIdleAlwaysAccepts(t *testing.T) {
	for _, l := range []intent.Level{intent.L1, intent.L2, intent.L3, intent.L4, intent.L5} {
		v := Decide(state.PhaseIdle, 0, l)
		assert.Equal(t, DecAccept, v.Decision, "level %s", l)
		assert.Equal(t, intent.DispAccepted, v.External())
	}
}

func TestDecideMoving(t *testing.T) {
	cases := []struct {
		current  intent.Level
		incoming intent.Level
		want     Decision
	}{
		// MOVING@L1: resolved Open Question, see DESIGN.md.
		{intent.L1, intent.L1, DecPreempt},
		{intent.L1, intent.L2, DecLock},
		{intent.L1, intent.L3, DecLock},
		{intent.L1, intent.L4, DecLock},

		{intent.L2, intent.L1, DecPreempt},
		{intent.L2, intent.L2, DecPreempt},
		{intent.L2, intent.L3, DecWait},
		{intent.L2, intent.L4, DecWait},

		{intent.L3, intent.L1, DecPreempt},
		{intent.L3, intent.L2, DecPreempt},
		{intent.L3, intent.L3, DecPreemptSame},
		{intent.L3, intent.L4, DecWait},

		{intent.L4, intent.L1, DecPreempt},
		{intent.L4, intent.L2, DecPreempt},
		{intent.L4, intent.L3, DecPreempt},
		{intent.L4, intent.L4, DecLock},
	}
	for _, c := range cases {
		v := Decide(state.PhaseMoving, c.current, c.incoming)
		assert.Equalf(t, c.want, v.Decision, "current=%s incoming=%s", c.current, c.incoming)
	}
}

func TestDecideCooling(t *testing.T) {
	assert.Equal(t, DecPreempt, Decide(state.PhaseCooling, intent.L3, intent.L1).Decision)
	assert.Equal(t, DecPreempt, Decide(state.PhaseCooling, intent.L3, intent.L2).Decision)
	for _, l := range []intent.Level{intent.L3, intent.L4, intent.L5} {
		v := Decide(state.PhaseCooling, intent.L3, l)
		assert.Equal(t, DecReject, v.Decision)
		assert.Equal(t, intent.ReasonCooling, v.Reason)
	}
}

func TestDecideCalibrating(t *testing.T) {
	assert.Equal(t, DecPreempt, Decide(state.PhaseCalibrating, intent.L2, intent.L1).Decision)
	assert.Equal(t, DecAccept, Decide(state.PhaseCalibrating, intent.L2, intent.L2).Decision)
	for _, l := range []intent.Level{intent.L3, intent.L4, intent.L5} {
		v := Decide(state.PhaseCalibrating, intent.L2, l)
		assert.Equal(t, DecReject, v.Decision)
		assert.Equal(t, intent.ReasonCalibrating, v.Reason)
	}
}

func TestVerdictExternal(t *testing.T) {
	assert.Equal(t, intent.DispAccepted, Verdict{Decision: DecPreemptSame}.External())
	assert.Equal(t, intent.DispQueued, Verdict{Decision: DecWait}.External())
	assert.Equal(t, intent.DispLocked, Verdict{Decision: DecLock}.External())
	assert.Equal(t, intent.DispRejected, Verdict{Decision: DecReject}.External())
}
