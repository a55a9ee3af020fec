// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package fsm

import (
	"context"

	"github.com/uecs-ccm/actuatord/internal/bus"
	"github.com/uecs-ccm/actuatord/internal/state"
)

// oprDivergenceWindow is how long the opr corroborator may disagree
// with the estimated phase before it is logged (spec.md §9: "may be
// used only to flag divergence (log + alert)"). Set to one full
// retransmission window, matching the time a genuine command is still
// in flight and a transient disagreement is expected.
const oprDivergenceWindow = bus.RepeatCount * bus.RepeatSpacing

// subscribeOpr opens the optional operational-status stream for this
// actuator. A nil channel (no corroborator published, or the adapter
// returned an error) simply blocks forever in Run's select, same as
// any other unarmed timer case.
func (a *Actuator) subscribeOpr(ctx context.Context) <-chan bus.OprReading {
	ch, err := a.bus.SubscribeOpr(ctx, a.id)
	if err != nil {
		a.log.Warn("opr subscription unavailable", "actuator", a.id, "err", err)
		return nil
	}
	return ch
}

// handleOprReading compares one opr observation against the phase the
// FSM believes it commanded and logs a warning the first time the two
// have disagreed for longer than oprDivergenceWindow. It never rewrites
// position_pct or Phase (spec.md §9: "not to silently rewrite
// position_pct").
func (a *Actuator) handleOprReading(r bus.OprReading) {
	expectedOn := a.st.Phase == state.PhaseMoving
	observedOn := r.Value == bus.On

	if observedOn == expectedOn {
		a.lastOprAgreeAt = r.ObservedAt
		a.oprMismatch = false
		return
	}
	if a.lastOprAgreeAt.IsZero() {
		a.lastOprAgreeAt = r.ObservedAt
		return
	}
	if !a.oprMismatch && r.ObservedAt.Sub(a.lastOprAgreeAt) >= oprDivergenceWindow {
		a.log.Warn("opr corroborator diverges from estimated phase",
			"actuator", a.id, "expected_on", expectedOn, "observed_on", observedOn,
			"since", a.lastOprAgreeAt)
		a.oprMismatch = true
	}
}
