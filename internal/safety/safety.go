// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package safety implements the SafetyGuard of spec.md §4.8: the
// last-mile clamp every resolved motion passes through before it is
// allowed to reach the bus, plus the rain interlock that roof-window
// actuators consult for automatic (L4) commands.
package safety

import "github.com/uecs-ccm/actuatord/internal/registry"

// RainInterlock reports whether rain is currently being sensed. A nil
// RainInterlock is treated as "never raining" by callers.
type RainInterlock func() bool

// Guard enforces the absolute bounds of spec.md §3/§4.8: irrigation's
// max_duration_sec cap and the travel-time sanity clamp used as a
// second line of defense behind the overrun watchdog.
type Guard struct{}

// NewGuard returns a Guard. It carries no state; it exists as a type
// so call sites read as "pass the safety guard", matching the way the
// rest of the FSM takes its collaborators as explicit arguments.
func NewGuard() *Guard { return &Guard{} }

// ClampIrrigation caps a caller-supplied seconds target at
// max_duration_sec, the only bound an Irri-class actuator has since it
// carries no physical limit (spec.md §3 invariant 4).
func (g *Guard) ClampIrrigation(requestedSec float64, desc registry.Descriptor) float64 {
	if requestedSec < 0 {
		return 0
	}
	if desc.MaxDurationSec > 0 && requestedSec > desc.MaxDurationSec {
		return desc.MaxDurationSec
	}
	return requestedSec
}

// ClampTravel bounds a computed travel duration at
// max_continuous_sec, the same ceiling the overrun watchdog arms
// against, so a descriptor error can never plan a motion the watchdog
// would immediately have to kill.
func (g *Guard) ClampTravel(plannedSec float64, desc registry.Descriptor) float64 {
	max := desc.MaxContinuousSec()
	if max > 0 && plannedSec > max {
		return max
	}
	return plannedSec
}
