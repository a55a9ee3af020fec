// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package intent defines the wire-level vocabulary shared by every
// component of the actuator core: the upstream control intent a caller
// submits, the disposition the core returns, and the ephemeral motion
// job an accepted intent becomes. These are the shapes named in
// spec.md §6, not the transport that carries them.
package intent

import "time"

// Level is the 1..5 priority tier a command is submitted at.
// L1 is emergency, L5 is fallback-autonomous.
type Level int

const (
	L1 Level = 1 // emergency
	L2 Level = 2 // safety
	L3 Level = 3 // manual
	L4 Level = 4 // automatic
	L5 Level = 5 // fallback-autonomous
)

func (l Level) Valid() bool { return l >= L1 && l <= L5 }

func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	case L4:
		return "L4"
	case L5:
		return "L5"
	default:
		return "L?"
	}
}

// TargetKind distinguishes the three shapes a caller may submit a
// target in, per spec.md §6.
type TargetKind string

const (
	TargetPercent TargetKind = "percent"
	TargetSeconds TargetKind = "seconds"
	TargetBinary  TargetKind = "binary"
)

// Target is the caller-supplied destination for a ControlIntent.
type Target struct {
	Kind  TargetKind
	Value float64 // percent 0..100, seconds >0, or 0/1 for binary
}

// ControlIntent is what an external caller submits (spec.md §6 upstream).
type ControlIntent struct {
	ActuatorID string
	Target     Target
	Level      Level
	Origin     string
}

// Disposition is the outcome classification the arbiter assigns to an
// intent (spec.md §4.5, §6).
type Disposition string

const (
	DispAccepted Disposition = "accepted"
	DispQueued   Disposition = "queued"
	DispLocked   Disposition = "locked"
	DispRejected Disposition = "rejected"
)

// RejectReason enumerates the error kinds of spec.md §7 that produce a
// rejected or locked disposition.
type RejectReason string

const (
	ReasonUnknownActuator RejectReason = "UNKNOWN_ACTUATOR"
	ReasonOutOfRange      RejectReason = "OUT_OF_RANGE"
	ReasonLocked          RejectReason = "LOCKED"
	ReasonCooling         RejectReason = "COOLING"
	ReasonCalibrating     RejectReason = "CALIBRATING"
	ReasonRain            RejectReason = "RAIN_INTERLOCK"
)

// Response is the shape returned to the caller (spec.md §6 downstream).
type Response struct {
	Disposition Disposition
	EtaSec      float64
	Reason      RejectReason
	JobID       string
}

// Direction is the direction of travel of a duration actuator.
type Direction string

const (
	DirOpen  Direction = "OPEN"
	DirClose Direction = "CLOSE"
	DirNone  Direction = "NONE"
)

// MotionJob is the ephemeral accepted-intent record the FSM executes
// (spec.md §3 MotionJob).
type MotionJob struct {
	ActuatorID   string
	TargetPct    int           // valid when the actuator is duration-kind and target is percent/binary
	TargetState  bool          // valid when the actuator is onoff-kind
	DurationSec  float64       // valid when target kind is "seconds" (Irri-class)
	Level        Level
	Origin       string
	JobID        string
	SubmittedAt  time.Time
}
