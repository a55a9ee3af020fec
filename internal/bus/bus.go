// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package bus is the BusAdapter contract of spec.md §4.3: an abstract
// send/receive of CCM commands and operational-status readings. The
// multicast packet codec and node discovery are external collaborators
// (spec.md §1); this package specifies only the interface the core
// needs, plus a default UDP multicast implementation and an in-memory
// implementation used by every other package's tests.
package bus

import (
	"context"
	"time"

	"github.com/uecs-ccm/actuatord/internal/intent"
)

// Value is the on/off effect a command packet carries (spec.md §6:
// "value is 0 or 1 for on/off effect; the duration is enforced by the
// sender, not encoded in the packet").
type Value int

const (
	Off Value = 0
	On  Value = 1
)

// OprReading is one observation from the optional operational-status
// corroborator stream (spec.md §4.3, §9 "the opr corroborating stream
// ... is optional").
type OprReading struct {
	Value      Value
	ObservedAt time.Time
}

// RepeatCount and RepeatSpacing implement spec.md §4.3's
// "repeat=3 ... retransmits repeat times at 50ms spacing" and §6's
// "Each logical command is retransmitted 3 times at 50ms spacing".
const (
	RepeatCount   = 3
	RepeatSpacing = 50 * time.Millisecond
)

// Adapter is the BusAdapter contract consumed by the FSM and Scheduler.
type Adapter interface {
	// Send emits a control packet for id at the given level, retransmitting
	// RepeatCount times at RepeatSpacing. Idempotent at the protocol level:
	// sending the same value twice has the same physical effect as once.
	Send(ctx context.Context, id string, value Value, level intent.Level) error

	// SubscribeOpr returns the observed operational-status stream for id,
	// when the far side publishes one. Implementations may return a nil
	// channel and no error if no corroborator is available for id.
	SubscribeOpr(ctx context.Context, id string) (<-chan OprReading, error)
}
