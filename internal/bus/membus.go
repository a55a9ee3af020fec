// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package bus

import (
	"context"
	"sync"
	"time"

	"github.com/uecs-ccm/actuatord/internal/intent"
)

// SentPacket records one logical Send call (all RepeatCount
// retransmissions collapsed, since they are idempotent) for assertions
// in tests.
type SentPacket struct {
	ActuatorID string
	Value      Value
	Level      intent.Level
	At         time.Time
}

// MemBus is an in-memory Adapter, the channel-based stand-in for the
// physical multicast bus used throughout this repo's own tests,
// grounded on the teacher's pattern of nodes communicating over typed
// Go channels instead of sockets (node.go's in/out channels).
type MemBus struct {
	mu      sync.Mutex
	sent    []SentPacket
	opr     map[string]chan OprReading
	FailNet bool // when true, Send returns a bus-I/O error (spec.md §7 BUS_IO)
}

// NewMemBus returns a ready MemBus.
func NewMemBus() *MemBus {
	return &MemBus{opr: make(map[string]chan OprReading)}
}

var errBusIO = errBus{}

type errBus struct{}

func (errBus) Error() string { return "simulated bus I/O failure" }

// Send implements Adapter.
func (m *MemBus) Send(ctx context.Context, id string, value Value, level intent.Level) error {
	if m.FailNet {
		return errBusIO
	}
	m.mu.Lock()
	m.sent = append(m.sent, SentPacket{ActuatorID: id, Value: value, Level: level, At: time.Now()})
	m.mu.Unlock()
	return nil
}

// SubscribeOpr implements Adapter.
func (m *MemBus) SubscribeOpr(ctx context.Context, id string) (<-chan OprReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.opr[id]
	if !ok {
		ch = make(chan OprReading, 8)
		m.opr[id] = ch
	}
	return ch, nil
}

// PublishOpr injects a reading on id's corroborator stream, if any test
// has subscribed to it. Safe to call even if nobody is subscribed yet.
func (m *MemBus) PublishOpr(id string, r OprReading) {
	m.mu.Lock()
	ch, ok := m.opr[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

// Sent returns a copy of every packet sent so far, in order.
func (m *MemBus) Sent() []SentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentPacket, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent packet sent for id, if any.
func (m *MemBus) LastSent(id string) (SentPacket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].ActuatorID == id {
			return m.sent[i], true
		}
	}
	return SentPacket{}, false
}
