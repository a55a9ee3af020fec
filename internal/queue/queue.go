// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package queue implements the per-(actuator_id, level) CommandQueue of
// spec.md §4.6: a bounded FIFO that drops the oldest same-level entry
// on overflow and expires entries past queue_ttl_sec.
package queue

import (
	"container/list"
	"time"

	"github.com/uecs-ccm/actuatord/internal/intent"
)

// DefaultCapacity is the bound named as an example in spec.md §4.6.
const DefaultCapacity = 16

// Entry is one waiting job, carrying the deadline spec.md §4.6 requires.
type Entry struct {
	Job      intent.MotionJob
	EnqueuedAt time.Time
	Deadline time.Time
}

// Queue is a bounded per-level FIFO for one actuator. Each fsm.Actuator
// keeps one Queue per level, giving one Queue per (actuator_id, level)
// pair (spec.md §4.6).
type Queue struct {
	capacity int
	ttl      time.Duration
	l        *list.List // of Entry
}

// New returns a Queue with the given capacity and TTL. capacity<=0
// defaults to DefaultCapacity.
func New(capacity int, ttl time.Duration) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity, ttl: ttl, l: list.New()}
}

// Push enqueues job. If the queue is at capacity, the oldest entry is
// dropped (the caller should log a warning, per spec.md §4.6) before
// the new one is appended.
func (q *Queue) Push(job intent.MotionJob, now time.Time) (droppedOldest bool) {
	if q.l.Len() >= q.capacity {
		q.l.Remove(q.l.Front())
		droppedOldest = true
	}
	q.l.PushBack(Entry{Job: job, EnqueuedAt: now, Deadline: now.Add(q.ttl)})
	return
}

// Pop removes and returns the oldest non-expired entry. Expired
// entries encountered along the way are dropped and returned via
// expired so the caller can notify synchronous submitters (spec.md
// §4.6, §7 QUEUED_EXPIRED).
func (q *Queue) Pop(now time.Time) (e Entry, expired []Entry, ok bool) {
	for {
		front := q.l.Front()
		if front == nil {
			return Entry{}, expired, false
		}
		ent := front.Value.(Entry)
		q.l.Remove(front)
		if q.ttl > 0 && now.After(ent.Deadline) {
			expired = append(expired, ent)
			continue
		}
		return ent, expired, true
	}
}

// ReapExpired removes and returns every currently expired entry
// without disturbing the order of the entries that remain.
func (q *Queue) ReapExpired(now time.Time) []Entry {
	if q.ttl <= 0 {
		return nil
	}
	var expired []Entry
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(Entry)
		if now.After(ent.Deadline) {
			expired = append(expired, ent)
			q.l.Remove(e)
		}
		e = next
	}
	return expired
}

// Len returns the number of entries currently queued.
func (q *Queue) Len() int { return q.l.Len() }

// Empty reports whether the queue has no entries.
func (q *Queue) Empty() bool { return q.l.Len() == 0 }
