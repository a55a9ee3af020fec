// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package state persists per-actuator position estimates and phase
// across restarts (spec.md §3 ActuatorState, §4.2 StateStore, §6
// "Persisted state file"). Writes are atomic write-temp-then-rename so
// a crash never leaves a truncated snapshot.
package state

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// Phase is the FSM state an actuator is currently in (spec.md §3/§4.4).
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseMoving      Phase = "MOVING"
	PhaseCooling     Phase = "COOLING"
	PhaseCalibrating Phase = "CALIBRATING"
)

// Direction mirrors intent.Direction without importing it, keeping
// this package free of upstream wire-shape dependencies.
type Direction string

const (
	DirOpen  Direction = "OPEN"
	DirClose Direction = "CLOSE"
	DirNone  Direction = "NONE"
)

// ActuatorState is the mutable, persisted state of one actuator
// (spec.md §3 ActuatorState). Timestamps are wall-clock (time.Time) in
// the persisted form; the FSM additionally tracks monotonic instants
// for timer arithmetic that never touch this struct directly.
type ActuatorState struct {
	PositionPct     int       `json:"position_pct"`
	Phase           Phase     `json:"phase"`
	LastDirection   Direction `json:"last_direction"`
	CurrentLevel    int       `json:"current_level,omitempty"`
	MotionStartedAt time.Time `json:"motion_started_at,omitempty"`
	MotionEndsAt    time.Time `json:"motion_ends_at,omitempty"`
	CoolingEndsAt   time.Time `json:"cooling_ends_at,omitempty"`
	LastCalibratedAt time.Time `json:"last_calibrated_at,omitempty"`
}

// clamp enforces invariant 1 of spec.md §3: 0 <= position_pct <= 100.
func (s *ActuatorState) clamp() {
	if s.PositionPct < 0 {
		s.PositionPct = 0
	}
	if s.PositionPct > 100 {
		s.PositionPct = 100
	}
}

// Snapshot is a consistent point-in-time view of every actuator's
// state, plus whether the process that wrote it shut down cleanly
// (spec.md §4.2 "restored positions are treated as stale", §5).
type Snapshot struct {
	Actuators map[string]ActuatorState `json:"actuators"`
	Clean     bool                     `json:"clean"`
}

// fileFormat is the on-disk shape; Clean is written true only by a
// graceful Close, then immediately reset to false on the next Put so
// an unclean shutdown is the default assumption (spec.md §6: "no
// versioning field in v1; a schema change implies discard-and-recalibrate").
type fileFormat struct {
	Actuators map[string]ActuatorState `json:"actuators"`
	Clean     bool                     `json:"clean"`
}

// Store is the crash-durable StateStore of spec.md §4.2.
type Store struct {
	path string
	mu   sync.Mutex
	data map[string]ActuatorState
}

// Open returns a Store bound to path. It does not read the file; call
// Load for that (kept separate so the zero-value behavior of a
// missing file is explicit at the call site per spec.md §4.2).
func Open(path string) *Store {
	return &Store{path: path, data: make(map[string]ActuatorState)}
}

// Load reads the snapshot from disk. A missing file yields an empty,
// stale-by-default snapshot (spec.md §4.2).
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.data = make(map[string]ActuatorState)
		return Snapshot{Actuators: map[string]ActuatorState{}, Clean: false}, nil
	}
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "reading state file")
	}
	var ff fileFormat
	if err := json.Unmarshal(b, &ff); err != nil {
		// A corrupt or pre-v1 schema file implies discard-and-recalibrate
		// (spec.md §6), not a fatal error.
		s.data = make(map[string]ActuatorState)
		return Snapshot{Actuators: map[string]ActuatorState{}, Clean: false}, nil
	}
	if ff.Actuators == nil {
		ff.Actuators = map[string]ActuatorState{}
	}
	s.data = cloneMap(ff.Actuators)
	return Snapshot{Actuators: cloneMap(ff.Actuators), Clean: ff.Clean}, nil
}

// Put atomically persists the state for one actuator, write-temp-then-
// rename (spec.md §4.2, §5 "the file rename is the linearisation point").
// Every Put marks the on-disk snapshot unclean until Close is called,
// so a process that dies mid-run is always detected as stale on restart.
func (s *Store) Put(id string, st ActuatorState) error {
	st.clamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = st
	return s.flushLocked(false)
}

// Close marks the snapshot clean and flushes it one last time, the
// signal a future Load uses to skip startup calibration (spec.md §4.7
// "a startup calibration when ... the state snapshot was loaded from
// an unclean shutdown").
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(true)
}

func (s *Store) flushLocked(clean bool) error {
	ff := fileFormat{Actuators: cloneMap(s.data), Clean: clean}
	b, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling state snapshot")
	}
	if err := renameio.WriteFile(s.path, b, 0o644); err != nil {
		return errors.Wrap(err, "writing state file")
	}
	return nil
}

// Snapshot returns a consistent, independent copy of the current
// in-memory state for operators (spec.md §4.2).
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Actuators: cloneMap(s.data)}
}

func cloneMap(m map[string]ActuatorState) map[string]ActuatorState {
	out := make(map[string]ActuatorState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
