// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package registry loads and serves the immutable ActuatorDescriptor
// set (spec.md §3, §4.1). Descriptors are parsed once at startup from
// a YAML config file; failures here are fatal at startup, never at
// runtime, per §4.1.
package registry

import (
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Kind is the actuator class (spec.md §3).
type Kind string

const (
	KindDuration Kind = "duration"
	KindOnOff    Kind = "onoff"
)

// Descriptor is the immutable per-actuator configuration loaded at
// startup (spec.md §3 ActuatorDescriptor).
type Descriptor struct {
	ID       string `yaml:"id"`
	Kind     Kind   `yaml:"kind"`
	RoofWindow bool `yaml:"roof_window"`

	// duration-kind fields
	FullOpenSec     float64 `yaml:"full_open_sec"`
	FullCloseSec    float64 `yaml:"full_close_sec"`
	MaxDurationSec  float64 `yaml:"max_duration_sec"`
	HasLimit        bool    `yaml:"has_limit"`
	ReversalCoolingSec float64 `yaml:"reversal_cooling_sec"`

	// shared
	CoolingSec float64 `yaml:"cooling_sec"`
}

// MaxContinuousSec is derived per spec.md §3:
// max(full_open_sec, full_close_sec) * 1.2, undefined for onoff kind.
func (d Descriptor) MaxContinuousSec() float64 {
	m := d.FullOpenSec
	if d.FullCloseSec > m {
		m = d.FullCloseSec
	}
	return m * 1.2
}

// CalibrationSec is the duration a CALIBRATING close run takes:
// full_close_sec * 1.2 (spec.md §4.4, §8 scenario 5).
func (d Descriptor) CalibrationSec() float64 {
	return d.FullCloseSec * 1.2
}

// Calibration is the daily-reset configuration block (spec.md §6).
type Calibration struct {
	DailyResetHour int  `yaml:"daily_reset_hour"`
	OnStartup      bool `yaml:"on_startup"`
}

// Config is the top-level parsed configuration file.
type Config struct {
	Actuators   []Descriptor `yaml:"actuators"`
	Calibration Calibration  `yaml:"calibration"`
}

// ErrUnknownActuator is returned by Describe for an id not in the
// registry (spec.md §7 UNKNOWN_ACTUATOR).
var ErrUnknownActuator = errors.New("unknown actuator")

// Registry answers "what kind is X, what are its limits" (spec.md §4.1).
type Registry struct {
	byID        map[string]Descriptor
	order       []string
	calibration Calibration
}

// Load reads and validates a YAML config file. All failures here are
// meant to be fatal at process startup (spec.md §4.1).
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading actuator config")
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing actuator config")
	}
	return FromConfig(cfg)
}

// FromConfig builds and validates a Registry from an already-parsed
// Config, so tests can construct one without touching the filesystem.
func FromConfig(cfg Config) (*Registry, error) {
	if cfg.Calibration.DailyResetHour < 0 || cfg.Calibration.DailyResetHour > 23 {
		return nil, fmt.Errorf("calibration.daily_reset_hour must be 0-23, got %d", cfg.Calibration.DailyResetHour)
	}
	r := &Registry{byID: make(map[string]Descriptor, len(cfg.Actuators)), calibration: cfg.Calibration}
	for _, d := range cfg.Actuators {
		if d.ID == "" {
			return nil, fmt.Errorf("actuator descriptor with empty id")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate actuator id %q", d.ID)
		}
		if err := validate(d); err != nil {
			return nil, errors.Wrapf(err, "actuator %q", d.ID)
		}
		r.byID[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

func validate(d Descriptor) error {
	switch d.Kind {
	case KindDuration:
		if d.FullOpenSec <= 0 || !isFinite(d.FullOpenSec) {
			return fmt.Errorf("full_open_sec must be positive and finite")
		}
		if d.FullCloseSec <= 0 || !isFinite(d.FullCloseSec) {
			return fmt.Errorf("full_close_sec must be positive and finite")
		}
		if !d.HasLimit && d.MaxDurationSec <= 0 {
			return fmt.Errorf("actuators with no physical limit must carry a positive max_duration_sec")
		}
		if d.MaxDurationSec < 0 || !isFinite(d.MaxDurationSec) {
			return fmt.Errorf("max_duration_sec must be finite and non-negative")
		}
		if d.HasLimit && d.ReversalCoolingSec < d.CoolingSec {
			// Reversal-vs-same-direction cooling only applies to travel
			// actuators with a position to reverse; has_limit:false
			// (irrigation) actuators have no direction concept (spec.md §3).
			return fmt.Errorf("reversal_cooling_sec must be >= cooling_sec")
		}
	case KindOnOff:
		if d.CoolingSec < 0 || !isFinite(d.CoolingSec) {
			return fmt.Errorf("cooling_sec must be finite and non-negative")
		}
	default:
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	if d.CoolingSec < 0 || !isFinite(d.CoolingSec) {
		return fmt.Errorf("cooling_sec must be finite and non-negative")
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Describe returns the descriptor for id, or ErrUnknownActuator.
func (r *Registry) Describe(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, ErrUnknownActuator
	}
	return d, nil
}

// Descriptors returns every registered descriptor in load order, used
// by the startup/daily calibration sweep (spec.md §4.7).
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// RoofWindows returns the ids of actuators tagged as roof windows
// (spec.md §4.8). The rain interlock check in internal/fsm reads each
// descriptor's RoofWindow flag directly rather than calling this.
func (r *Registry) RoofWindows() []string {
	var out []string
	for _, id := range r.order {
		if r.byID[id].RoofWindow {
			out = append(out, id)
		}
	}
	return out
}

// Calibration returns the daily-calibration configuration block.
func (r *Registry) Calibration() Calibration {
	return r.calibration
}
