// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package obs is the logging seam for the actuator core. The teacher's
// log.go wrapped the standard logger with a fixed "now [id]: msg"
// format; this replaces that with a structured slog.Logger so fields
// like actuator id, level and phase survive as attributes instead of
// being baked into a format string.
package obs

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a tint-backed slog.Logger writing to w (os.Stderr when
// w is nil), matching the colorized, timestamped console output the
// pack reaches for whenever a service needs more than log.Printf.
func New(w *os.File, debug bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.StampMilli,
	})
	return slog.New(h)
}

// ForActuator returns a logger scoped to one actuator id, the
// structured equivalent of the teacher's per-node Logf.
func ForActuator(log *slog.Logger, id string) *slog.Logger {
	return log.With("actuator", id)
}
