// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/uecs-ccm/actuatord/internal/bus"
	"github.com/uecs-ccm/actuatord/internal/obs"
	"github.com/uecs-ccm/actuatord/internal/registry"
	"github.com/uecs-ccm/actuatord/internal/safety"
	"github.com/uecs-ccm/actuatord/internal/scheduler"
	"github.com/uecs-ccm/actuatord/internal/state"
)

func newCalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate <actuator-id>",
		Short: "Trigger an out-of-band calibration run against a running actuator's process state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibrate(cmd.Context(), cfg, args[0])
		},
	}
}

// runCalibrate stands up the same scheduler a `run` process would,
// against the same state and bus, to drive a single calibration before
// exiting. It is meant for operators recovering from a suspected drift
// without restarting the daemon.
func runCalibrate(ctx context.Context, cfg daemonConfig, actuatorID string) error {
	log := obs.New(nil, cfg.debug)

	reg, err := registry.Load(cfg.actuatorsPath)
	if err != nil {
		return errors.Wrap(err, "loading actuator registry")
	}
	store := state.Open(cfg.statePath)
	if _, err := store.Load(); err != nil {
		return errors.Wrap(err, "loading state snapshot")
	}
	adapter, err := bus.DialMulticast(cfg.busAddr)
	if err != nil {
		return errors.Wrap(err, "dialing control bus")
	}
	defer adapter.Close()

	guard := safety.NewGuard()
	sched := scheduler.New(reg, adapter, store, log, guard, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sched.Run(runCtx, false) }()

	err = sched.TriggerCalibration(ctx, actuatorID)
	for err == nil && sched.Snapshot().Actuators[actuatorID].Phase == state.PhaseCalibrating {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if closeErr := store.Close(); closeErr != nil {
		log.Warn("state store close failed", "err", closeErr)
	}
	return err
}
