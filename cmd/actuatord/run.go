// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/uecs-ccm/actuatord/internal/bus"
	"github.com/uecs-ccm/actuatord/internal/obs"
	"github.com/uecs-ccm/actuatord/internal/registry"
	"github.com/uecs-ccm/actuatord/internal/safety"
	"github.com/uecs-ccm/actuatord/internal/scheduler"
	"github.com/uecs-ccm/actuatord/internal/state"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control core until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg daemonConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := obs.New(nil, cfg.debug)

	reg, err := registry.Load(cfg.actuatorsPath)
	if err != nil {
		return errors.Wrap(err, "loading actuator registry")
	}

	store := state.Open(cfg.statePath)
	snap, err := store.Load()
	if err != nil {
		return errors.Wrap(err, "loading state snapshot")
	}
	needsCalibration := !snap.Clean

	adapter, err := bus.DialMulticast(cfg.busAddr)
	if err != nil {
		return errors.Wrap(err, "dialing control bus")
	}
	defer adapter.Close()

	guard := safety.NewGuard()
	sched := scheduler.New(reg, adapter, store, log, guard, nil)

	srv := newSnapshotServer(cfg.listenAddr, sched, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("snapshot server failed", "err", err)
		}
	}()

	log.Info("actuatord starting", "actuators", len(reg.Descriptors()), "bus_addr", cfg.busAddr)
	runErr := sched.Run(ctx, needsCalibration)

	_ = srv.Shutdown(context.Background())
	if err := store.Close(); err != nil {
		log.Warn("state store close failed", "err", err)
	}
	return runErr
}

// newSnapshotServer exposes the read-only operator status endpoint
// supplemented beyond the distilled spec: GET /snapshot returns the
// current persisted view of every actuator as JSON.
func newSnapshotServer(addr string, sched *scheduler.Scheduler, log interface {
	Warn(string, ...any)
}) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sched.Snapshot()); err != nil {
			log.Warn("snapshot encode failed", "err", err)
		}
	})
	return &http.Server{Addr: addr, Handler: mux}
}
