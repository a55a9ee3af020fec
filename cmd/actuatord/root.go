// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Command actuatord runs the greenhouse actuator control core: the
// priority arbiter, per-actuator state machines, and the UDP multicast
// control bus adapter described in SPEC_FULL.md. The command surface
// (root command plus "run" and "calibrate" subcommands, persistent
// flags bound with spf13/pflag) follows the pattern cobra.Command
// subcommands use throughout the Azure azcopy CLI in this pack's
// retrieval set, generalized down from azcopy's many dozens of
// subcommands to the two this daemon needs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfg daemonConfig

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "actuatord",
		Short: "Priority-driven control core for feedback-less greenhouse actuators",
	}
	root.PersistentFlags().StringVar(&cfg.actuatorsPath, "actuators", "actuators.yaml", "path to the actuator descriptor config")
	root.PersistentFlags().StringVar(&cfg.statePath, "state", "state.json", "path to the crash-durable state snapshot")
	root.PersistentFlags().StringVar(&cfg.busAddr, "bus-addr", "224.0.0.1:16520", "UDP multicast address of the control bus")
	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen", ":8766", "address the operator snapshot HTTP endpoint binds to")
	root.PersistentFlags().BoolVar(&cfg.debug, "debug", false, "enable debug-level logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newCalibrateCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
