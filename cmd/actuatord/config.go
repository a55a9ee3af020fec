// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

// daemonConfig collects the flags every subcommand shares, mirroring
// the teacher's flat package-level config.go of named tunables, here
// made instance-local since a daemon (unlike a one-shot simulation)
// may have its config resolved more than once in a test.
type daemonConfig struct {
	actuatorsPath string
	statePath     string
	busAddr       string
	listenAddr    string
	debug         bool
}
