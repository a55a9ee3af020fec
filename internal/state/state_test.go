// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsStaleEmpty(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	snap, err := s.Load()
	require.NoError(t, err)
	assert.False(t, snap.Clean)
	assert.Empty(t, snap.Actuators)
}

func TestPutThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := Open(path)
	_, err := s.Load()
	require.NoError(t, err)

	require.NoError(t, s.Put("VenSdWin", ActuatorState{PositionPct: 42, Phase: PhaseIdle}))

	s2 := Open(path)
	snap, err := s2.Load()
	require.NoError(t, err)
	assert.False(t, snap.Clean, "a snapshot written via Put without Close is always unclean")
	require.Contains(t, snap.Actuators, "VenSdWin")
	assert.Equal(t, 42, snap.Actuators["VenSdWin"].PositionPct)
}

func TestCloseMarksSnapshotClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := Open(path)
	_, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Put("Fan1", ActuatorState{Phase: PhaseIdle}))
	require.NoError(t, s.Close())

	s2 := Open(path)
	snap, err := s2.Load()
	require.NoError(t, err)
	assert.True(t, snap.Clean)
}

func TestPutClampsPositionPct(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	_, _ = s.Load()
	require.NoError(t, s.Put("VenSdWin", ActuatorState{PositionPct: 150}))
	snap := s.Snapshot()
	assert.Equal(t, 100, snap.Actuators["VenSdWin"].PositionPct)
}

func TestLoadCorruptFileIsStaleEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := Open(path)
	snap, err := s.Load()
	require.NoError(t, err)
	assert.False(t, snap.Clean)
	assert.Empty(t, snap.Actuators)
}
