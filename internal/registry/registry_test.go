// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRoofWindow() Descriptor {
	return Descriptor{
		ID:                 "VenSdWin",
		Kind:               KindDuration,
		HasLimit:           true,
		RoofWindow:         true,
		FullOpenSec:        60,
		FullCloseSec:       50,
		CoolingSec:         2,
		ReversalCoolingSec: 5,
	}
}

func TestFromConfigValidDescriptor(t *testing.T) {
	cfg := Config{Actuators: []Descriptor{validRoofWindow()}}
	r, err := FromConfig(cfg)
	require.NoError(t, err)
	d, err := r.Describe("VenSdWin")
	require.NoError(t, err)
	assert.Equal(t, 60.0, d.FullOpenSec)
}

func TestDescribeUnknownActuator(t *testing.T) {
	r, err := FromConfig(Config{})
	require.NoError(t, err)
	_, err = r.Describe("nope")
	assert.ErrorIs(t, err, ErrUnknownActuator)
}

func TestFromConfigRejectsDuplicateID(t *testing.T) {
	d := validRoofWindow()
	_, err := FromConfig(Config{Actuators: []Descriptor{d, d}})
	assert.Error(t, err)
}

func TestFromConfigRejectsReversalLessThanCooling(t *testing.T) {
	d := validRoofWindow()
	d.ReversalCoolingSec = 1
	d.CoolingSec = 5
	_, err := FromConfig(Config{Actuators: []Descriptor{d}})
	assert.Error(t, err)
}

func TestFromConfigIrrigationRequiresMaxDuration(t *testing.T) {
	d := Descriptor{ID: "Irri1", Kind: KindDuration, HasLimit: false, FullOpenSec: 1, FullCloseSec: 1}
	_, err := FromConfig(Config{Actuators: []Descriptor{d}})
	assert.Error(t, err)

	d.MaxDurationSec = 600
	_, err = FromConfig(Config{Actuators: []Descriptor{d}})
	assert.NoError(t, err)
}

func TestFromConfigRejectsBadDailyResetHour(t *testing.T) {
	_, err := FromConfig(Config{Calibration: Calibration{DailyResetHour: 24}})
	assert.Error(t, err)
}

func TestMaxContinuousAndCalibrationSec(t *testing.T) {
	d := validRoofWindow()
	assert.InDelta(t, 72.0, d.MaxContinuousSec(), 0.001)
	assert.InDelta(t, 60.0, d.CalibrationSec(), 0.001)
}

func TestOnOffDescriptorValidation(t *testing.T) {
	d := Descriptor{ID: "Fan1", Kind: KindOnOff, CoolingSec: 30}
	_, err := FromConfig(Config{Actuators: []Descriptor{d}})
	assert.NoError(t, err)

	d.CoolingSec = -1
	_, err = FromConfig(Config{Actuators: []Descriptor{d}})
	assert.Error(t, err)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	r, err := Load("testdata/actuators.yaml")
	require.NoError(t, err)

	d, err := r.Describe("VenSdWin")
	require.NoError(t, err)
	assert.Equal(t, 45.0, d.FullOpenSec)
	assert.True(t, d.RoofWindow)

	assert.ElementsMatch(t, []string{"VenSdWin"}, r.RoofWindows())
	assert.Equal(t, 4, r.Calibration().DailyResetHour)
	assert.True(t, r.Calibration().OnStartup)
}
