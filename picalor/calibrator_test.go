// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const muxCal = 0x10 // temp channel 0: AIN1 vs AIN0

func newCalFixture(t *testing.T) (*Daemon, *stubADC, *stubFrontend) {
	t.Helper()
	s := newTestState(t)
	// nRef of exactly 10 gives closed-form bridge factors.
	s.Conf.Adcs["adc_1"].RRef.RRef = 1000.0
	adc := &stubADC{values: map[byte]int32{}}
	fe := newStubFrontend()
	api := NewApi(s, testLogger())
	api.AddFrontend(fe)
	d := NewDaemon(s, api, &stubHardware{adc: adc}, testLogger())
	api.Bind(d, func() {})
	// The daemon owns its driver handles; the worker is emulated by
	// the tests, so the handle is installed directly.
	d.adcs["adc_1"] = adc
	return d, adc, fe
}

// emulateCalWorker performs one calibration hand-off round the way
// the measurement worker does at its tick.
func emulateCalWorker(t *testing.T, d *Daemon) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if !d.calibrationModeEnabled.Wait(5 * time.Second) {
			t.Error("worker was not triggered")
			return
		}
		d.state.configMu.Lock()
		err := d.calibrator.acquireCalData()
		d.state.configMu.Unlock()
		if err != nil {
			t.Error(err)
		}
		d.calibrationModeEnabled.Clear()
		d.calDataReady.Set()
	}()
	return done
}

// TestCalibrateChannelTwoPoint runs the full two-point procedure:
// 1000 Ohms measuring a bridge factor of 0.1, then 1100 Ohms
// measuring 0.11, must solve to r_s = 10000 and r_offset = 0.
func TestCalibrateChannelTwoPoint(t *testing.T) {
	d, adc, fe := newCalFixture(t)
	cal := d.Calibrator()
	tc := &d.state.Conf.Adcs["adc_1"].TempChs[0]

	// Point A: zero differential reads a bridge factor of 1/nRef.
	adc.set(muxRRef, 1_110_000)
	adc.set(muxCal, 0)
	worker := emulateCalWorker(t, d)
	require.NoError(t, cal.CalibrateChannel("adc_1", 0, "cal_r_a", 1000.0))
	<-worker
	require.NotNil(t, tc.CalWhA)
	assert.InDelta(t, 0.1, *tc.CalWhA, 1e-12)
	require.Nil(t, tc.CalWhB)
	resp := fe.awaitResponse(t, "calibrate__temp_channel", time.Second)
	assert.True(t, resp.ok)

	// Point B completes the calibration.
	adc.set(muxCal, 100_000)
	worker = emulateCalWorker(t, d)
	require.NoError(t, cal.CalibrateChannel("adc_1", 0, "cal_r_b", 1100.0))
	<-worker
	require.NotNil(t, tc.CalWhB)
	assert.InDelta(t, 0.11, *tc.CalWhB, 1e-12)

	assert.InDelta(t, 10000.0, tc.RS, 1e-6)
	assert.InDelta(t, 0.0, tc.ROffset, 1e-6)
	// Round trip: the solved pair reproduces both calibration points.
	assert.InDelta(t, tc.CalRA, tc.RS * *tc.CalWhA - tc.ROffset, 1e-9)
	assert.InDelta(t, tc.CalRB, tc.RS * *tc.CalWhB - tc.ROffset, 1e-9)

	// The completing response carries the ADC config subtree.
	resp = fe.awaitResponse(t, "calibrate__temp_channel", time.Second)
	assert.True(t, resp.ok)
	var adcs map[string]*AdcConfig
	require.NoError(t, json.Unmarshal(resp.payload, &adcs))
	require.Contains(t, adcs, "adc_1")
	assert.InDelta(t, 10000.0, adcs["adc_1"].TempChs[0].RS, 1e-6)
}

// A completed calibration is invalidated when a new first point is
// taken: a fresh calibration always needs two fresh points.
func TestCalibrateChannelInvalidatesOldPair(t *testing.T) {
	d, adc, _ := newCalFixture(t)
	cal := d.Calibrator()
	tc := &d.state.Conf.Adcs["adc_1"].TempChs[0]
	whA, whB := 0.1, 0.11
	tc.CalWhA, tc.CalWhB = &whA, &whB

	adc.set(muxRRef, 1_110_000)
	adc.set(muxCal, 0)
	worker := emulateCalWorker(t, d)
	require.NoError(t, cal.CalibrateChannel("adc_1", 0, "cal_r_a", 1000.0))
	<-worker
	assert.NotNil(t, tc.CalWhA)
	assert.Nil(t, tc.CalWhB)
}

func TestCalibrateChannelValidation(t *testing.T) {
	d, _, _ := newCalFixture(t)
	cal := d.Calibrator()

	cases := []struct {
		name          string
		adcKey        string
		tempChIdx     int
		valueKey      string
		calResistance float64
	}{
		{"zero resistance", "adc_1", 0, "cal_r_a", 0.0},
		{"negative resistance", "adc_1", 0, "cal_r_a", -5.0},
		{"too large resistance", "adc_1", 0, "cal_r_a", 10001.0},
		{"bad value key", "adc_1", 0, "cal_r_x", 1000.0},
		{"bad adc key", "adc_9", 0, "cal_r_a", 1000.0},
		{"negative channel", "adc_1", -1, "cal_r_a", 1000.0},
		{"channel out of range", "adc_1", 7, "cal_r_a", 1000.0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := cal.CalibrateChannel(c.adcKey, c.tempChIdx, c.valueKey, c.calResistance)
			assert.Error(t, err)
		})
	}
	// No state was mutated by the failed commands.
	assert.Nil(t, d.state.Conf.Adcs["adc_1"].TempChs[0].CalWhA)
	assert.False(t, d.calibrationModeEnabled.IsSet())
}

func TestCalibrateChannelBusy(t *testing.T) {
	d, _, _ := newCalFixture(t)
	d.calibrationModeEnabled.Set()
	err := d.Calibrator().CalibrateChannel("adc_1", 0, "cal_r_a", 1000.0)
	assert.ErrorIs(t, err, ErrCalBusy)
}
