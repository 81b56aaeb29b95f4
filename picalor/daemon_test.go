// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickTimeout generously bounds the wait for the first integer-second
// aligned acquisition tick.
const tickTimeout = 4 * time.Second

func newDaemonFixture(t *testing.T) (*Daemon, *stubADC, *stubFrontend) {
	t.Helper()
	s := newTestState(t)
	adc := &stubADC{values: map[byte]int32{
		muxRRef: 2_000_000,
		muxUp:   -150_000,
		muxDn:   5_000,
	}}
	fe := newStubFrontend()
	api := NewApi(s, testLogger())
	api.AddFrontend(fe)
	d := NewDaemon(s, api, &stubHardware{adc: adc}, testLogger())
	api.Bind(d, func() {})
	return d, adc, fe
}

func awaitPush(t *testing.T, fe *stubFrontend) *Results {
	t.Helper()
	select {
	case payload := <-fe.pushes:
		res := &Results{}
		require.NoError(t, json.Unmarshal(payload, res))
		return res
	case <-time.After(tickTimeout):
		t.Fatal("no live data push within the tick timeout")
		return nil
	}
}

// TestDaemonStartupTick: after start and one tick, every channel
// value is present in the published snapshot.
func TestDaemonStartupTick(t *testing.T) {
	d, adc, fe := newDaemonFixture(t)
	d.Start()
	defer d.Stop()

	res := awaitPush(t, fe)
	require.Len(t, res.Measurements.Chs, 1)
	ch := res.Measurements.Chs[0]
	assert.False(t, isNaN(ch.TUpstream), "t_upstream must be valid")
	assert.False(t, isNaN(ch.TDownstream), "t_downstream must be valid")
	assert.False(t, isNaN(ch.FlowKgSec), "flow_kg_sec must be valid")
	assert.False(t, isNaN(ch.PowerW), "power_w must be valid")
	assert.False(t, isNaN(res.FlowSensors[0].LiterSec))

	d.Stop()
	adc.mu.Lock()
	halted := adc.halted
	adc.mu.Unlock()
	assert.True(t, halted, "ADC must be halted on stop")
}

// TestDaemonNorestartUpdate: a no-restart config upload is adopted
// within one tick without stopping the sensors.
func TestDaemonNorestartUpdate(t *testing.T) {
	d, adc, fe := newDaemonFixture(t)
	d.Start()
	defer d.Stop()
	awaitPush(t, fe)

	d.api.Dispatch("upload_norestart__config",
		json.RawMessage(`{"measurements": {"FILTER_SIZE": 32}}`))
	resp := fe.awaitResponse(t, "upload_norestart__config", tickTimeout)
	require.True(t, resp.ok)

	var conf Config
	require.NoError(t, json.Unmarshal(resp.payload, &conf))
	assert.Equal(t, 32, conf.Measurements.FilterSize)
	assert.Equal(t, 32, d.state.Conf.Measurements.FilterSize)

	adc.mu.Lock()
	halted := adc.halted
	adc.mu.Unlock()
	assert.False(t, halted, "no sensor restart on a no-restart update")
}

// TestDaemonFullRestartUpdate: a full config upload restarts sensors
// and reinitializes the results document.
func TestDaemonFullRestartUpdate(t *testing.T) {
	d, adc, fe := newDaemonFixture(t)
	d.Start()
	defer d.Stop()
	awaitPush(t, fe)

	d.api.Dispatch("upload__config",
		json.RawMessage(`{"measurements": {"FILTER_SIZE": 8}}`))
	resp := fe.awaitResponse(t, "upload__config", tickTimeout)
	require.True(t, resp.ok)
	assert.Equal(t, 8, d.state.Conf.Measurements.FilterSize)

	adc.mu.Lock()
	halted := adc.halted
	adc.mu.Unlock()
	assert.True(t, halted, "full update restarts the sensors")
}

// TestDaemonDatalog: enabling the datalog starts recording rows;
// clearing restarts it and responds.
func TestDaemonDatalog(t *testing.T) {
	d, _, fe := newDaemonFixture(t)
	d.Start()
	defer d.Stop()
	awaitPush(t, fe)

	d.SetDatalogEnabled(true)
	fe.awaitResponse(t, "clear__datalog", tickTimeout)
	res := awaitPush(t, fe)
	for res.DataLog == nil || len(res.DataLog.TimeS) == 0 {
		res = awaitPush(t, fe)
	}
	require.NotNil(t, res.DataLog)
	assert.Equal(t, d.state.Conf.Measurements.ScanIntervalS, res.DataLog.ScanIntervalS)
	require.NotEmpty(t, res.DataLog.PowerW)
	assert.NotEmpty(t, res.DataLog.PowerW[0])

	d.SetDatalogEnabled(false)
	d.ClearDatalog()
}

// TestDaemonAcquisitionFailure: a failing ADC clears acquisition and
// pushes an error, but the worker survives and adopts a following
// config upload.
func TestDaemonAcquisitionFailure(t *testing.T) {
	d, adc, fe := newDaemonFixture(t)
	d.Start()
	defer d.Stop()
	awaitPush(t, fe)

	adc.mu.Lock()
	adc.err = errors.New("SPI read failed")
	adc.mu.Unlock()

	select {
	case <-fe.errs:
	case <-time.After(tickTimeout):
		t.Fatal("no error was pushed")
	}
	assert.False(t, d.acquisitionEnabled.IsSet())

	// Recoverable: a config upload reconfigures and re-enables.
	adc.mu.Lock()
	adc.err = nil
	adc.mu.Unlock()
	d.api.Dispatch("upload__config", json.RawMessage(`{}`))
	fe.awaitResponse(t, "upload__config", tickTimeout)
	awaitPush(t, fe)
	assert.True(t, d.acquisitionEnabled.IsSet())
}

func TestDaemonSetPowerValues(t *testing.T) {
	d, _, _ := newDaemonFixture(t)
	require.NoError(t, d.SetPowerOffset(0, 12.5))
	require.NoError(t, d.SetPowerGain(0, 1.25))
	assert.Equal(t, 12.5, d.state.Conf.Measurements.Chs[0].PowerOffset)
	assert.Equal(t, 1.25, d.state.Conf.Measurements.Chs[0].PowerGain)
	assert.Error(t, d.SetPowerOffset(7, 1.0))
	assert.Error(t, d.SetPowerGain(-1, 1.0))
}

func TestRoundTo(t *testing.T) {
	assert.Equal(t, 3.0, roundTo(3.2, 0))
	assert.Equal(t, 3.25, roundTo(3.24999, 2))
	assert.Equal(t, 30.0, roundTo(31.0, -1))
}

func isNaN(f JSONFloat) bool {
	b, _ := f.MarshalJSON()
	return string(b) == "null"
}
