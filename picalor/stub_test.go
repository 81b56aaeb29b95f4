// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ul-gh/Picalor/flowsensor"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// stubADC returns raw samples keyed by the pre-encoded mux byte, so a
// scan delivers deterministic values independent of filter size.
type stubADC struct {
	mu     sync.Mutex
	values map[byte]int32
	called int
	halted bool
	err    error
}

func (s *stubADC) fill(muxSeq []byte, dst []int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.called++
	for i, mux := range muxSeq {
		dst[i] = s.values[mux]
	}
	return nil
}

func (s *stubADC) ReadSequence(muxSeq []byte, dst []int32) error {
	return s.fill(muxSeq, dst)
}

func (s *stubADC) ReadContinue(muxSeq []byte, dst []int32) error {
	return s.fill(muxSeq, dst)
}

func (s *stubADC) CalSelf() error { return nil }

func (s *stubADC) Halt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
	return nil
}

func (s *stubADC) set(mux byte, value int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[mux] = value
}

// stubHardware hands out the same stub ADC for every ADC key and
// fixed flow sensors per the configuration.
type stubHardware struct {
	adc *stubADC
}

func (h *stubHardware) NewADC(string, *AdcConfig) (ADC, error) {
	return h.adc, nil
}

func (h *stubHardware) NewFlowSensor(_ int, conf FlowSensorConfig) (flowsensor.Sensor, error) {
	return flowsensor.NewFixed(conf.FlowLiterSec), nil
}

type response struct {
	cmd     string
	payload []byte
	ok      bool
}

// stubFrontend records everything published to it.
type stubFrontend struct {
	pushes    chan []byte
	responses chan response
	errs      chan []byte
}

func newStubFrontend() *stubFrontend {
	return &stubFrontend{
		pushes:    make(chan []byte, 64),
		responses: make(chan response, 64),
		errs:      make(chan []byte, 64),
	}
}

func (f *stubFrontend) PushData(subkey string, payload []byte) {
	if subkey == "results" {
		f.pushes <- payload
	}
}

func (f *stubFrontend) PushError(payload []byte) {
	f.errs <- payload
}

func (f *stubFrontend) SendResponse(cmd string, payload []byte, ok bool) {
	f.responses <- response{cmd: cmd, payload: payload, ok: ok}
}

func (f *stubFrontend) Launch() error { return nil }

func (f *stubFrontend) Stop(time.Duration) {}

// awaitResponse returns the next response for cmd, skipping others.
func (f *stubFrontend) awaitResponse(t *testing.T, cmd string, timeout time.Duration) response {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case r := <-f.responses:
			if r.cmd == cmd {
				return r
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s response", cmd)
		}
	}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// staleTicks advances by one millisecond per read, so a pulse sensor
// without edges runs into its timeout immediately.
type staleTicks struct {
	t uint32
}

func (s *staleTicks) Now() uint32 {
	s.t += 1000
	return s.t
}

func newIdlePin() *gpiotest.Pin {
	return &gpiotest.Pin{N: "GPIO23", EdgesChan: make(chan gpio.Level, 1)}
}

// newTestState creates a state store on built-in defaults inside a
// temp directory.
func newTestState(t *testing.T) *State {
	t.Helper()
	dir := t.TempDir()
	s, err := NewState(
		filepath.Join(dir, "picalor_config.toml"),
		filepath.Join(dir, "savedata"),
		zap.NewNop().Sugar(),
	)
	require.NoError(t, err)
	return s
}
