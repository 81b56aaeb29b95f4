// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package flowsensor

import (
	"math"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// fakeTicks is a settable 32-bit microsecond counter.
type fakeTicks struct {
	t uint32
}

func (f *fakeTicks) Now() uint32 {
	return f.t
}

func newTestPulse(t *testing.T, ticks TickSource, cfg PulseConfig) *Pulse {
	t.Helper()
	pin := &gpiotest.Pin{N: "GPIO23", EdgesChan: make(chan gpio.Level, 1)}
	p, err := NewPulse(pin, ticks, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := p.Halt(); err != nil {
			t.Error(err)
		}
	})
	return p
}

var testCfg = PulseConfig{
	TimeoutUs:      3_000_000,
	MinAvgPeriodUs: 1_000_000,
	Sensitivity:    200.0,
}

func TestFixed(t *testing.T) {
	f := NewFixed(0.25)
	if got := f.ReadLiterSec(); got != 0.25 {
		t.Errorf("ReadLiterSec = %g, want 0.25", got)
	}
	if !math.IsNaN(f.ReadCyclesSec()) {
		t.Error("fixed sensor must report NaN cycles")
	}
	if err := f.Halt(); err != nil {
		t.Error(err)
	}
}

// TestPulseRate simulates 100 edges at 10 ms intervals. After one
// second the read must report ~100 cycles/sec, and a read shortly
// after must return the same cached value since the averaging window
// has not elapsed again.
func TestPulseRate(t *testing.T) {
	ticks := &fakeTicks{}
	p := newTestPulse(t, ticks, testCfg)

	tick := uint32(0)
	for i := 0; i < 101; i++ {
		p.edge(tick)
		tick += 10_000
	}
	// 101 edges: the first seeds t_first, the remaining 100 are full
	// cycles spanning exactly 1e6 us.
	ticks.t = tick
	got := p.ReadCyclesSec()
	if math.Abs(got-100.0) > 1e-9 {
		t.Errorf("ReadCyclesSec = %g, want 100", got)
	}
	if lps := got / testCfg.Sensitivity; math.Abs(p.ReadLiterSec()-lps) > 1e-9 {
		t.Errorf("ReadLiterSec inconsistent with cycles/sensitivity")
	}

	// 50 ms and a few edges later the averaging window has not
	// elapsed; the cached value is returned unchanged.
	for i := 0; i < 5; i++ {
		p.edge(tick)
		tick += 10_000
	}
	ticks.t = tick
	if got := p.ReadCyclesSec(); math.Abs(got-100.0) > 1e-9 {
		t.Errorf("cached value changed within averaging window: %g", got)
	}
}

func TestPulseTimeout(t *testing.T) {
	ticks := &fakeTicks{}
	p := newTestPulse(t, ticks, testCfg)

	p.edge(0)
	p.edge(500_000)
	ticks.t = 500_000 + testCfg.TimeoutUs
	if got := p.ReadCyclesSec(); !math.IsNaN(got) {
		t.Errorf("expected NaN after timeout, got %g", got)
	}
	// The timeout path must not modify counting state: a late read
	// within the timeout again yields a valid rate.
	p.edge(1_000_000)
	p.edge(1_500_000)
	ticks.t = 1_600_000
	if got := p.ReadCyclesSec(); math.IsNaN(got) {
		t.Error("state was modified by the timeout read")
	}
}

// TestPulseWrapAround verifies that tick differences are taken modulo
// 2^32 so a counter wrap in the middle of an averaging window is
// harmless.
func TestPulseWrapAround(t *testing.T) {
	ticks := &fakeTicks{}
	p := newTestPulse(t, ticks, testCfg)

	start := uint32(0xFFFFFFFF - 400_000)
	tick := start
	for i := 0; i < 121; i++ {
		p.edge(tick)
		tick += 10_000 // wraps past zero
	}
	ticks.t = tick
	got := p.ReadCyclesSec()
	if math.Abs(got-100.0) > 1e-9 {
		t.Errorf("ReadCyclesSec across wrap = %g, want 100", got)
	}
}

// TestPulseStartup verifies the -1 initial cycle count: before any
// input cycle completed and without timeout, the rate reads 0.
func TestPulseStartup(t *testing.T) {
	ticks := &fakeTicks{t: 1000}
	p := newTestPulse(t, ticks, testCfg)

	ticks.t = 2000
	if got := p.ReadCyclesSec(); got != 0.0 {
		t.Errorf("startup rate = %g, want 0", got)
	}
}

// TestPulseEdgeDelivery exercises the GPIO watch goroutine with edges
// injected through the test pin.
func TestPulseEdgeDelivery(t *testing.T) {
	ticks := &fakeTicks{}
	pin := &gpiotest.Pin{N: "GPIO23", EdgesChan: make(chan gpio.Level)}
	p, err := NewPulse(pin, ticks, testCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Halt()

	for i := 0; i < 3; i++ {
		pin.EdgesChan <- gpio.Low
	}
	// Wait for the watcher to drain the unbuffered channel sends.
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		n := p.nCycles
		p.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("edge watcher did not register edges, nCycles=%d", n)
		}
		time.Sleep(time.Millisecond)
	}
}
