// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pt1000

import (
	"math"
	"testing"
)

func TestWheatstoneIdentity(t *testing.T) {
	// wheatstone(ud, u0, nref, rs1) * (u0*nref - ud) == rs1 * (u0 + ud)
	cases := []struct {
		ud, u0, nref, rs1 float64
	}{
		{0.1, 1.0, 9.0909, 10000.0},
		{-0.05, 0.5, 10.0, 10000.0},
		{0.0, 1.0, 1.0, 1000.0},
		{1234.0, 567890.0, 9.1, 9990.0},
	}
	for _, c := range cases {
		r1 := Wheatstone(c.ud, c.u0, c.nref, c.rs1)
		lhs := r1 * (c.u0*c.nref - c.ud)
		rhs := c.rs1 * (c.u0 + c.ud)
		if math.Abs(lhs-rhs) > 1e-9*math.Abs(rhs) {
			t.Errorf("identity violated for %+v: %g != %g", c, lhs, rhs)
		}
	}
}

func TestWheatstoneFactorDivByZero(t *testing.T) {
	// u0*nref == ud makes the denominator vanish.
	if !math.IsNaN(WheatstoneFactor(10.0, 1.0, 10.0)) {
		t.Error("expected NaN for vanishing denominator")
	}
	if !math.IsNaN(Wheatstone(10.0, 1.0, 10.0, 10000.0)) {
		t.Error("expected NaN to propagate through Wheatstone")
	}
}

func TestTemperatureAtReference(t *testing.T) {
	// A sensor reading exactly r_0 sits at 0 °C.
	theta := Temperature(1000.0, 1000.0)
	if math.Abs(theta) > 1e-9 {
		t.Errorf("Temperature(r_0, r_0) = %g, want ~0", theta)
	}
}

func TestTemperaturePt1000(t *testing.T) {
	// Known point: 1100 Ohms on a Pt1000 is 25.6855 °C.
	theta := Temperature(1100.0, 1000.0)
	if math.Abs(theta-25.6855) > 0.001 {
		t.Errorf("Temperature(1100, 1000) = %g, want 25.6855 +- 0.001", theta)
	}
}

func TestTemperatureNegativeBranch(t *testing.T) {
	// Below r_0 the correction polynomial is active. The result must
	// stay continuous across the branch point and be clearly negative
	// for a resistance well below r_0.
	theta := Temperature(900.0, 1000.0)
	if theta >= 0.0 {
		t.Errorf("Temperature(900, 1000) = %g, want negative", theta)
	}
	just := Temperature(999.9999, 1000.0)
	if math.Abs(just) > 0.01 {
		t.Errorf("discontinuity at branch point: %g", just)
	}
}

func TestPolyval(t *testing.T) {
	// 2x^2 + 3x + 4 at x = 2 is 18.
	got := Polyval([]float64{2, 3, 4}, 2.0)
	if got != 18.0 {
		t.Errorf("Polyval = %g, want 18", got)
	}
	if Polyval(nil, 3.0) != 0.0 {
		t.Error("empty coefficient list must evaluate to 0")
	}
}

func TestInterp(t *testing.T) {
	xs := []float64{0, 10, 20}
	ys := []float64{1000, 998, 996}
	if got := Interp(5, xs, ys); got != 999.0 {
		t.Errorf("Interp(5) = %g, want 999", got)
	}
	if got := Interp(-5, xs, ys); got != 1000.0 {
		t.Errorf("Interp clamps low: got %g", got)
	}
	if got := Interp(100, xs, ys); got != 996.0 {
		t.Errorf("Interp clamps high: got %g", got)
	}
	if !math.IsNaN(Interp(1, nil, nil)) {
		t.Error("empty table must yield NaN")
	}
}
