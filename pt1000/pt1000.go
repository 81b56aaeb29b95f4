// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pt1000 contains the bridge arithmetic for reading platinum
// resistive temperature sensors wired in a deflection-type Wheatstone
// bridge, and the inverted ITS-90 Callendar polynomial converting the
// sensor resistance into a temperature.
//
// Bridge topology for all functions in this package:
//
//	     _______
//	     |      |
//	    rs0    rs1       nref = rs0/r0
//	 u0..|<-ud--|
//	    r0     r1
//	     |      |
//	     _______ ..0V
package pt1000

import "math"

// Callendar coefficients for platinum RTDs, positive branch.
const (
	A = 3.9083e-3
	B = -5.775e-7
)

// Fifth-order polynomial fit of the deviation of the numerically
// inverted ITS-90 Callendar-Van Dusen equation (coefficient "C" active
// for T < 0) from the second-order solution. Input is r_x/r_0,
// coefficients are ordered highest degree first.
var negCorrection = []float64{
	1.51892983e+00, -2.85842067e+00, -5.34227299e+00,
	1.80282972e+01, -1.61875985e+01, 4.84112370e+00,
}

// Wheatstone returns the unknown bridge leg resistance r1 from the
// measured differential voltage ud, the reference leg absolute voltage
// u0, the reference leg resistance ratio nref and the measurement leg
// series resistor rs1.
//
// A vanishing denominator is an arithmetic failure and yields NaN.
func Wheatstone(ud, u0, nref, rs1 float64) float64 {
	return rs1 * WheatstoneFactor(ud, u0, nref)
}

// WheatstoneFactor returns the factor by which to scale the known
// series resistance rs1 in order to get the unknown resistance r1.
// This is the dimensionless quantity recorded during calibration.
func WheatstoneFactor(ud, u0, nref float64) float64 {
	den := u0*nref - ud
	if den == 0.0 {
		return math.NaN()
	}
	return (u0 + ud) / den
}

// Temperature returns the temperature in °C according to the ITS-90
// scale for a platinum RTD of resistance rx and base (0 °C) resistance
// r0.
//
// The quadratic inversion of the Callendar polynomial is exact for
// positive temperatures. For rx/r0 < 1 a polynomial correction term
// accounting for the Callendar-Van Dusen "C" coefficient is added.
func Temperature(rx, r0 float64) float64 {
	rNorm := rx / r0
	theta := (-A + math.Sqrt(A*A-4*B*(1-rNorm))) / (2 * B)
	if rNorm < 1.0 {
		return theta + Polyval(negCorrection, rNorm)
	}
	return theta
}

// Polyval evaluates the polynomial with the given coefficients,
// ordered highest degree first, at x.
func Polyval(coeffs []float64, x float64) float64 {
	acc := 0.0
	for _, c := range coeffs {
		acc = acc*x + c
	}
	return acc
}

// Interp returns the piecewise-linear interpolation of the sampled
// function (xs, ys) at x. Outside the sampled range the first or last
// value is returned. xs must be increasing and of the same length as
// ys; an empty table yields NaN.
func Interp(x float64, xs, ys []float64) float64 {
	if len(xs) == 0 || len(xs) != len(ys) {
		return math.NaN()
	}
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[len(xs)-1] {
		return ys[len(ys)-1]
	}
	for i := 1; i < len(xs); i++ {
		if x <= xs[i] {
			frac := (x - xs[i-1]) / (xs[i] - xs[i-1])
			return ys[i-1] + frac*(ys[i]-ys[i-1])
		}
	}
	return ys[len(ys)-1]
}
