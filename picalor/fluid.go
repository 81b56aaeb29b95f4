// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import "github.com/ul-gh/Picalor/pt1000"

// FluidProperty models one temperature-dependent fluid property,
// either as a rational polynomial or as an interpolation table.
type FluidProperty struct {
	UsePolynomial bool `toml:"use_polynomial" json:"use_polynomial"`
	// Numerator and Denominator are polynomial coefficients, highest
	// degree first, used when UsePolynomial is set.
	Numerator   []float64 `toml:"numerator" json:"numerator"`
	Denominator []float64 `toml:"denominator" json:"denominator"`
	// TRef and Values are the interpolation table reference points.
	TRef   []float64 `toml:"t_ref" json:"t_ref"`
	Values []float64 `toml:"values" json:"values"`
}

func (p *FluidProperty) eval(tCelsius float64) float64 {
	if p.UsePolynomial {
		return pt1000.Polyval(p.Numerator, tCelsius) /
			pt1000.Polyval(p.Denominator, tCelsius)
	}
	return pt1000.Interp(tCelsius, p.TRef, p.Values)
}

// Fluid describes the thermal fluid of a calorimetry channel.
type Fluid struct {
	// Density in kg/liter depending on temperature in °C.
	Density FluidProperty `toml:"density" json:"density"`
	// CTh is the specific heat capacity in J/(kg·K).
	CTh  FluidProperty `toml:"c_th" json:"c_th"`
	Info string        `toml:"info" json:"info"`
}

// GetDensity returns the fluid density in kg/liter at the given
// temperature in °C.
func (f *Fluid) GetDensity(tCelsius float64) float64 {
	return f.Density.eval(tCelsius)
}

// GetCTh returns the specific heat capacity in J/(kg·K) at the given
// temperature in °C.
func (f *Fluid) GetCTh(tCelsius float64) float64 {
	return f.CTh.eval(tCelsius)
}
