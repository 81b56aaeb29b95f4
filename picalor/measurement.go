// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"fmt"

	"github.com/ul-gh/Picalor/ads1256"
	"github.com/ul-gh/Picalor/flowsensor"
	"github.com/ul-gh/Picalor/pt1000"
)

// ADC is the acquisition contract of one ADS1256 device as consumed
// by the measurement pipeline. Mux codes are pre-encoded bytes.
type ADC interface {
	ReadSequence(muxSeq []byte, dst []int32) error
	ReadContinue(muxSeq []byte, dst []int32) error
	CalSelf() error
	Halt() error
}

// measurement is one channel of the calorimetric power measurement.
//
// It performs two differential resistance measurements of the Pt1000
// sensors at the input and output port of the measured object and an
// absolute measurement of the voltage of the resistance reference.
// The thermal fluid flow rate is then read from the assigned flow
// sensor and heat flow is calculated from temperature difference,
// flow rate and the temperature-dependent heat capacity and density
// of the fluid.
//
// The two Pt1000 sensors and the resistance reference form a
// three-leg wheatstone bridge read in succession via three ADC
// inputs:
//
//	    rs_ref, rs_up, rs_dn: bridge high-side resistors
//	    r_ref: bridge resistance reference resistor
//	         _______________________
//	        |           |           |
//	      rs_ref      rs_up       rs_dn
//	        |           |           |
//	        |ADC_IN     |ADC_IN     |ADC_IN
//	        |           |           |
//	      r_ref     pt1000_up    pt1000_dn
//	        |           |           |
//	         _______________________ ADC_AINCOM (0V)
//
// For the resistance reference channel, AINCOM is the absolute
// reference. For the upstream channel, r_ref is the reference. For
// the downstream channel, the upstream sensor is the reference.
type measurement struct {
	state *State
	idx   int
	adc   ADC
	flow  flowsensor.Sensor
	fluid *Fluid

	adcKey     string
	filterSize int
	// muxSeq is the pre-encoded three-entry multiplexer sequence:
	// r_ref vs AINCOM, upstream vs r_ref, downstream vs upstream.
	muxSeq     []byte
	adcOffsets [3]float64
	// nRef is the reference channel resistance ratio r_s/r_ref.
	nRef                 float64
	rSUp, rSDn           float64
	rOffsetUp, rOffsetDn float64
	r0Up, r0Dn           float64
	rWiresUp, rWiresDn   float64
	tempChUp, tempChDn   int
	flowTempCh           int

	// buf holds FILTER_SIZE rows of the three raw input samples.
	buf [][]int32
}

func newMeasurement(state *State, idx int, adc ADC, flow flowsensor.Sensor, fluid *Fluid) (*measurement, error) {
	conf := state.Conf
	chConf := &conf.Measurements.Chs[idx]
	adcConf, ok := conf.Adcs[chConf.AdcDevice]
	if !ok {
		return nil, fmt.Errorf("measurement %d: unknown ADC device: %q", idx, chConf.AdcDevice)
	}
	tcUp := &adcConf.TempChs[chConf.TempChUp]
	tcDn := &adcConf.TempChs[chConf.TempChDn]

	rrefMux, err := ads1256.MuxByName(adcConf.RRef.Mux)
	if err != nil {
		return nil, err
	}
	aincomMux, err := ads1256.MuxByName(adcConf.Aincom.Mux)
	if err != nil {
		return nil, err
	}
	upMux, err := ads1256.MuxByName(tcUp.Mux)
	if err != nil {
		return nil, err
	}
	dnMux, err := ads1256.MuxByName(tcDn.Mux)
	if err != nil {
		return nil, err
	}

	m := &measurement{
		state:      state,
		idx:        idx,
		adc:        adc,
		flow:       flow,
		fluid:      fluid,
		adcKey:     chConf.AdcDevice,
		filterSize: conf.Measurements.FilterSize,
		muxSeq: []byte{
			// Resistance reference channel first,
			ads1256.MuxPair(rrefMux, aincomMux),
			// followed by the upstream temperature sensor, and
			ads1256.MuxPair(upMux, rrefMux),
			// completed by the downstream sensor.
			ads1256.MuxPair(dnMux, upMux),
		},
		adcOffsets: [3]float64{
			adcConf.RRef.AdcOffset,
			tcUp.AdcOffset,
			tcDn.AdcOffset,
		},
		nRef:       adcConf.RRef.RS / adcConf.RRef.RRef,
		rSUp:       tcUp.RS,
		rSDn:       tcDn.RS,
		rOffsetUp:  tcUp.ROffset,
		rOffsetDn:  tcDn.ROffset,
		r0Up:       chConf.R0Up,
		r0Dn:       chConf.R0Dn,
		rWiresUp:   chConf.RWiresUp,
		rWiresDn:   chConf.RWiresDn,
		tempChUp:   chConf.TempChUp,
		tempChDn:   chConf.TempChDn,
		flowTempCh: chConf.FlowSensorTempCh,
	}
	m.buf = make([][]int32, m.filterSize)
	for j := range m.buf {
		m.buf[j] = make([]int32, 3)
	}
	return m, nil
}

// scanSensors acquires FILTER_SIZE rows of the three multiplexed
// inputs, averages them and updates the raw, resistance and
// temperature results. Worker only, resultsMu held.
func (m *measurement) scanSensors() error {
	if err := m.adc.ReadSequence(m.muxSeq, m.buf[0]); err != nil {
		return err
	}
	for j := 1; j < m.filterSize; j++ {
		if err := m.adc.ReadContinue(m.muxSeq, m.buf[j]); err != nil {
			return err
		}
	}
	var avg [3]float64
	for j := range m.buf {
		for k := 0; k < 3; k++ {
			avg[k] += float64(m.buf[j][k])
		}
	}
	for k := 0; k < 3; k++ {
		avg[k] = avg[k]/float64(m.filterSize) - m.adcOffsets[k]
	}

	// Upstream (cold inlet) sensor resistance from the multi-leg
	// bridge setup.
	rUpstreamRaw := pt1000.Wheatstone(avg[1], avg[0], m.nRef, m.rSUp)
	rUpstream := rUpstreamRaw - m.rOffsetUp - m.rWiresUp

	// The downstream sensor uses the upstream sensor as reference
	// bridge leg. The differential measurement is added to the
	// absolute measurement to form the reference voltage of the
	// second bridge setup.
	rDownstream := pt1000.Wheatstone(
		avg[2],
		avg[1]+avg[0],
		m.rSUp/rUpstreamRaw,
		m.rSDn,
	) - m.rOffsetDn - m.rWiresDn

	tUpstream := pt1000.Temperature(rUpstream, m.r0Up)
	tDownstream := pt1000.Temperature(rDownstream, m.r0Dn)

	resAdc := m.state.Results.Adcs[m.adcKey]
	resAdc.RRef.AdcUnscaled = JSONFloat(avg[0])
	resAdc.TempChs[m.tempChUp].AdcUnscaled = JSONFloat(avg[1])
	resAdc.TempChs[m.tempChDn].AdcUnscaled = JSONFloat(avg[2])
	resAdc.TempChs[m.tempChUp].Resistance = JSONFloat(rUpstream)
	resAdc.TempChs[m.tempChDn].Resistance = JSONFloat(rDownstream)
	resAdc.TempChs[m.tempChUp].Temperature = JSONFloat(tUpstream)
	resAdc.TempChs[m.tempChDn].Temperature = JSONFloat(tDownstream)

	resCh := &m.state.Results.Measurements.Chs[m.idx]
	resCh.TUpstream = JSONFloat(tUpstream)
	resCh.TDownstream = JSONFloat(tDownstream)
	return nil
}

// calculatePower derives mass flow and thermal power from the
// temperatures acquired in the current tick. Positive power means the
// fluid was heated. Worker only, resultsMu held; all temperature
// channels must have been scanned before since the flow sensor
// temperature can live on another channel.
func (m *measurement) calculatePower() {
	resCh := &m.state.Results.Measurements.Chs[m.idx]
	tUpstream := float64(resCh.TUpstream)
	tDownstream := float64(resCh.TDownstream)
	tFlow := float64(m.state.Results.Adcs[m.adcKey].TempChs[m.flowTempCh].Temperature)

	// The power calibration values are mutated by the command surface
	// under the config lock (set__power_offset, tare__power).
	m.state.configMu.Lock()
	chConf := &m.state.Conf.Measurements.Chs[m.idx]
	powerGain := chConf.PowerGain
	powerOffset := chConf.PowerOffset
	m.state.configMu.Unlock()

	tAvg := 0.5 * (tUpstream + tDownstream)
	cTh := m.fluid.GetCTh(tAvg)
	tDiff := tDownstream - tUpstream
	flowLiterSec := m.flow.ReadLiterSec()
	flowKgSec := flowLiterSec * m.fluid.GetDensity(tFlow)

	power := powerGain*flowKgSec*cTh*tDiff - powerOffset
	resCh.FlowKgSec = JSONFloat(flowKgSec)
	resCh.PowerW = JSONFloat(power)
}
