// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ul-gh/Picalor/ads1256"
	"github.com/ul-gh/Picalor/pt1000"
	"go.uber.org/zap"
)

// ErrCalBusy is returned when a calibration is requested while
// another one is still in process.
var ErrCalBusy = errors.New("calibration already in process, please wait")

// ErrCalTimeout is returned when the measurement worker did not
// deliver calibration data in time.
var ErrCalTimeout = errors.New("timeout waiting for calibration data")

// calWait bounds the wait for the worker to pick up a calibration
// request and deliver the bridge factor.
const calWait = 30 * time.Second

// Calibrator implements the two-point resistance calibration of one
// temperature input channel.
//
// The operator attaches a known resistor to the channel and submits
// its value as cal_r_a, later repeating the procedure with a second
// resistor as cal_r_b. Each submission makes the measurement worker
// acquire the bridge factor at the attached resistance:
//
//	    rs_ref, rs: bridge high-side resistors
//	    r_ref: bridge resistance reference resistor
//	         ___________
//	        |           |
//	      rs_ref       rs
//	        |           |
//	        |ADC_IN     |ADC_IN
//	        |           |
//	      r_ref     cal resistor
//	        |           |
//	         ___________ ADC_AINCOM (0V)
//
// Once both factors are measured, the channel's series resistance and
// offset are solved and written into the configuration.
type Calibrator struct {
	daemon *Daemon
	state  *State
	api    *Api
	log    *zap.SugaredLogger

	// Acquisition request data read by the worker.
	adcKey    string
	tempChIdx int
	valueKey  string

	row []int32
}

func newCalibrator(daemon *Daemon, state *State, api *Api, log *zap.SugaredLogger) *Calibrator {
	return &Calibrator{
		daemon: daemon,
		state:  state,
		api:    api,
		log:    log.Named("calibrator"),
		row:    make([]int32, 2),
	}
}

// CalibrateChannel stages one calibration point for the given temp
// channel, makes the worker acquire the bridge factor at the attached
// calibration resistance and, when this was the second point, solves
// and stores the channel calibration. Called on a frontend thread; it
// blocks until the worker delivered the data.
//
// On success the response carrying the current ADC config subtree is
// sent by the calibrator itself.
func (c *Calibrator) CalibrateChannel(adcKey string, tempChIdx int, valueKey string, calResistance float64) error {
	if err := c.validate(adcKey, tempChIdx, valueKey, calResistance); err != nil {
		c.log.Error(err)
		c.api.PushErrorStr(err.Error())
		return err
	}
	c.adcKey = adcKey
	c.tempChIdx = tempChIdx
	c.valueKey = valueKey

	c.state.configMu.Lock()
	tc := &c.state.Conf.Adcs[adcKey].TempChs[tempChIdx]
	if valueKey == "cal_r_a" {
		tc.CalRA = calResistance
	} else {
		tc.CalRB = calResistance
	}
	// A completed previous calibration is invalidated first: a fresh
	// calibration always requires two fresh points.
	if tc.CalWhA != nil && tc.CalWhB != nil {
		tc.CalWhA = nil
		tc.CalWhB = nil
	}
	c.state.configMu.Unlock()

	c.log.Infof("acquiring calibration data for resistance value: %g "+
		"(ADC: %s, temp channel: %d, value: %s)",
		calResistance, adcKey, tempChIdx, valueKey)
	// Makes the measurement worker acquire data and write the bridge
	// factor directly into the config document.
	c.daemon.calDataReady.Clear()
	c.daemon.calibrationModeEnabled.Set()
	if !c.daemon.calDataReady.Wait(calWait) {
		c.log.Error("timeout waiting for calibration data")
		return ErrCalTimeout
	}

	c.state.configMu.Lock()
	whA, whB := tc.CalWhA, tc.CalWhB
	if whA == nil || whB == nil {
		c.state.configMu.Unlock()
		c.log.Info("need second calibration result for channel")
		c.respondAdcs()
		return nil
	}
	rA, rB := tc.CalRA, tc.CalRB
	rS := (rA - rB) / (*whA - *whB)
	rOffset := rS * *whA - rA
	tc.RS = rS
	tc.ROffset = rOffset
	c.state.configMu.Unlock()
	c.log.Debugf("r_s: %g, r_offset: %g", rS, rOffset)
	c.respondAdcs()
	return nil
}

func (c *Calibrator) validate(adcKey string, tempChIdx int, valueKey string, calResistance float64) error {
	if calResistance <= 0.0 || calResistance > 10000.0 {
		return fmt.Errorf("cal resistance must be between 0.0 and 10000.0, got %g", calResistance)
	}
	if valueKey != "cal_r_a" && valueKey != "cal_r_b" {
		return fmt.Errorf("invalid resistance value key: %q", valueKey)
	}
	adc, ok := c.state.Conf.Adcs[adcKey]
	if !ok {
		return fmt.Errorf("invalid ADC key: %q", adcKey)
	}
	if tempChIdx < 0 || tempChIdx >= 7 || tempChIdx >= len(adc.TempChs) {
		return fmt.Errorf("invalid temp channel index: %d", tempChIdx)
	}
	if c.daemon.calibrationModeEnabled.IsSet() {
		return ErrCalBusy
	}
	return nil
}

// respondAdcs sends the current ADC config subtree as command
// response.
func (c *Calibrator) respondAdcs() {
	c.state.configMu.Lock()
	payload, err := json.Marshal(c.state.Conf.Adcs)
	c.state.configMu.Unlock()
	if err != nil {
		c.log.Errorf("ADC config serialization: %v", err)
		return
	}
	c.api.SendResponse("calibrate__temp_channel", payload, true)
}

// acquireCalData samples the resistance reference and the temp
// channel under calibration, computes the bridge factor and stores it
// into the configured calibration point. Called from the measurement
// worker with configMu held.
func (c *Calibrator) acquireCalData() error {
	c.log.Debugf("%s, %d, %s: acquiring calibration data",
		c.adcKey, c.tempChIdx, c.valueKey)
	adc, ok := c.daemon.adcs[c.adcKey]
	if !ok {
		return fmt.Errorf("ADC device not running: %q", c.adcKey)
	}
	adcConf := c.state.Conf.Adcs[c.adcKey]
	tc := &adcConf.TempChs[c.tempChIdx]
	nRef := adcConf.RRef.RS / adcConf.RRef.RRef

	rrefMux, err := ads1256.MuxByName(adcConf.RRef.Mux)
	if err != nil {
		return err
	}
	aincomMux, err := ads1256.MuxByName(adcConf.Aincom.Mux)
	if err != nil {
		return err
	}
	chMux, err := ads1256.MuxByName(tc.Mux)
	if err != nil {
		return err
	}
	muxSeq := []byte{
		ads1256.MuxPair(rrefMux, aincomMux),
		ads1256.MuxPair(chMux, rrefMux),
	}

	filterSize := c.state.Conf.Measurements.FilterSize
	var sums [2]float64
	if err := adc.ReadSequence(muxSeq, c.row); err != nil {
		return err
	}
	sums[0] += float64(c.row[0])
	sums[1] += float64(c.row[1])
	for j := 1; j < filterSize; j++ {
		if err := adc.ReadContinue(muxSeq, c.row); err != nil {
			return err
		}
		sums[0] += float64(c.row[0])
		sums[1] += float64(c.row[1])
	}
	avg0 := sums[0]/float64(filterSize) - adcConf.RRef.AdcOffset
	avg1 := sums[1]/float64(filterSize) - tc.AdcOffset

	whFactor := pt1000.WheatstoneFactor(avg1, avg0, nRef)
	if c.valueKey == "cal_r_a" {
		c.log.Debugf("setting bridge factor cal_wh_a: %g", whFactor)
		tc.CalWhA = &whFactor
	} else {
		c.log.Debugf("setting bridge factor cal_wh_b: %g", whFactor)
		tc.CalWhB = &whFactor
	}
	return nil
}
