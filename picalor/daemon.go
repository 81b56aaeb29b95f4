// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"fmt"
	"math"
	"time"

	"github.com/ul-gh/Picalor/flowsensor"
	"go.uber.org/zap"
)

// HardwareFactory constructs the sensor driver instances from their
// configuration. The daemon owns the returned handles exclusively and
// halts them on stop and reconfiguration.
type HardwareFactory interface {
	NewADC(key string, conf *AdcConfig) (ADC, error)
	NewFlowSensor(idx int, conf FlowSensorConfig) (flowsensor.Sensor, error)
}

// Daemon runs the periodic measurement acquisition on its own worker
// goroutine. It exclusively owns the ADC and flow sensor handles and
// interleaves acquisition, calibration and configuration reloads at
// tick boundaries in a fixed priority order.
type Daemon struct {
	state *State
	api   *Api
	hw    HardwareFactory
	log   *zap.SugaredLogger

	adcs         map[string]ADC
	flows        []flowsensor.Sensor
	measurements []*measurement
	calibrator   *Calibrator
	metrics      *Metrics

	// Events controlling the worker operation.
	calibrationModeEnabled *signal
	calDataReady           *signal
	datalogEnabled         *signal
	clearDatalogRequested  *signal
	acquisitionEnabled     *signal
	shutdownRequested      *signal

	done chan struct{}

	scanIntervalS int
	logStartTime  time.Time
	logTimeDigits int
}

// NewDaemon creates the measurement daemon. Sensors are constructed
// on Start.
func NewDaemon(state *State, api *Api, hw HardwareFactory, log *zap.SugaredLogger) *Daemon {
	d := &Daemon{
		state:                  state,
		api:                    api,
		hw:                     hw,
		log:                    log.Named("daemon"),
		adcs:                   map[string]ADC{},
		calibrationModeEnabled: newSignal(),
		calDataReady:           newSignal(),
		datalogEnabled:         newSignal(),
		clearDatalogRequested:  newSignal(),
		acquisitionEnabled:     newSignal(),
		shutdownRequested:      newSignal(),
		done:                   make(chan struct{}),
	}
	d.calibrator = newCalibrator(d, state, api, log)
	return d
}

// Calibrator returns the calibration sub-protocol handler.
func (d *Daemon) Calibrator() *Calibrator {
	return d.calibrator
}

// Start constructs the sensors and measurement channels and launches
// the worker. Sensor construction failures are reported to the
// frontends and leave acquisition disabled; the worker still runs so
// the system stays recoverable via config upload.
func (d *Daemon) Start() {
	d.configureAndStartSensors()
	d.configureMeasurements()
	go d.worker()
}

// Stop requests worker shutdown, waits for it bounded by
// 12 + scan_interval_s seconds, then halts all sensors.
func (d *Daemon) Stop() {
	timeout := 12 * time.Second
	if d.state.Conf.Measurements.ScanIntervalS > 0 {
		timeout += time.Duration(d.state.Conf.Measurements.ScanIntervalS) * time.Second
	}
	d.shutdownRequested.Set()
	select {
	case <-d.done:
	case <-time.After(timeout):
		d.log.Error("worker did not stop in time, force-stopping sensors")
	}
	d.stopSensors()
}

// SetPowerOffset sets the power offset calibration value of one
// channel.
func (d *Daemon) SetPowerOffset(ch int, value float64) error {
	return d.setChannelValue(ch, func(c *ChannelConfig) { c.PowerOffset = value })
}

// SetPowerGain sets the power gain calibration value of one channel.
func (d *Daemon) SetPowerGain(ch int, value float64) error {
	return d.setChannelValue(ch, func(c *ChannelConfig) { c.PowerGain = value })
}

func (d *Daemon) setChannelValue(ch int, set func(*ChannelConfig)) error {
	d.state.configMu.Lock()
	defer d.state.configMu.Unlock()
	if ch < 0 || ch >= len(d.state.Conf.Measurements.Chs) {
		return fmt.Errorf("invalid measurement channel index: %d", ch)
	}
	set(&d.state.Conf.Measurements.Chs[ch])
	return nil
}

// TarePower adds the currently measured power of the channel to its
// power offset, so the next reading under unchanged load is near
// zero.
func (d *Daemon) TarePower(ch int) error {
	d.state.resultsMu.Lock()
	if ch < 0 || ch >= len(d.state.Results.Measurements.Chs) {
		d.state.resultsMu.Unlock()
		return fmt.Errorf("invalid measurement channel index: %d", ch)
	}
	power := float64(d.state.Results.Measurements.Chs[ch].PowerW)
	d.state.resultsMu.Unlock()
	if math.IsNaN(power) {
		return fmt.Errorf("channel %d has no valid power reading to tare", ch)
	}
	return d.setChannelValue(ch, func(c *ChannelConfig) {
		d.log.Debugf("zero calibration for channel %d, previous offset: %.3f", ch, c.PowerOffset)
		c.PowerOffset += power
	})
}

// SetDatalogEnabled switches datalog recording. Enabling an already
// cleared log allocates it at the next acquisition tick.
func (d *Daemon) SetDatalogEnabled(value bool) {
	d.state.configMu.Lock()
	d.state.Conf.Measurements.DatalogEnabled = value
	d.state.configMu.Unlock()
	if value {
		d.datalogEnabled.Set()
	} else {
		d.datalogEnabled.Clear()
	}
}

// ClearDatalog requests a datalog restart at the next acquisition
// tick.
func (d *Daemon) ClearDatalog() {
	d.clearDatalogRequested.Set()
}

// configureAndStartSensors constructs the ADC driver and flow sensor
// instances from the configuration. When sensors are re-configured
// the measurements also have to be re-configured, which is why
// acquisition stays disabled here.
func (d *Daemon) configureAndStartSensors() {
	if err := d.state.Conf.Validate(); err != nil {
		d.failConfiguration(fmt.Errorf("configuration error: %w", err))
		return
	}
	d.adcs = map[string]ADC{}
	for key, adcConf := range d.state.Conf.Adcs {
		d.log.Infof("configuring ADC: %s", key)
		adc, err := d.hw.NewADC(key, adcConf)
		if err != nil {
			d.failConfiguration(fmt.Errorf("error configuring ADC %s: %w", key, err))
			return
		}
		if err := adc.CalSelf(); err != nil {
			d.failConfiguration(fmt.Errorf("self-calibration of ADC %s: %w", key, err))
			return
		}
		d.adcs[key] = adc
	}
	d.flows = nil
	for i, fsConf := range d.state.Conf.FlowSensors {
		d.log.Infof("configuring flow sensor %d of type: %s", i, fsConf.Type)
		fs, err := d.hw.NewFlowSensor(i, fsConf)
		if err != nil {
			d.failConfiguration(fmt.Errorf("error configuring flow sensor %d: %w", i, err))
			return
		}
		d.flows = append(d.flows, fs)
	}
}

// configureMeasurements builds the measurement channel instances and
// enables acquisition. Separated from sensor construction because a
// no-restart reconfiguration re-runs only this part.
func (d *Daemon) configureMeasurements() {
	conf := d.state.Conf
	if err := conf.Validate(); err != nil {
		d.failConfiguration(fmt.Errorf("configuration error: %w", err))
		return
	}
	d.log.Infof("number of heat measurement channels configured: %d", len(conf.Measurements.Chs))
	d.log.Infof("output values averaged over %d ADC samples", conf.Measurements.FilterSize)
	d.measurements = nil
	for i, chConf := range conf.Measurements.Chs {
		adc, ok := d.adcs[chConf.AdcDevice]
		if !ok {
			d.failConfiguration(fmt.Errorf("configuration error configuring measurement %d: ADC %q not running", i, chConf.AdcDevice))
			return
		}
		if chConf.FlowSensor < 0 || chConf.FlowSensor >= len(d.flows) {
			d.failConfiguration(fmt.Errorf("configuration error configuring measurement %d: no flow sensor %d", i, chConf.FlowSensor))
			return
		}
		fluid, ok := conf.Fluids[chConf.Fluid]
		if !ok {
			d.failConfiguration(fmt.Errorf("configuration error configuring measurement %d: unknown fluid %q", i, chConf.Fluid))
			return
		}
		m, err := newMeasurement(d.state, i, adc, d.flows[chConf.FlowSensor], fluid)
		if err != nil {
			d.failConfiguration(fmt.Errorf("error configuring measurements: %w", err))
			return
		}
		d.measurements = append(d.measurements, m)
	}
	d.SetDatalogEnabled(conf.Measurements.DatalogEnabled)
	d.acquisitionEnabled.Set()
}

func (d *Daemon) failConfiguration(err error) {
	d.log.Error(err)
	d.api.PushErrorStr(err.Error())
	d.acquisitionEnabled.Clear()
}

func (d *Daemon) stopSensors() {
	d.log.Debug("stopping ADC and flow sensors")
	d.acquisitionEnabled.Clear()
	for _, adc := range d.adcs {
		if err := adc.Halt(); err != nil {
			d.log.Errorf("halting ADC: %v", err)
		}
	}
	d.adcs = map[string]ADC{}
	for _, fs := range d.flows {
		if err := fs.Halt(); err != nil {
			d.log.Errorf("halting flow sensor: %v", err)
		}
	}
	d.flows = nil
}

// worker is the measurement thread. Each iteration sleeps until the
// next integer-second aligned tick, then serves the pending concerns in
// fixed priority order: no-restart and full-restart config updates
// first, then either a calibration acquisition or, when no calibration
// is pending, a regular acquisition.
func (d *Daemon) worker() {
	defer close(d.done)
	d.adoptScanInterval()
	now := time.Now()
	tNext := now.Truncate(time.Second).
		Add(time.Duration(1+d.scanIntervalS) * time.Second)
	for {
		if d.shutdownRequested.IsSet() {
			return
		}
		delta := time.Until(tNext)
		tNext = tNext.Add(time.Duration(d.scanIntervalS) * time.Second)
		if delta > 0 {
			time.Sleep(delta)
		} else {
			d.log.Warn("timeout occurred - beware of missing data!")
			d.metrics.MissedTick()
		}
		if d.shutdownRequested.IsSet() {
			return
		}
		// Re-configuration without the need to restart the sensors.
		if d.state.configUpdatedNoRestart.IsSet() {
			d.state.configMu.Lock()
			d.state.configUpdatedNoRestart.Clear()
			d.state.commitPending()
			d.state.configMu.Unlock()
			d.configureMeasurements()
			d.api.SendResponse("upload_norestart__config", d.state.ConfigJSON(), true)
		}
		// Base configuration changed: ADCs and flow sensors must be
		// restarted and the measurements set up new.
		if d.state.configUpdated.IsSet() {
			d.stopSensors()
			d.state.configMu.Lock()
			d.state.configUpdated.Clear()
			didSave := d.state.commitPending()
			d.state.configMu.Unlock()
			d.state.resultsMu.Lock()
			d.state.Results = newResults(d.state.Conf)
			d.state.resultsMu.Unlock()
			d.clearDatalogRequested.Set()
			d.adoptScanInterval()
			d.configureAndStartSensors()
			d.configureMeasurements()
			if didSave {
				d.api.SendResponse("upload_save__config", d.state.ConfigJSON(), true)
			} else {
				d.api.SendResponse("upload__config", d.state.ConfigJSON(), true)
			}
		}
		// Flag set by the Calibrator.
		if d.calibrationModeEnabled.IsSet() {
			d.state.configMu.Lock()
			err := d.calibrator.acquireCalData()
			d.state.configMu.Unlock()
			if err != nil {
				d.log.Errorf("calibration data acquisition: %v", err)
				d.api.PushErrorStr(err.Error())
			}
			d.calibrationModeEnabled.Clear()
			// Waited for by the Calibrator.
			d.calDataReady.Set()
		} else if d.acquisitionEnabled.IsSet() {
			// Main operation mode.
			tStart := time.Now()
			d.state.resultsMu.Lock()
			err := d.acquire()
			d.state.resultsMu.Unlock()
			if err != nil {
				d.failConfiguration(fmt.Errorf("measurement acquisition: %w", err))
				continue
			}
			d.metrics.ObserveScan(time.Since(tStart))
			d.api.PushLiveData()
		}
	}
}

func (d *Daemon) adoptScanInterval() {
	d.scanIntervalS = d.state.Conf.Measurements.ScanIntervalS
	if d.scanIntervalS < 1 {
		d.scanIntervalS = 1
	}
	d.logTimeDigits = -int(math.Log10(float64(d.scanIntervalS)))
}

// acquire performs one complete acquisition step. Worker only,
// resultsMu held.
//
// The flow meter of each power measurement can use a temperature
// channel of another measurement, so all temperature channels are
// acquired first, then all flow sensors are read (non-blocking), and
// only then the interdependent power results are calculated.
func (d *Daemon) acquire() error {
	for _, m := range d.measurements {
		if err := m.scanSensors(); err != nil {
			return err
		}
	}
	for i, fs := range d.flows {
		d.state.Results.FlowSensors[i].LiterSec = JSONFloat(fs.ReadLiterSec())
	}
	for _, m := range d.measurements {
		m.calculatePower()
	}
	for i, ch := range d.state.Results.Measurements.Chs {
		d.metrics.SetPower(i, float64(ch.PowerW))
	}
	if d.datalogEnabled.IsSet() {
		d.appendDatalog()
	}
	return nil
}

func (d *Daemon) appendDatalog() {
	if d.clearDatalogRequested.IsSet() || d.state.Results.DataLog == nil {
		d.clearDatalogRequested.Clear()
		d.state.Results.initDatalog(d.state.Conf, time.Now())
		d.logStartTime = time.Now()
		d.api.SendResponse("clear__datalog", []byte("true"), true)
	}
	log := d.state.Results.DataLog
	t := roundTo(time.Since(d.logStartTime).Seconds(), d.logTimeDigits)
	log.TimeS = append(log.TimeS, t)
	for ch, data := range d.state.Results.Measurements.Chs {
		log.TUpstream[ch] = append(log.TUpstream[ch], data.TUpstream)
		log.TDownstream[ch] = append(log.TDownstream[ch], data.TDownstream)
		log.FlowKgSec[ch] = append(log.FlowKgSec[ch], data.FlowKgSec)
		log.PowerW[ch] = append(log.PowerW[ch], data.PowerW)
	}
}

// roundTo rounds x to the given number of decimal digits; negative
// digits round to powers of ten.
func roundTo(x float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(x*scale) / scale
}
