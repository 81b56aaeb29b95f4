// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"fmt"

	"github.com/ul-gh/Picalor/ads1256"
	"github.com/ul-gh/Picalor/flowsensor"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// periphHardware constructs the sensor drivers on real hardware via
// the periph.io host drivers. host.Init must have been called.
type periphHardware struct{}

// NewPeriphHardware returns the HardwareFactory for real hardware.
func NewPeriphHardware() HardwareFactory {
	return periphHardware{}
}

// adcHandle couples the ADS1256 driver with its SPI port so Halt
// releases the port.
type adcHandle struct {
	*ads1256.Dev
	port spi.PortCloser
}

func (h *adcHandle) Halt() error {
	err := h.Dev.Halt()
	if cerr := h.port.Close(); err == nil {
		err = cerr
	}
	return err
}

func (periphHardware) NewADC(key string, conf *AdcConfig) (ADC, error) {
	drate, err := ads1256.DrateByName(conf.Hw.Drate)
	if err != nil {
		return nil, err
	}
	gain, err := ads1256.GainCode(conf.Hw.Gain)
	if err != nil {
		return nil, err
	}
	port, err := spireg.Open(conf.Hw.SpiPort)
	if err != nil {
		return nil, fmt.Errorf("opening SPI port %q: %w", conf.Hw.SpiPort, err)
	}
	drdy := gpioreg.ByName(conf.Hw.DrdyPin)
	if drdy == nil {
		port.Close()
		return nil, fmt.Errorf("no such GPIO pin: %q", conf.Hw.DrdyPin)
	}
	opts := ads1256.DefaultOpts
	opts.DataRate = drate
	opts.Gain = gain
	opts.InputBuffer = conf.Hw.InputBuffer
	dev, err := ads1256.New(port, drdy, &opts)
	if err != nil {
		port.Close()
		return nil, err
	}
	return &adcHandle{Dev: dev, port: port}, nil
}

func (periphHardware) NewFlowSensor(idx int, conf FlowSensorConfig) (flowsensor.Sensor, error) {
	switch conf.Type {
	case "fixed":
		return flowsensor.NewFixed(conf.FlowLiterSec), nil
	case "pulse":
		name := fmt.Sprintf("GPIO%d", conf.GPIO)
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("no such GPIO pin: %q", name)
		}
		return flowsensor.NewPulse(pin, flowsensor.SystemTicks(), flowsensor.PulseConfig{
			TimeoutUs:      conf.TimeoutUs,
			MinAvgPeriodUs: conf.MinAvgPeriodUs,
			Sensitivity:    conf.Sensitivity,
		})
	default:
		return nil, fmt.Errorf("flow sensor %d: unknown type: %q", idx, conf.Type)
	}
}
