// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package picalor implements multi-channel heat flow calorimetry on a
// single-board computer with an attached analog front-end.
//
// Thermal power (or heat flow) of one segmented or multiple
// individual liquid-cooled or liquid-heated systems is measured under
// the assumption that the enthalpy difference of the fluid entering
// and exiting each system per unit of time equals the energy
// dissipated or released by the system.
//
// Pairs of Pt1000 sensors are wired in a cascaded wheatstone bridge
// together with a fixed reference resistor and scanned by an ADS1256
// 24-bit delta-sigma ADC; pulse-output or fixed-rate flow sensors
// provide the fluid flow. The core continuously computes differential
// temperature, mass flow and thermal power per channel, streams live
// results to remote frontends via MQTT and supports in-situ two-point
// calibration of each temperature channel.
package picalor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Options configures the application core.
type Options struct {
	// ConfigFile is the TOML config path; empty selects
	// ~/.picalor/picalor_config.toml.
	ConfigFile string
	// DataDir receives result snapshots and reports; empty selects
	// ~/.picalor/savedata.
	DataDir string
	// Hardware constructs the sensor drivers; nil selects the
	// periph.io host drivers (host.Init must have been called).
	Hardware HardwareFactory
	// Logger is the application logger; nil selects a no-op logger.
	Logger *zap.SugaredLogger
}

// Core assembles the state store, the command dispatcher, the
// configured frontends and the measurement daemon.
type Core struct {
	State  *State
	Api    *Api
	Daemon *Daemon

	metrics *Metrics
	log     *zap.SugaredLogger

	poweroffRequested atomic.Bool
	stopOnce          sync.Once
	stopped           chan struct{}
}

// New builds the application from its configuration. The daemon and
// the frontends are not yet started.
func New(opts Options) (*Core, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	state, err := NewState(opts.ConfigFile, opts.DataDir, log)
	if err != nil {
		return nil, err
	}
	hw := opts.Hardware
	if hw == nil {
		hw = NewPeriphHardware()
	}
	api := NewApi(state, log)
	c := &Core{
		State:   state,
		Api:     api,
		log:     log.Named("core"),
		stopped: make(chan struct{}),
	}
	c.Daemon = NewDaemon(state, api, hw, log)
	api.Bind(c.Daemon, c.Poweroff)
	if state.Conf.Mqtt.Enabled {
		api.AddFrontend(NewMqttFrontend(api, state.Conf.Mqtt, log))
	}
	if state.Conf.Console.Enabled {
		api.AddFrontend(NewConsoleFrontend(state.Conf.Console, log))
	}
	if addr := state.Conf.Metrics.Addr; addr != "" {
		c.metrics = NewMetrics(addr, log)
		c.Daemon.metrics = c.metrics
	}
	return c, nil
}

// Run starts the measurement daemon and the frontends and blocks
// until the context is cancelled or Stop is called (e.g. through the
// poweroff command). A frontend launch failure is fatal and stops the
// daemon again.
func (c *Core) Run(ctx context.Context) error {
	c.Daemon.Start()
	if err := c.Api.StartFrontends(); err != nil {
		c.Daemon.Stop()
		return err
	}
	select {
	case <-ctx.Done():
	case <-c.stopped:
	}
	c.Stop()
	return nil
}

// Stop performs an orderly shutdown: daemon first, then frontends and
// the metrics endpoint. Safe to call more than once.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		c.log.Info("terminating Picalor app")
		c.Daemon.Stop()
		c.Api.StopFrontends(10 * time.Second)
		c.metrics.Stop()
		close(c.stopped)
	})
}

// Poweroff requests an orderly stop followed by a host shutdown,
// which the main program performs after Run returned.
func (c *Core) Poweroff() {
	c.poweroffRequested.Store(true)
	c.Stop()
}

// PoweroffRequested reports whether the poweroff command was
// triggered.
func (c *Core) PoweroffRequested() bool {
	return c.poweroffRequested.Load()
}
