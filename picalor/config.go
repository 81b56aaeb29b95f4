// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

//go:embed picalor_default_config.toml
var defaultConfigTOML []byte

// Config is the application configuration document. The TOML form is
// persisted to disk; the JSON form is published to the frontends.
type Config struct {
	Measurements MeasurementsConfig    `toml:"measurements" json:"measurements"`
	Adcs         map[string]*AdcConfig `toml:"adcs" json:"adcs"`
	FlowSensors  []FlowSensorConfig    `toml:"flow_sensors" json:"flow_sensors"`
	Fluids       map[string]*Fluid     `toml:"fluids" json:"fluids"`
	Mqtt         MqttConfig            `toml:"mqtt" json:"mqtt"`
	Console      ConsoleConfig         `toml:"console" json:"console"`
	Metrics      MetricsConfig         `toml:"metrics" json:"metrics"`
}

// MeasurementsConfig configures the acquisition scheduler and the
// calorimetry channels.
type MeasurementsConfig struct {
	// FilterSize is the number of ADC samples averaged per scan.
	FilterSize int `toml:"FILTER_SIZE" json:"FILTER_SIZE"`
	// ScanIntervalS is the nominal acquisition cadence in seconds.
	ScanIntervalS  int             `toml:"scan_interval_s" json:"scan_interval_s"`
	DatalogEnabled bool            `toml:"datalog_enabled" json:"datalog_enabled"`
	Chs            []ChannelConfig `toml:"chs" json:"chs"`
}

// ChannelConfig describes one logical calorimetry channel.
type ChannelConfig struct {
	// AdcDevice keys into Config.Adcs.
	AdcDevice string `toml:"adc_device" json:"adc_device"`
	// TempChUp and TempChDn index the upstream and downstream Pt1000
	// sensor into the ADC's temp channel list.
	TempChUp int `toml:"temp_ch_up" json:"temp_ch_up"`
	TempChDn int `toml:"temp_ch_dn" json:"temp_ch_dn"`
	// FlowSensor indexes into Config.FlowSensors.
	FlowSensor int `toml:"flow_sensor" json:"flow_sensor"`
	// FlowSensorTempCh is the temp channel measuring the fluid
	// temperature at the flow sensor location.
	FlowSensorTempCh int `toml:"flow_sensor_temp_ch" json:"flow_sensor_temp_ch"`
	// Fluid keys into Config.Fluids.
	Fluid       string  `toml:"fluid" json:"fluid"`
	PowerOffset float64 `toml:"power_offset" json:"power_offset"`
	PowerGain   float64 `toml:"power_gain" json:"power_gain"`
	// R0Up, R0Dn are the Pt1000 base (0 °C) resistance calibration
	// values per sensor end.
	R0Up float64 `toml:"r_0_up" json:"r_0_up"`
	R0Dn float64 `toml:"r_0_dn" json:"r_0_dn"`
	// RWiresUp, RWiresDn compensate the wiring resistance.
	RWiresUp float64 `toml:"r_wires_up" json:"r_wires_up"`
	RWiresDn float64 `toml:"r_wires_dn" json:"r_wires_dn"`
	Info     string  `toml:"info" json:"info"`
}

// AdcConfig describes one ADS1256 device and its input channels.
type AdcConfig struct {
	Hw      AdcHwConfig    `toml:"hw" json:"hw"`
	RRef    RRefConfig     `toml:"r_ref" json:"r_ref"`
	Aincom  MuxConfig      `toml:"aincom" json:"aincom"`
	TempChs []TempChConfig `toml:"temp_chs" json:"temp_chs"`
}

// AdcHwConfig is the hardware configuration of one ADC.
type AdcHwConfig struct {
	// SpiPort is the periph.io SPI port name, e.g. "SPI0.0".
	SpiPort string `toml:"spi_port" json:"spi_port"`
	// DrdyPin is the periph.io GPIO name of the data-ready line.
	DrdyPin string `toml:"drdy_pin" json:"drdy_pin"`
	// Drate is the data rate name, e.g. "DRATE_100".
	Drate string `toml:"drate" json:"drate"`
	// Gain is the PGA gain: 1, 2, 4, 8, 16, 32 or 64.
	Gain int `toml:"gain" json:"gain"`
	// InputBuffer enables the analog input buffer amplifier.
	InputBuffer bool `toml:"input_buffer" json:"input_buffer"`
}

// RRefConfig describes the resistance reference bridge leg.
type RRefConfig struct {
	// RS is the bridge high-side series resistor.
	RS float64 `toml:"r_s" json:"r_s"`
	// RRef is the reference resistor at the bridge foot.
	RRef float64 `toml:"r_ref" json:"r_ref"`
	// Mux is the ADC input name of the reference tap, e.g. "AIN0".
	Mux string `toml:"mux" json:"mux"`
	// AdcOffset is subtracted from the raw channel average.
	AdcOffset float64 `toml:"adc_offset" json:"adc_offset"`
}

// MuxConfig names a single ADC input.
type MuxConfig struct {
	Mux string `toml:"mux" json:"mux"`
}

// TempChConfig describes one Pt1000 input channel of an ADC.
type TempChConfig struct {
	Mux string `toml:"mux" json:"mux"`
	// RS is the bridge high-side series resistor of this leg.
	RS float64 `toml:"r_s" json:"r_s"`
	// ROffset is the resistance offset from instrument calibration.
	ROffset   float64 `toml:"r_offset" json:"r_offset"`
	AdcOffset float64 `toml:"adc_offset" json:"adc_offset"`
	// CalRA, CalRB are the known calibration resistor values of the
	// two-point calibration.
	CalRA float64 `toml:"cal_r_a" json:"cal_r_a"`
	CalRB float64 `toml:"cal_r_b" json:"cal_r_b"`
	// CalWhA, CalWhB are the bridge factors measured at CalRA and
	// CalRB. nil marks a point not yet measured.
	CalWhA *float64 `toml:"cal_wh_a,omitempty" json:"cal_wh_a"`
	CalWhB *float64 `toml:"cal_wh_b,omitempty" json:"cal_wh_b"`
}

// FlowSensorConfig describes one flow sensor, either of pulse output
// type or a fixed substitute value.
type FlowSensorConfig struct {
	// Type is "pulse" or "fixed".
	Type string `toml:"type" json:"type"`
	// GPIO is the BCM input number of the pulse line.
	GPIO int `toml:"GPIO" json:"GPIO"`
	// TimeoutUs invalidates the measurement when no pulse arrived.
	TimeoutUs uint32 `toml:"TIMEOUT_US" json:"TIMEOUT_US"`
	// MinAvgPeriodUs is the minimum pulse accumulation time span.
	MinAvgPeriodUs uint32 `toml:"MIN_AVG_PERIOD_US" json:"MIN_AVG_PERIOD_US"`
	// Sensitivity is the sensor constant in pulses per liter.
	Sensitivity float64 `toml:"SENSITIVITY" json:"SENSITIVITY"`
	// FlowLiterSec is the substitute value of the fixed variant.
	FlowLiterSec float64 `toml:"FLOW_LITER_SEC" json:"FLOW_LITER_SEC"`
	Info         string  `toml:"info" json:"info"`
}

// MqttConfig is the remote frontend transport endpoint configuration.
type MqttConfig struct {
	Enabled      bool   `toml:"enabled" json:"enabled"`
	BrokerHost   string `toml:"BROKER_HOST" json:"BROKER_HOST"`
	MqttPort     int    `toml:"MQTT_PORT" json:"MQTT_PORT"`
	DataTopic    string `toml:"CORE_DATA_TOPIC" json:"CORE_DATA_TOPIC"`
	CmdReqTopic  string `toml:"CORE_CMD_REQ_TOPIC" json:"CORE_CMD_REQ_TOPIC"`
	CmdRespTopic string `toml:"CORE_CMD_RESP_TOPIC" json:"CORE_CMD_RESP_TOPIC"`
}

// ConsoleConfig enables the local terminal live view.
type ConsoleConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	// MaxPowerW scales the power level color bar.
	MaxPowerW float64 `toml:"max_power_w" json:"max_power_w"`
}

// MetricsConfig enables the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Addr is the listen address, e.g. ":9100". Empty disables the
	// endpoint.
	Addr string `toml:"addr" json:"addr"`
}

// DefaultConfig returns the built-in default configuration document.
func DefaultConfig() (*Config, error) {
	conf := &Config{}
	if err := toml.Unmarshal(defaultConfigTOML, conf); err != nil {
		return nil, fmt.Errorf("parsing built-in default config: %w", err)
	}
	return conf, nil
}

func loadConfigOrDefault(path string, log *zap.SugaredLogger) (*Config, error) {
	log.Infof("reading config file: %s", path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn("config file not found, restoring defaults")
		return DefaultConfig()
	}
	if err != nil {
		return nil, err
	}
	conf := &Config{}
	if err := toml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return conf, nil
}

// save persists the document as TOML. The file is written via a
// temporary file and rename so readers never observe a partial
// document.
func (c *Config) save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate checks the cross-references and value ranges the daemon
// relies on. It is called on every daemon (re)configuration; a
// violation fails the reconfiguration without crashing the daemon.
func (c *Config) Validate() error {
	if c.Measurements.FilterSize < 1 {
		return fmt.Errorf("FILTER_SIZE must be >= 1, got %d", c.Measurements.FilterSize)
	}
	if c.Measurements.ScanIntervalS < 1 {
		return fmt.Errorf("scan_interval_s must be >= 1, got %d", c.Measurements.ScanIntervalS)
	}
	for i, ch := range c.Measurements.Chs {
		adc, ok := c.Adcs[ch.AdcDevice]
		if !ok {
			return fmt.Errorf("measurement %d: unknown ADC device: %q", i, ch.AdcDevice)
		}
		for _, idx := range []int{ch.TempChUp, ch.TempChDn, ch.FlowSensorTempCh} {
			if idx < 0 || idx >= len(adc.TempChs) {
				return fmt.Errorf("measurement %d: temp channel index out of range: %d", i, idx)
			}
		}
		if ch.FlowSensor < 0 || ch.FlowSensor >= len(c.FlowSensors) {
			return fmt.Errorf("measurement %d: flow sensor index out of range: %d", i, ch.FlowSensor)
		}
		if _, ok := c.Fluids[ch.Fluid]; !ok {
			return fmt.Errorf("measurement %d: unknown fluid: %q", i, ch.Fluid)
		}
	}
	for i, fs := range c.FlowSensors {
		switch fs.Type {
		case "pulse", "fixed":
		default:
			return fmt.Errorf("flow sensor %d: unknown type: %q", i, fs.Type)
		}
	}
	return nil
}
