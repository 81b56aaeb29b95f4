// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"encoding/json"
	"math"
	"time"
)

// JSONFloat is a float64 rendering NaN and infinities as JSON null.
// Invalid measurements propagate as NaN inside the core and become
// null on the wire.
type JSONFloat float64

// MarshalJSON implements json.Marshaler.
func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler, mapping null back to NaN.
func (f *JSONFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = JSONFloat(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = JSONFloat(v)
	return nil
}

func nanFloat() JSONFloat {
	return JSONFloat(math.NaN())
}

// Results is the live measurement output document, mirroring the
// shape of the configuration. It is re-created at daemon start and on
// every full-restart reconfiguration.
type Results struct {
	Title        string                 `json:"title"`
	Measurements MeasurementsResults    `json:"measurements"`
	Adcs         map[string]*AdcResults `json:"adcs"`
	FlowSensors  []FlowSensorResult     `json:"flow_sensors"`
	DataLog      *DataLog               `json:"data_log"`
}

// MeasurementsResults holds the per-channel calorimetry outputs.
type MeasurementsResults struct {
	Idx int             `json:"idx"`
	Chs []ChannelResult `json:"chs"`
}

// ChannelResult is the live output of one calorimetry channel.
type ChannelResult struct {
	Info        string    `json:"info"`
	TUpstream   JSONFloat `json:"t_upstream"`
	TDownstream JSONFloat `json:"t_downstream"`
	FlowKgSec   JSONFloat `json:"flow_kg_sec"`
	PowerW      JSONFloat `json:"power_w"`
}

// AdcResults holds the raw and derived per-ADC outputs.
type AdcResults struct {
	RRef    RRefResult     `json:"r_ref"`
	TempChs []TempChResult `json:"temp_chs"`
}

// RRefResult is the raw average of the resistance reference channel.
type RRefResult struct {
	AdcUnscaled JSONFloat `json:"adc_unscaled"`
}

// TempChResult is the output of one Pt1000 input channel.
type TempChResult struct {
	AdcUnscaled JSONFloat `json:"adc_unscaled"`
	Resistance  JSONFloat `json:"resistance"`
	Temperature JSONFloat `json:"temperature"`
}

// FlowSensorResult is the live output of one flow sensor.
type FlowSensorResult struct {
	Info     string    `json:"info"`
	LiterSec JSONFloat `json:"liter_sec"`
}

// DataLog is the in-memory acquisition log, allocated when the
// datalog is enabled or cleared.
type DataLog struct {
	StartTime     string        `json:"start_time"`
	ScanIntervalS int           `json:"scan_interval_s"`
	Info          []string      `json:"info"`
	TimeS         []float64     `json:"time_s"`
	TUpstream     [][]JSONFloat `json:"t_upstream"`
	TDownstream   [][]JSONFloat `json:"t_downstream"`
	FlowKgSec     [][]JSONFloat `json:"flow_kg_sec"`
	PowerW        [][]JSONFloat `json:"power_w"`
}

// newResults creates a fresh results document matching the shape of
// the configuration. All measured values start invalid (null); fixed
// flow sensors pre-seed their substitute value.
func newResults(conf *Config) *Results {
	r := &Results{
		Title: "Picalor Measurement Results",
		Adcs:  map[string]*AdcResults{},
	}
	for _, chConf := range conf.Measurements.Chs {
		r.Measurements.Chs = append(r.Measurements.Chs, ChannelResult{
			Info:        chConf.Info,
			TUpstream:   nanFloat(),
			TDownstream: nanFloat(),
			FlowKgSec:   nanFloat(),
			PowerW:      nanFloat(),
		})
	}
	for key, adcConf := range conf.Adcs {
		ra := &AdcResults{RRef: RRefResult{AdcUnscaled: nanFloat()}}
		for range adcConf.TempChs {
			ra.TempChs = append(ra.TempChs, TempChResult{
				AdcUnscaled: nanFloat(),
				Resistance:  nanFloat(),
				Temperature: nanFloat(),
			})
		}
		r.Adcs[key] = ra
	}
	for _, fsConf := range conf.FlowSensors {
		flow := nanFloat()
		if fsConf.Type == "fixed" {
			flow = JSONFloat(fsConf.FlowLiterSec)
		}
		r.FlowSensors = append(r.FlowSensors, FlowSensorResult{
			Info:     fsConf.Info,
			LiterSec: flow,
		})
	}
	return r
}

// initDatalog allocates a fresh datalog. Worker only, resultsMu held.
func (r *Results) initDatalog(conf *Config, now time.Time) {
	n := len(conf.Measurements.Chs)
	log := &DataLog{
		StartTime:     now.Format("2006-01-02 15:04:05"),
		ScanIntervalS: conf.Measurements.ScanIntervalS,
		Info:          make([]string, 0, n),
		TimeS:         []float64{},
		TUpstream:     make([][]JSONFloat, n),
		TDownstream:   make([][]JSONFloat, n),
		FlowKgSec:     make([][]JSONFloat, n),
		PowerW:        make([][]JSONFloat, n),
	}
	for i, chConf := range conf.Measurements.Chs {
		log.Info = append(log.Info, chConf.Info)
		log.TUpstream[i] = []JSONFloat{}
		log.TDownstream[i] = []JSONFloat{}
		log.FlowKgSec[i] = []JSONFloat{}
		log.PowerW[i] = []JSONFloat{}
	}
	r.DataLog = log
}

// deepCopy returns an independent copy of the datalog so rendering
// can happen outside the results lock.
func (l *DataLog) deepCopy() *DataLog {
	cp := &DataLog{
		StartTime:     l.StartTime,
		ScanIntervalS: l.ScanIntervalS,
		Info:          append([]string{}, l.Info...),
		TimeS:         append([]float64{}, l.TimeS...),
	}
	copySeries := func(src [][]JSONFloat) [][]JSONFloat {
		dst := make([][]JSONFloat, len(src))
		for i := range src {
			dst[i] = append([]JSONFloat{}, src[i]...)
		}
		return dst
	}
	cp.TUpstream = copySeries(l.TUpstream)
	cp.TDownstream = copySeries(l.TDownstream)
	cp.FlowKgSec = copySeries(l.FlowKgSec)
	cp.PowerW = copySeries(l.PowerW)
	return cp
}
