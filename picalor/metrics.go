// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics exposes acquisition health and live power readings as
// Prometheus gauges. All methods are nil-safe so the daemon can run
// with the endpoint disabled.
type Metrics struct {
	scanDuration prometheus.Gauge
	missedTicks  prometheus.Counter
	powerW       *prometheus.GaugeVec

	srv *http.Server
	log *zap.SugaredLogger
}

// NewMetrics creates the metric set and, when addr is non-empty,
// serves it on addr under /metrics.
func NewMetrics(addr string, log *zap.SugaredLogger) *Metrics {
	m := &Metrics{
		scanDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picalor_scan_duration_seconds",
			Help: "Duration of the last acquisition scan.",
		}),
		missedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "picalor_missed_ticks_total",
			Help: "Number of acquisition ticks started late.",
		}),
		powerW: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "picalor_power_watts",
			Help: "Thermal power per measurement channel.",
		}, []string{"channel"}),
		log: log.Named("metrics"),
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(m.scanDuration, m.missedTicks, m.powerW)
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		m.srv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			m.log.Infof("serving metrics on %s", addr)
			if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				m.log.Errorf("metrics server: %v", err)
			}
		}()
	}
	return m
}

// ObserveScan records the duration of one acquisition scan.
func (m *Metrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Set(d.Seconds())
}

// MissedTick counts one late acquisition tick.
func (m *Metrics) MissedTick() {
	if m == nil {
		return
	}
	m.missedTicks.Inc()
}

// SetPower records the live power reading of one channel.
func (m *Metrics) SetPower(ch int, watts float64) {
	if m == nil {
		return
	}
	m.powerW.WithLabelValues(strconv.Itoa(ch)).Set(watts)
}

// Stop shuts the metrics endpoint down.
func (m *Metrics) Stop() {
	if m == nil || m.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.srv.Shutdown(ctx)
}
