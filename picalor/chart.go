// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// Chart colors per measurement channel, repeating when more channels
// are configured.
var chartColors = [][3]float64{
	{0.85, 0.18, 0.15},
	{0.15, 0.35, 0.80},
	{0.10, 0.60, 0.25},
	{0.90, 0.60, 0.10},
	{0.55, 0.20, 0.70},
	{0.10, 0.60, 0.60},
}

const (
	chartWidth   = 1024
	chartHeight  = 600
	chartMarginX = 70.0
	chartMarginY = 50.0
)

// SaveReport renders the recorded datalog into a power-over-time
// chart and writes it as PNG into the data directory, returning the
// file name.
func (s *State) SaveReport() (string, error) {
	s.resultsMu.Lock()
	var log *DataLog
	if s.Results.DataLog != nil {
		log = s.Results.DataLog.deepCopy()
	}
	s.resultsMu.Unlock()
	if log == nil {
		return "", errors.New("no datalog recorded")
	}
	dc, err := renderDatalog(log, chartWidth, chartHeight)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("picalor_report_%s.png",
		time.Now().Format("2006-01-02_15:04:05"))
	path := filepath.Join(s.dataDir, name)
	s.log.Infof("saving report chart to file: %s", path)
	if err := dc.SavePNG(path); err != nil {
		return "", fmt.Errorf("could not write to file: %w", err)
	}
	return name, nil
}

// renderDatalog draws the per-channel thermal power series of the
// datalog with axes and a channel legend.
func renderDatalog(log *DataLog, w, h int) (*gg.Context, error) {
	if len(log.TimeS) == 0 {
		return nil, errors.New("datalog is empty")
	}
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	face := truetype.NewFace(f, &truetype.Options{Size: 13})

	dc := gg.NewContext(w, h)
	dc.SetFontFace(face)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	tMax := log.TimeS[len(log.TimeS)-1]
	if tMax <= 0 {
		tMax = 1
	}
	pMin, pMax := math.Inf(1), math.Inf(-1)
	for _, series := range log.PowerW {
		for _, p := range series {
			v := float64(p)
			if math.IsNaN(v) {
				continue
			}
			pMin = math.Min(pMin, v)
			pMax = math.Max(pMax, v)
		}
	}
	if pMin > pMax {
		// Only invalid samples recorded.
		pMin, pMax = 0, 1
	}
	if pMax == pMin {
		pMax = pMin + 1
	}

	plotW := float64(w) - 2*chartMarginX
	plotH := float64(h) - 2*chartMarginY
	toX := func(t float64) float64 {
		return chartMarginX + t/tMax*plotW
	}
	toY := func(p float64) float64 {
		return chartMarginY + (1-(p-pMin)/(pMax-pMin))*plotH
	}

	// Axes.
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(1)
	dc.DrawLine(chartMarginX, chartMarginY, chartMarginX, chartMarginY+plotH)
	dc.DrawLine(chartMarginX, chartMarginY+plotH, chartMarginX+plotW, chartMarginY+plotH)
	dc.Stroke()
	dc.DrawStringAnchored("t / s", chartMarginX+plotW/2, float64(h)-chartMarginY/2, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.1f W", pMax), chartMarginX-8, chartMarginY, 1, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.1f W", pMin), chartMarginX-8, chartMarginY+plotH, 1, 0.5)
	dc.DrawStringAnchored("Picalor heat flow, started "+log.StartTime,
		float64(w)/2, chartMarginY/2, 0.5, 0.5)

	// One power series per channel; invalid samples break the line.
	for ch, series := range log.PowerW {
		c := chartColors[ch%len(chartColors)]
		dc.SetRGB(c[0], c[1], c[2])
		dc.SetLineWidth(1.5)
		pen := false
		for i, p := range series {
			v := float64(p)
			if math.IsNaN(v) || i >= len(log.TimeS) {
				if pen {
					dc.Stroke()
					pen = false
				}
				continue
			}
			if pen {
				dc.LineTo(toX(log.TimeS[i]), toY(v))
			} else {
				dc.MoveTo(toX(log.TimeS[i]), toY(v))
				pen = true
			}
		}
		if pen {
			dc.Stroke()
		}
		// Legend.
		label := fmt.Sprintf("ch%d", ch)
		if ch < len(log.Info) && log.Info[ch] != "" {
			label = log.Info[ch]
		}
		lx := chartMarginX + 10
		ly := chartMarginY + 16 + float64(ch)*18
		dc.DrawRectangle(lx, ly-5, 10, 10)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(label, lx+16, ly, 0, 0.5)
	}
	return dc, nil
}
