// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDataLog() *DataLog {
	return &DataLog{
		StartTime:     "2022-08-21 12:00:00",
		ScanIntervalS: 1,
		Info:          []string{"coldplate A", "coldplate B"},
		TimeS:         []float64{0, 1, 2, 3},
		TUpstream:     [][]JSONFloat{{20, 20, 20, 20}, {21, 21, 21, 21}},
		TDownstream:   [][]JSONFloat{{30, 30, 31, 31}, {22, 22, 23, 23}},
		FlowKgSec:     [][]JSONFloat{{0.1, 0.1, 0.1, 0.1}, {0.1, 0.1, 0.1, 0.1}},
		PowerW: [][]JSONFloat{
			{4184, 4190, JSONFloat(math.NaN()), 4600},
			{420, 425, 430, 431},
		},
	}
}

func TestRenderDatalog(t *testing.T) {
	dc, err := renderDatalog(testDataLog(), 640, 400)
	require.NoError(t, err)
	img := dc.Image()
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 400, img.Bounds().Dy())
}

func TestRenderDatalogEmpty(t *testing.T) {
	_, err := renderDatalog(&DataLog{}, 640, 400)
	assert.Error(t, err)
}

func TestSaveReport(t *testing.T) {
	s := newTestState(t)

	// Without a recorded datalog the report fails.
	_, err := s.SaveReport()
	assert.Error(t, err)

	s.resultsMu.Lock()
	s.Results.DataLog = testDataLog()
	s.resultsMu.Unlock()
	name, err := s.SaveReport()
	require.NoError(t, err)
	assert.Contains(t, name, "picalor_report_")
	info, err := os.Stat(filepath.Join(s.dataDir, name))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
