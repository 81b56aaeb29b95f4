// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"math"
	"time"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
)

// ConsoleFrontend renders the live results to the local terminal
// using ANSI color codes: a single status line, rewritten in place,
// with one segment per measurement channel and a color block scaled by
// the measured power. Useful on the bench while
// no remote frontend is connected.
type ConsoleFrontend struct {
	w         io.Writer
	palette   ansi256.Palette
	maxPowerW float64
	log       *zap.SugaredLogger

	buf bytes.Buffer
}

// NewConsoleFrontend creates the terminal live view. maxPowerW sets
// the power level of a fully saturated color bar.
func NewConsoleFrontend(conf ConsoleConfig, log *zap.SugaredLogger) *ConsoleFrontend {
	maxPower := conf.MaxPowerW
	if maxPower <= 0 {
		maxPower = 1000.0
	}
	return &ConsoleFrontend{
		w:         colorable.NewColorableStdout(),
		palette:   *ansi256.Default,
		maxPowerW: maxPower,
		log:       log.Named("console"),
	}
}

// Launch implements Frontend.
func (c *ConsoleFrontend) Launch() error {
	return nil
}

// Stop resets the terminal colors.
func (c *ConsoleFrontend) Stop(time.Duration) {
	_, _ = c.w.Write([]byte("\033[0m\n"))
}

// PushData renders a results snapshot. Other data subkeys are
// ignored.
func (c *ConsoleFrontend) PushData(subkey string, payload []byte) {
	if subkey != "results" {
		return
	}
	var res Results
	if err := json.Unmarshal(payload, &res); err != nil {
		c.log.Errorf("decoding results snapshot: %v", err)
		return
	}
	c.render(&res)
}

// PushError prints the error message in red.
func (c *ConsoleFrontend) PushError(payload []byte) {
	var msg string
	if err := json.Unmarshal(payload, &msg); err != nil {
		msg = string(payload)
	}
	fmt.Fprintf(c.w, "\033[31mError: %s\033[0m\n", msg)
}

// SendResponse prints failed command responses; successful responses
// are not of interest on the local terminal.
func (c *ConsoleFrontend) SendResponse(cmd string, payload []byte, ok bool) {
	if ok {
		return
	}
	fmt.Fprintf(c.w, "\033[31m%s failed: %s\033[0m\n", cmd, payload)
}

// render rewrites the status line in place, one segment per channel.
func (c *ConsoleFrontend) render(res *Results) {
	// Minimize allocation per refresh.
	c.buf.Reset()
	_, _ = c.buf.WriteString("\r\033[0m")
	for i, ch := range res.Measurements.Chs {
		power := float64(ch.PowerW)
		_, _ = io.WriteString(&c.buf, c.palette.Block(c.powerColor(power)))
		fmt.Fprintf(&c.buf, "\033[0m ch%d: t_up=%7.3f°C t_dn=%7.3f°C P=%9.2fW  ",
			i, float64(ch.TUpstream), float64(ch.TDownstream), power)
	}
	_, _ = c.buf.WriteString("\033[0m")
	_, _ = c.buf.WriteTo(c.w)
}

// powerColor maps a power reading to a block color: blue for cooling,
// red for heating, gray for an invalid reading.
func (c *ConsoleFrontend) powerColor(power float64) color.NRGBA {
	if math.IsNaN(power) {
		return color.NRGBA{R: 0x60, G: 0x60, B: 0x60, A: 0xff}
	}
	level := math.Min(math.Abs(power)/c.maxPowerW, 1.0)
	v := uint8(0x40 + 0xbf*level)
	if power < 0 {
		return color.NRGBA{B: v, A: 0xff}
	}
	return color.NRGBA{R: v, A: 0xff}
}

var _ Frontend = &ConsoleFrontend{}
