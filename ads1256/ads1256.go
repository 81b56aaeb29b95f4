// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ads1256

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Command opcodes.
const (
	cmdWakeup  byte = 0x00
	cmdRData   byte = 0x01
	cmdRDataC  byte = 0x03
	cmdSDataC  byte = 0x0f
	cmdRReg    byte = 0x10
	cmdWReg    byte = 0x50
	cmdSelfCal byte = 0xf0
	cmdSync    byte = 0xfc
	cmdStandby byte = 0xfd
	cmdReset   byte = 0xfe
)

// Register addresses.
const (
	regStatus byte = 0x00
	regMux    byte = 0x01
	regAdcon  byte = 0x02
	regDrate  byte = 0x03
	regIO     byte = 0x04
)

// STATUS register bits.
const (
	statusACAL  byte = 0x04
	statusBufEn byte = 0x02
	statusDRDY  byte = 0x01
)

// Input multiplexer channel codes. A mux byte for the MUX register is
// assembled as positive<<4 | negative.
const (
	AIN0   byte = 0x00
	AIN1   byte = 0x01
	AIN2   byte = 0x02
	AIN3   byte = 0x03
	AIN4   byte = 0x04
	AIN5   byte = 0x05
	AIN6   byte = 0x06
	AIN7   byte = 0x07
	AINCOM byte = 0x08
)

var muxByName = map[string]byte{
	"AIN0":   AIN0,
	"AIN1":   AIN1,
	"AIN2":   AIN2,
	"AIN3":   AIN3,
	"AIN4":   AIN4,
	"AIN5":   AIN5,
	"AIN6":   AIN6,
	"AIN7":   AIN7,
	"AINCOM": AINCOM,
}

// MuxByName returns the multiplexer channel code for an input name as
// it appears in configuration files ("AIN0".."AIN7", "AINCOM").
func MuxByName(name string) (byte, error) {
	if code, ok := muxByName[name]; ok {
		return code, nil
	}
	return 0, fmt.Errorf("ads1256: unknown input channel: %q", name)
}

// MuxPair assembles a MUX register byte from a positive and a negative
// input channel code.
func MuxPair(pos, neg byte) byte {
	return pos<<4 | neg
}

// DRATE register codes for the supported output data rates.
const (
	Rate30000SPS byte = 0xf0
	Rate15000SPS byte = 0xe0
	Rate7500SPS  byte = 0xd0
	Rate3750SPS  byte = 0xc0
	Rate2000SPS  byte = 0xb0
	Rate1000SPS  byte = 0xa1
	Rate500SPS   byte = 0x92
	Rate100SPS   byte = 0x82
	Rate60SPS    byte = 0x72
	Rate50SPS    byte = 0x63
	Rate30SPS    byte = 0x53
	Rate25SPS    byte = 0x43
	Rate15SPS    byte = 0x33
	Rate10SPS    byte = 0x23
	Rate5SPS     byte = 0x13
	Rate2_5SPS   byte = 0x03
)

var drateByName = map[string]byte{
	"DRATE_30000": Rate30000SPS,
	"DRATE_15000": Rate15000SPS,
	"DRATE_7500":  Rate7500SPS,
	"DRATE_3750":  Rate3750SPS,
	"DRATE_2000":  Rate2000SPS,
	"DRATE_1000":  Rate1000SPS,
	"DRATE_500":   Rate500SPS,
	"DRATE_100":   Rate100SPS,
	"DRATE_60":    Rate60SPS,
	"DRATE_50":    Rate50SPS,
	"DRATE_30":    Rate30SPS,
	"DRATE_25":    Rate25SPS,
	"DRATE_15":    Rate15SPS,
	"DRATE_10":    Rate10SPS,
	"DRATE_5":     Rate5SPS,
	"DRATE_2_5":   Rate2_5SPS,
}

// DrateByName returns the DRATE register code for a data rate name as
// it appears in configuration files.
func DrateByName(name string) (byte, error) {
	if code, ok := drateByName[name]; ok {
		return code, nil
	}
	return 0, fmt.Errorf("ads1256: unknown data rate: %q", name)
}

// GainCode returns the ADCON PGA bits for a gain of 1, 2, 4, 8, 16,
// 32 or 64.
func GainCode(gain int) (byte, error) {
	code := byte(0)
	for g := 1; g <= 64; g, code = g*2, code+1 {
		if g == gain {
			return code, nil
		}
	}
	return 0, fmt.Errorf("ads1256: unsupported PGA gain: %d", gain)
}

// Opts holds the configuration of the ADC front-end.
type Opts struct {
	// Freq is the SPI clock frequency. The chip limit is f_clkin/4,
	// 1.92 MHz for the standard 7.68 MHz crystal.
	Freq physic.Frequency
	// DataRate is the DRATE register code.
	DataRate byte
	// Gain is the ADCON PGA code.
	Gain byte
	// InputBuffer enables the analog input buffer amplifier.
	InputBuffer bool
	// Timeout bounds each wait for the DRDY line.
	Timeout time.Duration
}

// DefaultOpts is the recommended configuration: 100 SPS, gain 1,
// input buffer off.
var DefaultOpts = Opts{
	Freq:     physic.MegaHertz,
	DataRate: Rate100SPS,
	Gain:     0,
	Timeout:  2 * time.Second,
}

// Dev is a handle to an ADS1256 8-channel 24-bit delta-sigma ADC.
type Dev struct {
	c    conn.Conn
	drdy gpio.PinIn
	opts Opts
}

// New connects to an ADS1256 on the given SPI port. drdy is the
// data-ready line of the chip; conversion cycles synchronize on its
// falling edge.
func New(p spi.Port, drdy gpio.PinIn, opts *Opts) (*Dev, error) {
	if opts == nil {
		o := DefaultOpts
		opts = &o
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOpts.Timeout
	}
	if drdy == nil {
		return nil, errors.New("ads1256: DRDY pin is required")
	}
	c, err := p.Connect(opts.Freq, spi.Mode1, 8)
	if err != nil {
		return nil, fmt.Errorf("ads1256: SPI connect: %w", err)
	}
	// DRDY is driven push-pull by the chip, no pull needed.
	if err := drdy.In(gpio.PullNoChange, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("ads1256: DRDY pin setup: %w", err)
	}
	d := &Dev{c: c, drdy: drdy, opts: *opts}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) init() error {
	if err := d.sendCmd(cmdReset); err != nil {
		return err
	}
	// Oscillator start-up plus reset self-cal.
	time.Sleep(35 * time.Millisecond)
	status, err := d.readReg(regStatus)
	if err != nil {
		return err
	}
	if id := status >> 4; id != 0x03 {
		return fmt.Errorf("ads1256: unexpected chip ID: %#x", id)
	}
	st := byte(0)
	if d.opts.InputBuffer {
		st |= statusBufEn
	}
	if err := d.writeReg(regStatus, st); err != nil {
		return err
	}
	if err := d.writeReg(regAdcon, d.opts.Gain&0x07); err != nil {
		return err
	}
	if err := d.writeReg(regDrate, d.opts.DataRate); err != nil {
		return err
	}
	// All GPIOs as inputs, unused on the Picalor board.
	return d.writeReg(regIO, 0x00)
}

// CalSelf performs an offset and gain self-calibration. The call
// blocks until the calibration completed.
func (d *Dev) CalSelf() error {
	if err := d.sendCmd(cmdSelfCal); err != nil {
		return err
	}
	return d.waitDRDY()
}

// ReadSequence scans the multiplexer sequence muxSeq once and stores
// one conversion result per sequence entry into dst.
//
// The conversion cycle is pipelined: while the result for entry k is
// retrieved, the multiplexer is already switched to entry k+1. The
// sequence wraps around, so a following ReadContinue call continues
// the scan without an extra settling cycle.
func (d *Dev) ReadSequence(muxSeq []byte, dst []int32) error {
	if len(muxSeq) == 0 {
		return errors.New("ads1256: empty mux sequence")
	}
	if err := d.writeReg(regMux, muxSeq[0]); err != nil {
		return err
	}
	if err := d.sendCmd(cmdSync); err != nil {
		return err
	}
	if err := d.sendCmd(cmdWakeup); err != nil {
		return err
	}
	return d.ReadContinue(muxSeq, dst)
}

// ReadContinue scans muxSeq like ReadSequence but relies on the
// multiplexer already being set to the first entry by the wrap-around
// of a preceding ReadSequence or ReadContinue call with the same
// sequence.
func (d *Dev) ReadContinue(muxSeq []byte, dst []int32) error {
	if len(muxSeq) == 0 {
		return errors.New("ads1256: empty mux sequence")
	}
	if len(dst) < len(muxSeq) {
		return errors.New("ads1256: destination buffer too short")
	}
	for i := range muxSeq {
		next := muxSeq[(i+1)%len(muxSeq)]
		v, err := d.readAndNext(next)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

// readAndNext waits for the current conversion, switches the
// multiplexer to the next input pair and retrieves the completed
// result.
func (d *Dev) readAndNext(next byte) (int32, error) {
	if err := d.waitDRDY(); err != nil {
		return 0, err
	}
	if err := d.writeReg(regMux, next); err != nil {
		return 0, err
	}
	if err := d.sendCmd(cmdSync); err != nil {
		return 0, err
	}
	if err := d.sendCmd(cmdWakeup); err != nil {
		return 0, err
	}
	if err := d.c.Tx([]byte{cmdRData}, nil); err != nil {
		return 0, err
	}
	// t6: command to first data bit, 50 clkin cycles.
	time.Sleep(10 * time.Microsecond)
	var r [3]byte
	if err := d.c.Tx([]byte{0x00, 0x00, 0x00}, r[:]); err != nil {
		return 0, err
	}
	return signExtend24(r), nil
}

// Halt puts the chip into standby mode. Implements conn.Resource.
func (d *Dev) Halt() error {
	return d.sendCmd(cmdStandby)
}

func (d *Dev) String() string {
	return fmt.Sprintf("ads1256: %s", d.c.String())
}

func (d *Dev) sendCmd(cmd byte) error {
	return d.c.Tx([]byte{cmd}, nil)
}

func (d *Dev) writeReg(reg, value byte) error {
	return d.c.Tx([]byte{cmdWReg | reg, 0x00, value}, nil)
}

func (d *Dev) readReg(reg byte) (byte, error) {
	if err := d.c.Tx([]byte{cmdRReg | reg, 0x00}, nil); err != nil {
		return 0, err
	}
	time.Sleep(10 * time.Microsecond)
	var r [1]byte
	if err := d.c.Tx([]byte{0x00}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

// waitDRDY blocks until the DRDY line is low.
func (d *Dev) waitDRDY() error {
	if d.drdy.Read() == gpio.Low {
		return nil
	}
	deadline := time.Now().Add(d.opts.Timeout)
	for {
		if d.drdy.WaitForEdge(d.opts.Timeout) && d.drdy.Read() == gpio.Low {
			return nil
		}
		if d.drdy.Read() == gpio.Low {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("ads1256: timeout waiting for DRDY")
		}
	}
}

// signExtend24 converts a big-endian 24-bit two's complement sample
// into an int32.
func signExtend24(r [3]byte) int32 {
	v := uint32(r[0])<<16 | uint32(r[1])<<8 | uint32(r[2])
	if v&0x800000 != 0 {
		v |= 0xff000000
	}
	return int32(v)
}

var _ conn.Resource = &Dev{}
