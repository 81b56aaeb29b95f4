// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ads1256 controls a Texas Instruments ADS1256 8-channel
// 24-bit delta-sigma ADC over SPI.
//
// The driver is built for multiplexed scanning of several input pairs
// in sequence: ReadSequence and ReadContinue pipeline the multiplexer
// switching with the conversion read-out as recommended in the
// datasheet, so a full scan costs one conversion period per input
// pair. Conversion timing synchronizes on the chip's DRDY line.
//
// # Datasheet
//
// https://www.ti.com/lit/ds/symlink/ads1256.pdf
package ads1256
