// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command picalor runs the multi-channel heat flow calorimetry core
// on a Raspberry Pi with the Picalor analog front-end attached.
//
// It connects the ADS1256 ADCs via SPI and the flow sensors via GPIO,
// streams live results to the configured MQTT broker and serves the
// remote command interface. Press CTRL-C to exit.
package main

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/ul-gh/Picalor/picalor"
	"go.uber.org/zap"
	"periph.io/x/host/v3"
)

func main() {
	configFile := flag.String("config", "", "config file path (default ~/.picalor/picalor_config.toml)")
	dataDir := flag.String("data-dir", "", "result data directory (default ~/.picalor/savedata)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zapConf := zap.NewProductionConfig()
	if *debug {
		zapConf = zap.NewDevelopmentConfig()
	}
	logger, err := zapConf.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	// periph.io host drivers for GPIO and SPI.
	if _, err := host.Init(); err != nil {
		log.Fatalf("could not initialize hardware drivers: %v", err)
	}

	core, err := picalor.New(picalor.Options{
		ConfigFile: *configFile,
		DataDir:    *dataDir,
		Logger:     log,
	})
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := core.Run(ctx); err != nil {
		log.Fatalf("picalor terminated: %v", err)
	}
	if core.PoweroffRequested() {
		log.Warn("shutting down the host now")
		if err := exec.Command("sudo", "shutdown", "-h", "now").Run(); err != nil {
			log.Errorf("host shutdown failed: %v", err)
		}
	}
}
