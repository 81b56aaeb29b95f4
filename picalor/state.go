// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// signal is a binary set/clear flag with wait-with-timeout capability,
// shared between the measurement worker and the frontend threads.
type signal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// Set marks the signal. All current and future waiters are released
// until Clear is called.
func (s *signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Clear unmarks the signal.
func (s *signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

func (s *signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is set or the timeout elapsed. It
// reports whether the signal was set.
func (s *signal) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.ch
	set := s.set
	s.mu.Unlock()
	if set {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// State is the application runtime state storage, separated into the
// configuration document, the live results document and the related
// mutex locks and change-notification signals.
//
// Conf is read by the measurement worker during acquisition and
// merged with staged updates on the worker at tick boundaries; the
// command surface changes single values (power calibration, datalog
// switch, calibration points) under configMu. Direct access from
// other threads requires configMu. Results is mutated only by the
// worker under resultsMu; frontend snapshots serialize under the same
// lock.
type State struct {
	Conf    *Config
	Results *Results

	configMu  sync.Mutex
	resultsMu sync.Mutex

	// pending holds config fragments staged by the command surface,
	// keyed by top-level document section, until the worker merges
	// them at its next tick.
	pending       map[string]json.RawMessage
	saveRequested bool

	configUpdated          *signal
	configUpdatedNoRestart *signal

	configFile string
	dataDir    string

	log *zap.SugaredLogger
}

// NewState creates the state store with the configuration restored
// from configFile, or from built-in defaults when the file is absent.
// Result files and reports are written to dataDir.
func NewState(configFile, dataDir string, log *zap.SugaredLogger) (*State, error) {
	if configFile == "" || dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		if configFile == "" {
			configFile = filepath.Join(home, ".picalor", "picalor_config.toml")
		}
		if dataDir == "" {
			dataDir = filepath.Join(home, ".picalor", "savedata")
		}
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	conf, err := loadConfigOrDefault(configFile, log)
	if err != nil {
		return nil, err
	}
	s := &State{
		Conf:                   conf,
		pending:                map[string]json.RawMessage{},
		configUpdated:          newSignal(),
		configUpdatedNoRestart: newSignal(),
		configFile:             configFile,
		dataDir:                dataDir,
		log:                    log.Named("state"),
	}
	s.Results = newResults(conf)
	return s, nil
}

// StageUpdate stages config fragments for adoption by the worker at
// its next tick. With restart set the daemon also restarts all
// sensors; with save set the merged config is persisted.
func (s *State) StageUpdate(fragments map[string]json.RawMessage, restart, save bool) {
	s.configMu.Lock()
	for key, raw := range fragments {
		s.pending[key] = raw
	}
	if save {
		s.saveRequested = true
	}
	if restart || save {
		s.configUpdated.Set()
	} else {
		s.configUpdatedNoRestart.Set()
	}
	s.configMu.Unlock()
}

// commitPending overlays all staged fragments onto the configuration
// document. To be called from the worker only, with configMu held.
// Unknown top-level keys are logged and ignored. It reports whether a
// save to file was requested and performed.
func (s *State) commitPending() bool {
	for key, raw := range s.pending {
		var err error
		switch key {
		case "measurements":
			err = json.Unmarshal(raw, &s.Conf.Measurements)
		case "adcs":
			err = json.Unmarshal(raw, &s.Conf.Adcs)
		case "flow_sensors":
			err = json.Unmarshal(raw, &s.Conf.FlowSensors)
		case "fluids":
			err = json.Unmarshal(raw, &s.Conf.Fluids)
		case "mqtt":
			err = json.Unmarshal(raw, &s.Conf.Mqtt)
		case "console":
			err = json.Unmarshal(raw, &s.Conf.Console)
		case "metrics":
			err = json.Unmarshal(raw, &s.Conf.Metrics)
		default:
			s.log.Errorf("key not found in picalor configuration: %s", key)
		}
		if err != nil {
			s.log.Errorf("invalid config fragment for %s: %v", key, err)
		}
	}
	s.pending = map[string]json.RawMessage{}
	if !s.saveRequested {
		return false
	}
	s.saveRequested = false
	if err := s.Conf.save(s.configFile); err != nil {
		s.log.Errorf("could not write config file: %v", err)
		return false
	}
	s.log.Infof("saved config to file: %s", s.configFile)
	return true
}

// ConfigJSON returns the current configuration document as JSON.
// Thread-safe, can be called any time.
func (s *State) ConfigJSON() []byte {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	b, err := json.Marshal(s.Conf)
	if err != nil {
		s.log.Errorf("config serialization: %v", err)
		return []byte("null")
	}
	return b
}

// ResultsJSON returns the current results document as JSON with NaN
// values rendered as null. Thread-safe, can be called any time.
func (s *State) ResultsJSON() []byte {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	b, err := json.Marshal(s.Results)
	if err != nil {
		s.log.Errorf("results serialization: %v", err)
		return []byte("null")
	}
	return b
}

// SaveResults writes a timestamped snapshot of the results document
// to the data directory and returns the file name.
func (s *State) SaveResults() (string, error) {
	name := fmt.Sprintf("picalor_measurement_results_%s.json",
		time.Now().Format("2006-01-02_15:04:05"))
	path := filepath.Join(s.dataDir, name)
	s.log.Infof("saving measurements to file: %s", path)
	if err := os.WriteFile(path, s.ResultsJSON(), 0o644); err != nil {
		return "", fmt.Errorf("could not write to file: %w", err)
	}
	return name, nil
}
