// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Frontend is the abstract publish/subscribe transport surface. A
// frontend delivers commands into Api.Dispatch and publishes data,
// errors and command responses. Publishes are expected to be
// non-blocking (buffered by the transport).
type Frontend interface {
	PushData(subkey string, payload []byte)
	PushError(payload []byte)
	SendResponse(cmd string, payload []byte, ok bool)
	Launch() error
	Stop(timeout time.Duration)
}

// action handles one command. A returned payload produces a success
// response; a returned error produces a failure response carrying the
// message. A nil payload with nil error means the response is sent
// later, typically from the measurement worker.
type action func(value json.RawMessage) ([]byte, error)

// Api routes commands from the remote frontends to the state store
// and the measurement daemon.
type Api struct {
	state    *State
	log      *zap.SugaredLogger
	daemon   *Daemon
	poweroff func()

	frontends []Frontend
	actions   map[string]action
}

// NewApi creates the command dispatcher. Bind must be called before
// the first Dispatch.
func NewApi(state *State, log *zap.SugaredLogger) *Api {
	a := &Api{
		state: state,
		log:   log.Named("api"),
	}
	a.actions = map[string]action{
		"get__config":              a.getConfig,
		"upload_norestart__config": a.uploadNorestartConfig,
		"upload__config":           a.uploadConfig,
		"upload_save__config":      a.uploadSaveConfig,
		"set__power_offset":        a.setPowerOffset,
		"set__power_gain":          a.setPowerGain,
		"set__datalog_enabled":     a.setDatalogEnabled,
		"clear__datalog":           a.clearDatalog,
		"tare__power":              a.tarePower,
		"calibrate__temp_channel":  a.calibrateTempChannel,
		"save__results":            a.saveResults,
		"save__report":             a.saveReport,
		"poweroff":                 a.poweroffCmd,
	}
	return a
}

// Bind wires the daemon and the application poweroff trigger. Called
// once after construction, before any frontend is launched.
func (a *Api) Bind(daemon *Daemon, poweroff func()) {
	a.daemon = daemon
	a.poweroff = poweroff
}

// AddFrontend registers a frontend. Called before StartFrontends.
func (a *Api) AddFrontend(f Frontend) {
	a.frontends = append(a.frontends, f)
}

// Dispatch routes one command received from a frontend. Any error is
// converted into a failure response carrying the message.
func (a *Api) Dispatch(cmd string, value json.RawMessage) {
	act, ok := a.actions[cmd]
	if !ok {
		a.fail(cmd, fmt.Errorf("unknown command: %q", cmd))
		return
	}
	payload, err := act(value)
	if err != nil {
		a.fail(cmd, err)
		return
	}
	if payload != nil {
		a.SendResponse(cmd, payload, true)
	}
}

func (a *Api) fail(cmd string, err error) {
	msg := fmt.Sprintf("Error in API command handler. Error details: %v", err)
	a.log.Errorw(msg, "cmd", cmd, zap.Error(err))
	payload, _ := json.Marshal("Core: " + msg)
	a.SendResponse(cmd, payload, false)
}

// PushLiveData publishes the results snapshot on the data topic of
// all frontends.
func (a *Api) PushLiveData() {
	payload := a.state.ResultsJSON()
	for _, f := range a.frontends {
		f.PushData("results", payload)
	}
}

// PushErrorStr publishes an asynchronous error message on the data
// topic of all frontends.
func (a *Api) PushErrorStr(message string) {
	payload, _ := json.Marshal(message)
	for _, f := range a.frontends {
		f.PushError(payload)
	}
}

// SendResponse sends a command response to all frontends.
func (a *Api) SendResponse(cmd string, payload []byte, ok bool) {
	for _, f := range a.frontends {
		f.SendResponse(cmd, payload, ok)
	}
}

// StartFrontends launches all frontends concurrently and returns the
// first launch error. A failed launch is fatal for startup.
func (a *Api) StartFrontends() error {
	g := new(errgroup.Group)
	for _, f := range a.frontends {
		f := f
		g.Go(f.Launch)
	}
	return g.Wait()
}

// StopFrontends stops all frontends, each bounded by the timeout.
func (a *Api) StopFrontends(timeout time.Duration) {
	for _, f := range a.frontends {
		f.Stop(timeout)
	}
}

// Action definitions.

func (a *Api) getConfig(json.RawMessage) ([]byte, error) {
	return a.state.ConfigJSON(), nil
}

func stageFragments(value json.RawMessage) (map[string]json.RawMessage, error) {
	fragments := map[string]json.RawMessage{}
	if err := json.Unmarshal(value, &fragments); err != nil {
		return nil, fmt.Errorf("invalid config upload: %w", err)
	}
	return fragments, nil
}

// The response with the merged config is sent from the measurement
// worker once the update is adopted.
func (a *Api) uploadNorestartConfig(value json.RawMessage) ([]byte, error) {
	fragments, err := stageFragments(value)
	if err != nil {
		return nil, err
	}
	a.state.StageUpdate(fragments, false, false)
	return nil, nil
}

func (a *Api) uploadConfig(value json.RawMessage) ([]byte, error) {
	fragments, err := stageFragments(value)
	if err != nil {
		return nil, err
	}
	a.state.StageUpdate(fragments, true, false)
	return nil, nil
}

func (a *Api) uploadSaveConfig(value json.RawMessage) ([]byte, error) {
	fragments, err := stageFragments(value)
	if err != nil {
		return nil, err
	}
	a.state.StageUpdate(fragments, true, true)
	return nil, nil
}

func (a *Api) setPowerOffset(value json.RawMessage) ([]byte, error) {
	return a.setChannelValues(value, a.daemon.SetPowerOffset)
}

func (a *Api) setPowerGain(value json.RawMessage) ([]byte, error) {
	return a.setChannelValues(value, a.daemon.SetPowerGain)
}

func (a *Api) setChannelValues(value json.RawMessage, set func(int, float64) error) ([]byte, error) {
	var pairs [][2]float64
	if err := json.Unmarshal(value, &pairs); err != nil {
		return nil, fmt.Errorf("expected [[channel, value], ...]: %w", err)
	}
	for _, p := range pairs {
		if err := set(int(p[0]), p[1]); err != nil {
			return nil, err
		}
	}
	return json.Marshal(pairs)
}

func (a *Api) setDatalogEnabled(value json.RawMessage) ([]byte, error) {
	var enabled bool
	if err := json.Unmarshal(value, &enabled); err != nil {
		return nil, err
	}
	a.daemon.SetDatalogEnabled(enabled)
	return json.Marshal(enabled)
}

func (a *Api) clearDatalog(json.RawMessage) ([]byte, error) {
	a.daemon.ClearDatalog()
	return []byte("true"), nil
}

func (a *Api) tarePower(value json.RawMessage) ([]byte, error) {
	var ch int
	if err := json.Unmarshal(value, &ch); err != nil {
		return nil, err
	}
	if err := a.daemon.TarePower(ch); err != nil {
		return nil, err
	}
	return json.Marshal(ch)
}

type calibrateArgs struct {
	AdcKey        string  `json:"adc_key"`
	TempChIdx     int     `json:"temp_ch_idx"`
	ValueKey      string  `json:"value_key"`
	CalResistance float64 `json:"cal_resistance"`
}

// The success response with the ADC config subtree is sent by the
// calibrator once the acquisition completed.
func (a *Api) calibrateTempChannel(value json.RawMessage) ([]byte, error) {
	var args calibrateArgs
	if err := json.Unmarshal(value, &args); err != nil {
		return nil, fmt.Errorf("invalid calibration arguments: %w", err)
	}
	err := a.daemon.Calibrator().CalibrateChannel(
		args.AdcKey, args.TempChIdx, args.ValueKey, args.CalResistance)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// Saves and responds immediately: writing the snapshot only waits
// briefly for the results lock.
func (a *Api) saveResults(json.RawMessage) ([]byte, error) {
	name, err := a.state.SaveResults()
	if err != nil {
		return nil, err
	}
	return json.Marshal(name)
}

func (a *Api) saveReport(json.RawMessage) ([]byte, error) {
	name, err := a.state.SaveReport()
	if err != nil {
		return nil, err
	}
	return json.Marshal(name)
}

func (a *Api) poweroffCmd(value json.RawMessage) ([]byte, error) {
	var confirm bool
	if err := json.Unmarshal(value, &confirm); err != nil || !confirm {
		return nil, errors.New(`power OFF: send "true" value to power off`)
	}
	a.log.Warn("poweroff requested...")
	a.SendResponse("poweroff", []byte("true"), true)
	// The shutdown stops the frontends as well, so it must not run on
	// the delivering frontend thread.
	go a.poweroff()
	return nil, nil
}
