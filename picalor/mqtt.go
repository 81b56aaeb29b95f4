// Copyright 2022 The Picalor Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package picalor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// connectTimeout bounds the initial broker connection. An unreachable
// broker at launch is fatal for startup.
const connectTimeout = 30 * time.Second

// MqttFrontend is the MQTT remote client interface. It subscribes to
// the command request topic tree and publishes live data, errors and
// command responses.
type MqttFrontend struct {
	api  *Api
	conf MqttConfig
	log  *zap.SugaredLogger

	client mqtt.Client
}

// NewMqttFrontend creates the MQTT frontend for the given endpoint
// configuration.
func NewMqttFrontend(api *Api, conf MqttConfig, log *zap.SugaredLogger) *MqttFrontend {
	m := &MqttFrontend{
		api:  api,
		conf: conf,
		log:  log.Named("mqtt"),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", conf.BrokerHost, conf.MqttPort)).
		SetClientID("picalor-core").
		SetAutoReconnect(true).
		SetOnConnectHandler(m.onConnect)
	m.client = mqtt.NewClient(opts)
	return m
}

// Launch connects to the broker. It blocks up to 30 seconds; failure
// to connect is returned as an error.
func (m *MqttFrontend) Launch() error {
	m.log.Info("connecting to MQTT broker...")
	token := m.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("timeout while trying to connect, is MQTT running?")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	m.log.Info("OK: Picalor MQTT client is running")
	return nil
}

// Stop disconnects from the broker, allowing the given time for
// in-flight messages to drain.
func (m *MqttFrontend) Stop(timeout time.Duration) {
	m.client.Disconnect(uint(timeout.Milliseconds()))
}

// PushData publishes a payload below the data topic root. Mid-run
// publish errors are swallowed; the client buffers while reconnecting.
func (m *MqttFrontend) PushData(subkey string, payload []byte) {
	m.client.Publish(m.conf.DataTopic+"/"+subkey, 0, false, payload)
}

// PushError publishes an asynchronous error message.
func (m *MqttFrontend) PushError(payload []byte) {
	m.client.Publish(m.conf.DataTopic+"/errors", 0, false, payload)
}

// SendResponse publishes a command response on the ok or err response
// topic.
func (m *MqttFrontend) SendResponse(cmd string, payload []byte, ok bool) {
	topic := m.conf.CmdRespTopic + "/err/" + cmd
	if ok {
		topic = m.conf.CmdRespTopic + "/ok/" + cmd
	}
	m.client.Publish(topic, 0, false, payload)
}

func (m *MqttFrontend) onConnect(client mqtt.Client) {
	m.log.Info("OK, Picalor MQTT connection established")
	topic := m.conf.CmdReqTopic + "/+"
	token := client.Subscribe(topic, 0, m.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		m.log.Errorf("could not subscribe to MQTT command input topic: %v", err)
	}
}

// onMessage handles one command request. The last topic segment is
// the command name, the payload is its JSON value. Dispatch runs on
// its own goroutine so long-running commands do not stall the client.
func (m *MqttFrontend) onMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	cmd := parts[len(parts)-1]
	value := json.RawMessage(msg.Payload())
	m.log.Debugf("received cmd: %s", cmd)
	go m.api.Dispatch(cmd, value)
}

var _ Frontend = &MqttFrontend{}
