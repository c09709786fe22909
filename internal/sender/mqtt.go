package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

var errBrokerTimeout = errors.New("timed out waiting for the broker")

// at-least-once
const mqttQoS = 1

// MQTTOptions configures an MQTTSender
type MQTTOptions struct {
	Broker   string `default:"tcp://localhost:1883"`
	Topic    string `default:"blesync/records"`
	Username string
	Password string
	Timeout  time.Duration `default:"5s"`
}

// MQTTSender publishes each record to a topic. The broker connection is
// opened on first use and re-opened after a loss.
type MQTTSender struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	logger  *logrus.Logger

	mu sync.Mutex
}

var _ Sender = (*MQTTSender)(nil)

func NewMQTTSender(opts MQTTOptions, logger *logrus.Logger) *MQTTSender {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	clientID := "blesync-" + uuid.NewString()[:8]
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetConnectTimeout(opts.Timeout).
		SetAutoReconnect(false)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	logger.WithFields(logrus.Fields{
		"broker":    opts.Broker,
		"client_id": clientID,
		"topic":     opts.Topic,
	}).Debug("MQTT sender initialized")

	return &MQTTSender{
		client:  mqtt.NewClient(co),
		topic:   opts.Topic,
		timeout: opts.Timeout,
		logger:  logger,
	}
}

func (s *MQTTSender) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client.IsConnected() {
		return nil
	}
	token := s.client.Connect()
	if !token.WaitTimeout(s.timeout) {
		return &TransportError{Op: "mqtt connect", Err: errBrokerTimeout}
	}
	if err := token.Error(); err != nil {
		return &TransportError{Op: "mqtt connect", Err: err}
	}
	s.logger.Info("MQTT sender connected")
	return nil
}

func (s *MQTTSender) Send(ctx context.Context, body string) error {
	if err := s.connect(); err != nil {
		return err
	}

	token := s.client.Publish(s.topic, mqttQoS, false, body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return &TransportError{Op: "mqtt publish", Err: ctx.Err()}
	case <-time.After(s.timeout):
		return &TransportError{Op: "mqtt publish", Err: errBrokerTimeout}
	}
	if err := token.Error(); err != nil {
		return &TransportError{Op: fmt.Sprintf("mqtt publish %s", s.topic), Err: err}
	}
	return nil
}

// Close disconnects from the broker
func (s *MQTTSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
