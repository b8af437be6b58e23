package cosim

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	defaultMQTTConnectTimeout = 10 * time.Second
	defaultMQTTPublishTimeout = 5 * time.Second
)

// MQTTConfig configures the MQTT mirror.
type MQTTConfig struct {
	Broker         string // e.g. "tcp://localhost:1883"
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
}

// MQTTMirror publishes mirrored messages to an MQTT broker.
type MQTTMirror struct {
	client  pahomqtt.Client
	qos     byte
	retain  bool
	timeout time.Duration
}

// newMQTTClient is replaced in tests.
var newMQTTClient = pahomqtt.NewClient

// DialMQTT connects to the broker and returns a mirror over the connection.
func DialMQTT(cfg MQTTConfig) (*MQTTMirror, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("cosim: mqtt broker url is empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("cosim: mqtt qos %d not in 0..2", cfg.QoS)
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultMQTTConnectTimeout
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logrus.Warnf("cosim: mqtt connection lost: %v", err)
	})

	client := newMQTTClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		// Stops the connect and reconnect goroutines still running in the client.
		client.Disconnect(0)
		return nil, fmt.Errorf("cosim: mqtt connect to %s timed out after %v", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("cosim: mqtt connect to %s: %w", cfg.Broker, err)
	}
	logrus.Infof("cosim: mirroring messages to mqtt %s", cfg.Broker)
	return NewMQTTMirror(client, cfg.QoS, cfg.Retain), nil
}

// NewMQTTMirror wraps an already connected client.
func NewMQTTMirror(client pahomqtt.Client, qos byte, retain bool) *MQTTMirror {
	return &MQTTMirror{client: client, qos: qos, retain: retain, timeout: defaultMQTTPublishTimeout}
}

// Mirror publishes payload on topic and waits for the broker to accept it.
func (m *MQTTMirror) Mirror(topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, m.retain, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("cosim: mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("cosim: mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight messages 250ms to complete.
func (m *MQTTMirror) Close() error {
	m.client.Disconnect(250)
	return nil
}
