package cosim

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSConfig configures the NATS mirror.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// natsConn is the subset of *nats.Conn the mirror uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSMirror publishes mirrored messages to NATS subjects. Topic separators
// become subject tokens: "ssim/grid/reliability" → "ssim.grid.reliability".
type NATSMirror struct {
	conn natsConn
}

// DialNATS connects to the NATS server.
func DialNATS(cfg NATSConfig) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("cosim: connect to nats %s: %w", cfg.URL, err)
	}
	conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			logrus.Warnf("cosim: nats disconnected: %v", err)
		}
	})
	logrus.Infof("cosim: mirroring messages to nats %s", cfg.URL)
	return &NATSMirror{conn: conn}, nil
}

// Subject converts a slash-separated topic to a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Mirror publishes payload on the subject derived from topic.
func (m *NATSMirror) Mirror(topic string, payload []byte) error {
	if err := m.conn.Publish(Subject(topic), payload); err != nil {
		return fmt.Errorf("cosim: nats publish to %s: %w", Subject(topic), err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (m *NATSMirror) Close() error {
	return m.conn.Drain()
}
