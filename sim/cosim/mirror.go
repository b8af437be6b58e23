package cosim

import "github.com/sirupsen/logrus"

// Mirror copies outbound messages to an external broker for observers.
// The co-simulation bus stays authoritative: mirror failures are logged,
// never returned to the federate.
type Mirror interface {
	Mirror(topic string, payload []byte) error
	Close() error
}

// Mirrored wraps f so every published message is also sent to each mirror
// under "<prefix>/<destination>".
func Mirrored(f Federate, prefix string, mirrors ...Mirror) Federate {
	if len(mirrors) == 0 {
		return f
	}
	return &mirroredFederate{Federate: f, prefix: prefix, mirrors: mirrors}
}

type mirroredFederate struct {
	Federate
	prefix  string
	mirrors []Mirror
}

func (m *mirroredFederate) Publish(endpoint, destination string, payload []byte) error {
	if err := m.Federate.Publish(endpoint, destination, payload); err != nil {
		return err
	}
	topic := destination
	if m.prefix != "" {
		topic = m.prefix + "/" + destination
	}
	for _, mir := range m.mirrors {
		if err := mir.Mirror(topic, payload); err != nil {
			logrus.Warnf("cosim: mirror %s failed: %v", topic, err)
		}
	}
	return nil
}
