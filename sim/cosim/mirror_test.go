package cosim

import (
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (r *recordingMirror) Mirror(topic string, payload []byte) error {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return r.err
}

func (r *recordingMirror) Close() error { return nil }

func TestMirrored_CopiesPublishedMessages(t *testing.T) {
	// GIVEN a mirrored federate
	b := NewBroker()
	rec := &recordingMirror{}
	broken := &recordingMirror{err: errors.New("broker down")}
	a := Mirrored(join(t, b, "a", "out"), "ssim", rec, broken)
	c := join(t, b, "c", "in")
	enterAll(t, a, c)

	// WHEN it publishes
	require.NoError(t, a.Publish("out", "c/in", []byte("hello")))

	// THEN the message is mirrored under the prefix, and a failing mirror is not fatal
	assert.Equal(t, []string{"ssim/c/in"}, rec.topics)
	assert.Equal(t, [][]byte{[]byte("hello")}, rec.payloads)
	assert.Len(t, broken.topics, 1)
	assert.Equal(t, "a", a.Name())
}

func TestMirrored_BusErrorNotMirrored(t *testing.T) {
	b := NewBroker()
	rec := &recordingMirror{}
	a := Mirrored(join(t, b, "a", "out"), "", rec)
	enterAll(t, a)

	err := a.Publish("out", "ghost/in", nil)
	assert.ErrorIs(t, err, ErrUnknownDestination)
	assert.Empty(t, rec.topics)
}

func TestMirrored_NoMirrorsReturnsSameFederate(t *testing.T) {
	b := NewBroker()
	f := join(t, b, "a")
	assert.Same(t, f, Mirrored(f, "x"))
}

// fakeToken completes immediately with err, or never when pending.
type fakeToken struct {
	err     error
	pending bool
}

func (t fakeToken) Wait() bool                     { return !t.pending }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.pending }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}
func (t fakeToken) Error() error { return t.err }

// fakeMQTTClient overrides only what the mirror uses.
type fakeMQTTClient struct {
	pahomqtt.Client
	published    []string
	qos          byte
	retained     bool
	err          error
	connect      fakeToken
	disconnected bool
}

func (f *fakeMQTTClient) Connect() pahomqtt.Token { return f.connect }

func (f *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.published = append(f.published, topic)
	f.qos, f.retained = qos, retained
	return fakeToken{err: f.err}
}

func (f *fakeMQTTClient) Disconnect(quiesce uint) { f.disconnected = true }

func TestMQTTMirror_PublishesWithQoS(t *testing.T) {
	client := &fakeMQTTClient{}
	m := NewMQTTMirror(client, 1, true)

	require.NoError(t, m.Mirror("ssim/grid/reliability", []byte("{}")))
	assert.Equal(t, []string{"ssim/grid/reliability"}, client.published)
	assert.Equal(t, byte(1), client.qos)
	assert.True(t, client.retained)

	client.err = errors.New("not authorized")
	assert.Error(t, m.Mirror("x", nil))

	require.NoError(t, m.Close())
	assert.True(t, client.disconnected)
}

func TestDialMQTT_RejectsBadConfig(t *testing.T) {
	_, err := DialMQTT(MQTTConfig{})
	assert.Error(t, err)
	_, err = DialMQTT(MQTTConfig{Broker: "tcp://localhost:1883", QoS: 3})
	assert.Error(t, err)
}

func TestDialMQTT_FailedConnectDisconnectsClient(t *testing.T) {
	tests := []struct {
		name    string
		connect fakeToken
	}{
		{"timeout", fakeToken{pending: true}},
		{"refused", fakeToken{err: errors.New("connection refused")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN a client whose connect does not succeed
			client := &fakeMQTTClient{connect: tc.connect}
			restore := newMQTTClient
			newMQTTClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return client }
			t.Cleanup(func() { newMQTTClient = restore })

			// WHEN dialing
			m, err := DialMQTT(MQTTConfig{Broker: "tcp://localhost:1883", ConnectTimeout: time.Millisecond})

			// THEN the dial fails and the client is shut down
			assert.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, client.disconnected)
		})
	}
}

func TestDialMQTT_ConnectedClientStaysUp(t *testing.T) {
	client := &fakeMQTTClient{}
	restore := newMQTTClient
	newMQTTClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return client }
	t.Cleanup(func() { newMQTTClient = restore })

	m, err := DialMQTT(MQTTConfig{Broker: "tcp://localhost:1883", QoS: 1})

	require.NoError(t, err)
	assert.False(t, client.disconnected)
	require.NoError(t, m.Close())
	assert.True(t, client.disconnected)
}

type fakeNATS struct {
	subjects []string
	drained  bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSMirror_ConvertsTopicToSubject(t *testing.T) {
	conn := &fakeNATS{}
	m := &NATSMirror{conn: conn}

	require.NoError(t, m.Mirror("ssim/grid/reliability", []byte("{}")))
	require.NoError(t, m.Close())

	assert.Equal(t, []string{"ssim.grid.reliability"}, conn.subjects)
	assert.True(t, conn.drained)
	assert.Equal(t, "a.b", Subject("/a/b/"))
}

func TestDestination(t *testing.T) {
	assert.Equal(t, "grid/reliability", Destination("grid", "reliability"))
}
