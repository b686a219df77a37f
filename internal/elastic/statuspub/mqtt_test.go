package statuspub

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Will-Luck/elastic-driver/internal/events"
	"github.com/Will-Luck/elastic-driver/internal/logging"
)

type fakeToken struct {
	err  error
	wait bool
}

func (t *fakeToken) Wait() bool                     { return t.wait }
func (t *fakeToken) WaitTimeout(time.Duration) bool  { return t.wait }
func (t *fakeToken) Done() <-chan struct{}           { ch := make(chan struct{}); close(ch); return ch }
func (t *fakeToken) Error() error                    { return t.err }

type fakeMQTTClient struct {
	published []publishedMsg
	token     *fakeToken
}

type publishedMsg struct {
	topic   string
	qos     byte
	payload any
}

func (c *fakeMQTTClient) IsConnected() bool      { return true }
func (c *fakeMQTTClient) IsConnectionOpen() bool { return true }
func (c *fakeMQTTClient) Connect() mqtt.Token    { return c.token }
func (c *fakeMQTTClient) Disconnect(quiesce uint) {}
func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.published = append(c.published, publishedMsg{topic: topic, qos: qos, payload: payload})
	return c.token
}
func (c *fakeMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.token
}
func (c *fakeMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.token
}
func (c *fakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token { return c.token }
func (c *fakeMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (c *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func TestNewMQTTAppliesDefaults(t *testing.T) {
	m := NewMQTT(MQTTSettings{Broker: "tcp://localhost:1883", Topic: "driver/status"}, logging.New(false).Logger)
	if m.clientID != "elastic-driver" {
		t.Errorf("clientID = %q, want default \"elastic-driver\"", m.clientID)
	}
	if m.qos != 0 {
		t.Errorf("qos = %d, want 0 default", m.qos)
	}
}

func TestNewMQTTClampsInvalidQoS(t *testing.T) {
	m := NewMQTT(MQTTSettings{Broker: "tcp://localhost:1883", Topic: "driver/status", QoS: 9}, logging.New(false).Logger)
	if m.qos != 0 {
		t.Errorf("qos = %d, want clamped to 0 for an out-of-range setting", m.qos)
	}
}

func TestPublishSendsJSONPayload(t *testing.T) {
	m := NewMQTT(MQTTSettings{Broker: "tcp://localhost:1883", Topic: "driver/status"}, logging.New(false).Logger)
	client := &fakeMQTTClient{token: &fakeToken{wait: true}}

	m.publish(client, events.StatusEvent{Type: events.EventRoundCommitted})

	if len(client.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.published))
	}
	if client.published[0].topic != "driver/status" {
		t.Errorf("topic = %q, want driver/status", client.published[0].topic)
	}
}

func TestPublishSwallowsPublishTimeout(t *testing.T) {
	m := NewMQTT(MQTTSettings{Broker: "tcp://localhost:1883", Topic: "driver/status"}, logging.New(false).Logger)
	client := &fakeMQTTClient{token: &fakeToken{wait: false}}

	// Must not panic; the timeout is logged, not returned.
	m.publish(client, events.StatusEvent{Type: events.EventHostDiscovered, Host: "h1"})
}

func TestPublishSwallowsPublishError(t *testing.T) {
	m := NewMQTT(MQTTSettings{Broker: "tcp://localhost:1883", Topic: "driver/status"}, logging.New(false).Logger)
	client := &fakeMQTTClient{token: &fakeToken{wait: true, err: errors.New("publish failed")}}

	m.publish(client, events.StatusEvent{Type: events.EventHostBlacklisted, Host: "h1"})
}
