// Package statuspub republishes driver status events onto external
// channels. The one implementation here forwards events.Bus events to an
// MQTT broker, grounded on the teacher's notify.MQTT notifier -- same
// client-options/connect/publish/disconnect shape, swapped from a
// container-update payload to a driver StatusEvent.
package statuspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Will-Luck/elastic-driver/internal/events"
)

// MQTTSettings configures the MQTT status publisher.
type MQTTSettings struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      int
}

// MQTT republishes every event.Bus event as a JSON message on an MQTT
// topic, for external dashboards that want a live feed of driver state
// without polling the introspection HTTP endpoints.
type MQTT struct {
	broker   string
	topic    string
	clientID string
	username string
	password string
	qos      byte

	log *slog.Logger
}

// NewMQTT creates an MQTT status publisher from settings.
func NewMQTT(settings MQTTSettings, log *slog.Logger) *MQTT {
	qos := byte(settings.QoS)
	if qos > 2 {
		qos = 0
	}
	clientID := settings.ClientID
	if clientID == "" {
		clientID = "elastic-driver"
	}
	return &MQTT{
		broker:   settings.Broker,
		topic:    settings.Topic,
		clientID: clientID,
		username: settings.Username,
		password: settings.Password,
		qos:      qos,
		log:      log,
	}
}

// Run subscribes to bus and publishes every event to the configured MQTT
// topic until ctx is cancelled. It connects once up front and reconnects
// is left to the underlying paho client's auto-reconnect; a connect failure
// at startup is returned to the caller so misconfiguration surfaces early.
func (m *MQTT) Run(ctx context.Context, bus *events.Bus) error {
	opts := mqtt.NewClientOptions().
		SetClientID(m.clientID).
		AddBroker(m.broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("statuspub: mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("statuspub: mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	sub, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			m.publish(client, evt)
		}
	}
}

func (m *MQTT) publish(client mqtt.Client, evt events.StatusEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		m.log.Error("marshal status event for mqtt publish", "error", err)
		return
	}

	pub := client.Publish(m.topic, m.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		m.log.Warn("mqtt publish timed out", "topic", m.topic, "event_type", evt.Type)
		return
	}
	if err := pub.Error(); err != nil {
		m.log.Warn("mqtt publish failed", "topic", m.topic, "event_type", evt.Type, "error", err)
	}
}
