package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/mqtt"
)

// Publisher is the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTT publishes every event to <prefix>/events/<type>/<chain>. Status
// updates and downloads snapshots are additionally retained on their state
// topics so late subscribers see the current picture.
type MQTT struct {
	pub    Publisher
	topics mqtt.Topics
	qos    byte
}

// NewMQTT creates the MQTT sink.
func NewMQTT(pub Publisher, topics mqtt.Topics, qos byte) *MQTT {
	return &MQTT{pub: pub, topics: topics, qos: qos}
}

// Name implements Sink.
func (m *MQTT) Name() string { return "mqtt" }

// Handle implements Sink.
func (m *MQTT) Handle(_ context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	if err := m.pub.Publish(m.topics.Event(string(e.Type), e.ChainID), data, m.qos, false); err != nil {
		return err
	}

	var state string
	switch e.Type {
	case event.ChainStatus:
		state = m.topics.Status(e.ChainID)
	case event.DownloadsUpdate:
		state = m.topics.Downloads()
	default:
		return nil
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encoding %s state: %w", e.Type, err)
	}
	return m.pub.Publish(state, payload, m.qos, true)
}
