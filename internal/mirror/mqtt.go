package mirror

import (
	"encoding/json"
	"fmt"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/infrastructure/mqtt"
)

// Publisher is the part of the MQTT client used by MQTTSink.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTSink publishes VA values as retained messages on
// odemis/{container}/{component}/va/{name}.
type MQTTSink struct {
	client Publisher
	qos    byte
	logger Logger
}

var (
	_ Sink         = (*MQTTSink)(nil)
	_ DataFlowSink = (*MQTTSink)(nil)
)

// NewMQTTSink creates a sink publishing through client.
func NewMQTTSink(client Publisher, qos byte) *MQTTSink {
	return &MQTTSink{client: client, qos: qos, logger: noopLogger{}}
}

// SetLogger sets the logger for the sink.
func (s *MQTTSink) SetLogger(logger Logger) {
	s.logger = logger
}

// VAChanged publishes the JSON encoded value.
func (s *MQTTSink) VAChanged(ref component.Ref, name string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("cannot encode VA value", "component", ref.String(), "va", name, "error", err)
		return
	}
	topic := mqtt.Topics{}.VAState(ref.Container, ref.Name, name)
	if err := s.client.PublishRetained(topic, payload); err != nil {
		s.logger.Warn("publishing VA value failed", "topic", topic, "error", err)
	}
}

// ContainerStatus publishes the retained status of the container.
func (s *MQTTSink) ContainerStatus(container, status string) {
	topic := mqtt.Topics{}.ContainerStatus(container)
	if err := s.client.PublishRetained(topic, []byte(mqtt.StatusPayload(status, container, ""))); err != nil {
		s.logger.Warn("publishing container status failed", "topic", topic, "error", err)
	}
}

// DataFlowStats publishes the number of arrays received in the last period.
func (s *MQTTSink) DataFlowStats(ref component.Ref, name string, arrays int64, shape []int) {
	payload, err := json.Marshal(map[string]any{"arrays": arrays, "shape": shape})
	if err != nil {
		return
	}
	topic := mqtt.Topics{}.DataFlowCount(ref.Container, ref.Name, name)
	if err := s.client.Publish(topic, payload, s.qos, false); err != nil {
		s.logger.Warn("publishing dataflow count failed", "topic", topic, "error", err)
	}
}

// ListenCommands writes to the VAs of m the values received on their
// .../set topic. Validation errors are returned to the MQTT client, which
// logs them.
func (s *MQTTSink) ListenCommands(m *Mirror) error {
	container := m.Container().Name()
	return s.client.Subscribe(mqtt.Topics{}.AllVASets(container), s.qos, func(topic string, payload []byte) error {
		ct, comp, name, ok := mqtt.Topics{}.ParseVATopic(topic)
		if !ok || ct != container || topic != (mqtt.Topics{}).VASet(ct, comp, name) {
			return fmt.Errorf("unexpected command topic %s", topic)
		}
		if err := m.SetJSON(comp, name, payload); err != nil {
			return fmt.Errorf("setting %s.%s: %w", comp, name, err)
		}
		s.logger.Debug("VA set from MQTT", "component", comp, "va", name)
		return nil
	})
}

// StopCommands stops listening to the commands of container.
func (s *MQTTSink) StopCommands(container string) error {
	return s.client.Unsubscribe(mqtt.Topics{}.AllVASets(container))
}
