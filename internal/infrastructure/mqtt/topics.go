package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every Odemis topic.
//
// Component state is published under
//
//	odemis/{container}/{component}/va/{name}
//
// and written back through the same topic suffixed with /set.
const TopicPrefix = "odemis"

// Topics provides builders for Odemis MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.VAState("back1", "stage", "speed")
//	// Returns: "odemis/back1/stage/va/speed"
type Topics struct{}

// ProcessStatus returns the status topic of a process, carrying its LWT.
//
// Example: odemis/process/odemisd-1234/status
func (Topics) ProcessStatus(clientID string) string {
	return fmt.Sprintf("%s/process/%s/status", TopicPrefix, clientID)
}

// ContainerStatus returns the status topic of a container.
//
// Example: odemis/back1/status
func (Topics) ContainerStatus(container string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, container)
}

// VAState returns the retained topic holding the value of a VA.
//
// Example: odemis/back1/stage/va/speed
func (Topics) VAState(container, component, name string) string {
	return fmt.Sprintf("%s/%s/%s/va/%s", TopicPrefix, container, component, name)
}

// VASet returns the topic through which a VA is written.
//
// Example: odemis/back1/stage/va/speed/set
func (t Topics) VASet(container, component, name string) string {
	return t.VAState(container, component, name) + "/set"
}

// DataFlowCount returns the topic carrying the number of arrays a DataFlow
// produced.
//
// Example: odemis/back1/sensor/dataflow/data/count
func (Topics) DataFlowCount(container, component, name string) string {
	return fmt.Sprintf("%s/%s/%s/dataflow/%s/count", TopicPrefix, container, component, name)
}

// AllVASets returns a pattern matching every VA write of a container.
//
// Pattern: odemis/back1/+/va/+/set
func (Topics) AllVASets(container string) string {
	return fmt.Sprintf("%s/%s/+/va/+/set", TopicPrefix, container)
}

// ParseVATopic splits a VA state or set topic into its parts. It reports
// false for any other topic.
func (Topics) ParseVATopic(topic string) (container, component, name string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) == 6 && parts[5] == "set" {
		parts = parts[:5]
	}
	if len(parts) != 5 || parts[0] != TopicPrefix || parts[3] != "va" {
		return "", "", "", false
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", false
		}
	}
	return parts[1], parts[2], parts[4], true
}
